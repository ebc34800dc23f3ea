package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hausmate/bursar/internal/reconcile"
	"github.com/hausmate/bursar/pkg/logging"
	"github.com/hausmate/bursar/pkg/middleware"
)

// StripeWebhookPayload is the provider's event envelope
type StripeWebhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// StripePaymentIntentObject for payment_intent.* events
type StripePaymentIntentObject struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
	Metadata struct {
		TaskID  string `json:"task_id"`
		Purpose string `json:"purpose"`
	} `json:"metadata"`
}

// verifyStripeSignature verifies the Stripe webhook signature using HMAC-SHA256
func verifyStripeSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	// Parse Stripe signature header format: t=timestamp,v1=signature,v1=signature
	elements := strings.Split(signature, ",")
	var timestamp string
	var signatures []string

	for _, element := range elements {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}

		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		logger.Error("Invalid Stripe signature format: missing timestamp or signatures")
		return false
	}

	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		logger.WithFields(logging.Fields{
			"timestamp": timestamp,
			"error":     err,
		}).Error("Failed to parse Stripe webhook timestamp")
		return false
	}

	now := time.Now().Unix()
	if now-timestampInt > 300 { // 5 minutes tolerance
		logger.WithFields(logging.Fields{
			"timestamp":   timestampInt,
			"current":     now,
			"age_seconds": now - timestampInt,
		}).Warn("Stripe webhook timestamp too old")
		return false
	}

	// Signed payload is timestamp + "." + payload
	signedPayload := timestamp + "." + string(payload)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return true
		}
	}

	logger.WithFields(logging.Fields{
		"timestamp":   timestamp,
		"payload_len": len(payload),
	}).Warn("Stripe signature verification failed")

	return false
}

// HandleStripeWebhook verifies, records and applies one Stripe event. The
// reconciler makes redelivery safe, so this endpoint always acks events it
// has seen before.
func HandleStripeWebhook(c middleware.Context) {
	if webhookSecret == "" {
		logger.Error("Stripe webhook received but no webhook secret configured")
		c.JSON(http.StatusServiceUnavailable, middleware.H{"error": "webhook processing unavailable"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "failed to read request body"})
		return
	}

	if !verifyStripeSignature(body, c.GetHeader("Stripe-Signature"), webhookSecret) {
		if metrics != nil {
			metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		}
		c.JSON(http.StatusUnauthorized, middleware.H{"error": "invalid signature"})
		return
	}

	var payload StripeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.ID == "" {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "invalid event payload"})
		return
	}

	event := &reconcile.Event{
		Provider: "stripe",
		ID:       payload.ID,
		Type:     payload.Type,
		Raw:      body,
	}
	if strings.HasPrefix(payload.Type, "payment_intent.") {
		var intent StripePaymentIntentObject
		if err := json.Unmarshal(payload.Data.Object, &intent); err != nil {
			c.JSON(http.StatusBadRequest, middleware.H{"error": "invalid payment intent object"})
			return
		}
		event.Intent = &reconcile.PaymentIntent{ID: intent.ID, Status: intent.Status}
		if intent.LastPaymentError != nil {
			event.Intent.LastError = intent.LastPaymentError.Message
		}
	}

	result, err := reconciler.Ingest(c.Request.Context(), event)
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"event_id":   payload.ID,
			"event_type": payload.Type,
		}).Error("Failed to process webhook event")
		// Non-2xx makes Stripe redeliver; nothing committed for this event.
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "failed to process event"})
		return
	}

	outcome := "processed"
	if result.Duplicate {
		outcome = "duplicate"
	}
	if metrics != nil {
		metrics.WebhookEvents.WithLabelValues(outcome).Inc()
	}

	c.JSON(http.StatusOK, middleware.H{"status": outcome, "message": result.Message})
}
