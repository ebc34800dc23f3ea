package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/hausmate/bursar/internal/payments"
	"github.com/hausmate/bursar/pkg/logging"
)

// Client wraps the Stripe payment intent API for charge settlement and task
// consent authorizations.
type Client struct {
	secretKey     string
	webhookSecret string
	logger        logging.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
	Logger        logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey

	return &Client{
		secretKey:     config.SecretKey,
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}
}

// WebhookSecret returns the endpoint signing secret for webhook verification.
func (c *Client) WebhookSecret() string {
	return c.webhookSecret
}

// Configured reports whether a secret key is present.
func (c *Client) Configured() bool {
	return c.secretKey != ""
}

// CreatePaymentIntent creates and confirms an immediate-capture intent for a
// charge. The idempotency key rides through to Stripe, so a retried submission
// returns the original intent instead of double-charging.
func (c *Client) CreatePaymentIntent(ctx context.Context, req payments.IntentRequest) (*payments.IntentResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(req.Currency),
		Confirm:  stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if req.PaymentMethodRef != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethodRef)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = req.Metadata
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, c.classify(err, "failed to create payment intent")
	}

	c.logger.WithFields(logging.Fields{
		"intent_id":    pi.ID,
		"status":       pi.Status,
		"amount_cents": req.AmountCents,
	}).Info("Created Stripe payment intent")

	return intentResult(pi), nil
}

// CreateConsentIntent creates a manual-capture intent holding a task payment
// until the member authorizes it.
func (c *Client) CreateConsentIntent(ctx context.Context, taskID string, amountCents int64, currency string) (*payments.IntentResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Metadata: map[string]string{
			"task_id": taskID,
			"purpose": "task_consent",
		},
	}
	params.Context = ctx

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, c.classify(err, "failed to create consent intent")
	}

	c.logger.WithFields(logging.Fields{
		"intent_id": pi.ID,
		"task_id":   taskID,
	}).Info("Created Stripe consent intent")

	return intentResult(pi), nil
}

// GetPaymentIntent fetches the authoritative intent state. The stuck-payment
// sweep uses this to settle payments whose webhook never arrived.
func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*payments.IntentResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return nil, c.classify(err, "failed to get payment intent")
	}
	return intentResult(pi), nil
}

// CancelPaymentIntent releases a held authorization, e.g. on consent revoke.
func (c *Client) CancelPaymentIntent(ctx context.Context, id string) (*payments.IntentResult, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	pi, err := paymentintent.Cancel(id, params)
	if err != nil {
		return nil, c.classify(err, "failed to cancel payment intent")
	}

	c.logger.WithField("intent_id", id).Info("Canceled Stripe payment intent")
	return intentResult(pi), nil
}

// classify wraps Stripe errors, marking rate limits, 5xx responses and
// transport failures transient so the submission path retries them.
func (c *Client) classify(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if stripeErr, ok := err.(*stripe.Error); ok {
		if stripeErr.HTTPStatusCode == 429 || stripeErr.HTTPStatusCode >= 500 {
			return &payments.TransientError{Err: wrapped}
		}
		return wrapped
	}
	// Non-API errors are connectivity problems, safe to retry with the
	// same idempotency key.
	return &payments.TransientError{Err: wrapped}
}

func intentResult(pi *stripe.PaymentIntent) *payments.IntentResult {
	result := &payments.IntentResult{
		ID:     pi.ID,
		Status: string(pi.Status),
	}
	if pi.LastPaymentError != nil {
		result.Error = pi.LastPaymentError.Msg
	}
	return result
}
