package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/hausmate/bursar/internal/consent"
	"github.com/hausmate/bursar/internal/hsi"
	"github.com/hausmate/bursar/internal/ledger"
	"github.com/hausmate/bursar/internal/payments"
	"github.com/hausmate/bursar/internal/reconcile"
	"github.com/hausmate/bursar/pkg/logging"
)

func setupWebhookTest(t *testing.T, secret string) sqlmock.Sqlmock {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		mockDB.Close()
		db = nil
		reconciler = nil
		webhookSecret = ""
	})

	db = mockDB
	logger = logging.NewLogger()
	metrics = nil
	webhookSecret = secret

	cycleManager := ledger.NewCycleManager(mockDB, logger, hsi.NewEngine(mockDB, logger), 100)
	settler := payments.NewSettler(logger, cycleManager, hsi.NewEngine(mockDB, logger))
	reconciler = reconcile.NewWebhookReconciler(mockDB, logger, settler, consent.NewMachine(mockDB, logger), nil)

	return mock
}

func postWebhook(body []byte, signature string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/webhooks/stripe", HandleStripeWebhook)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleStripeWebhookMissingSecret(t *testing.T) {
	setupWebhookTest(t, "")

	w := postWebhook([]byte(`{"id":"evt_1"}`), "t=123,v1=deadbeef")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestHandleStripeWebhookInvalidSignature(t *testing.T) {
	setupWebhookTest(t, "unit-test-secret")

	w := postWebhook([]byte(`{"id":"evt_2"}`), "t=123,v1=deadbeef")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHandleStripeWebhookInvalidPayload(t *testing.T) {
	setupWebhookTest(t, "unit-test-secret")

	body := []byte(`not-json`)
	w := postWebhook(body, stripeSignatureHeader(body, "unit-test-secret", time.Now().Unix()))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleStripeWebhookDuplicateAcked(t *testing.T) {
	mock := setupWebhookTest(t, "unit-test-secret")

	payload := StripeWebhookPayload{
		ID:   "evt_test_123",
		Type: "payment_intent.succeeded",
	}
	payload.Data.Object = json.RawMessage(`{"id":"pi_test","status":"succeeded"}`)
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bursar.webhook_events`).
		WithArgs("stripe", "evt_test_123", "payment_intent.succeeded", body).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	w := postWebhook(body, stripeSignatureHeader(body, "unit-test-secret", time.Now().Unix()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "duplicate" {
		t.Fatalf("expected duplicate status, got %q", resp["status"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerifyStripeSignatureRejectsOldTimestamp(t *testing.T) {
	setupWebhookTest(t, "unit-test-secret")

	body := []byte(`{"id":"evt_old"}`)
	stale := time.Now().Add(-10 * time.Minute).Unix()
	if verifyStripeSignature(body, stripeSignatureHeader(body, "unit-test-secret", stale), "unit-test-secret") {
		t.Fatal("expected stale timestamp to be rejected")
	}
}

func stripeSignatureHeader(payload []byte, secret string, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, expectedSignature)
}
