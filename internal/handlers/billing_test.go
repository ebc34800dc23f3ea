package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/hausmate/bursar/internal/ledger"
	"github.com/hausmate/bursar/internal/payments"
	"github.com/hausmate/bursar/pkg/logging"
)

func setupBillingTest(t *testing.T) sqlmock.Sqlmock {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		mockDB.Close()
		db = nil
		processor = nil
		allocator = nil
	})

	db = mockDB
	logger = logging.NewLogger()
	metrics = nil
	emitter = nil
	processor = payments.NewProcessor(mockDB, logger, nil, 3, time.Millisecond)
	allocator = ledger.NewAllocator(mockDB, logger)

	return mock
}

func payRequest(chargeID string, body interface{}) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/billing/charges/:charge_id/pay", func(c *gin.Context) {
		c.Set("user_id", "user-1")
		c.Set("house_id", "house-1")
		SubmitPayment(c)
	})

	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/billing/charges/"+chargeID+"/pay", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitPaymentRequiresIdempotencyKey(t *testing.T) {
	setupBillingTest(t)

	w := payRequest("charge-1", map[string]string{"payment_method": "pm_card"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestSubmitPaymentDuplicateReturnsExisting(t *testing.T) {
	mock := setupBillingTest(t)

	now := time.Now()
	mock.ExpectQuery(`SELECT amount_cents, status FROM bursar.charges`).
		WithArgs("charge-1").
		WillReturnRows(sqlmock.NewRows([]string{"amount_cents", "status"}).AddRow(3534, "processing"))
	mock.ExpectExec(`INSERT INTO bursar.payments`).
		WithArgs("charge-1", "user-1", "key-1", int64(3534), "USD").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id, charge_id, user_id, idempotency_key`).
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "charge_id", "user_id", "idempotency_key", "amount_cents", "currency",
			"status", "retry_count", "stripe_payment_intent_id", "error_message",
			"submitted_at", "completed_at", "created_at", "updated_at",
		}).AddRow("pay-1", "charge-1", "user-1", "key-1", 3534, "USD",
			"processing", 0, "pi_1", nil, now, nil, now, now))

	w := payRequest("charge-1", map[string]string{"idempotency_key": "key-1"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", w.Code, w.Body.String())
	}

	var resp struct {
		Payment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Payment.ID != "pay-1" || resp.Payment.Status != "processing" {
		t.Fatalf("expected existing payment record, got %+v", resp.Payment)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubmitPaymentAlreadyPaidCharge(t *testing.T) {
	mock := setupBillingTest(t)

	mock.ExpectQuery(`SELECT amount_cents, status FROM bursar.charges`).
		WithArgs("charge-1").
		WillReturnRows(sqlmock.NewRows([]string{"amount_cents", "status"}).AddRow(3534, "paid"))

	w := payRequest("charge-1", map[string]string{"idempotency_key": "key-2"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", w.Code, w.Body.String())
	}
}
