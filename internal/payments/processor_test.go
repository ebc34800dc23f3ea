package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hausmate/bursar/internal/ledger"
	"github.com/hausmate/bursar/pkg/logging"
)

type fakeClient struct {
	calls    int
	failures int
	failWith error
	status   string
}

func (f *fakeClient) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*IntentResult, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, f.failWith
	}
	return &IntentResult{ID: "pi_test", Status: "processing"}, nil
}

func (f *fakeClient) GetPaymentIntent(ctx context.Context, id string) (*IntentResult, error) {
	status := f.status
	if status == "" {
		status = "processing"
	}
	return &IntentResult{ID: id, Status: status}, nil
}

func paymentRows(id, status string, retries int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "charge_id", "user_id", "idempotency_key", "amount_cents", "currency",
		"status", "retry_count", "stripe_payment_intent_id", "error_message",
		"submitted_at", "completed_at", "created_at", "updated_at",
	}).AddRow(id, "charge-1", "user-1", "key-1", 3534, "USD",
		status, retries, nil, nil, time.Now(), nil, time.Now(), time.Now())
}

func TestSubmitDuplicateKeyNoExternalCall(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	client := &fakeClient{}
	p := NewProcessor(db, logging.NewLogger(), client, 3, time.Millisecond)

	mock.ExpectQuery(`SELECT amount_cents, status FROM bursar.charges`).
		WithArgs("charge-1").
		WillReturnRows(sqlmock.NewRows([]string{"amount_cents", "status"}).AddRow(3534, "processing"))
	mock.ExpectExec(`INSERT INTO bursar.payments`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // conflict, row exists
	mock.ExpectQuery(`SELECT id, charge_id, user_id, idempotency_key`).
		WithArgs("key-1").
		WillReturnRows(paymentRows("pay-1", "processing", 0))

	payment, err := p.Submit(context.Background(), "charge-1", "user-1", "key-1", "pm_card")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.ID != "pay-1" {
		t.Fatalf("expected existing payment pay-1, got %s", payment.ID)
	}
	if client.calls != 0 {
		t.Fatalf("expected no external calls for duplicate key, got %d", client.calls)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubmitNewPaymentSingleExternalCall(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	client := &fakeClient{}
	p := NewProcessor(db, logging.NewLogger(), client, 3, time.Millisecond)

	mock.ExpectQuery(`SELECT amount_cents, status FROM bursar.charges`).
		WithArgs("charge-1").
		WillReturnRows(sqlmock.NewRows([]string{"amount_cents", "status"}).AddRow(3534, "unpaid"))
	mock.ExpectExec(`INSERT INTO bursar.payments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, charge_id, user_id, idempotency_key`).
		WithArgs("key-1").
		WillReturnRows(paymentRows("pay-1", "pending", 0))
	mock.ExpectExec(`UPDATE bursar.charges SET status = 'processing'`).
		WithArgs("charge-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bursar.payments`).
		WithArgs("pay-1", "pi_test").
		WillReturnResult(sqlmock.NewResult(0, 1))

	payment, err := p.Submit(context.Background(), "charge-1", "user-1", "key-1", "pm_card")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.Status != "processing" {
		t.Fatalf("expected processing, got %s", payment.Status)
	}
	if payment.StripePaymentIntentID == nil || *payment.StripePaymentIntentID != "pi_test" {
		t.Fatalf("expected intent pi_test stored")
	}
	if client.calls != 1 {
		t.Fatalf("expected exactly one external call, got %d", client.calls)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubmitRetriesTransientThenSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	client := &fakeClient{failures: 2, failWith: &TransientError{Err: errors.New("processor 503")}}
	p := NewProcessor(db, logging.NewLogger(), client, 3, time.Millisecond)

	mock.ExpectQuery(`SELECT amount_cents, status FROM bursar.charges`).
		WithArgs("charge-1").
		WillReturnRows(sqlmock.NewRows([]string{"amount_cents", "status"}).AddRow(3534, "unpaid"))
	mock.ExpectExec(`INSERT INTO bursar.payments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, charge_id, user_id, idempotency_key`).
		WithArgs("key-1").
		WillReturnRows(paymentRows("pay-1", "pending", 0))
	mock.ExpectExec(`UPDATE bursar.charges SET status = 'processing'`).
		WithArgs("charge-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// two retry bumps, then the processing advance
	mock.ExpectExec(`UPDATE bursar.payments SET retry_count`).
		WithArgs("pay-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bursar.payments SET retry_count`).
		WithArgs("pay-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bursar.payments`).
		WithArgs("pay-1", "pi_test").
		WillReturnResult(sqlmock.NewResult(0, 1))

	payment, err := p.Submit(context.Background(), "charge-1", "user-1", "key-1", "pm_card")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", client.calls)
	}
	if payment.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", payment.RetryCount)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubmitPermanentErrorFailsWithoutRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	client := &fakeClient{failures: 1, failWith: errors.New("card declined")}
	p := NewProcessor(db, logging.NewLogger(), client, 3, time.Millisecond)

	mock.ExpectQuery(`SELECT amount_cents, status FROM bursar.charges`).
		WithArgs("charge-1").
		WillReturnRows(sqlmock.NewRows([]string{"amount_cents", "status"}).AddRow(3534, "unpaid"))
	mock.ExpectExec(`INSERT INTO bursar.payments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, charge_id, user_id, idempotency_key`).
		WithArgs("key-1").
		WillReturnRows(paymentRows("pay-1", "pending", 0))
	mock.ExpectExec(`UPDATE bursar.charges SET status = 'processing'`).
		WithArgs("charge-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bursar.payments SET status = 'failed'`).
		WithArgs("pay-1", "card declined").
		WillReturnResult(sqlmock.NewResult(0, 1))

	payment, err := p.Submit(context.Background(), "charge-1", "user-1", "key-1", "pm_card")
	if err == nil {
		t.Fatal("expected error for permanent failure")
	}
	if client.calls != 1 {
		t.Fatalf("expected single attempt for permanent error, got %d", client.calls)
	}
	if payment == nil || payment.Status != "failed" {
		t.Fatalf("expected failed payment, got %+v", payment)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubmitMissingIdempotencyKeyRejected(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	p := NewProcessor(db, logging.NewLogger(), &fakeClient{}, 3, time.Millisecond)
	_, err = p.Submit(context.Background(), "charge-1", "user-1", "", "pm_card")
	if _, ok := err.(*ledger.ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRetryCompletedPaymentRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	p := NewProcessor(db, logging.NewLogger(), &fakeClient{}, 3, time.Millisecond)

	mock.ExpectQuery(`SELECT id, charge_id, user_id, idempotency_key`).
		WithArgs("pay-1").
		WillReturnRows(paymentRows("pay-1", "completed", 0))

	_, err = p.Retry(context.Background(), "pay-1")
	if _, ok := err.(*ledger.ValidationError); !ok {
		t.Fatalf("expected ValidationError for completed payment, got %v", err)
	}
}

func TestRetryExhaustedBudgetRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	p := NewProcessor(db, logging.NewLogger(), &fakeClient{}, 3, time.Millisecond)

	mock.ExpectQuery(`SELECT id, charge_id, user_id, idempotency_key`).
		WithArgs("pay-1").
		WillReturnRows(paymentRows("pay-1", "failed", 3))

	_, err = p.Retry(context.Background(), "pay-1")
	if _, ok := err.(*ledger.ValidationError); !ok {
		t.Fatalf("expected ValidationError for exhausted budget, got %v", err)
	}
}

func TestSubmitResumesStalledPendingPayment(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	client := &fakeClient{}
	p := NewProcessor(db, logging.NewLogger(), client, 3, time.Millisecond)

	// A crash between the insert and the external call leaves the payment
	// pending with no intent. Resubmitting the key must finish the call.
	mock.ExpectQuery(`SELECT amount_cents, status FROM bursar.charges`).
		WithArgs("charge-1").
		WillReturnRows(sqlmock.NewRows([]string{"amount_cents", "status"}).AddRow(3534, "processing"))
	mock.ExpectExec(`INSERT INTO bursar.payments`).
		WillReturnResult(sqlmock.NewResult(0, 0)) // conflict, row exists
	mock.ExpectQuery(`SELECT id, charge_id, user_id, idempotency_key`).
		WithArgs("key-1").
		WillReturnRows(paymentRows("pay-1", "pending", 0))
	mock.ExpectExec(`UPDATE bursar.payments`).
		WithArgs("pay-1", "pi_test").
		WillReturnResult(sqlmock.NewResult(0, 1))

	payment, err := p.Submit(context.Background(), "charge-1", "user-1", "key-1", "pm_card")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("expected one external call resuming the stalled payment, got %d", client.calls)
	}
	if payment.Status != "processing" {
		t.Fatalf("expected payment to advance to processing, got %s", payment.Status)
	}
	if payment.StripePaymentIntentID == nil || *payment.StripePaymentIntentID != "pi_test" {
		t.Fatalf("expected intent pi_test on resumed payment, got %+v", payment.StripePaymentIntentID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
