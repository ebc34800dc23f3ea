package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hausmate/bursar/internal/consent"
	"github.com/hausmate/bursar/internal/hsi"
	"github.com/hausmate/bursar/internal/ledger"
	"github.com/hausmate/bursar/internal/payments"
	"github.com/hausmate/bursar/pkg/logging"
)

func newReconciler(t *testing.T) (*WebhookReconciler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := logging.NewLogger()
	cycles := ledger.NewCycleManager(db, logger, hsi.NewEngine(db, logger), 100)
	settler := payments.NewSettler(logger, cycles, hsi.NewEngine(db, logger))
	machine := consent.NewMachine(db, logger)
	return NewWebhookReconciler(db, logger, settler, machine, nil), mock
}

func taskRows(taskID, status, intentID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "house_id", "user_id", "description", "payment_status",
		"stripe_payment_intent_id", "amount_cents", "created_at", "updated_at",
	}).AddRow(taskID, "house-1", "user-1", "clean kitchen", status, intentID, 1500, now, now)
}

func TestIngestDuplicateCommitsNoEffects(t *testing.T) {
	r, mock := newReconciler(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bursar.webhook_events`).
		WithArgs("stripe", "evt_1", "payment_intent.succeeded", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	result, err := r.Ingest(context.Background(), &Event{
		Provider: "stripe",
		ID:       "evt_1",
		Type:     "payment_intent.succeeded",
		Raw:      []byte(`{}`),
		Intent:   &PaymentIntent{ID: "pi_1", Status: "succeeded"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Duplicate {
		t.Fatal("expected duplicate result")
	}
	if result.Applied {
		t.Fatal("duplicate must not apply effects")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIngestUnknownEventTypeAcked(t *testing.T) {
	r, mock := newReconciler(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bursar.webhook_events`).
		WithArgs("stripe", "evt_2", "charge.refunded", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := r.Ingest(context.Background(), &Event{
		Provider: "stripe",
		ID:       "evt_2",
		Type:     "charge.refunded",
		Raw:      []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Duplicate || result.Applied {
		t.Fatalf("unhandled type should ack without effects, got %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIngestSucceededSettlesPayment(t *testing.T) {
	r, mock := newReconciler(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bursar.webhook_events`).
		WithArgs("stripe", "evt_3", "payment_intent.succeeded", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, charge_id, amount_cents, status`).
		WithArgs("pi_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "charge_id", "amount_cents", "status"}).
			AddRow("pay-1", "charge-1", 3534, "processing"))
	mock.ExpectQuery(`SELECT b.id, b.ledger_id, hs.house_id`).
		WithArgs("charge-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "ledger_id", "house_id"}).
			AddRow("bill-1", "ledger-1", "house-1"))
	mock.ExpectExec(`UPDATE bursar.payments`).
		WithArgs("pay-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bursar.charges SET status = 'paid'`).
		WithArgs("charge-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT funded_cents, total_required_cents, status`).
		WithArgs("ledger-1").
		WillReturnRows(sqlmock.NewRows([]string{"funded_cents", "total_required_cents", "status"}).
			AddRow(0, 10600, "active"))
	mock.ExpectExec(`UPDATE bursar.house_service_ledgers`).
		WithArgs("ledger-1", int64(3534)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bursar.charges`).
		WithArgs("bill-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT funded_cents, total_required_cents, status`).
		WithArgs("ledger-1").
		WillReturnRows(sqlmock.NewRows([]string{"funded_cents", "total_required_cents", "status"}).
			AddRow(3534, 10600, "active"))
	// no consent task rides this intent
	mock.ExpectQuery(`SELECT id, house_id, user_id, description, payment_status`).
		WithArgs("pi_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "house_id", "user_id", "description", "payment_status",
			"stripe_payment_intent_id", "amount_cents", "created_at", "updated_at",
		}))
	mock.ExpectCommit()

	result, err := r.Ingest(context.Background(), &Event{
		Provider: "stripe",
		ID:       "evt_3",
		Type:     "payment_intent.succeeded",
		Raw:      []byte(`{}`),
		Intent:   &PaymentIntent{ID: "pi_1", Status: "succeeded"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected applied result, got %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIngestSucceededUnmatchedMarksFailed(t *testing.T) {
	r, mock := newReconciler(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bursar.webhook_events`).
		WithArgs("stripe", "evt_4", "payment_intent.succeeded", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, charge_id, amount_cents, status`).
		WithArgs("pi_unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id", "charge_id", "amount_cents", "status"}))
	mock.ExpectQuery(`SELECT id, house_id, user_id, description, payment_status`).
		WithArgs("pi_unknown").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "house_id", "user_id", "description", "payment_status",
			"stripe_payment_intent_id", "amount_cents", "created_at", "updated_at",
		}))
	mock.ExpectExec(`UPDATE bursar.webhook_events`).
		WithArgs("stripe", "evt_4", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := r.Ingest(context.Background(), &Event{
		Provider: "stripe",
		ID:       "evt_4",
		Type:     "payment_intent.succeeded",
		Raw:      []byte(`{}`),
		Intent:   &PaymentIntent{ID: "pi_unknown", Status: "succeeded"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Applied {
		t.Fatal("unmatched intent must not claim applied effects")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIngestCanceledCancelsConsentTask(t *testing.T) {
	r, mock := newReconciler(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO bursar.webhook_events`).
		WithArgs("stripe", "evt_5", "payment_intent.canceled", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, house_id, user_id, description, payment_status`).
		WithArgs("pi_9").
		WillReturnRows(taskRows("task-1", "pending", "pi_9"))
	mock.ExpectQuery(`SELECT id, house_id, user_id, description, payment_status`).
		WithArgs("task-1").
		WillReturnRows(taskRows("task-1", "pending", "pi_9"))
	mock.ExpectExec(`UPDATE bursar.tasks`).
		WithArgs("task-1", "cancelled", "pi_9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := r.Ingest(context.Background(), &Event{
		Provider: "stripe",
		ID:       "evt_5",
		Type:     "payment_intent.canceled",
		Raw:      []byte(`{}`),
		Intent:   &PaymentIntent{ID: "pi_9", Status: "canceled"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Applied {
		t.Fatalf("expected cancellation applied, got %+v", result)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
