package consent

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hausmate/bursar/pkg/logging"
	"github.com/hausmate/bursar/pkg/models"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to string }{
		{models.TaskPaymentNotRequired, models.TaskPaymentPending},
		{models.TaskPaymentPending, models.TaskPaymentAuthorized},
		{models.TaskPaymentPending, models.TaskPaymentCancelled},
		{models.TaskPaymentPending, models.TaskPaymentFailed},
		{models.TaskPaymentAuthorized, models.TaskPaymentCompleted},
		{models.TaskPaymentAuthorized, models.TaskPaymentFailed},
		{models.TaskPaymentAuthorized, models.TaskPaymentCancelled},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to string }{
		{models.TaskPaymentCancelled, models.TaskPaymentPending},
		{models.TaskPaymentCancelled, models.TaskPaymentAuthorized},
		{models.TaskPaymentCompleted, models.TaskPaymentPending},
		{models.TaskPaymentFailed, models.TaskPaymentAuthorized},
		{models.TaskPaymentNotRequired, models.TaskPaymentAuthorized},
		{models.TaskPaymentNotRequired, models.TaskPaymentCompleted},
		{models.TaskPaymentAuthorized, models.TaskPaymentPending},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func taskRows(id, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "house_id", "user_id", "description", "payment_status",
		"stripe_payment_intent_id", "amount_cents", "created_at", "updated_at",
	}).AddRow(id, "house-1", "user-1", "fix the sink", status, nil, 5000, time.Now(), time.Now())
}

func TestTransitionAuthorizes(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	m := NewMachine(db, logging.NewLogger())

	mock.ExpectQuery(`SELECT id, house_id, user_id, description, payment_status`).
		WithArgs("task-1").
		WillReturnRows(taskRows("task-1", "pending"))
	mock.ExpectExec(`UPDATE bursar.tasks`).
		WithArgs("task-1", "authorized", "pi_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	task, err := m.Transition(context.Background(), db, "task-1", models.TaskPaymentAuthorized, "pi_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.PaymentStatus != "authorized" {
		t.Fatalf("expected authorized, got %s", task.PaymentStatus)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionFromCancelledRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	m := NewMachine(db, logging.NewLogger())

	mock.ExpectQuery(`SELECT id, house_id, user_id, description, payment_status`).
		WithArgs("task-1").
		WillReturnRows(taskRows("task-1", "cancelled"))

	_, err = m.Transition(context.Background(), db, "task-1", models.TaskPaymentAuthorized, "")
	stateErr, ok := err.(*StateError)
	if !ok {
		t.Fatalf("expected StateError, got %v", err)
	}
	if stateErr.From != "cancelled" {
		t.Fatalf("expected from cancelled, got %s", stateErr.From)
	}
}

func TestByIntentMissingReturnsNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	m := NewMachine(db, logging.NewLogger())

	mock.ExpectQuery(`SELECT id, house_id, user_id, description, payment_status`).
		WithArgs("pi_unknown").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "house_id", "user_id", "description", "payment_status",
			"stripe_payment_intent_id", "amount_cents", "created_at", "updated_at",
		}))

	task, err := m.ByIntent(context.Background(), db, "pi_unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil task, got %+v", task)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
