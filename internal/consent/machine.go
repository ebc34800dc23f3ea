package consent

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hausmate/bursar/pkg/database"
	"github.com/hausmate/bursar/pkg/logging"
	"github.com/hausmate/bursar/pkg/models"
)

// StateError is returned for a transition the state machine does not allow.
type StateError struct {
	TaskID string
	From   string
	To     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("task %s cannot move from %s to %s", e.TaskID, e.From, e.To)
}

// transitions is the full consent state machine:
// not_required → pending → authorized → {completed | failed | cancelled};
// pending may also fail or be cancelled directly. cancelled is terminal.
var transitions = map[string][]string{
	models.TaskPaymentNotRequired: {models.TaskPaymentPending},
	models.TaskPaymentPending:     {models.TaskPaymentAuthorized, models.TaskPaymentFailed, models.TaskPaymentCancelled},
	models.TaskPaymentAuthorized:  {models.TaskPaymentCompleted, models.TaskPaymentFailed, models.TaskPaymentCancelled},
	models.TaskPaymentCompleted:   {},
	models.TaskPaymentFailed:      {},
	models.TaskPaymentCancelled:   {},
}

// CanTransition reports whether the machine allows from → to.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Machine drives task payment consent state.
type Machine struct {
	db     *sql.DB
	logger logging.Logger
}

func NewMachine(db *sql.DB, logger logging.Logger) *Machine {
	return &Machine{db: db, logger: logger}
}

// Transition moves a task to a new payment status, optionally attaching the
// external authorization reference. Runs on the caller's Querier so webhook
// effects stay in one transaction.
func (m *Machine) Transition(ctx context.Context, q database.Querier, taskID, to string, intentID string) (*models.Task, error) {
	var task models.Task
	var storedIntent sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, house_id, user_id, description, payment_status,
			stripe_payment_intent_id, amount_cents, created_at, updated_at
		FROM bursar.tasks
		WHERE id = $1
		FOR UPDATE
	`, taskID).Scan(&task.ID, &task.HouseID, &task.UserID, &task.Description,
		&task.PaymentStatus, &storedIntent, &task.AmountCents, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}

	if !CanTransition(task.PaymentStatus, to) {
		return nil, &StateError{TaskID: taskID, From: task.PaymentStatus, To: to}
	}

	if intentID == "" && storedIntent.Valid {
		intentID = storedIntent.String
	}
	var intentArg interface{}
	if intentID != "" {
		intentArg = intentID
	}

	_, err = q.ExecContext(ctx, `
		UPDATE bursar.tasks
		SET payment_status = $2, stripe_payment_intent_id = $3, updated_at = NOW()
		WHERE id = $1
	`, taskID, to, intentArg)
	if err != nil {
		return nil, fmt.Errorf("failed to transition task: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"task_id": taskID,
		"from":    task.PaymentStatus,
		"to":      to,
	}).Info("Task consent state changed")

	task.PaymentStatus = to
	if intentID != "" {
		task.StripePaymentIntentID = &intentID
	}
	return &task, nil
}

// RequestConsent puts a consent-requiring task into pending, attaching the
// processor authorization it must wait on.
func (m *Machine) RequestConsent(ctx context.Context, taskID, intentID string) (*models.Task, error) {
	return m.Transition(ctx, m.db, taskID, models.TaskPaymentPending, intentID)
}

// Revoke cancels consent. Reachable from pending or authorized; terminal.
func (m *Machine) Revoke(ctx context.Context, taskID string) (*models.Task, error) {
	return m.Transition(ctx, m.db, taskID, models.TaskPaymentCancelled, "")
}

// ByIntent finds the task tied to a processor authorization.
func (m *Machine) ByIntent(ctx context.Context, q database.Querier, intentID string) (*models.Task, error) {
	var task models.Task
	var storedIntent sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, house_id, user_id, description, payment_status,
			stripe_payment_intent_id, amount_cents, created_at, updated_at
		FROM bursar.tasks
		WHERE stripe_payment_intent_id = $1
	`, intentID).Scan(&task.ID, &task.HouseID, &task.UserID, &task.Description,
		&task.PaymentStatus, &storedIntent, &task.AmountCents, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task by intent: %w", err)
	}
	if storedIntent.Valid {
		task.StripePaymentIntentID = &storedIntent.String
	}
	return &task, nil
}

// Get returns a task by ID.
func (m *Machine) Get(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	var storedIntent sql.NullString
	err := m.db.QueryRowContext(ctx, `
		SELECT id, house_id, user_id, description, payment_status,
			stripe_payment_intent_id, amount_cents, created_at, updated_at
		FROM bursar.tasks
		WHERE id = $1
	`, taskID).Scan(&task.ID, &task.HouseID, &task.UserID, &task.Description,
		&task.PaymentStatus, &storedIntent, &task.AmountCents, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if storedIntent.Valid {
		task.StripePaymentIntentID = &storedIntent.String
	}
	return &task, nil
}
