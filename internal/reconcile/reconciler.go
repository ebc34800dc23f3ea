package reconcile

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hausmate/bursar/internal/consent"
	"github.com/hausmate/bursar/internal/events"
	"github.com/hausmate/bursar/internal/payments"
	"github.com/hausmate/bursar/pkg/database"
	"github.com/hausmate/bursar/pkg/logging"
	"github.com/hausmate/bursar/pkg/models"
)

// PaymentIntent is the intent payload the reconciler cares about, already
// extracted from the provider's event envelope.
type PaymentIntent struct {
	ID        string
	Status    string
	LastError string
}

// Event is one verified provider webhook delivery.
type Event struct {
	Provider string
	ID       string
	Type     string
	Raw      []byte
	Intent   *PaymentIntent
}

// Result reports what ingesting an event did.
type Result struct {
	Duplicate bool
	Applied   bool
	Message   string
}

// WebhookReconciler applies provider webhook events exactly once. The event
// log row and every business effect commit in a single transaction: a crash
// either records the event with its effects or leaves it unrecorded for the
// provider to redeliver.
type WebhookReconciler struct {
	db      *sql.DB
	logger  logging.Logger
	settler *payments.Settler
	consent *consent.Machine
	emitter *events.Emitter
}

func NewWebhookReconciler(db *sql.DB, logger logging.Logger, settler *payments.Settler, machine *consent.Machine, emitter *events.Emitter) *WebhookReconciler {
	return &WebhookReconciler{db: db, logger: logger, settler: settler, consent: machine, emitter: emitter}
}

// Ingest records and dispatches one webhook event. A previously seen
// (provider, event_id) pair commits with no effects and Duplicate set.
// Dispatch errors roll back the whole transaction, including the log row.
func (r *WebhookReconciler) Ingest(ctx context.Context, event *Event) (*Result, error) {
	if event.ID == "" || event.Provider == "" {
		return nil, fmt.Errorf("webhook event missing provider or event ID")
	}

	result := &Result{}
	var settlement *payments.Settlement
	var task *models.Task

	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO bursar.webhook_events (provider, event_id, event_type, payload, status)
			VALUES ($1, $2, $3, $4, 'completed')
			ON CONFLICT (provider, event_id) DO NOTHING
		`, event.Provider, event.ID, event.Type, event.Raw)
		if err != nil {
			return fmt.Errorf("failed to record webhook event: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check webhook event insert: %w", err)
		}
		if rows == 0 {
			result.Duplicate = true
			result.Message = "event already processed"
			return nil
		}

		settlement, task, err = r.dispatch(ctx, tx, event, result)
		return err
	})
	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		r.logger.WithFields(logging.Fields{
			"provider": event.Provider,
			"event_id": event.ID,
		}).Debug("Ignoring duplicate webhook event")
		return result, nil
	}

	r.emit(event, settlement, task)
	return result, nil
}

// dispatch applies the per-type effects inside the ingest transaction.
func (r *WebhookReconciler) dispatch(ctx context.Context, tx *sql.Tx, event *Event, result *Result) (*payments.Settlement, *models.Task, error) {
	intentID := ""
	lastError := ""
	if event.Intent != nil {
		intentID = event.Intent.ID
		lastError = event.Intent.LastError
	}

	switch event.Type {
	case "payment_intent.succeeded":
		stl, err := r.settler.ApplySucceeded(ctx, tx, intentID)
		if err != nil {
			return nil, nil, err
		}
		task, err := r.completeTask(ctx, tx, intentID)
		if err != nil {
			return nil, nil, err
		}
		if stl == nil && task == nil {
			return nil, nil, r.ackUnmatched(ctx, tx, event, result, intentID)
		}
		result.Applied = true
		result.Message = "payment settled"
		return stl, task, nil

	case "payment_intent.payment_failed":
		stl, err := r.settler.ApplyFailed(ctx, tx, intentID, lastError)
		if err != nil {
			return nil, nil, err
		}
		task, err := r.failTask(ctx, tx, intentID)
		if err != nil {
			return nil, nil, err
		}
		if stl == nil && task == nil {
			return nil, nil, r.ackUnmatched(ctx, tx, event, result, intentID)
		}
		result.Applied = true
		result.Message = "payment failure recorded"
		return stl, task, nil

	case "payment_intent.amount_capturable_updated":
		task, err := r.transitionTask(ctx, tx, intentID, models.TaskPaymentAuthorized)
		if err != nil {
			return nil, nil, err
		}
		if task == nil {
			return nil, nil, r.ackUnmatched(ctx, tx, event, result, intentID)
		}
		result.Applied = true
		result.Message = "consent authorized"
		return nil, task, nil

	case "payment_intent.canceled":
		task, err := r.transitionTask(ctx, tx, intentID, models.TaskPaymentCancelled)
		if err != nil {
			return nil, nil, err
		}
		if task == nil {
			return nil, nil, r.ackUnmatched(ctx, tx, event, result, intentID)
		}
		result.Applied = true
		result.Message = "consent cancelled"
		return nil, task, nil

	default:
		r.logger.WithFields(logging.Fields{
			"provider":   event.Provider,
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Debug("Acknowledging unhandled webhook event type")
		result.Message = "event type not handled"
		return nil, nil, nil
	}
}

// completeTask moves an authorized consent task to completed when the intent
// belongs to a task. Terminal tasks ack without error: redelivered outcomes
// after a revoke or earlier failure have nothing left to do.
func (r *WebhookReconciler) completeTask(ctx context.Context, tx *sql.Tx, intentID string) (*models.Task, error) {
	return r.transitionTask(ctx, tx, intentID, models.TaskPaymentCompleted)
}

func (r *WebhookReconciler) failTask(ctx context.Context, tx *sql.Tx, intentID string) (*models.Task, error) {
	return r.transitionTask(ctx, tx, intentID, models.TaskPaymentFailed)
}

func (r *WebhookReconciler) transitionTask(ctx context.Context, tx *sql.Tx, intentID, to string) (*models.Task, error) {
	if intentID == "" {
		return nil, nil
	}
	task, err := r.consent.ByIntent(ctx, tx, intentID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	if !consent.CanTransition(task.PaymentStatus, to) {
		r.logger.WithFields(logging.Fields{
			"task_id": task.ID,
			"from":    task.PaymentStatus,
			"to":      to,
		}).Debug("Skipping consent transition for terminal task")
		return task, nil
	}
	return r.consent.Transition(ctx, tx, task.ID, to, intentID)
}

// ackUnmatched marks an event's log row failed when nothing in the ledger
// references its intent. The event stays acknowledged so the provider stops
// redelivering; the row records what went unmatched.
func (r *WebhookReconciler) ackUnmatched(ctx context.Context, tx *sql.Tx, event *Event, result *Result, intentID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE bursar.webhook_events
		SET status = 'failed', error = $3
		WHERE provider = $1 AND event_id = $2
	`, event.Provider, event.ID, fmt.Sprintf("no payment or task references intent %s", intentID)); err != nil {
		return fmt.Errorf("failed to mark webhook event unmatched: %w", err)
	}
	r.logger.WithFields(logging.Fields{
		"provider":  event.Provider,
		"event_id":  event.ID,
		"intent_id": intentID,
	}).Warn("Webhook event references unknown payment intent")
	result.Message = "no matching payment or task"
	return nil
}

// emit publishes billing events for committed effects. Runs after commit so
// consumers never see effects that later rolled back.
func (r *WebhookReconciler) emit(event *Event, settlement *payments.Settlement, task *models.Task) {
	if r.emitter == nil {
		return
	}

	switch event.Type {
	case "payment_intent.succeeded":
		if settlement != nil {
			r.emitter.Emit(events.EventPaymentSucceeded, settlement.HouseID, "", map[string]interface{}{
				"payment_id":   settlement.PaymentID,
				"charge_id":    settlement.ChargeID,
				"amount_cents": settlement.AmountCents,
			})
			if settlement.CycleClosed {
				r.emitter.Emit(events.EventCycleClosed, settlement.HouseID, "", map[string]interface{}{
					"ledger_id": settlement.LedgerID,
					"reason":    "fully_funded",
				})
			}
		}
	case "payment_intent.payment_failed":
		if settlement != nil {
			r.emitter.Emit(events.EventPaymentFailed, settlement.HouseID, "", map[string]interface{}{
				"payment_id": settlement.PaymentID,
				"charge_id":  settlement.ChargeID,
			})
			if settlement.HouseID != "" {
				r.emitter.Emit(events.EventHSIUpdated, settlement.HouseID, "", map[string]interface{}{
					"reason": "late_payment",
				})
			}
		}
	case "payment_intent.amount_capturable_updated":
		if task != nil {
			r.emitter.Emit(events.EventConsentAuthorized, task.HouseID, "", map[string]interface{}{
				"task_id": task.ID,
			})
		}
	case "payment_intent.canceled":
		if task != nil {
			r.emitter.Emit(events.EventConsentRevoked, task.HouseID, "", map[string]interface{}{
				"task_id": task.ID,
			})
		}
	}
}
