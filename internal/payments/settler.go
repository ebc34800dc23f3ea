package payments

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hausmate/bursar/internal/hsi"
	"github.com/hausmate/bursar/internal/ledger"
	"github.com/hausmate/bursar/pkg/database"
	"github.com/hausmate/bursar/pkg/logging"
	"github.com/hausmate/bursar/pkg/models"
)

// Settlement describes what applying an intent outcome touched.
type Settlement struct {
	PaymentID   string
	ChargeID    string
	BillID      string
	LedgerID    string
	HouseID     string
	AmountCents int64
	CycleClosed bool
}

// Settler applies authoritative processor outcomes to payment, charge, bill
// and ledger rows. Both the webhook reconciler and the stuck-payment sweep
// funnel through it, always inside the caller's transaction.
type Settler struct {
	logger logging.Logger
	cycles *ledger.CycleManager
	hsi    *hsi.Engine
}

func NewSettler(logger logging.Logger, cycles *ledger.CycleManager, hsiEngine *hsi.Engine) *Settler {
	return &Settler{logger: logger, cycles: cycles, hsi: hsiEngine}
}

// ApplySucceeded settles a succeeded intent: payment completed, charge paid,
// ledger funded, cycle auto-closed when fully funded. Returns nil Settlement
// when no payment references the intent or it already completed.
func (s *Settler) ApplySucceeded(ctx context.Context, q database.Querier, intentID string) (*Settlement, error) {
	stl, err := s.lockPayment(ctx, q, intentID)
	if err != nil || stl == nil {
		return nil, err
	}

	if _, err := q.ExecContext(ctx, `
		UPDATE bursar.payments
		SET status = 'completed', completed_at = NOW(), error_message = NULL, updated_at = NOW()
		WHERE id = $1
	`, stl.PaymentID); err != nil {
		return nil, fmt.Errorf("failed to complete payment: %w", err)
	}

	if _, err := q.ExecContext(ctx, `
		UPDATE bursar.charges SET status = 'paid', updated_at = NOW()
		WHERE id = $1
	`, stl.ChargeID); err != nil {
		return nil, fmt.Errorf("failed to mark charge paid: %w", err)
	}

	if stl.LedgerID != "" {
		if _, _, err := s.cycles.RecordFunding(ctx, q, stl.LedgerID, stl.AmountCents); err != nil {
			return nil, err
		}

		var unpaid int
		if err := q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM bursar.charges
			WHERE bill_id = $1 AND status != 'paid'
		`, stl.BillID).Scan(&unpaid); err != nil {
			return nil, fmt.Errorf("failed to count outstanding charges: %w", err)
		}
		if unpaid == 0 {
			if _, err := q.ExecContext(ctx, `
				UPDATE bursar.bills SET status = 'paid', updated_at = NOW()
				WHERE id = $1
			`, stl.BillID); err != nil {
				return nil, fmt.Errorf("failed to mark bill paid: %w", err)
			}
		}

		closed, err := s.cycles.CloseIfFunded(ctx, q, stl.LedgerID)
		if err != nil {
			return nil, err
		}
		stl.CycleClosed = closed
	}

	s.logger.WithFields(logging.Fields{
		"intent_id":    intentID,
		"payment_id":   stl.PaymentID,
		"ledger_id":    stl.LedgerID,
		"amount_cents": stl.AmountCents,
		"cycle_closed": stl.CycleClosed,
	}).Info("Settled succeeded payment intent")

	return stl, nil
}

// ApplyFailed settles a failed intent: payment failed with the processor's
// message, charge failed, late-payment feedback on the house. Completed
// payments are terminal and ignore late failure events.
func (s *Settler) ApplyFailed(ctx context.Context, q database.Querier, intentID, errMsg string) (*Settlement, error) {
	stl, err := s.lockPayment(ctx, q, intentID)
	if err != nil || stl == nil {
		return nil, err
	}

	if errMsg == "" {
		errMsg = "payment failed at processor"
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE bursar.payments SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1
	`, stl.PaymentID, errMsg); err != nil {
		return nil, fmt.Errorf("failed to mark payment failed: %w", err)
	}

	if _, err := q.ExecContext(ctx, `
		UPDATE bursar.charges SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status != 'paid'
	`, stl.ChargeID); err != nil {
		return nil, fmt.Errorf("failed to mark charge failed: %w", err)
	}

	if stl.HouseID != "" {
		if _, err := s.hsi.RecomputeIn(ctx, q, stl.HouseID, hsi.OutcomeLatePayment); err != nil {
			return nil, err
		}
	}

	s.logger.WithFields(logging.Fields{
		"intent_id":  intentID,
		"payment_id": stl.PaymentID,
		"house_id":   stl.HouseID,
		"error":      errMsg,
	}).Warn("Settled failed payment intent")

	return stl, nil
}

// lockPayment locks the non-terminal payment referencing an intent and
// resolves its charge, bill, ledger and house. Nil when nothing to settle.
func (s *Settler) lockPayment(ctx context.Context, q database.Querier, intentID string) (*Settlement, error) {
	if intentID == "" {
		return nil, nil
	}

	var stl Settlement
	var status string
	err := q.QueryRowContext(ctx, `
		SELECT id, charge_id, amount_cents, status
		FROM bursar.payments
		WHERE stripe_payment_intent_id = $1
		FOR UPDATE
	`, intentID).Scan(&stl.PaymentID, &stl.ChargeID, &stl.AmountCents, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment for intent: %w", err)
	}
	if status == models.PaymentStatusCompleted {
		s.logger.WithFields(logging.Fields{
			"intent_id":  intentID,
			"payment_id": stl.PaymentID,
		}).Debug("Payment already completed, nothing to settle")
		return nil, nil
	}

	err = q.QueryRowContext(ctx, `
		SELECT b.id, b.ledger_id, hs.house_id
		FROM bursar.charges c
		JOIN bursar.bills b ON b.id = c.bill_id
		JOIN bursar.house_service_ledgers l ON l.id = b.ledger_id
		JOIN bursar.house_services hs ON hs.id = l.house_service_id
		WHERE c.id = $1
	`, stl.ChargeID).Scan(&stl.BillID, &stl.LedgerID, &stl.HouseID)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to resolve charge context: %w", err)
	}

	return &stl, nil
}
