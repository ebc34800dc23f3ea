package payments

import (
	"context"
	"database/sql"
	"time"

	"github.com/hausmate/bursar/pkg/database"
	"github.com/hausmate/bursar/pkg/logging"
)

// DefaultStuckTimeout is how long a payment may sit in processing before the
// sweep asks the processor for its authoritative status.
const DefaultStuckTimeout = 15 * time.Minute

// SettlementSweeper reconciles payments stuck in processing. Webhooks are the
// normal settlement path; the sweep covers lost deliveries by querying the
// processor directly rather than assuming failure.
type SettlementSweeper struct {
	db           *sql.DB
	logger       logging.Logger
	client       ProcessorClient
	settler      *Settler
	stuckTimeout time.Duration
	interval     time.Duration
	stopCh       chan struct{}
}

func NewSettlementSweeper(db *sql.DB, logger logging.Logger, client ProcessorClient, settler *Settler, stuckTimeout, interval time.Duration) *SettlementSweeper {
	if stuckTimeout <= 0 {
		stuckTimeout = DefaultStuckTimeout
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &SettlementSweeper{
		db:           db,
		logger:       logger,
		client:       client,
		settler:      settler,
		stuckTimeout: stuckTimeout,
		interval:     interval,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *SettlementSweeper) Start(ctx context.Context) {
	s.logger.Info("Starting payment settlement sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop stops the sweeper.
func (s *SettlementSweeper) Stop() {
	close(s.stopCh)
}

// Sweep runs one reconciliation pass over stuck payments.
func (s *SettlementSweeper) Sweep(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stripe_payment_intent_id
		FROM bursar.payments
		WHERE status = 'processing'
		  AND stripe_payment_intent_id IS NOT NULL
		  AND updated_at < NOW() - ($1 * INTERVAL '1 second')
	`, int64(s.stuckTimeout.Seconds()))
	if err != nil {
		s.logger.WithError(err).Error("Failed to list stuck payments")
		return
	}
	defer rows.Close()

	type stuck struct{ paymentID, intentID string }
	var batch []stuck
	for rows.Next() {
		var p stuck
		if err := rows.Scan(&p.paymentID, &p.intentID); err != nil {
			s.logger.WithError(err).Error("Failed to scan stuck payment")
			return
		}
		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		s.logger.WithError(err).Error("Failed to iterate stuck payments")
		return
	}

	for _, p := range batch {
		s.reconcileOne(ctx, p.paymentID, p.intentID)
	}

	if len(batch) > 0 {
		s.logger.WithField("count", len(batch)).Info("Swept stuck payments")
	}
}

func (s *SettlementSweeper) reconcileOne(ctx context.Context, paymentID, intentID string) {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	intent, err := s.client.GetPaymentIntent(callCtx, intentID)
	if err != nil {
		s.logger.WithError(err).WithFields(logging.Fields{
			"payment_id": paymentID,
			"intent_id":  intentID,
		}).Warn("Failed to query processor for stuck payment, leaving as-is")
		return
	}

	var applyErr error
	switch intent.Status {
	case "succeeded":
		applyErr = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			_, err := s.settler.ApplySucceeded(ctx, tx, intentID)
			return err
		})
	case "canceled", "requires_payment_method":
		applyErr = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			_, err := s.settler.ApplyFailed(ctx, tx, intentID, intent.Error)
			return err
		})
	default:
		// Still in flight at the processor. Leave it for the next pass.
		s.logger.WithFields(logging.Fields{
			"payment_id": paymentID,
			"intent_id":  intentID,
			"status":     intent.Status,
		}).Debug("Stuck payment still pending at processor")
		return
	}

	if applyErr != nil {
		s.logger.WithError(applyErr).WithFields(logging.Fields{
			"payment_id": paymentID,
			"intent_id":  intentID,
		}).Error("Failed to settle stuck payment")
	}
}
