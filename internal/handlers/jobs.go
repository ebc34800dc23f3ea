package handlers

import (
	"context"
	"database/sql"
	"time"

	"github.com/hausmate/bursar/internal/hsi"
	"github.com/hausmate/bursar/internal/ledger"
	"github.com/hausmate/bursar/internal/payments"
	"github.com/hausmate/bursar/pkg/logging"
)

// JobManager handles background billing jobs
type JobManager struct {
	db        *sql.DB
	logger    logging.Logger
	cycles    *ledger.CycleManager
	hsi       *hsi.Engine
	processor *payments.Processor
	sweeper   *payments.SettlementSweeper
	stopCh    chan struct{}
}

// NewJobManager creates a new job manager
func NewJobManager(database *sql.DB, log logging.Logger, cycleManager *ledger.CycleManager, hsiEngine *hsi.Engine, paymentProcessor *payments.Processor, sweeper *payments.SettlementSweeper) *JobManager {
	return &JobManager{
		db:        database,
		logger:    log,
		cycles:    cycleManager,
		hsi:       hsiEngine,
		processor: paymentProcessor,
		sweeper:   sweeper,
		stopCh:    make(chan struct{}),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting billing job manager")

	if jm.sweeper != nil {
		go jm.sweeper.Start(ctx)
	}
	go jm.autoCloseLoop(ctx)
	go jm.retryLoop(ctx)
	go jm.overdueLoop(ctx)
}

// Stop shuts down all background jobs
func (jm *JobManager) Stop() {
	close(jm.stopCh)
	if jm.sweeper != nil {
		jm.sweeper.Stop()
	}
}

// autoCloseLoop closes cycles that reached full funding without a settling
// payment to trigger the close, e.g. after manual funding corrections.
func (jm *JobManager) autoCloseLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			closed, err := jm.cycles.AutoCloseFunded(ctx)
			if err != nil {
				jm.logger.WithError(err).Error("Auto-close scan failed")
				continue
			}
			if closed > 0 {
				jm.logger.WithField("closed", closed).Info("Auto-closed fully funded cycles")
			}
		}
	}
}

// retryLoop resubmits failed payments that still have retry budget left
func (jm *JobManager) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.retryFailedPayments(ctx)
		}
	}
}

func (jm *JobManager) retryFailedPayments(ctx context.Context) {
	rows, err := jm.db.QueryContext(ctx, `
		SELECT id FROM bursar.payments
		WHERE status = 'failed' AND retry_count < 3
			AND updated_at < NOW() - INTERVAL '1 hour'
		ORDER BY updated_at
		LIMIT 50
	`)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to query retryable payments")
		return
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			jm.logger.WithError(err).Error("Failed to scan retryable payment")
			return
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		jm.logger.WithError(err).Error("Failed to read retryable payments")
		return
	}

	for _, id := range ids {
		if _, err := jm.processor.Retry(ctx, id); err != nil {
			jm.logger.WithError(err).WithField("payment_id", id).Warn("Payment retry failed")
		}
	}

	if len(ids) > 0 {
		jm.logger.WithField("count", len(ids)).Info("Retried failed payments")
	}
}

// overdueLoop penalizes houses whose bills went a full day past due with
// charges still outstanding. The 24h window keeps each bill's penalty to a
// single application.
func (jm *JobManager) overdueLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.penalizeOverdueBills(ctx)
		}
	}
}

func (jm *JobManager) penalizeOverdueBills(ctx context.Context) {
	rows, err := jm.db.QueryContext(ctx, `
		SELECT DISTINCT hs.house_id, b.id
		FROM bursar.bills b
		JOIN bursar.house_service_ledgers l ON l.id = b.ledger_id
		JOIN bursar.house_services hs ON hs.id = l.house_service_id
		WHERE b.status != 'paid'
			AND b.due_date < NOW() - INTERVAL '24 hours'
			AND b.due_date >= NOW() - INTERVAL '48 hours'
			AND EXISTS (
				SELECT 1 FROM bursar.charges c
				WHERE c.bill_id = b.id AND c.status NOT IN ('paid', 'processing')
			)
	`)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to query overdue bills")
		return
	}
	defer rows.Close()

	type overdue struct {
		houseID string
		billID  string
	}
	var found []overdue
	for rows.Next() {
		var o overdue
		if err := rows.Scan(&o.houseID, &o.billID); err != nil {
			jm.logger.WithError(err).Error("Failed to scan overdue bill")
			return
		}
		found = append(found, o)
	}
	if err := rows.Err(); err != nil {
		jm.logger.WithError(err).Error("Failed to read overdue bills")
		return
	}

	for _, o := range found {
		if _, err := jm.hsi.Recompute(ctx, o.houseID, hsi.OutcomeLatePayment); err != nil {
			jm.logger.WithError(err).WithFields(logging.Fields{
				"house_id": o.houseID,
				"bill_id":  o.billID,
			}).Error("Failed to apply overdue penalty")
			continue
		}
		jm.logger.WithFields(logging.Fields{
			"house_id": o.houseID,
			"bill_id":  o.billID,
		}).Warn("Applied overdue penalty to house")
	}
}
