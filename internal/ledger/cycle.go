package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hausmate/bursar/internal/hsi"
	"github.com/hausmate/bursar/pkg/database"
	"github.com/hausmate/bursar/pkg/logging"
	"github.com/hausmate/bursar/pkg/models"
)

// DefaultOverfundingToleranceCents absorbs rounding overage from partial
// over-collection without tripping inconsistency handling.
const DefaultOverfundingToleranceCents int64 = 100

const uniqueViolation = "23505"

// CycleManager owns the funding cycle lifecycle for house services.
// At most one active ledger per service; the partial unique index backs the
// invariant against concurrent opens.
type CycleManager struct {
	db             *sql.DB
	logger         logging.Logger
	hsi            *hsi.Engine
	toleranceCents int64
}

func NewCycleManager(db *sql.DB, logger logging.Logger, hsiEngine *hsi.Engine, toleranceCents int64) *CycleManager {
	if toleranceCents <= 0 {
		toleranceCents = DefaultOverfundingToleranceCents
	}
	return &CycleManager{
		db:             db,
		logger:         logger,
		hsi:            hsiEngine,
		toleranceCents: toleranceCents,
	}
}

// ToleranceCents returns the configured overfunding tolerance.
func (m *CycleManager) ToleranceCents() int64 {
	return m.toleranceCents
}

// OpenCycle starts a new funding cycle for a house service.
func (m *CycleManager) OpenCycle(ctx context.Context, houseServiceID string) (*models.HouseServiceLedger, error) {
	if houseServiceID == "" {
		return nil, &ValidationError{Field: "house_service_id", Reason: "is required"}
	}

	var ledger models.HouseServiceLedger
	err := m.db.QueryRowContext(ctx, `
		INSERT INTO bursar.house_service_ledgers (house_service_id, status, cycle_start)
		VALUES ($1, 'active', NOW())
		RETURNING id, house_service_id, funding_required_cents, funded_cents,
			amount_fronted_cents, service_fee_total_cents, total_required_cents,
			bill_generated, status, cycle_start, created_at, updated_at
	`, houseServiceID).Scan(
		&ledger.ID, &ledger.HouseServiceID, &ledger.FundingRequiredCents,
		&ledger.FundedCents, &ledger.AmountFrontedCents, &ledger.ServiceFeeTotalCents,
		&ledger.TotalRequiredCents, &ledger.BillGenerated, &ledger.Status,
		&ledger.CycleStart, &ledger.CreatedAt, &ledger.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return nil, &CycleAlreadyActiveError{HouseServiceID: houseServiceID}
		}
		return nil, fmt.Errorf("failed to open ledger cycle: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"ledger_id":        ledger.ID,
		"house_service_id": houseServiceID,
	}).Info("Opened ledger cycle")

	return &ledger, nil
}

// Accrue adds base amount to an open cycle's funding requirement. Rejected
// once the cycle's bill has been generated; a cycle carries exactly one bill.
func (m *CycleManager) Accrue(ctx context.Context, ledgerID string, amountCents int64) error {
	if amountCents <= 0 {
		return &ValidationError{Field: "amount_cents", Reason: "must be positive"}
	}

	return database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		var status string
		var billGenerated bool
		err := tx.QueryRowContext(ctx, `
			SELECT status, bill_generated
			FROM bursar.house_service_ledgers
			WHERE id = $1
			FOR UPDATE
		`, ledgerID).Scan(&status, &billGenerated)
		if err == sql.ErrNoRows {
			return &ValidationError{Field: "ledger_id", Reason: "not found"}
		}
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}
		if status != models.LedgerStatusActive {
			return &CycleStateError{LedgerID: ledgerID, State: status, Op: "accrue on"}
		}
		if billGenerated {
			return &CycleStateError{LedgerID: ledgerID, State: "billed", Op: "accrue on"}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE bursar.house_service_ledgers
			SET funding_required_cents = funding_required_cents + $2, updated_at = NOW()
			WHERE id = $1
		`, ledgerID, amountCents)
		if err != nil {
			return fmt.Errorf("failed to accrue on ledger: %w", err)
		}

		m.logger.WithFields(logging.Fields{
			"ledger_id":    ledgerID,
			"amount_cents": amountCents,
		}).Info("Accrued base amount on ledger cycle")
		return nil
	})
}

// RecordFronting records platform-advanced funds on a cycle. The fronted
// amount is an audit figure and never participates in funded accounting.
func (m *CycleManager) RecordFronting(ctx context.Context, ledgerID string, amountCents int64) error {
	if amountCents <= 0 {
		return &ValidationError{Field: "amount_cents", Reason: "must be positive"}
	}
	res, err := m.db.ExecContext(ctx, `
		UPDATE bursar.house_service_ledgers
		SET amount_fronted_cents = amount_fronted_cents + $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, ledgerID, amountCents)
	if err != nil {
		return fmt.Errorf("failed to record fronting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &CycleStateError{LedgerID: ledgerID, State: "closed or missing", Op: "record fronting on"}
	}
	return nil
}

// RecordFunding applies a successful collection to a cycle. It must run on
// the same transaction that records the triggering payment or webhook row,
// and takes a row lock so concurrent funding events never lose updates.
// Overage within tolerance is applied and logged; beyond tolerance the event
// is rejected and the ledger left for manual reconciliation.
func (m *CycleManager) RecordFunding(ctx context.Context, q database.Querier, ledgerID string, amountCents int64) (fundedCents, totalCents int64, err error) {
	if amountCents <= 0 {
		return 0, 0, &ValidationError{Field: "amount_cents", Reason: "must be positive"}
	}

	var status string
	err = q.QueryRowContext(ctx, `
		SELECT funded_cents, total_required_cents, status
		FROM bursar.house_service_ledgers
		WHERE id = $1
		FOR UPDATE
	`, ledgerID).Scan(&fundedCents, &totalCents, &status)
	if err == sql.ErrNoRows {
		return 0, 0, &ValidationError{Field: "ledger_id", Reason: "not found"}
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to lock ledger: %w", err)
	}
	if status != models.LedgerStatusActive {
		return 0, 0, &CycleStateError{LedgerID: ledgerID, State: status, Op: "record funding on"}
	}

	newFunded := fundedCents + amountCents
	if newFunded > totalCents+m.toleranceCents {
		return 0, 0, &OverfundingError{
			LedgerID:           ledgerID,
			FundedCents:        fundedCents,
			AmountCents:        amountCents,
			TotalRequiredCents: totalCents,
			ToleranceCents:     m.toleranceCents,
		}
	}
	if newFunded > totalCents {
		m.logger.WithFields(logging.Fields{
			"ledger_id":     ledgerID,
			"funded_cents":  newFunded,
			"total_cents":   totalCents,
			"overage_cents": newFunded - totalCents,
		}).Warn("Ledger funded past total within rounding tolerance")
	}

	_, err = q.ExecContext(ctx, `
		UPDATE bursar.house_service_ledgers
		SET funded_cents = $2, updated_at = NOW()
		WHERE id = $1
	`, ledgerID, newFunded)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to record funding: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"ledger_id":    ledgerID,
		"amount_cents": amountCents,
		"funded_cents": newFunded,
		"total_cents":  totalCents,
	}).Info("Recorded funding on ledger cycle")

	return newFunded, totalCents, nil
}

// CloseIfFunded closes the cycle when funded has reached total, applying the
// on-time or late HSI feedback in the same transaction. Returns whether the
// cycle closed.
func (m *CycleManager) CloseIfFunded(ctx context.Context, q database.Querier, ledgerID string) (bool, error) {
	var funded, total int64
	var status string
	err := q.QueryRowContext(ctx, `
		SELECT funded_cents, total_required_cents, status
		FROM bursar.house_service_ledgers
		WHERE id = $1
		FOR UPDATE
	`, ledgerID).Scan(&funded, &total, &status)
	if err != nil {
		return false, fmt.Errorf("failed to read ledger for close: %w", err)
	}
	if status != models.LedgerStatusActive || total == 0 || funded < total {
		return false, nil
	}
	if err := m.closeIn(ctx, q, ledgerID, "fully_funded"); err != nil {
		return false, err
	}
	return true, nil
}

// CloseCycle closes a cycle. Without force the cycle must be exactly funded;
// force requires a reconciliation reason and refuses to close while charges
// remain unpaid, surfacing that as an inconsistency instead.
func (m *CycleManager) CloseCycle(ctx context.Context, ledgerID string, force bool, reason string) error {
	if force && reason == "" {
		return &ValidationError{Field: "reason", Reason: "is required when force-closing"}
	}

	return database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		var funded, total int64
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT funded_cents, total_required_cents, status
			FROM bursar.house_service_ledgers
			WHERE id = $1
			FOR UPDATE
		`, ledgerID).Scan(&funded, &total, &status)
		if err == sql.ErrNoRows {
			return &ValidationError{Field: "ledger_id", Reason: "not found"}
		}
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}
		if status != models.LedgerStatusActive {
			return &CycleStateError{LedgerID: ledgerID, State: status, Op: "close"}
		}

		if !force {
			if funded != total {
				return &CycleStateError{LedgerID: ledgerID, State: fmt.Sprintf("funded %d of %d", funded, total), Op: "close"}
			}
			reason = "fully_funded"
		} else {
			var unpaid int
			err = tx.QueryRowContext(ctx, `
				SELECT COUNT(*)
				FROM bursar.charges c
				JOIN bursar.bills b ON b.id = c.bill_id
				WHERE b.ledger_id = $1 AND c.status IN ('unpaid', 'processing')
			`, ledgerID).Scan(&unpaid)
			if err != nil {
				return fmt.Errorf("failed to count unpaid charges: %w", err)
			}
			if unpaid > 0 {
				return &LedgerInconsistencyError{
					LedgerID: ledgerID,
					Detail:   fmt.Sprintf("%d charges unpaid at forced close", unpaid),
				}
			}
			reason = "forced: " + reason
		}

		return m.closeIn(ctx, tx, ledgerID, reason)
	})
}

// closeIn performs the close mutation and HSI feedback on an already-locked
// active ledger row.
func (m *CycleManager) closeIn(ctx context.Context, q database.Querier, ledgerID, reason string) error {
	now := time.Now()
	_, err := q.ExecContext(ctx, `
		UPDATE bursar.house_service_ledgers
		SET status = 'closed', close_reason = $2, cycle_end = $3, updated_at = NOW()
		WHERE id = $1
	`, ledgerID, reason, now)
	if err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}

	houseID, dueDate, err := m.closeContext(ctx, q, ledgerID)
	if err != nil {
		return err
	}

	outcome := hsi.OutcomeOnTimePayment
	if dueDate != nil && now.After(*dueDate) {
		outcome = hsi.OutcomeLatePayment
	}
	if houseID != "" {
		if _, err := m.hsi.RecomputeIn(ctx, q, houseID, outcome); err != nil {
			return fmt.Errorf("failed to apply HSI feedback on close: %w", err)
		}
	}

	m.logger.WithFields(logging.Fields{
		"ledger_id": ledgerID,
		"reason":    reason,
		"outcome":   string(outcome),
	}).Info("Closed ledger cycle")
	return nil
}

// closeContext resolves the owning house and the cycle's bill due date.
func (m *CycleManager) closeContext(ctx context.Context, q database.Querier, ledgerID string) (string, *time.Time, error) {
	var houseID string
	var dueDate sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT hs.house_id, b.due_date
		FROM bursar.house_service_ledgers l
		JOIN bursar.house_services hs ON hs.id = l.house_service_id
		LEFT JOIN bursar.bills b ON b.ledger_id = l.id
		WHERE l.id = $1
	`, ledgerID).Scan(&houseID, &dueDate)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve ledger close context: %w", err)
	}
	if dueDate.Valid {
		return houseID, &dueDate.Time, nil
	}
	return houseID, nil, nil
}

// GetLedger returns a ledger cycle by ID.
func (m *CycleManager) GetLedger(ctx context.Context, ledgerID string) (*models.HouseServiceLedger, error) {
	return m.scanLedger(m.db.QueryRowContext(ctx, `
		SELECT id, house_service_id, funding_required_cents, funded_cents,
			amount_fronted_cents, service_fee_total_cents, total_required_cents,
			bill_generated, status, close_reason, cycle_start, cycle_end,
			created_at, updated_at
		FROM bursar.house_service_ledgers
		WHERE id = $1
	`, ledgerID))
}

// GetActiveLedger returns the active cycle for a house service, if any.
func (m *CycleManager) GetActiveLedger(ctx context.Context, houseServiceID string) (*models.HouseServiceLedger, error) {
	return m.scanLedger(m.db.QueryRowContext(ctx, `
		SELECT id, house_service_id, funding_required_cents, funded_cents,
			amount_fronted_cents, service_fee_total_cents, total_required_cents,
			bill_generated, status, close_reason, cycle_start, cycle_end,
			created_at, updated_at
		FROM bursar.house_service_ledgers
		WHERE house_service_id = $1 AND status = 'active'
	`, houseServiceID))
}

func (m *CycleManager) scanLedger(row *sql.Row) (*models.HouseServiceLedger, error) {
	var ledger models.HouseServiceLedger
	var closeReason sql.NullString
	var cycleEnd sql.NullTime
	err := row.Scan(
		&ledger.ID, &ledger.HouseServiceID, &ledger.FundingRequiredCents,
		&ledger.FundedCents, &ledger.AmountFrontedCents, &ledger.ServiceFeeTotalCents,
		&ledger.TotalRequiredCents, &ledger.BillGenerated, &ledger.Status,
		&closeReason, &ledger.CycleStart, &cycleEnd, &ledger.CreatedAt, &ledger.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if closeReason.Valid {
		ledger.CloseReason = &closeReason.String
	}
	if cycleEnd.Valid {
		ledger.CycleEnd = &cycleEnd.Time
	}
	return &ledger, nil
}

// FullyFundedActiveLedgers lists active cycles ready for auto-close, used by
// the background scan.
func (m *CycleManager) FullyFundedActiveLedgers(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id
		FROM bursar.house_service_ledgers
		WHERE status = 'active' AND bill_generated AND total_required_cents > 0
		  AND funded_cents >= total_required_cents
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list fully funded ledgers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AutoCloseFunded closes every fully funded active cycle in its own
// transaction. Inconsistent ledgers are logged and skipped, never forced.
func (m *CycleManager) AutoCloseFunded(ctx context.Context) (int, error) {
	ids, err := m.FullyFundedActiveLedgers(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, id := range ids {
		err := database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
			ok, err := m.CloseIfFunded(ctx, tx, id)
			if err == nil && ok {
				closed++
			}
			return err
		})
		if err != nil {
			m.logger.WithError(err).WithField("ledger_id", id).Error("Failed to auto-close funded ledger")
		}
	}
	return closed, nil
}
