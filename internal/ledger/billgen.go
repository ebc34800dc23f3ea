package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hausmate/bursar/internal/hsi"
	"github.com/hausmate/bursar/pkg/database"
	"github.com/hausmate/bursar/pkg/logging"
	"github.com/hausmate/bursar/pkg/models"
)

// DefaultCardFeeCents is the flat per-roommate service fee for card-category
// services before HSI modulation. Marketplace services carry no fee.
const DefaultCardFeeCents int64 = 200

// BillGenerator materializes a Bill from an accrued ledger cycle. The service
// fee is the per-roommate flat fee scaled by the house's current HSI fee
// multiplier; already-issued bills are never rewritten when the index moves.
type BillGenerator struct {
	db           *sql.DB
	logger       logging.Logger
	hsi          *hsi.Engine
	cardFeeCents int64
}

func NewBillGenerator(db *sql.DB, logger logging.Logger, hsiEngine *hsi.Engine, cardFeeCents int64) *BillGenerator {
	if cardFeeCents <= 0 {
		cardFeeCents = DefaultCardFeeCents
	}
	return &BillGenerator{
		db:           db,
		logger:       logger,
		hsi:          hsiEngine,
		cardFeeCents: cardFeeCents,
	}
}

// ServiceFeeCents computes the HSI-modulated fee for a card service.
// Multiplier is in basis points; integer arithmetic throughout.
func ServiceFeeCents(feeCategory string, roommateCount int, flatFeeCents, feeMultiplierBP int64) int64 {
	if feeCategory != models.FeeCategoryCard || roommateCount <= 0 {
		return 0
	}
	base := int64(roommateCount) * flatFeeCents
	return base * feeMultiplierBP / 10000
}

// Generate issues the bill for a ledger cycle. Idempotent: a second call for
// an already-billed cycle returns the existing bill without touching the
// ledger.
func (g *BillGenerator) Generate(ctx context.Context, ledgerID string, dueDate time.Time) (*models.Bill, error) {
	var bill *models.Bill
	err := database.WithTx(ctx, g.db, func(tx *sql.Tx) error {
		var (
			status        string
			billGenerated bool
			baseCents     int64
			serviceType   string
			feeCategory   string
			houseID       string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT l.status, l.bill_generated, l.funding_required_cents,
				hs.service_type, hs.fee_category, hs.house_id
			FROM bursar.house_service_ledgers l
			JOIN bursar.house_services hs ON hs.id = l.house_service_id
			WHERE l.id = $1
			FOR UPDATE OF l
		`, ledgerID).Scan(&status, &billGenerated, &baseCents, &serviceType, &feeCategory, &houseID)
		if err == sql.ErrNoRows {
			return &ValidationError{Field: "ledger_id", Reason: "not found"}
		}
		if err != nil {
			return fmt.Errorf("failed to read ledger for bill generation: %w", err)
		}
		if status != models.LedgerStatusActive {
			return &CycleStateError{LedgerID: ledgerID, State: status, Op: "generate bill for"}
		}

		if billGenerated {
			bill, err = g.billForLedger(ctx, tx, ledgerID)
			if err != nil {
				return err
			}
			g.logger.WithFields(logging.Fields{
				"ledger_id": ledgerID,
				"bill_id":   bill.ID,
			}).Debug("Bill already generated for cycle, returning existing")
			return nil
		}

		var roommates int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM bursar.house_members
			WHERE house_id = $1 AND status = 'active'
		`, houseID).Scan(&roommates)
		if err != nil {
			return fmt.Errorf("failed to count house members: %w", err)
		}

		idx, err := g.hsi.GetIn(ctx, tx, houseID)
		if err != nil {
			return err
		}

		feeCents := ServiceFeeCents(feeCategory, roommates, g.cardFeeCents, idx.FeeMultiplierBP)
		totalCents := baseCents + feeCents

		_, err = tx.ExecContext(ctx, `
			UPDATE bursar.house_service_ledgers
			SET service_fee_total_cents = $2, total_required_cents = $3,
				bill_generated = TRUE, updated_at = NOW()
			WHERE id = $1
		`, ledgerID, feeCents, totalCents)
		if err != nil {
			return fmt.Errorf("failed to finalize ledger totals: %w", err)
		}

		bill = &models.Bill{
			LedgerID:             ledgerID,
			BillType:             serviceType,
			BaseAmountCents:      baseCents,
			ServiceFeeTotalCents: feeCents,
			AmountCents:          totalCents,
			DueDate:              dueDate,
			Status:               models.BillStatusPending,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO bursar.bills
				(ledger_id, bill_type, base_amount_cents, service_fee_total_cents, amount_cents, due_date, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending')
			RETURNING id, created_at, updated_at
		`, ledgerID, serviceType, baseCents, feeCents, totalCents, dueDate).
			Scan(&bill.ID, &bill.CreatedAt, &bill.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert bill: %w", err)
		}

		g.logger.WithFields(logging.Fields{
			"ledger_id":         ledgerID,
			"bill_id":           bill.ID,
			"base_cents":        baseCents,
			"fee_cents":         feeCents,
			"amount_cents":      totalCents,
			"fee_multiplier_bp": idx.FeeMultiplierBP,
			"roommates":         roommates,
		}).Info("Generated bill for ledger cycle")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bill, nil
}

func (g *BillGenerator) billForLedger(ctx context.Context, q database.Querier, ledgerID string) (*models.Bill, error) {
	var bill models.Bill
	err := q.QueryRowContext(ctx, `
		SELECT id, ledger_id, bill_type, base_amount_cents, service_fee_total_cents,
			amount_cents, due_date, status, created_at, updated_at
		FROM bursar.bills
		WHERE ledger_id = $1
	`, ledgerID).Scan(&bill.ID, &bill.LedgerID, &bill.BillType, &bill.BaseAmountCents,
		&bill.ServiceFeeTotalCents, &bill.AmountCents, &bill.DueDate, &bill.Status,
		&bill.CreatedAt, &bill.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &LedgerInconsistencyError{LedgerID: ledgerID, Detail: "bill_generated set but no bill row"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bill for ledger: %w", err)
	}
	return &bill, nil
}
