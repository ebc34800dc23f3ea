package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/hausmate/bursar/pkg/database"
	"github.com/hausmate/bursar/pkg/logging"
	"github.com/hausmate/bursar/pkg/models"
)

// Share is one roommate's slice of a bill.
type Share struct {
	UserID      string
	AmountCents int64
}

// SplitCents divides a cent amount evenly across users, assigning the
// remainder cent-by-cent in ascending user ID order so repeated runs produce
// identical shares. The shares always sum to amountCents exactly.
func SplitCents(amountCents int64, userIDs []string) ([]Share, error) {
	if len(userIDs) == 0 {
		return nil, &EmptyRoommateSetError{}
	}
	if amountCents < 0 {
		return nil, &ValidationError{Field: "amount_cents", Reason: "must not be negative"}
	}

	sorted := make([]string, len(userIDs))
	copy(sorted, userIDs)
	sort.Strings(sorted)

	n := int64(len(sorted))
	base := amountCents / n
	remainder := amountCents % n

	shares := make([]Share, len(sorted))
	for i, userID := range sorted {
		amount := base
		if int64(i) < remainder {
			amount++
		}
		shares[i] = Share{UserID: userID, AmountCents: amount}
	}
	return shares, nil
}

// Allocator splits bills into per-roommate charges.
type Allocator struct {
	db     *sql.DB
	logger logging.Logger
}

func NewAllocator(db *sql.DB, logger logging.Logger) *Allocator {
	return &Allocator{db: db, logger: logger}
}

// Allocate creates charges for a pending bill. Idempotent: if charges already
// exist for the bill they are returned unchanged.
func (a *Allocator) Allocate(ctx context.Context, billID string, roommates []string) ([]models.Charge, error) {
	return a.allocate(ctx, billID, "", roommates)
}

// AllocateAuthorized is Allocate gated on a consent task: the task must have
// reached authorized before any charge may be created.
func (a *Allocator) AllocateAuthorized(ctx context.Context, billID, taskID string, roommates []string) ([]models.Charge, error) {
	if taskID == "" {
		return nil, &ValidationError{Field: "task_id", Reason: "is required"}
	}
	return a.allocate(ctx, billID, taskID, roommates)
}

func (a *Allocator) allocate(ctx context.Context, billID, taskID string, roommates []string) ([]models.Charge, error) {
	if len(roommates) == 0 {
		return nil, &EmptyRoommateSetError{BillID: billID}
	}

	var charges []models.Charge
	err := database.WithTx(ctx, a.db, func(tx *sql.Tx) error {
		if taskID != "" {
			var state string
			err := tx.QueryRowContext(ctx, `
				SELECT payment_status FROM bursar.tasks WHERE id = $1 FOR UPDATE
			`, taskID).Scan(&state)
			if err == sql.ErrNoRows {
				return &ValidationError{Field: "task_id", Reason: "not found"}
			}
			if err != nil {
				return fmt.Errorf("failed to read consent task: %w", err)
			}
			if state != models.TaskPaymentAuthorized {
				return &ConsentRequiredError{TaskID: taskID, State: state}
			}
		}

		var amountCents int64
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT amount_cents, status FROM bursar.bills WHERE id = $1 FOR UPDATE
		`, billID).Scan(&amountCents, &status)
		if err == sql.ErrNoRows {
			return &ValidationError{Field: "bill_id", Reason: "not found"}
		}
		if err != nil {
			return fmt.Errorf("failed to read bill: %w", err)
		}
		if status != models.BillStatusPending {
			return &ValidationError{Field: "bill_id", Reason: "is " + status + ", expected pending"}
		}

		existing, err := a.chargesForBill(ctx, tx, billID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			charges = existing
			a.logger.WithFields(logging.Fields{
				"bill_id": billID,
				"charges": len(existing),
			}).Debug("Charges already allocated for bill")
			return nil
		}

		shares, err := SplitCents(amountCents, roommates)
		if err != nil {
			if empty, ok := err.(*EmptyRoommateSetError); ok {
				empty.BillID = billID
			}
			return err
		}

		for _, share := range shares {
			var charge models.Charge
			charge.BillID = billID
			charge.UserID = share.UserID
			charge.AmountCents = share.AmountCents
			charge.Status = models.ChargeStatusUnpaid
			err := tx.QueryRowContext(ctx, `
				INSERT INTO bursar.charges (bill_id, user_id, amount_cents, status)
				VALUES ($1, $2, $3, 'unpaid')
				RETURNING id, created_at, updated_at
			`, billID, share.UserID, share.AmountCents).
				Scan(&charge.ID, &charge.CreatedAt, &charge.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert charge: %w", err)
			}
			charges = append(charges, charge)
		}

		a.logger.WithFields(logging.Fields{
			"bill_id":      billID,
			"amount_cents": amountCents,
			"roommates":    len(roommates),
		}).Info("Allocated charges for bill")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return charges, nil
}

func (a *Allocator) chargesForBill(ctx context.Context, q database.Querier, billID string) ([]models.Charge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, bill_id, user_id, amount_cents, status, created_at, updated_at
		FROM bursar.charges
		WHERE bill_id = $1
		ORDER BY user_id
	`, billID)
	if err != nil {
		return nil, fmt.Errorf("failed to read charges: %w", err)
	}
	defer rows.Close()

	var charges []models.Charge
	for rows.Next() {
		var c models.Charge
		if err := rows.Scan(&c.ID, &c.BillID, &c.UserID, &c.AmountCents, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

// ChargesForBill lists a bill's charges in allocation order.
func (a *Allocator) ChargesForBill(ctx context.Context, billID string) ([]models.Charge, error) {
	return a.chargesForBill(ctx, a.db, billID)
}
