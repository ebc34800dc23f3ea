package hsi

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hausmate/bursar/pkg/database"
	"github.com/hausmate/bursar/pkg/logging"
	"github.com/hausmate/bursar/pkg/models"
)

// Outcome is a payment behavior event that moves a house's score.
type Outcome string

const (
	OutcomeOnTimePayment    Outcome = "on_time_payment"
	OutcomeLatePayment      Outcome = "late_payment"
	OutcomeDefault          Outcome = "default"
	OutcomeManualAdjustment Outcome = "manual_adjustment"
)

// Score deltas per outcome. Manual adjustments carry an explicit delta instead.
const (
	deltaOnTime  = 2
	deltaLate    = -5
	deltaDefault = -10

	neutralScore = 50
)

// Fee and credit multipliers in basis points, keyed by bracket-1. Higher
// brackets (better payment history) pay lower fees and unlock more credit.
// Both tables are monotonic and bounded to [0.5x, 2.0x].
var (
	feeMultiplierBP    = [10]int64{20000, 17500, 15000, 13000, 11500, 10000, 9000, 8000, 6500, 5000}
	creditMultiplierBP = [10]int64{5000, 6500, 8000, 9000, 9500, 10000, 11500, 13000, 15000, 20000}
)

// Engine maintains the per-house status index. One row per house,
// updated in place with an audit reason.
type Engine struct {
	db     *sql.DB
	logger logging.Logger
}

func NewEngine(db *sql.DB, logger logging.Logger) *Engine {
	return &Engine{db: db, logger: logger}
}

// BracketForScore maps a clamped score to its bracket (1-10).
func BracketForScore(score int) int {
	b := score/10 + 1
	if b > 10 {
		b = 10
	}
	return b
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// MultipliersForBracket returns the fee and credit multipliers in basis points.
func MultipliersForBracket(bracket int) (feeBP, creditBP int64) {
	if bracket < 1 {
		bracket = 1
	}
	if bracket > 10 {
		bracket = 10
	}
	return feeMultiplierBP[bracket-1], creditMultiplierBP[bracket-1]
}

func deltaForOutcome(outcome Outcome) (int, error) {
	switch outcome {
	case OutcomeOnTimePayment:
		return deltaOnTime, nil
	case OutcomeLatePayment:
		return deltaLate, nil
	case OutcomeDefault:
		return deltaDefault, nil
	default:
		return 0, fmt.Errorf("unknown HSI outcome: %s", outcome)
	}
}

// Recompute applies a payment outcome to a house's score.
func (e *Engine) Recompute(ctx context.Context, houseID string, outcome Outcome) (*models.HouseStatusIndex, error) {
	return e.RecomputeIn(ctx, e.db, houseID, outcome)
}

// RecomputeIn is Recompute running on a caller-supplied Querier, typically the
// transaction that also records the triggering payment effect.
func (e *Engine) RecomputeIn(ctx context.Context, q database.Querier, houseID string, outcome Outcome) (*models.HouseStatusIndex, error) {
	delta, err := deltaForOutcome(outcome)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, q, houseID, delta, string(outcome))
}

// Adjust applies a manual score adjustment with an explicit delta and reason.
func (e *Engine) Adjust(ctx context.Context, houseID string, delta int, reason string) (*models.HouseStatusIndex, error) {
	return e.apply(ctx, e.db, houseID, delta, string(OutcomeManualAdjustment)+": "+reason)
}

func (e *Engine) apply(ctx context.Context, q database.Querier, houseID string, delta int, reason string) (*models.HouseStatusIndex, error) {
	if houseID == "" {
		return nil, fmt.Errorf("house ID is required")
	}

	current := neutralScore
	err := q.QueryRowContext(ctx, `
		SELECT score FROM bursar.house_status_index
		WHERE house_id = $1
		FOR UPDATE
	`, houseID).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read house status index: %w", err)
	}

	score := clampScore(current + delta)
	bracket := BracketForScore(score)
	feeBP, creditBP := MultipliersForBracket(bracket)

	idx := &models.HouseStatusIndex{
		HouseID:            houseID,
		Score:              score,
		Bracket:            bracket,
		FeeMultiplierBP:    feeBP,
		CreditMultiplierBP: creditBP,
		UpdatedReason:      reason,
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO bursar.house_status_index
			(house_id, score, bracket, fee_multiplier_bp, credit_multiplier_bp, updated_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (house_id) DO UPDATE SET
			score = $2, bracket = $3, fee_multiplier_bp = $4,
			credit_multiplier_bp = $5, updated_reason = $6, updated_at = NOW()
	`, houseID, score, bracket, feeBP, creditBP, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to update house status index: %w", err)
	}

	e.logger.WithFields(logging.Fields{
		"house_id": houseID,
		"score":    score,
		"bracket":  bracket,
		"delta":    delta,
		"reason":   reason,
	}).Info("House status index updated")

	return idx, nil
}

// Get returns the current index for a house. Houses without a row get the
// neutral defaults so bill generation never blocks on a missing index.
func (e *Engine) Get(ctx context.Context, houseID string) (*models.HouseStatusIndex, error) {
	return e.GetIn(ctx, e.db, houseID)
}

// GetIn is Get running on a caller-supplied Querier.
func (e *Engine) GetIn(ctx context.Context, q database.Querier, houseID string) (*models.HouseStatusIndex, error) {
	var idx models.HouseStatusIndex
	err := q.QueryRowContext(ctx, `
		SELECT house_id, score, bracket, fee_multiplier_bp, credit_multiplier_bp, updated_reason, updated_at
		FROM bursar.house_status_index
		WHERE house_id = $1
	`, houseID).Scan(&idx.HouseID, &idx.Score, &idx.Bracket, &idx.FeeMultiplierBP,
		&idx.CreditMultiplierBP, &idx.UpdatedReason, &idx.UpdatedAt)
	if err == sql.ErrNoRows {
		bracket := BracketForScore(neutralScore)
		feeBP, creditBP := MultipliersForBracket(bracket)
		return &models.HouseStatusIndex{
			HouseID:            houseID,
			Score:              neutralScore,
			Bracket:            bracket,
			FeeMultiplierBP:    feeBP,
			CreditMultiplierBP: creditBP,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read house status index: %w", err)
	}
	return &idx, nil
}
