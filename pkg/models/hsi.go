package models

import "time"

// HouseStatusIndex is the per-house health score driving fee and credit
// modulation. Multipliers are stored in basis points (10000 = 1.0x) so
// arithmetic stays integral.
type HouseStatusIndex struct {
	HouseID            string    `json:"house_id" db:"house_id"`
	Score              int       `json:"score" db:"score"`
	Bracket            int       `json:"bracket" db:"bracket"`
	FeeMultiplierBP    int64     `json:"fee_multiplier_bp" db:"fee_multiplier_bp"`
	CreditMultiplierBP int64     `json:"credit_multiplier_bp" db:"credit_multiplier_bp"`
	UpdatedReason      string    `json:"updated_reason" db:"updated_reason"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}
