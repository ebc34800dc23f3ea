package models

import "time"

// Task payment consent statuses. A task either never needs payment
// (not_required) or walks the consent state machine; cancelled is terminal.
const (
	TaskPaymentNotRequired = "not_required"
	TaskPaymentPending     = "pending"
	TaskPaymentAuthorized  = "authorized"
	TaskPaymentCompleted   = "completed"
	TaskPaymentFailed      = "failed"
	TaskPaymentCancelled   = "cancelled"
)

// Task represents a house task whose completion may require an authorized payment
type Task struct {
	ID                    string    `json:"id" db:"id"`
	HouseID               string    `json:"house_id" db:"house_id"`
	UserID                string    `json:"user_id" db:"user_id"`
	Description           string    `json:"description" db:"description"`
	PaymentStatus         string    `json:"payment_status" db:"payment_status"`
	StripePaymentIntentID *string   `json:"stripe_payment_intent_id,omitempty" db:"stripe_payment_intent_id"`
	AmountCents           int64     `json:"amount_cents" db:"amount_cents"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}
