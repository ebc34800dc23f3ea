package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Service types determine how a house service is billed.
const (
	ServiceTypeFixedRecurring    = "fixed_recurring"
	ServiceTypeVariableRecurring = "variable_recurring"
	ServiceTypeOneTime           = "one_time"
)

// Fee categories determine the service fee model applied at bill generation.
const (
	FeeCategoryCard        = "card"
	FeeCategoryMarketplace = "marketplace"
)

// Ledger cycle statuses
const (
	LedgerStatusActive = "active"
	LedgerStatusClosed = "closed"
)

// Bill statuses
const (
	BillStatusPending   = "pending"
	BillStatusPaid      = "paid"
	BillStatusCancelled = "cancelled"
)

// Charge statuses
const (
	ChargeStatusUnpaid     = "unpaid"
	ChargeStatusProcessing = "processing"
	ChargeStatusPaid       = "paid"
	ChargeStatusFailed     = "failed"
)

// Payment statuses
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
)

// Webhook event processing statuses
const (
	WebhookStatusProcessing = "processing"
	WebhookStatusCompleted  = "completed"
	WebhookStatusFailed     = "failed"
)

// House represents a shared household
type House struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// HouseMember is a roommate's membership in a house
type HouseMember struct {
	HouseID  string    `json:"house_id" db:"house_id"`
	UserID   string    `json:"user_id" db:"user_id"`
	Status   string    `json:"status" db:"status"`
	JoinedAt time.Time `json:"joined_at" db:"joined_at"`
}

// HouseService represents a recurring or one-off obligation billed to a house
type HouseService struct {
	ID                 string    `json:"id" db:"id"`
	HouseID            string    `json:"house_id" db:"house_id"`
	Name               string    `json:"name" db:"name"`
	ServiceType        string    `json:"service_type" db:"service_type"`
	FeeCategory        string    `json:"fee_category" db:"fee_category"`
	MonthlyAmountCents int64     `json:"monthly_amount_cents" db:"monthly_amount_cents"`
	DueDay             int       `json:"due_day" db:"due_day"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// HouseServiceLedger tracks one funding cycle for a house service.
// At most one ledger per service may be active at a time.
type HouseServiceLedger struct {
	ID                   string     `json:"id" db:"id"`
	HouseServiceID       string     `json:"house_service_id" db:"house_service_id"`
	FundingRequiredCents int64      `json:"funding_required_cents" db:"funding_required_cents"`
	FundedCents          int64      `json:"funded_cents" db:"funded_cents"`
	AmountFrontedCents   int64      `json:"amount_fronted_cents" db:"amount_fronted_cents"`
	ServiceFeeTotalCents int64      `json:"service_fee_total_cents" db:"service_fee_total_cents"`
	TotalRequiredCents   int64      `json:"total_required_cents" db:"total_required_cents"`
	BillGenerated        bool       `json:"bill_generated" db:"bill_generated"`
	Status               string     `json:"status" db:"status"`
	CloseReason          *string    `json:"close_reason,omitempty" db:"close_reason"`
	CycleStart           time.Time  `json:"cycle_start" db:"cycle_start"`
	CycleEnd             *time.Time `json:"cycle_end,omitempty" db:"cycle_end"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// Bill represents the billable total for a ledger cycle, fees included
type Bill struct {
	ID                   string    `json:"id" db:"id"`
	LedgerID             string    `json:"ledger_id" db:"ledger_id"`
	BillType             string    `json:"bill_type" db:"bill_type"`
	BaseAmountCents      int64     `json:"base_amount_cents" db:"base_amount_cents"`
	ServiceFeeTotalCents int64     `json:"service_fee_total_cents" db:"service_fee_total_cents"`
	AmountCents          int64     `json:"amount_cents" db:"amount_cents"`
	DueDate              time.Time `json:"due_date" db:"due_date"`
	Status               string    `json:"status" db:"status"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// Charge is one roommate's share of a bill
type Charge struct {
	ID          string    `json:"id" db:"id"`
	BillID      string    `json:"bill_id" db:"bill_id"`
	UserID      string    `json:"user_id" db:"user_id"`
	AmountCents int64     `json:"amount_cents" db:"amount_cents"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Payment is one attempt to settle a charge through the payment processor.
// The idempotency key is unique; resubmission with the same key returns the
// original payment without touching the processor again.
type Payment struct {
	ID                    string     `json:"id" db:"id"`
	ChargeID              string     `json:"charge_id" db:"charge_id"`
	UserID                string     `json:"user_id" db:"user_id"`
	IdempotencyKey        string     `json:"idempotency_key" db:"idempotency_key"`
	AmountCents           int64      `json:"amount_cents" db:"amount_cents"`
	Currency              string     `json:"currency" db:"currency"`
	Status                string     `json:"status" db:"status"`
	RetryCount            int        `json:"retry_count" db:"retry_count"`
	StripePaymentIntentID *string    `json:"stripe_payment_intent_id,omitempty" db:"stripe_payment_intent_id"`
	ErrorMessage          *string    `json:"error_message,omitempty" db:"error_message"`
	SubmittedAt           time.Time  `json:"submitted_at" db:"submitted_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
}

// WebhookEvent is the durable log of every processor event received.
// The (provider, event_id) pair is unique and doubles as the dedup lock.
type WebhookEvent struct {
	ID        string    `json:"id" db:"id"`
	Provider  string    `json:"provider" db:"provider"`
	EventID   string    `json:"event_id" db:"event_id"`
	EventType string    `json:"event_type" db:"event_type"`
	Payload   JSONB     `json:"payload" db:"payload"`
	Status    string    `json:"status" db:"status"`
	Error     *string   `json:"error,omitempty" db:"error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// VirtualCardRequest asks for a virtual card to settle a service directly
type VirtualCardRequest struct {
	ID                 string    `json:"id" db:"id"`
	HouseServiceID     string    `json:"house_service_id" db:"house_service_id"`
	MonthlyAmountCents int64     `json:"monthly_amount_cents" db:"monthly_amount_cents"`
	DueDay             int       `json:"due_day" db:"due_day"`
	Status             string    `json:"status" db:"status"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// VirtualCard is an issued card backing a request
type VirtualCard struct {
	ID        string    `json:"id" db:"id"`
	RequestID string    `json:"request_id" db:"request_id"`
	Last4     string    `json:"last4" db:"last4"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
