package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hausmate/bursar/internal/ledger"
	"github.com/hausmate/bursar/pkg/billing"
	"github.com/hausmate/bursar/pkg/logging"
	"github.com/hausmate/bursar/pkg/models"
)

// DefaultMaxRetries bounds external submission attempts per payment.
const DefaultMaxRetries = 3

// TransientError wraps a processor failure worth retrying: network errors,
// timeouts, rate limits, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient processor error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IntentRequest is the submission toward the external processor.
type IntentRequest struct {
	IdempotencyKey   string
	AmountCents      int64
	Currency         string
	PaymentMethodRef string
	Metadata         map[string]string
}

// IntentResult is the processor's view of a payment intent.
type IntentResult struct {
	ID     string
	Status string
	Error  string
}

// ProcessorClient abstracts the external payment processor.
type ProcessorClient interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*IntentResult, error)
	GetPaymentIntent(ctx context.Context, id string) (*IntentResult, error)
}

// Processor submits charges for collection with at-most-once external calls
// per idempotency key. The payments table's unique key constraint is the
// arbiter: whichever caller inserts the row owns the external call, everyone
// else gets the existing record back.
type Processor struct {
	db         *sql.DB
	logger     logging.Logger
	client     ProcessorClient
	maxRetries int
	backoff    time.Duration
}

func NewProcessor(db *sql.DB, logger logging.Logger, client ProcessorClient, maxRetries int, backoff time.Duration) *Processor {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Processor{
		db:         db,
		logger:     logger,
		client:     client,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Submit collects one charge. Resubmission with the same idempotency key
// returns the existing payment without a new external call.
func (p *Processor) Submit(ctx context.Context, chargeID, userID, idempotencyKey, paymentMethodRef string) (*models.Payment, error) {
	if idempotencyKey == "" {
		return nil, &ledger.ValidationError{Field: "idempotency_key", Reason: "is required"}
	}
	if chargeID == "" {
		return nil, &ledger.ValidationError{Field: "charge_id", Reason: "is required"}
	}

	var amountCents int64
	var chargeStatus string
	err := p.db.QueryRowContext(ctx, `
		SELECT amount_cents, status FROM bursar.charges WHERE id = $1
	`, chargeID).Scan(&amountCents, &chargeStatus)
	if err == sql.ErrNoRows {
		return nil, &ledger.ValidationError{Field: "charge_id", Reason: "not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read charge: %w", err)
	}
	if chargeStatus == models.ChargeStatusPaid {
		return nil, &ledger.ValidationError{Field: "charge_id", Reason: "is already paid"}
	}

	currency := billing.DefaultCurrency()
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO bursar.payments
			(charge_id, user_id, idempotency_key, amount_cents, currency, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, chargeID, userID, idempotencyKey, amountCents, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		// Another caller owns this key. Return their payment as-is, unless
		// it stalled before ever reaching the processor (a crash between the
		// insert and the external call leaves pending with no intent); the
		// shared idempotency key makes resuming that call safe.
		payment, err := p.ByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if payment.Status == models.PaymentStatusPending && payment.StripePaymentIntentID == nil {
			p.logger.WithFields(logging.Fields{
				"idempotency_key": idempotencyKey,
				"payment_id":      payment.ID,
			}).Warn("Resuming stalled pending payment")
			return p.callProcessor(ctx, payment, paymentMethodRef)
		}
		p.logger.WithFields(logging.Fields{
			"idempotency_key": idempotencyKey,
			"payment_id":      payment.ID,
			"status":          payment.Status,
		}).Info("Duplicate payment submission, returning existing record")
		return payment, nil
	}

	payment, err := p.ByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if _, err := p.db.ExecContext(ctx, `
		UPDATE bursar.charges SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status = 'unpaid'
	`, chargeID); err != nil {
		return nil, fmt.Errorf("failed to mark charge processing: %w", err)
	}

	return p.callProcessor(ctx, payment, paymentMethodRef)
}

// callProcessor drives the external submission with a bounded backoff budget.
// Transient failures retry; exhaustion or a permanent failure marks the
// payment failed with the error recorded.
func (p *Processor) callProcessor(ctx context.Context, payment *models.Payment, paymentMethodRef string) (*models.Payment, error) {
	req := IntentRequest{
		IdempotencyKey:   payment.IdempotencyKey,
		AmountCents:      payment.AmountCents,
		Currency:         payment.Currency,
		PaymentMethodRef: paymentMethodRef,
		Metadata: map[string]string{
			"payment_id": payment.ID,
			"charge_id":  payment.ChargeID,
		},
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.backoff << (attempt - 1)):
			}
			if _, err := p.db.ExecContext(ctx, `
				UPDATE bursar.payments SET retry_count = retry_count + 1, updated_at = NOW()
				WHERE id = $1
			`, payment.ID); err != nil {
				return nil, fmt.Errorf("failed to bump retry count: %w", err)
			}
			payment.RetryCount++
		}

		intent, err := p.client.CreatePaymentIntent(ctx, req)
		if err == nil {
			if _, err := p.db.ExecContext(ctx, `
				UPDATE bursar.payments
				SET status = 'processing', stripe_payment_intent_id = $2, updated_at = NOW()
				WHERE id = $1
			`, payment.ID, intent.ID); err != nil {
				return nil, fmt.Errorf("failed to advance payment to processing: %w", err)
			}
			payment.Status = models.PaymentStatusProcessing
			payment.StripePaymentIntentID = &intent.ID

			p.logger.WithFields(logging.Fields{
				"payment_id": payment.ID,
				"intent_id":  intent.ID,
				"attempts":   attempt + 1,
			}).Info("Payment submitted to processor")
			return payment, nil
		}

		lastErr = err
		if !IsTransient(err) {
			break
		}
		p.logger.WithError(err).WithFields(logging.Fields{
			"payment_id": payment.ID,
			"attempt":    attempt + 1,
		}).Warn("Transient processor error, will retry")
	}

	msg := lastErr.Error()
	if _, err := p.db.ExecContext(ctx, `
		UPDATE bursar.payments SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE id = $1
	`, payment.ID, msg); err != nil {
		return nil, fmt.Errorf("failed to mark payment failed: %w", err)
	}
	payment.Status = models.PaymentStatusFailed
	payment.ErrorMessage = &msg

	p.logger.WithError(lastErr).WithFields(logging.Fields{
		"payment_id":  payment.ID,
		"retry_count": payment.RetryCount,
	}).Error("Payment submission failed")

	return payment, lastErr
}

// Retry re-opens a failed payment for another submission round. Completed
// payments are terminal; the retry budget is bounded.
func (p *Processor) Retry(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := p.ByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status == models.PaymentStatusCompleted {
		return nil, &ledger.ValidationError{Field: "payment_id", Reason: "is completed, cannot retry"}
	}
	if payment.Status != models.PaymentStatusFailed {
		return nil, &ledger.ValidationError{Field: "payment_id", Reason: "is " + payment.Status + ", only failed payments retry"}
	}
	if payment.RetryCount >= p.maxRetries {
		return nil, &ledger.ValidationError{Field: "payment_id", Reason: "retry budget exhausted"}
	}

	if _, err := p.db.ExecContext(ctx, `
		UPDATE bursar.payments SET status = 'pending', error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`, paymentID); err != nil {
		return nil, fmt.Errorf("failed to re-open payment: %w", err)
	}
	payment.Status = models.PaymentStatusPending
	payment.ErrorMessage = nil

	return p.callProcessor(ctx, payment, "")
}

// ByIdempotencyKey looks up a payment by its idempotency key.
func (p *Processor) ByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, paymentSelect+` WHERE idempotency_key = $1`, key))
}

// ByID looks up a payment by ID.
func (p *Processor) ByID(ctx context.Context, id string) (*models.Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, paymentSelect+` WHERE id = $1`, id))
}

const paymentSelect = `
	SELECT id, charge_id, user_id, idempotency_key, amount_cents, currency,
		status, retry_count, stripe_payment_intent_id, error_message,
		submitted_at, completed_at, created_at, updated_at
	FROM bursar.payments`

func scanPayment(row *sql.Row) (*models.Payment, error) {
	var payment models.Payment
	var intentID, errMsg sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&payment.ID, &payment.ChargeID, &payment.UserID,
		&payment.IdempotencyKey, &payment.AmountCents, &payment.Currency,
		&payment.Status, &payment.RetryCount, &intentID, &errMsg,
		&payment.SubmittedAt, &completedAt, &payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if intentID.Valid {
		payment.StripePaymentIntentID = &intentID.String
	}
	if errMsg.Valid {
		payment.ErrorMessage = &errMsg.String
	}
	if completedAt.Valid {
		payment.CompletedAt = &completedAt.Time
	}
	return &payment, nil
}
