package handlers

import (
	"net/http"

	"github.com/hausmate/bursar/internal/events"
	"github.com/hausmate/bursar/pkg/middleware"
	"github.com/hausmate/bursar/pkg/models"
)

// Member-facing billing endpoints. All of these run behind JWT auth; the
// house and user IDs come from token claims, never from the request body.

// GetLedger returns one funding cycle ledger
func GetLedger(c middleware.Context) {
	ledgerRecord, err := cycles.GetLedger(c.Request.Context(), c.Param("ledger_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ledgerRecord)
}

// GetServiceLedger returns the active funding cycle for a house service
func GetServiceLedger(c middleware.Context) {
	ledgerRecord, err := cycles.GetActiveLedger(c.Request.Context(), c.Param("service_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ledgerRecord)
}

// GetHSI returns a house's status index with its current multipliers
func GetHSI(c middleware.Context) {
	index, err := hsiEngine.Get(c.Request.Context(), c.Param("house_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, index)
}

// GetBills returns all bills for a house, newest first
func GetBills(c middleware.Context) {
	houseID := c.Param("house_id")

	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT b.id, b.ledger_id, b.bill_type, b.base_amount_cents, b.service_fee_total_cents,
			b.amount_cents, b.due_date, b.status, b.created_at, b.updated_at
		FROM bursar.bills b
		JOIN bursar.house_service_ledgers l ON l.id = b.ledger_id
		JOIN bursar.house_services hs ON hs.id = l.house_service_id
		WHERE hs.house_id = $1
		ORDER BY b.created_at DESC
	`, houseID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rows.Close()

	bills := []models.Bill{}
	for rows.Next() {
		var b models.Bill
		if err := rows.Scan(&b.ID, &b.LedgerID, &b.BillType, &b.BaseAmountCents,
			&b.ServiceFeeTotalCents, &b.AmountCents, &b.DueDate, &b.Status,
			&b.CreatedAt, &b.UpdatedAt); err != nil {
			respondError(c, err)
			return
		}
		bills = append(bills, b)
	}
	if err := rows.Err(); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, middleware.H{"bills": bills})
}

// GetCharges returns the per-member charges for a bill
func GetCharges(c middleware.Context) {
	charges, err := allocator.ChargesForBill(c.Request.Context(), c.Param("bill_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, middleware.H{"charges": charges})
}

// SubmitPaymentRequest is the body for paying a charge
type SubmitPaymentRequest struct {
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	PaymentMethod  string `json:"payment_method"`
}

// SubmitPayment submits a member's payment for one charge. Resubmitting the
// same idempotency key returns the original payment record.
func SubmitPayment(c middleware.Context) {
	var req SubmitPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "idempotency_key is required"})
		return
	}

	chargeID := c.Param("charge_id")
	userID := c.GetString("user_id")

	payment, err := processor.Submit(c.Request.Context(), chargeID, userID, req.IdempotencyKey, req.PaymentMethod)
	if err != nil && payment == nil {
		respondError(c, err)
		return
	}

	if metrics != nil {
		metrics.PaymentsSubmitted.WithLabelValues(payment.Status).Inc()
	}
	if emitter != nil {
		emitter.Emit(events.EventPaymentSubmitted, c.GetString("house_id"), "", map[string]interface{}{
			"payment_id": payment.ID,
			"charge_id":  chargeID,
			"status":     payment.Status,
		})
	}

	if payment.Status == models.PaymentStatusFailed {
		c.JSON(http.StatusBadGateway, middleware.H{"payment": payment, "error": "payment failed at processor"})
		return
	}
	c.JSON(http.StatusAccepted, middleware.H{"payment": payment})
}

// RetryPayment resubmits a failed payment while retry budget remains
func RetryPayment(c middleware.Context) {
	payment, err := processor.Retry(c.Request.Context(), c.Param("payment_id"))
	if err != nil && payment == nil {
		respondError(c, err)
		return
	}
	if payment.Status == models.PaymentStatusFailed {
		c.JSON(http.StatusBadGateway, middleware.H{"payment": payment, "error": "payment failed at processor"})
		return
	}
	c.JSON(http.StatusAccepted, middleware.H{"payment": payment})
}

// GetPayment returns one payment record
func GetPayment(c middleware.Context) {
	payment, err := processor.ByID(c.Request.Context(), c.Param("payment_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}
