package handlers

import (
	"net/http"
	"time"

	"github.com/hausmate/bursar/internal/events"
	"github.com/hausmate/bursar/pkg/middleware"
	"github.com/hausmate/bursar/pkg/models"
)

// Service-facing endpoints, authenticated with the shared service token.
// These drive the cycle lifecycle from service management and automation.

// CreateServiceRequest is the body for registering a house service
type CreateServiceRequest struct {
	HouseID            string `json:"house_id" binding:"required"`
	Name               string `json:"name" binding:"required"`
	ServiceType        string `json:"service_type" binding:"required"`
	FeeCategory        string `json:"fee_category" binding:"required"`
	MonthlyAmountCents int64  `json:"monthly_amount_cents"`
	DueDay             int    `json:"due_day"`
}

// CreateService registers a shared service for a house
func CreateService(c middleware.Context) {
	var req CreateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error()})
		return
	}

	var service models.HouseService
	err := db.QueryRowContext(c.Request.Context(), `
		INSERT INTO bursar.house_services (house_id, name, service_type, fee_category, monthly_amount_cents, due_day)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, house_id, name, service_type, fee_category, monthly_amount_cents, due_day, created_at
	`, req.HouseID, req.Name, req.ServiceType, req.FeeCategory, req.MonthlyAmountCents, req.DueDay).Scan(
		&service.ID, &service.HouseID, &service.Name, &service.ServiceType,
		&service.FeeCategory, &service.MonthlyAmountCents, &service.DueDay, &service.CreatedAt)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, service)
}

// ListServices returns a house's registered services
func ListServices(c middleware.Context) {
	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT id, house_id, name, service_type, fee_category, monthly_amount_cents, due_day, created_at
		FROM bursar.house_services
		WHERE house_id = $1
		ORDER BY created_at
	`, c.Param("house_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer rows.Close()

	services := []models.HouseService{}
	for rows.Next() {
		var s models.HouseService
		if err := rows.Scan(&s.ID, &s.HouseID, &s.Name, &s.ServiceType,
			&s.FeeCategory, &s.MonthlyAmountCents, &s.DueDay, &s.CreatedAt); err != nil {
			respondError(c, err)
			return
		}
		services = append(services, s)
	}
	if err := rows.Err(); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, middleware.H{"services": services})
}

// OpenCycle opens a funding cycle for a service. At most one cycle per
// service can be active; a second open attempt conflicts.
func OpenCycle(c middleware.Context) {
	serviceID := c.Param("service_id")

	ledgerRecord, err := cycles.OpenCycle(c.Request.Context(), serviceID)
	if err != nil {
		respondError(c, err)
		return
	}

	if metrics != nil {
		metrics.CycleOperations.WithLabelValues("open").Inc()
	}
	if emitter != nil {
		emitter.Emit(events.EventCycleOpened, "", serviceID, map[string]interface{}{
			"ledger_id": ledgerRecord.ID,
		})
	}
	c.JSON(http.StatusCreated, ledgerRecord)
}

// AmountRequest is the body for accrual and fronting operations
type AmountRequest struct {
	AmountCents int64 `json:"amount_cents" binding:"required"`
}

// Accrue adds a layered cost to an open cycle before its bill exists
func Accrue(c middleware.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error()})
		return
	}

	if err := cycles.Accrue(c.Request.Context(), c.Param("ledger_id"), req.AmountCents); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, middleware.H{"status": "accrued"})
}

// RecordFronting records that the platform fronted a provider payment
func RecordFronting(c middleware.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error()})
		return
	}

	if err := cycles.RecordFronting(c.Request.Context(), c.Param("ledger_id"), req.AmountCents); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, middleware.H{"status": "recorded"})
}

// GenerateBillRequest is the body for bill generation
type GenerateBillRequest struct {
	DueDate string `json:"due_date"` // RFC 3339, defaults to 14 days out
}

// GenerateBill snapshots a cycle into its bill, applying the house's
// status-index fee multiplier. Generating twice returns the same bill.
func GenerateBill(c middleware.Context) {
	var req GenerateBillRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error()})
		return
	}

	dueDate := time.Now().AddDate(0, 0, 14)
	if req.DueDate != "" {
		parsed, err := time.Parse(time.RFC3339, req.DueDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, middleware.H{"error": "due_date must be RFC 3339"})
			return
		}
		dueDate = parsed
	}

	bill, err := billGen.Generate(c.Request.Context(), c.Param("ledger_id"), dueDate)
	if err != nil {
		respondError(c, err)
		return
	}

	if metrics != nil {
		metrics.CycleOperations.WithLabelValues("bill_generated").Inc()
	}
	if emitter != nil {
		emitter.Emit(events.EventBillGenerated, "", "", map[string]interface{}{
			"bill_id":      bill.ID,
			"ledger_id":    bill.LedgerID,
			"amount_cents": bill.AmountCents,
		})
	}
	c.JSON(http.StatusCreated, bill)
}

// AllocateChargesRequest is the body for charge allocation
type AllocateChargesRequest struct {
	TaskID string `json:"task_id"` // set when the bill settles a consent-gated task
}

// AllocateCharges splits a bill across the house's active members. The split
// is exact: shares sum to the bill total, remainder cents going to the
// members with the lowest user IDs.
func AllocateCharges(c middleware.Context) {
	var req AllocateChargesRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error()})
		return
	}

	billID := c.Param("bill_id")

	roommates, houseID, err := activeMembersForBill(c, billID)
	if err != nil {
		respondError(c, err)
		return
	}

	var charges []models.Charge
	if req.TaskID != "" {
		charges, err = allocator.AllocateAuthorized(c.Request.Context(), billID, req.TaskID, roommates)
	} else {
		charges, err = allocator.Allocate(c.Request.Context(), billID, roommates)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	if metrics != nil {
		metrics.ChargesAllocated.Add(float64(len(charges)))
	}
	if emitter != nil {
		emitter.Emit(events.EventChargesAllocated, houseID, "", map[string]interface{}{
			"bill_id":      billID,
			"charge_count": len(charges),
		})
	}
	c.JSON(http.StatusCreated, middleware.H{"charges": charges})
}

// activeMembersForBill resolves the house behind a bill and its active
// member set, ordered by user ID for a deterministic split.
func activeMembersForBill(c middleware.Context, billID string) ([]string, string, error) {
	var houseID string
	err := db.QueryRowContext(c.Request.Context(), `
		SELECT hs.house_id
		FROM bursar.bills b
		JOIN bursar.house_service_ledgers l ON l.id = b.ledger_id
		JOIN bursar.house_services hs ON hs.id = l.house_service_id
		WHERE b.id = $1
	`, billID).Scan(&houseID)
	if err != nil {
		return nil, "", err
	}

	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT user_id FROM bursar.house_members
		WHERE house_id = $1 AND status = 'active'
		ORDER BY user_id
	`, houseID)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, "", err
		}
		members = append(members, userID)
	}
	return members, houseID, rows.Err()
}

// CloseCycleRequest is the body for closing a cycle
type CloseCycleRequest struct {
	Force  bool   `json:"force"`
	Reason string `json:"reason"`
}

// CloseCycle closes a cycle. Without force the cycle must be fully funded;
// with force a reason is required and unpaid charges block the close.
func CloseCycle(c middleware.Context) {
	var req CloseCycleRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error()})
		return
	}

	ledgerID := c.Param("ledger_id")
	if err := cycles.CloseCycle(c.Request.Context(), ledgerID, req.Force, req.Reason); err != nil {
		respondError(c, err)
		return
	}

	if metrics != nil {
		metrics.CycleOperations.WithLabelValues("close").Inc()
	}
	if emitter != nil {
		reason := req.Reason
		if reason == "" {
			reason = "fully_funded"
		}
		emitter.Emit(events.EventCycleClosed, "", "", map[string]interface{}{
			"ledger_id": ledgerID,
			"forced":    req.Force,
			"reason":    reason,
		})
	}
	c.JSON(http.StatusOK, middleware.H{"status": "closed"})
}

// AdjustHSIRequest is the body for a manual score adjustment
type AdjustHSIRequest struct {
	Delta  int    `json:"delta" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// AdjustHSI applies an operator's manual score correction to a house,
// recorded with its reason in the index audit trail
func AdjustHSI(c middleware.Context) {
	var req AdjustHSIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error()})
		return
	}

	houseID := c.Param("house_id")
	index, err := hsiEngine.Adjust(c.Request.Context(), houseID, req.Delta, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	if emitter != nil {
		emitter.Emit(events.EventHSIUpdated, houseID, "", map[string]interface{}{
			"score":   index.Score,
			"bracket": index.Bracket,
			"reason":  index.UpdatedReason,
		})
	}
	c.JSON(http.StatusOK, index)
}

// RequestVirtualCard asks for a dedicated card to pay a service's provider
func RequestVirtualCard(c middleware.Context) {
	serviceID := c.Param("service_id")

	var request models.VirtualCardRequest
	err := db.QueryRowContext(c.Request.Context(), `
		INSERT INTO bursar.virtual_card_requests (house_service_id, monthly_amount_cents, due_day, status)
		SELECT id, monthly_amount_cents, due_day, 'requested'
		FROM bursar.house_services
		WHERE id = $1
		RETURNING id, house_service_id, monthly_amount_cents, due_day, status, created_at
	`, serviceID).Scan(&request.ID, &request.HouseServiceID, &request.MonthlyAmountCents,
		&request.DueDay, &request.Status, &request.CreatedAt)
	if err != nil {
		respondError(c, err)
		return
	}

	if emitter != nil {
		emitter.Emit(events.EventCardRequested, "", serviceID, map[string]interface{}{
			"request_id": request.ID,
		})
	}
	c.JSON(http.StatusCreated, request)
}
