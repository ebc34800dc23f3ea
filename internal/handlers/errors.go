package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/hausmate/bursar/internal/consent"
	"github.com/hausmate/bursar/internal/ledger"
	"github.com/hausmate/bursar/pkg/middleware"
)

// respondError maps domain errors onto HTTP statuses. Conflicting state is
// 409, broken ledger bookkeeping is 422, bad input is 400.
func respondError(c middleware.Context, err error) {
	var validation *ledger.ValidationError
	var alreadyActive *ledger.CycleAlreadyActiveError
	var cycleState *ledger.CycleStateError
	var overfunding *ledger.OverfundingError
	var inconsistency *ledger.LedgerInconsistencyError
	var emptySet *ledger.EmptyRoommateSetError
	var consentRequired *ledger.ConsentRequiredError
	var consentState *consent.StateError

	switch {
	case errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, middleware.H{"error": "not found"})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error(), "field": validation.Field})
	case errors.As(err, &alreadyActive):
		c.JSON(http.StatusConflict, middleware.H{"error": err.Error()})
	case errors.As(err, &cycleState):
		c.JSON(http.StatusConflict, middleware.H{"error": err.Error()})
	case errors.As(err, &consentRequired):
		c.JSON(http.StatusConflict, middleware.H{"error": err.Error()})
	case errors.As(err, &consentState):
		c.JSON(http.StatusConflict, middleware.H{"error": err.Error()})
	case errors.As(err, &overfunding):
		c.JSON(http.StatusUnprocessableEntity, middleware.H{"error": err.Error()})
	case errors.As(err, &inconsistency):
		c.JSON(http.StatusUnprocessableEntity, middleware.H{"error": err.Error()})
	case errors.As(err, &emptySet):
		c.JSON(http.StatusUnprocessableEntity, middleware.H{"error": err.Error()})
	default:
		logger.WithError(err).Error("Unhandled error in billing handler")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "internal error"})
	}
}
