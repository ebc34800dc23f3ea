package ledger

import "fmt"

// ValidationError rejects malformed input synchronously. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// CycleAlreadyActiveError is returned when opening a cycle for a service that
// already has an active ledger.
type CycleAlreadyActiveError struct {
	HouseServiceID string
}

func (e *CycleAlreadyActiveError) Error() string {
	return fmt.Sprintf("house service %s already has an active ledger cycle", e.HouseServiceID)
}

// CycleStateError is returned when an operation is attempted against a ledger
// in the wrong state.
type CycleStateError struct {
	LedgerID string
	State    string
	Op       string
}

func (e *CycleStateError) Error() string {
	return fmt.Sprintf("cannot %s ledger %s in state %s", e.Op, e.LedgerID, e.State)
}

// OverfundingError is returned when a funding event would push a ledger past
// its total by more than the cent tolerance. This is a ledger inconsistency:
// the affected ledger must be reconciled manually, never auto-corrected.
type OverfundingError struct {
	LedgerID           string
	FundedCents        int64
	AmountCents        int64
	TotalRequiredCents int64
	ToleranceCents     int64
}

func (e *OverfundingError) Error() string {
	return fmt.Sprintf("funding %d cents would push ledger %s to %d, exceeding total %d by more than tolerance %d",
		e.AmountCents, e.LedgerID, e.FundedCents+e.AmountCents, e.TotalRequiredCents, e.ToleranceCents)
}

// LedgerInconsistencyError marks a ledger whose books no longer add up.
// Fatal: blocks automated closure until an operator reconciles.
type LedgerInconsistencyError struct {
	LedgerID string
	Detail   string
}

func (e *LedgerInconsistencyError) Error() string {
	return fmt.Sprintf("ledger %s inconsistent: %s", e.LedgerID, e.Detail)
}

// EmptyRoommateSetError is returned when allocation finds no active members
// to charge. Fatal and surfaced, not retried.
type EmptyRoommateSetError struct {
	BillID string
}

func (e *EmptyRoommateSetError) Error() string {
	return fmt.Sprintf("no active roommates to allocate bill %s", e.BillID)
}

// ConsentRequiredError is returned when allocation is attempted for a
// consent-gated task that has not reached authorized.
type ConsentRequiredError struct {
	TaskID string
	State  string
}

func (e *ConsentRequiredError) Error() string {
	return fmt.Sprintf("task %s requires authorized consent, currently %s", e.TaskID, e.State)
}
