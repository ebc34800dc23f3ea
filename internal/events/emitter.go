package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/hausmate/bursar/pkg/kafka"
	"github.com/hausmate/bursar/pkg/logging"
)

// Billing event types published to the billing events topic.
const (
	EventCycleOpened       = "cycle_opened"
	EventBillGenerated     = "bill_generated"
	EventChargesAllocated  = "charges_allocated"
	EventPaymentSubmitted  = "payment_submitted"
	EventPaymentSucceeded  = "payment_succeeded"
	EventPaymentFailed     = "payment_failed"
	EventCycleClosed       = "cycle_closed"
	EventHSIUpdated        = "hsi_updated"
	EventConsentRequested  = "consent_requested"
	EventConsentAuthorized = "consent_authorized"
	EventConsentRevoked    = "consent_revoked"
	EventCardRequested     = "virtual_card_requested"
)

// Emitter publishes billing events. A nil producer disables emission, so the
// service runs without Kafka in development.
type Emitter struct {
	producer *kafka.Producer
	logger   logging.Logger
}

func NewEmitter(producer *kafka.Producer, logger logging.Logger) *Emitter {
	return &Emitter{producer: producer, logger: logger}
}

// Emit publishes one billing event. Failures are logged, never propagated:
// event emission is observability, not part of the ledger transaction.
func (e *Emitter) Emit(eventType, houseID, houseServiceID string, data map[string]interface{}) {
	if e.producer == nil {
		return
	}

	event := &kafka.BillingEvent{
		EventID:        uuid.New().String(),
		EventType:      eventType,
		Source:         "bursar",
		HouseID:        houseID,
		HouseServiceID: houseServiceID,
		Timestamp:      time.Now().UTC(),
		Data:           data,
	}

	if err := e.producer.PublishBillingEvent(event); err != nil {
		e.logger.WithError(err).WithField("event_type", eventType).Warn("Failed to emit billing event")
	}
}
