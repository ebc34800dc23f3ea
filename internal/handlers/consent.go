package handlers

import (
	"context"
	"net/http"

	"github.com/hausmate/bursar/internal/events"
	"github.com/hausmate/bursar/internal/payments"
	"github.com/hausmate/bursar/pkg/billing"
	"github.com/hausmate/bursar/pkg/middleware"
	"github.com/hausmate/bursar/pkg/models"
)

// ConsentIntentClient creates and releases manual-capture authorizations for
// task payments. The Stripe client satisfies it; tests pass a fake.
type ConsentIntentClient interface {
	CreateConsentIntent(ctx context.Context, taskID string, amountCents int64, currency string) (*payments.IntentResult, error)
	CancelPaymentIntent(ctx context.Context, id string) (*payments.IntentResult, error)
}

var consentIntents ConsentIntentClient

// SetConsentIntentClient wires the processor used for consent holds.
func SetConsentIntentClient(client ConsentIntentClient) {
	consentIntents = client
}

// GetTask returns a task with its payment consent state
func GetTask(c middleware.Context) {
	task, err := consentMachine.Get(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// RequestConsent places a hold for a task payment and moves the task to
// pending. The member's authorization arrives later, either through the
// processor webhook or an explicit authorize call.
func RequestConsent(c middleware.Context) {
	taskID := c.Param("task_id")

	task, err := consentMachine.Get(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	if task.AmountCents <= 0 {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "task has no payable amount"})
		return
	}

	intentID := ""
	if consentIntents != nil {
		intent, err := consentIntents.CreateConsentIntent(c.Request.Context(), taskID, task.AmountCents, billing.DefaultCurrency())
		if err != nil {
			logger.WithError(err).WithField("task_id", taskID).Error("Failed to create consent hold")
			c.JSON(http.StatusBadGateway, middleware.H{"error": "failed to create consent hold"})
			return
		}
		intentID = intent.ID
	}

	task, err = consentMachine.RequestConsent(c.Request.Context(), taskID, intentID)
	if err != nil {
		respondError(c, err)
		return
	}

	if emitter != nil {
		emitter.Emit(events.EventConsentRequested, task.HouseID, "", map[string]interface{}{
			"task_id":      task.ID,
			"amount_cents": task.AmountCents,
		})
	}
	c.JSON(http.StatusAccepted, task)
}

// AuthorizeConsent records a member's in-app authorization without waiting
// for the processor webhook
func AuthorizeConsent(c middleware.Context) {
	task, err := consentMachine.Transition(c.Request.Context(), db, c.Param("task_id"), models.TaskPaymentAuthorized, "")
	if err != nil {
		respondError(c, err)
		return
	}

	if emitter != nil {
		emitter.Emit(events.EventConsentAuthorized, task.HouseID, "", map[string]interface{}{
			"task_id": task.ID,
		})
	}
	c.JSON(http.StatusOK, task)
}

// RevokeConsent cancels a pending or authorized task payment and releases
// the processor hold. Revocation is terminal.
func RevokeConsent(c middleware.Context) {
	taskID := c.Param("task_id")

	task, err := consentMachine.Revoke(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}

	if consentIntents != nil && task.StripePaymentIntentID != nil {
		if _, err := consentIntents.CancelPaymentIntent(c.Request.Context(), *task.StripePaymentIntentID); err != nil {
			// The hold expires on its own; revocation already committed.
			logger.WithError(err).WithField("task_id", taskID).Warn("Failed to release consent hold")
		}
	}

	if emitter != nil {
		emitter.Emit(events.EventConsentRevoked, task.HouseID, "", map[string]interface{}{
			"task_id": task.ID,
		})
	}
	c.JSON(http.StatusOK, task)
}
