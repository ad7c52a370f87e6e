package orchestrator

import "github.com/slashbills/Main/negotiation-engine/internal/models"

// trigger is an input to the negotiation state machine.
type trigger string

const (
	triggerResearch          trigger = "research"
	triggerPlanReady         trigger = "plan_ready"
	triggerPlanFailed        trigger = "plan_failed"
	triggerCallPlaced        trigger = "call_placed"
	triggerDispatchFailed    trigger = "dispatch_failed"
	triggerAnswered          trigger = "answered"
	triggerEndedSuccess      trigger = "ended_success"
	triggerEndedFailure      trigger = "ended_failure"
	triggerEscalated         trigger = "escalated"
	triggerAttemptsExhausted trigger = "attempts_exhausted"
	triggerTimeout           trigger = "timeout"
	triggerCancel            trigger = "cancel"
)

var transitions = map[models.Status]map[trigger]models.Status{
	models.StatusPending: {
		triggerResearch: models.StatusResearching,
		triggerCancel:   models.StatusCancelled,
	},
	models.StatusResearching: {
		triggerPlanReady:  models.StatusCalling,
		triggerPlanFailed: models.StatusFailed,
		triggerCancel:     models.StatusCancelled,
	},
	models.StatusCalling: {
		triggerCallPlaced:     models.StatusCalling,
		triggerDispatchFailed: models.StatusFailed,
		triggerAnswered:       models.StatusNegotiating,
		// An ended event with a successful outcome implies the call was answered.
		triggerEndedSuccess: models.StatusSuccess,
		triggerEndedFailure: models.StatusFailed,
		triggerTimeout:      models.StatusFailed,
		triggerCancel:       models.StatusCancelled,
	},
	models.StatusNegotiating: {
		triggerEndedSuccess:      models.StatusSuccess,
		triggerEndedFailure:      models.StatusFailed,
		triggerEscalated:         models.StatusNegotiating,
		triggerAttemptsExhausted: models.StatusFailed,
		triggerTimeout:           models.StatusFailed,
		triggerCancel:            models.StatusCancelled,
	},
}

// next returns the status reached from `from` on t. ok is false when the pair
// is not a transition, which callers treat as a no-op. Terminal states have none.
func next(from models.Status, t trigger) (models.Status, bool) {
	to, ok := transitions[from][t]
	return to, ok
}
