package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

func TestTransitions(t *testing.T) {
	cases := []struct {
		from models.Status
		on   trigger
		to   models.Status
		ok   bool
	}{
		{models.StatusPending, triggerResearch, models.StatusResearching, true},
		{models.StatusResearching, triggerPlanReady, models.StatusCalling, true},
		{models.StatusCalling, triggerCallPlaced, models.StatusCalling, true},
		{models.StatusCalling, triggerDispatchFailed, models.StatusFailed, true},
		{models.StatusCalling, triggerAnswered, models.StatusNegotiating, true},
		{models.StatusCalling, triggerEndedFailure, models.StatusFailed, true},
		{models.StatusCalling, triggerTimeout, models.StatusFailed, true},
		{models.StatusNegotiating, triggerEndedSuccess, models.StatusSuccess, true},
		{models.StatusNegotiating, triggerEndedFailure, models.StatusFailed, true},
		{models.StatusNegotiating, triggerEscalated, models.StatusNegotiating, true},
		{models.StatusNegotiating, triggerAttemptsExhausted, models.StatusFailed, true},
		{models.StatusNegotiating, triggerTimeout, models.StatusFailed, true},

		// No path back to calling once the call is answered.
		{models.StatusNegotiating, triggerAnswered, "", false},
		{models.StatusNegotiating, triggerCallPlaced, "", false},
		{models.StatusPending, triggerAnswered, "", false},
		{models.StatusResearching, triggerTimeout, "", false},
		{models.StatusCalling, triggerEscalated, "", false},
	}
	for _, tc := range cases {
		to, ok := next(tc.from, tc.on)
		assert.Equal(t, tc.ok, ok, "%s + %s", tc.from, tc.on)
		assert.Equal(t, tc.to, to, "%s + %s", tc.from, tc.on)
	}
}

func TestCancelFromEveryActiveState(t *testing.T) {
	for _, from := range []models.Status{
		models.StatusPending,
		models.StatusResearching,
		models.StatusCalling,
		models.StatusNegotiating,
	} {
		to, ok := next(from, triggerCancel)
		assert.True(t, ok, from)
		assert.Equal(t, models.StatusCancelled, to)
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	all := []trigger{
		triggerResearch, triggerPlanReady, triggerPlanFailed, triggerCallPlaced,
		triggerDispatchFailed, triggerAnswered, triggerEndedSuccess, triggerEndedFailure,
		triggerEscalated, triggerAttemptsExhausted, triggerTimeout, triggerCancel,
	}
	for _, from := range []models.Status{models.StatusSuccess, models.StatusFailed, models.StatusCancelled} {
		for _, tr := range all {
			_, ok := next(from, tr)
			assert.False(t, ok, "%s + %s", from, tr)
		}
	}
}
