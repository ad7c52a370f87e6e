// Package dispatch places outbound negotiation calls and drives the in-call agent.
package dispatch

import (
	"context"
	"fmt"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

// Call is a placed call. Handle is the identifier carried by later call events.
type Call struct {
	ID           string
	Handle       string
	AgentStarted bool
}

type Dispatcher interface {
	PlaceCall(ctx context.Context, n models.Negotiation, plan models.Plan) (Call, error)
	StartAgent(ctx context.Context, handle string, n models.Negotiation, plan models.Plan) error
	EndCall(ctx context.Context, handle string) error
}

// DispatchError reports that a call could not be placed.
type DispatchError struct {
	Reason string
	Err    error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch: %s: %v", e.Reason, e.Err)
	}
	return "dispatch: " + e.Reason
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
