// Package events moves call events and negotiation status changes between the
// engine and the outside world: Telnyx webhooks, Kafka topics.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

// telnyxWebhook accepts both the enveloped form ({"data": {...}}) Telnyx sends
// and the bare event body.
type telnyxWebhook struct {
	Data *telnyxEvent `json:"data"`
	telnyxEvent
}

type telnyxEvent struct {
	ID         string        `json:"id"`
	EventType  string        `json:"event_type"`
	OccurredAt string        `json:"occurred_at"`
	Payload    telnyxPayload `json:"payload"`
}

type telnyxPayload struct {
	CallControlID string        `json:"call_control_id"`
	CallLegID     string        `json:"call_leg_id"`
	HangupCause   string        `json:"hangup_cause"`
	Result        *telnyxResult `json:"result"`
}

type telnyxResult struct {
	Outcome string           `json:"outcome"`
	NewRate *decimal.Decimal `json:"new_rate"`
	Tactic  string           `json:"tactic"`
	Notes   string           `json:"notes"`
}

var telnyxEventTypes = map[string]models.EventType{
	"call.initiated": models.EventInitiated,
	"call.answered":  models.EventAnswered,
	"call.hangup":    models.EventEnded,
}

// ParseTelnyxWebhook maps a Telnyx webhook body to a call event. ok is false for
// event types the engine does not act on.
func ParseTelnyxWebhook(body []byte, now time.Time) (ev models.CallEvent, ok bool, err error) {
	var hook telnyxWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return models.CallEvent{}, false, fmt.Errorf("decode telnyx webhook: %w", err)
	}
	raw := hook.telnyxEvent
	if hook.Data != nil {
		raw = *hook.Data
	}

	typ, known := telnyxEventTypes[raw.EventType]
	if !known {
		return models.CallEvent{}, false, nil
	}
	if raw.Payload.CallControlID == "" {
		return models.CallEvent{}, false, fmt.Errorf("telnyx %s: missing call_control_id", raw.EventType)
	}

	ev = models.CallEvent{
		ID:         raw.ID,
		CallHandle: raw.Payload.CallControlID,
		Type:       typ,
		ReceivedAt: now,
	}
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw.OccurredAt); err == nil {
		ev.ReceivedAt = ts.UTC()
	}
	if typ == models.EventEnded {
		ev.Outcome = models.CallUnknown
		if r := raw.Payload.Result; r != nil {
			ev.Outcome = mapOutcome(r.Outcome)
			ev.NewRate = r.NewRate
			ev.Tactic = models.Tactic(r.Tactic)
			ev.Notes = r.Notes
		}
		if ev.Notes == "" && raw.Payload.HangupCause != "" {
			ev.Notes = "hangup: " + raw.Payload.HangupCause
		}
	}
	return ev, true, nil
}

func mapOutcome(outcome string) models.CallOutcome {
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case "success", "succeeded", "agreement", "accepted":
		return models.CallSuccess
	case "failed", "failure", "declined", "no_agreement", "rejected":
		return models.CallFailed
	default:
		return models.CallUnknown
	}
}
