package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
	"github.com/slashbills/Main/negotiation-engine/internal/orchestrator"
)

var fixedNow = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

func TestParseTelnyxWebhook(t *testing.T) {
	answered := []byte(`{"data":{"id":"evt-1","event_type":"call.answered","occurred_at":"2025-03-04T09:59:58Z","payload":{"call_control_id":"v3:H1"}}}`)
	ev, ok, err := ParseTelnyxWebhook(answered, fixedNow)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, "v3:H1", ev.CallHandle)
	assert.Equal(t, models.EventAnswered, ev.Type)
	assert.Equal(t, time.Date(2025, 3, 4, 9, 59, 58, 0, time.UTC), ev.ReceivedAt)

	hangup := []byte(`{"event_type":"call.hangup","payload":{"call_control_id":"v3:H1","result":{"outcome":"success","new_rate":"64.99","tactic":"competitor_conquest"}}}`)
	ev, ok, err = ParseTelnyxWebhook(hangup, fixedNow)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.EventEnded, ev.Type)
	assert.Equal(t, models.CallSuccess, ev.Outcome)
	require.NotNil(t, ev.NewRate)
	assert.True(t, ev.NewRate.Equal(decimal.RequireFromString("64.99")))
	assert.Equal(t, models.TacticCompetitorConquest, ev.Tactic)
	assert.Equal(t, fixedNow, ev.ReceivedAt)
	_, err = ulid.Parse(ev.ID)
	assert.NoError(t, err, "missing ids are generated")

	busy := []byte(`{"data":{"event_type":"call.hangup","payload":{"call_control_id":"v3:H2","hangup_cause":"user_busy"}}}`)
	ev, ok, err = ParseTelnyxWebhook(busy, fixedNow)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.CallUnknown, ev.Outcome)
	assert.Equal(t, "hangup: user_busy", ev.Notes)
}

func TestParseTelnyxWebhookIgnoresAndRejects(t *testing.T) {
	_, ok, err := ParseTelnyxWebhook([]byte(`{"data":{"event_type":"call.conversation.ended","payload":{"call_control_id":"v3:H1"}}}`), fixedNow)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseTelnyxWebhook([]byte(`{"data":{"event_type":"call.answered","payload":{}}}`), fixedNow)
	assert.Error(t, err)

	_, _, err = ParseTelnyxWebhook([]byte(`not json`), fixedNow)
	assert.Error(t, err)
}

func TestMapOutcome(t *testing.T) {
	assert.Equal(t, models.CallSuccess, mapOutcome(" Agreement "))
	assert.Equal(t, models.CallFailed, mapOutcome("declined"))
	assert.Equal(t, models.CallUnknown, mapOutcome("completed"))
	assert.Equal(t, models.CallUnknown, mapOutcome(""))
}

func TestDecodeCallEvent(t *testing.T) {
	ev, err := DecodeCallEvent([]byte(`{"callHandle":"H1","eventType":"ended"}`), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, models.CallUnknown, ev.Outcome)
	assert.Equal(t, fixedNow, ev.ReceivedAt)
	assert.NotEmpty(t, ev.ID)

	_, err = DecodeCallEvent([]byte(`{"callHandle":"H1","eventType":"ringing"}`), fixedNow)
	assert.Error(t, err)
	_, err = DecodeCallEvent([]byte(`{"eventType":"answered"}`), fixedNow)
	assert.Error(t, err)
}

func TestNewIDIsMonotonic(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Less(t, a, b)
}

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	messages []kafka.Message
	calls    int
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublishStatus(t *testing.T) {
	w := &fakeWriter{failures: 1}
	p := newKafkaPublisher(w, KafkaPublisherConfig{Topic: "negotiation-status", Logger: zerolog.Nop()})
	p.backoff = time.Millisecond

	n := models.Negotiation{
		ID:           "neg-1",
		OwnerID:      "user-1",
		Status:       models.StatusNegotiating,
		OriginalRate: decimal.RequireFromString("89.99"),
		UpdatedAt:    fixedNow,
	}
	require.NoError(t, p.PublishStatus(context.Background(), n))
	assert.Equal(t, 2, w.calls)
	require.Len(t, w.messages, 1)
	assert.Equal(t, "neg-1", string(w.messages[0].Key))

	var env StatusEnvelope
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &env))
	assert.Equal(t, StatusEventType, env.Type)
	assert.Equal(t, models.StatusNegotiating, env.Status)
	assert.Equal(t, "user-1", env.OwnerID)
	assert.Equal(t, fixedNow, env.OccurredAt)
	assert.True(t, env.Negotiation.OriginalRate.Equal(n.OriginalRate))
}

func TestProduceGivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := newKafkaPublisher(w, KafkaPublisherConfig{Topic: "t", MaxAttempts: 2, Logger: zerolog.Nop()})
	p.backoff = time.Millisecond

	err := p.Produce(context.Background(), nil, []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, w.calls)
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type recordingHandler struct {
	mu     sync.Mutex
	events []models.CallEvent
}

func (h *recordingHandler) HandleEvent(ev models.CallEvent) orchestrator.Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return orchestrator.Delivered
}

func TestKafkaSourceRun(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{
		{Offset: 1, Value: []byte(`{"callHandle":"H1","eventType":"answered"}`)},
		{Offset: 2, Value: []byte(`garbage`)},
		{Offset: 3, Value: []byte(`{"callHandle":"H1","eventType":"ended","outcome":"success"}`)},
	}}
	h := &recordingHandler{}
	src := newKafkaSource(r, h, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.committed) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.events, 2)
	assert.Equal(t, models.EventAnswered, h.events[0].Type)
	assert.Equal(t, models.CallSuccess, h.events[1].Outcome)
	assert.Equal(t, []int64{1, 2, 3}, r.committed)
}
