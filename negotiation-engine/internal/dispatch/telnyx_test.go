package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]interface{}
}

type fakeTelnyx struct {
	mu            sync.Mutex
	requests      []recordedRequest
	assistants    []assistant
	failAssistant bool
	failCall      bool
	callBody      string
}

func (f *fakeTelnyx) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/ai/assistants":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": f.assistants})
		case r.Method == http.MethodPost && r.URL.Path == "/ai/assistants":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": assistant{ID: "asst-new", Name: assistantName}})
		case r.Method == http.MethodPost && r.URL.Path == "/calls":
			if f.failCall {
				http.Error(w, `{"errors":[{"detail":"invalid connection"}]}`, http.StatusUnprocessableEntity)
				return
			}
			if f.callBody != "" {
				_, _ = w.Write([]byte(f.callBody))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{
				"call_control_id": "v3:H1",
				"call_leg_id":     "leg-1",
			}})
		case strings.HasSuffix(r.URL.Path, "/actions/ai_assistant_start"):
			if f.failAssistant {
				http.Error(w, `{"errors":[{"detail":"call not answered"}]}`, http.StatusUnprocessableEntity)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"result": "ok"}})
		case strings.HasSuffix(r.URL.Path, "/actions/hangup"):
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"result": "ok"}})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	})
}

func (f *fakeTelnyx) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Method+" "+r.Path)
	}
	return out
}

func testNegotiation() (models.Negotiation, models.Plan) {
	n := models.Negotiation{
		ID:           "neg-1",
		BillID:       "bill-1",
		Provider:     "comcast",
		Category:     models.CategoryInternet,
		OriginalRate: decimal.RequireFromString("89.99"),
	}
	plan := models.Plan{
		Tactics:         []models.Tactic{models.TacticCompetitorConquest, models.TacticLoyaltyPlay},
		ExpectedSavings: decimal.RequireFromString("22.50"),
		Script:          "Hello, I'm calling about my account.",
		CompetitorRates: []models.CompetitorRate{{Provider: "att", PlanName: "Fiber 300", MonthlyRate: decimal.RequireFromString("64.99")}},
	}
	return n, plan
}

func newDispatcher(srv *httptest.Server) *TelnyxDispatcher {
	return NewTelnyxDispatcher(TelnyxConfig{
		APIKey:       "KEY123",
		PhoneNumber:  "+1 (555) 123-4567",
		ConnectionID: "conn-1",
		WebhookURL:   "https://example.com/webhooks/telnyx",
		BaseURL:      srv.URL,
		HTTPClient:   srv.Client(),
		Logger:       zerolog.Nop(),
	})
}

func TestPlaceCallStartsAssistant(t *testing.T) {
	fake := &fakeTelnyx{assistants: []assistant{{ID: "asst-1", Name: assistantName}}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	d := newDispatcher(srv)
	n, plan := testNegotiation()

	call, err := d.PlaceCall(context.Background(), n, plan)
	require.NoError(t, err)
	assert.Equal(t, "v3:H1", call.Handle)
	assert.Equal(t, "leg-1", call.ID)
	assert.True(t, call.AgentStarted)

	assert.Equal(t, []string{
		"GET /ai/assistants",
		"POST /calls",
		"POST /calls/v3:H1/actions/ai_assistant_start",
	}, fake.paths())

	fake.mu.Lock()
	dial := fake.requests[1]
	start := fake.requests[2]
	fake.mu.Unlock()
	assert.Equal(t, "Bearer KEY123", dial.Auth)
	assert.Equal(t, "+15551234567", dial.Body["from"])
	assert.Equal(t, "+18009346489", dial.Body["to"])
	assert.Equal(t, "conn-1", dial.Body["connection_id"])
	assert.Equal(t, "https://example.com/webhooks/telnyx", dial.Body["webhook_url"])

	agent := start.Body["assistant"].(map[string]interface{})
	assert.Equal(t, "asst-1", agent["id"])
	assert.Contains(t, agent["instructions"], "att: Fiber 300 at $64.99/mo")

	// The assistant id is cached after the first lookup.
	_, err = d.PlaceCall(context.Background(), n, plan)
	require.NoError(t, err)
	assert.Len(t, fake.paths(), 5)
}

func TestPlaceCallCreatesAssistantWhenMissing(t *testing.T) {
	fake := &fakeTelnyx{failAssistant: true}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	d := newDispatcher(srv)
	n, plan := testNegotiation()

	call, err := d.PlaceCall(context.Background(), n, plan)
	require.NoError(t, err)
	assert.False(t, call.AgentStarted, "assistant start failure is not a dispatch failure")
	assert.Equal(t, []string{
		"GET /ai/assistants",
		"POST /ai/assistants",
		"POST /calls",
		"POST /calls/v3:H1/actions/ai_assistant_start",
	}, fake.paths())
}

func TestPlaceCallFailures(t *testing.T) {
	fake := &fakeTelnyx{failCall: true, assistants: []assistant{{ID: "asst-1", Name: assistantName}}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	n, plan := testNegotiation()

	_, err := newDispatcher(srv).PlaceCall(context.Background(), n, plan)
	var derr *DispatchError
	require.True(t, errors.As(err, &derr), "got %v", err)
	assert.Contains(t, derr.Error(), "422")

	medical := n
	medical.Provider = "st-mary"
	medical.Category = models.CategoryMedical
	_, err = newDispatcher(srv).PlaceCall(context.Background(), medical, plan)
	require.True(t, errors.As(err, &derr))
	assert.Contains(t, derr.Reason, "no phone number")

	unconfigured := NewTelnyxDispatcher(TelnyxConfig{BaseURL: srv.URL, Logger: zerolog.Nop()})
	_, err = unconfigured.PlaceCall(context.Background(), n, plan)
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "TELNYX_API_KEY not configured", derr.Reason)
}

func TestStartAgentAndEndCall(t *testing.T) {
	fake := &fakeTelnyx{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	d := NewTelnyxDispatcher(TelnyxConfig{APIKey: "KEY123", AssistantID: "asst-preset", BaseURL: srv.URL, HTTPClient: srv.Client(), Logger: zerolog.Nop()})
	n, plan := testNegotiation()

	require.NoError(t, d.StartAgent(context.Background(), "v3:H9", n, plan))
	require.NoError(t, d.EndCall(context.Background(), "v3:H9"))
	assert.Equal(t, []string{
		"POST /calls/v3:H9/actions/ai_assistant_start",
		"POST /calls/v3:H9/actions/hangup",
	}, fake.paths())
}

func TestInstructions(t *testing.T) {
	n, plan := testNegotiation()
	text := Instructions(n, plan)

	assert.Contains(t, text, "Current monthly rate: $89.99/month")
	assert.Contains(t, text, "Target savings: $22.50/month")
	assert.Contains(t, text, "1. competitor conquest: \"I see that att is offering $64.99/month. Can you match or beat that?\"")
	assert.Contains(t, text, "($13.50-$18.00 savings)")
}

func TestPlaceCallHangsUpWhenResponseIsUnusable(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		hangup string
	}{
		{
			name:   "wrong field type",
			body:   `{"data":{"call_control_id":"v3:H7","call_leg_id":42}}`,
			hangup: "POST /calls/v3:H7/actions/hangup",
		},
		{
			name:   "truncated body",
			body:   `{"data":{"call_control_id":"v3:H8","call_leg_id":"le`,
			hangup: "POST /calls/v3:H8/actions/hangup",
		},
		{
			name: "no call control id",
			body: `{"data":`,
		},
		{
			name: "empty data",
			body: `{"data":{}}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeTelnyx{callBody: tc.body, assistants: []assistant{{ID: "asst-1", Name: assistantName}}}
			srv := httptest.NewServer(fake.handler(t))
			defer srv.Close()

			n, plan := testNegotiation()
			_, err := newDispatcher(srv).PlaceCall(context.Background(), n, plan)
			var derr *DispatchError
			require.True(t, errors.As(err, &derr), "got %v", err)

			want := []string{"GET /ai/assistants", "POST /calls"}
			if tc.hangup != "" {
				want = append(want, tc.hangup)
			}
			assert.Equal(t, want, fake.paths())
		})
	}
}
