package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
	"github.com/slashbills/Main/negotiation-engine/internal/providers"
)

const (
	defaultTelnyxURL = "https://api.telnyx.com/v2"
	maxResponseBytes = 1 << 20
)

var callControlIDPattern = regexp.MustCompile(`"call_control_id"\s*:\s*"([^"]+)"`)

type TelnyxConfig struct {
	APIKey       string
	PhoneNumber  string
	ConnectionID string
	WebhookURL   string
	AssistantID  string
	BaseURL      string
	Timeout      time.Duration
	Retries      int
	HTTPClient   *http.Client
	Catalog      *providers.Catalog
	Logger       zerolog.Logger
}

// TelnyxDispatcher dials providers through Telnyx Call Control and runs a Telnyx AI assistant on the call.
type TelnyxDispatcher struct {
	cfg     TelnyxConfig
	baseURL string
	client  *http.Client
	timeout time.Duration
	catalog *providers.Catalog
	logger  zerolog.Logger

	mu          sync.Mutex
	assistantID string
}

func NewTelnyxDispatcher(cfg TelnyxConfig) *TelnyxDispatcher {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultTelnyxURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = providers.Default()
	}
	return &TelnyxDispatcher{
		cfg:         cfg,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		client:      client,
		timeout:     timeout,
		catalog:     catalog,
		logger:      cfg.Logger.With().Str("component", "dispatch.telnyx").Logger(),
		assistantID: cfg.AssistantID,
	}
}

type callResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
		CallLegID     string `json:"call_leg_id"`
		CallSessionID string `json:"call_session_id"`
	} `json:"data"`
}

type assistant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (d *TelnyxDispatcher) PlaceCall(ctx context.Context, n models.Negotiation, plan models.Plan) (Call, error) {
	switch {
	case d.cfg.APIKey == "":
		return Call{}, &DispatchError{Reason: "TELNYX_API_KEY not configured"}
	case d.cfg.PhoneNumber == "":
		return Call{}, &DispatchError{Reason: "TELNYX_PHONE_NUMBER not configured"}
	case d.cfg.ConnectionID == "":
		return Call{}, &DispatchError{Reason: "TELNYX_CONNECTION_ID not configured"}
	}
	provider, ok := d.catalog.Lookup(n.Provider)
	if !ok || provider.DialNumber() == "" {
		return Call{}, &DispatchError{Reason: fmt.Sprintf("no phone number for provider %q", n.Provider)}
	}

	assistantID, err := d.ensureAssistant(ctx)
	if err != nil {
		return Call{}, &DispatchError{Reason: "resolve assistant", Err: err}
	}

	body := map[string]interface{}{
		"connection_id": d.cfg.ConnectionID,
		"from":          providers.NormalizePhone(d.cfg.PhoneNumber),
		"to":            provider.DialNumber(),
	}
	if d.cfg.WebhookURL != "" {
		body["webhook_url"] = d.cfg.WebhookURL
	}
	var resp callResponse
	// POST /calls is never retried.
	if err := d.do(ctx, http.MethodPost, "/calls", body, &resp, 0); err != nil {
		var accepted *acceptedError
		if errors.As(err, &accepted) {
			handle := resp.Data.CallControlID
			if handle == "" {
				handle = scanCallControlID(accepted.body)
			}
			d.hangUpOrphan(n, handle, err)
		}
		return Call{}, &DispatchError{Reason: "place call", Err: err}
	}
	if resp.Data.CallControlID == "" {
		d.hangUpOrphan(n, "", errors.New("response carried no call_control_id"))
		return Call{}, &DispatchError{Reason: "place call: response carried no call_control_id"}
	}

	call := Call{ID: resp.Data.CallLegID, Handle: resp.Data.CallControlID}
	log := d.logger.With().Str("negotiation_id", n.ID).Str("call_handle", call.Handle).Logger()
	log.Info().Str("to", provider.DialNumber()).Msg("call placed")

	if err := d.startAssistant(ctx, call.Handle, assistantID, Instructions(n, plan)); err != nil {
		log.Warn().Err(err).Msg("assistant not started at dial; will start on answer")
	} else {
		call.AgentStarted = true
	}
	return call, nil
}

func (d *TelnyxDispatcher) StartAgent(ctx context.Context, handle string, n models.Negotiation, plan models.Plan) error {
	assistantID, err := d.ensureAssistant(ctx)
	if err != nil {
		return fmt.Errorf("resolve assistant: %w", err)
	}
	return d.startAssistant(ctx, handle, assistantID, Instructions(n, plan))
}

func (d *TelnyxDispatcher) EndCall(ctx context.Context, handle string) error {
	if err := d.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(handle)+"/actions/hangup", map[string]interface{}{}, nil, 0); err != nil {
		return fmt.Errorf("hang up %s: %w", handle, err)
	}
	return nil
}

// hangUpOrphan ends a call Telnyx accepted whose response could not be used.
// Without a call_control_id the call is left to its own time limit.
func (d *TelnyxDispatcher) hangUpOrphan(n models.Negotiation, handle string, cause error) {
	log := d.logger.With().Str("negotiation_id", n.ID).Logger()
	if handle == "" {
		log.Error().Err(cause).Msg("call accepted but no call_control_id could be read; call may still be live")
		return
	}
	log.Error().Err(cause).Str("call_handle", handle).Msg("call accepted with an unusable response; hanging up")
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.EndCall(ctx, handle); err != nil {
		log.Warn().Err(err).Str("call_handle", handle).Msg("hang up orphaned call")
	}
}

func scanCallControlID(body []byte) string {
	m := callControlIDPattern.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}

func (d *TelnyxDispatcher) startAssistant(ctx context.Context, handle, assistantID, instructions string) error {
	body := map[string]interface{}{
		"assistant": map[string]interface{}{
			"id":           assistantID,
			"instructions": instructions,
		},
	}
	if err := d.do(ctx, http.MethodPost, "/calls/"+url.PathEscape(handle)+"/actions/ai_assistant_start", body, nil, 0); err != nil {
		return fmt.Errorf("start assistant: %w", err)
	}
	return nil
}

// ensureAssistant returns the cached assistant id, looking it up by name or creating it on first use.
func (d *TelnyxDispatcher) ensureAssistant(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.assistantID != "" {
		return d.assistantID, nil
	}

	var list struct {
		Data []assistant `json:"data"`
	}
	if err := d.do(ctx, http.MethodGet, "/ai/assistants", nil, &list, d.cfg.Retries); err != nil {
		d.logger.Warn().Err(err).Msg("list assistants failed; creating a new one")
	} else {
		for _, a := range list.Data {
			if a.Name == assistantName && a.ID != "" {
				d.assistantID = a.ID
				d.logger.Info().Str("assistant_id", a.ID).Msg("using existing assistant")
				return a.ID, nil
			}
		}
	}

	var created struct {
		Data assistant `json:"data"`
	}
	body := map[string]interface{}{
		"name":         assistantName,
		"model":        "openai/gpt-4o",
		"instructions": defaultInstructions,
		"greeting":     greeting,
		"telephony_settings": map[string]interface{}{
			"supports_unauthenticated_web_calls": false,
			"noise_suppression":                  "deepfilternet",
			"time_limit_secs":                    1800,
		},
	}
	if err := d.do(ctx, http.MethodPost, "/ai/assistants", body, &created, 0); err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	if created.Data.ID == "" {
		return "", errors.New("create assistant: no id returned")
	}
	d.assistantID = created.Data.ID
	d.logger.Info().Str("assistant_id", created.Data.ID).Msg("created assistant")
	return created.Data.ID, nil
}

func (d *TelnyxDispatcher) do(ctx context.Context, method, path string, body, out interface{}, retries int) error {
	if d.cfg.APIKey == "" {
		return errors.New("TELNYX_API_KEY not configured")
	}
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = raw
	}

	attempts := retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = d.once(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

func (d *TelnyxDispatcher) once(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, d.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telnyx api error: %d - %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &acceptedError{body: raw, err: fmt.Errorf("read response: %w", err)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &acceptedError{body: raw, err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// acceptedError is a 2xx response whose body could not be read or decoded.
// The request itself took effect.
type acceptedError struct {
	body []byte
	err  error
}

func (e *acceptedError) Error() string { return e.err.Error() }

func (e *acceptedError) Unwrap() error { return e.err }
