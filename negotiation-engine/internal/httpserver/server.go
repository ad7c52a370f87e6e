package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slashbills/Main/negotiation-engine/internal/dispatch"
	"github.com/slashbills/Main/negotiation-engine/internal/events"
	"github.com/slashbills/Main/negotiation-engine/internal/models"
	"github.com/slashbills/Main/negotiation-engine/internal/orchestrator"
	"github.com/slashbills/Main/negotiation-engine/internal/store"
)

const maxWebhookBytes = 256 * 1024

// Engine is the negotiation surface the HTTP API exposes.
type Engine interface {
	Start(ctx context.Context, bill models.Bill) (models.Negotiation, error)
	Get(ctx context.Context, id string) (models.Negotiation, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Negotiation, error)
	Stats(ctx context.Context, ownerID string) (orchestrator.Stats, error)
	Cancel(ctx context.Context, id string) (models.Negotiation, error)
	HandleEvent(ev models.CallEvent) orchestrator.Delivery
	Active() int
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	engine Engine
	deps   map[string]Pinger
	logger zerolog.Logger
	now    func() time.Time
}

// New builds the API. deps are pinged by /health under their map key.
func New(engine Engine, deps map[string]Pinger, logger zerolog.Logger) *Server {
	return &Server{
		engine: engine,
		deps:   deps,
		logger: logger.With().Str("component", "httpserver").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/negotiations", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	r.Get("/owners/{ownerId}/stats", s.handleStats)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/calls", s.handleCallEvent)
		r.Post("/telnyx", s.handleTelnyx)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":                 true,
		"time":               s.now().Format(time.RFC3339Nano),
		"activeNegotiations": s.engine.Active(),
	}
	code := http.StatusOK
	for name, dep := range s.deps {
		if err := dep.Ping(ctx); err != nil {
			status["ok"] = false
			status[name] = "down"
			status[name+"Error"] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "up"
	}
	respondJSON(w, code, status)
}

type startRequest struct {
	BillID        string          `json:"billId"`
	OwnerID       string          `json:"ownerId"`
	Provider      string          `json:"provider"`
	ProviderName  string          `json:"providerName"`
	Category      models.Category `json:"category"`
	AccountNumber string          `json:"accountNumber"`
	PlanName      string          `json:"planName"`
	CurrentRate   decimal.Decimal `json:"currentRate"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req, 64*1024); err != nil {
		respondError(w, http.StatusBadRequest, "NEGOTIATION_BAD_REQUEST", err.Error())
		return
	}
	if req.OwnerID == "" {
		respondError(w, http.StatusBadRequest, "NEGOTIATION_BAD_REQUEST", "ownerId is required")
		return
	}
	if req.BillID == "" {
		req.BillID = uuid.NewString()
	}
	n, err := s.engine.Start(r.Context(), models.Bill{
		ID:            req.BillID,
		OwnerID:       req.OwnerID,
		Provider:      req.Provider,
		ProviderName:  req.ProviderName,
		Category:      req.Category,
		AccountNumber: req.AccountNumber,
		PlanName:      req.PlanName,
		CurrentRate:   req.CurrentRate,
	})
	if err != nil {
		s.respondEngineError(w, n, err)
		return
	}
	respondJSON(w, http.StatusCreated, n)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("ownerId")
	if owner == "" {
		respondError(w, http.StatusBadRequest, "NEGOTIATION_BAD_REQUEST", "ownerId query parameter is required")
		return
	}
	list, err := s.engine.ListByOwner(r.Context(), owner)
	if err != nil {
		s.respondEngineError(w, models.Negotiation{}, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"negotiations": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, models.Negotiation{}, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, n, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context(), chi.URLParam(r, "ownerId"))
	if err != nil {
		s.respondEngineError(w, models.Negotiation{}, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleCallEvent accepts events in the engine's own format, e.g. from the in-call agent.
func (s *Server) handleCallEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "NEGOTIATION_BAD_REQUEST", err.Error())
		return
	}
	ev, err := events.DecodeCallEvent(body, s.now())
	if err != nil {
		respondError(w, http.StatusBadRequest, "NEGOTIATION_BAD_REQUEST", err.Error())
		return
	}
	delivery := s.engine.HandleEvent(ev)
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"eventId": ev.ID, "delivery": delivery})
}

// handleTelnyx always answers 2xx for well-formed bodies so Telnyx does not retry
// events the engine chose to drop.
func (s *Server) handleTelnyx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "NEGOTIATION_BAD_REQUEST", err.Error())
		return
	}
	ev, ok, err := events.ParseTelnyxWebhook(body, s.now())
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejecting telnyx webhook")
		respondError(w, http.StatusBadRequest, "NEGOTIATION_BAD_REQUEST", err.Error())
		return
	}
	if !ok {
		respondJSON(w, http.StatusOK, map[string]interface{}{"delivery": "ignored"})
		return
	}
	delivery := s.engine.HandleEvent(ev)
	respondJSON(w, http.StatusOK, map[string]interface{}{"eventId": ev.ID, "delivery": delivery})
}

func (s *Server) respondEngineError(w http.ResponseWriter, n models.Negotiation, err error) {
	var verr *models.ValidationError
	var derr *dispatch.DispatchError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, "NEGOTIATION_INVALID", verr.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "NEGOTIATION_NOT_FOUND", "negotiation not found")
	case errors.Is(err, orchestrator.ErrTerminal):
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       err.Error(),
			"code":        "NEGOTIATION_FINISHED",
			"negotiation": n,
		})
	case errors.As(err, &derr):
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":       derr.Error(),
			"code":        "NEGOTIATION_DISPATCH_FAILED",
			"negotiation": n,
		})
	default:
		s.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "NEGOTIATION_INTERNAL", err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
