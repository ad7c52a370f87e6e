// Package orchestrator drives negotiations through research, call placement and
// the live call. Each negotiation is owned by one session goroutine that applies
// every state transition from its mailbox.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slashbills/Main/negotiation-engine/internal/correlator"
	"github.com/slashbills/Main/negotiation-engine/internal/dispatch"
	"github.com/slashbills/Main/negotiation-engine/internal/leverage"
	"github.com/slashbills/Main/negotiation-engine/internal/models"
	"github.com/slashbills/Main/negotiation-engine/internal/research"
	"github.com/slashbills/Main/negotiation-engine/internal/store"
)

const (
	DefaultCallTimeout     = 10 * time.Minute
	DefaultMaxAttempts     = 5
	DefaultResearchTimeout = 20 * time.Second
	DefaultDispatchTimeout = 30 * time.Second

	sideEffectTimeout = 10 * time.Second
)

var (
	// ErrTerminal is returned when cancelling a negotiation that already finished.
	ErrTerminal     = errors.New("negotiation already finished")
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// Publisher receives every persisted negotiation state.
type Publisher interface {
	PublishStatus(ctx context.Context, n models.Negotiation) error
}

// Archiver receives negotiations once they reach a terminal state.
type Archiver interface {
	Archive(ctx context.Context, n models.Negotiation) error
}

type Config struct {
	CallTimeout     time.Duration
	MaxAttempts     int
	ResearchTimeout time.Duration
	DispatchTimeout time.Duration
}

// Deps are the collaborators of an Orchestrator. Recorder, Publisher and Archiver are optional.
type Deps struct {
	Store      store.Store
	Leverage   leverage.Repository
	Recorder   leverage.Recorder
	Research   research.Researcher
	Dispatcher dispatch.Dispatcher
	Correlator *correlator.Correlator
	Publisher  Publisher
	Archiver   Archiver
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Delivery reports what HandleEvent did with an event.
type Delivery string

const (
	Delivered Delivery = "delivered"
	Dropped   Delivery = "dropped"
)

type Orchestrator struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session

	statuses *statusQueue
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ResearchTimeout <= 0 {
		cfg.ResearchTimeout = DefaultResearchTimeout
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if deps.Research == nil {
		deps.Research = research.NopResearcher{}
	}
	if deps.Correlator == nil {
		deps.Correlator = correlator.New(deps.Logger)
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.With().Str("component", "orchestrator").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*session{},
	}
	if deps.Publisher != nil {
		o.statuses = newStatusQueue(deps.Publisher, publishQueueSize, o.log)
	}
	return o
}

// Start validates the bill, creates a negotiation and runs it until a call is
// placed. A dispatch failure is returned as *dispatch.DispatchError together with
// the failed negotiation.
func (o *Orchestrator) Start(ctx context.Context, bill models.Bill) (models.Negotiation, error) {
	if err := bill.Validate(); err != nil {
		return models.Negotiation{}, err
	}
	// The session is registered under its id before the record exists, so a
	// Cancel racing Create is queued behind research instead of writing the store.
	s := o.newSession(models.Negotiation{ID: uuid.NewString(), Status: models.StatusPending})
	s.bill = bill
	s.started = make(chan startResult, 1)
	o.register(s)

	n, err := o.deps.Store.Create(ctx, store.CreateInput{
		ID:           s.n.ID,
		BillID:       bill.ID,
		OwnerID:      bill.OwnerID,
		Provider:     bill.Provider,
		Category:     bill.Category,
		OriginalRate: bill.CurrentRate,
	})
	if err != nil {
		o.remove(s)
		for _, msg := range s.mailbox.close() {
			s.reject(msg, store.ErrNotFound)
		}
		return models.Negotiation{}, fmt.Errorf("create negotiation: %w", err)
	}
	s.n = n
	o.run(s, func() { s.beginResearch() })

	select {
	case res := <-s.started:
		return res.n, res.err
	case <-ctx.Done():
		return n, ctx.Err()
	}
}

// HandleEvent routes a call event to the negotiation owning its call handle.
// It never blocks on negotiation progress.
func (o *Orchestrator) HandleEvent(ev models.CallEvent) Delivery {
	id, ok := o.deps.Correlator.Resolve(ev.CallHandle)
	if !ok {
		return Dropped
	}
	s := o.session(id)
	if s == nil {
		o.log.Warn().Str("negotiation_id", id).Str("call_handle", ev.CallHandle).Msg("dropping event for finished negotiation")
		return Dropped
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = o.deps.Now()
	}
	if !s.mailbox.post(callEventMsg{ev: ev}) {
		return Dropped
	}
	return Delivered
}

// Cancel moves a non-terminal negotiation to cancelled and hangs up its call.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (models.Negotiation, error) {
	if s := o.session(id); s != nil {
		reply := make(chan cancelResult, 1)
		if s.mailbox.post(cancelMsg{reply: reply}) {
			select {
			case res := <-reply:
				return res.n, res.err
			case <-ctx.Done():
				return models.Negotiation{}, ctx.Err()
			}
		}
	}

	// No live session: the negotiation is terminal or owned by nothing in this process.
	n, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return models.Negotiation{}, err
	}
	if n.Status.Terminal() {
		return n, ErrTerminal
	}
	now := o.deps.Now()
	status := models.StatusCancelled
	n, err = o.deps.Store.Update(ctx, id, store.NegotiationUpdate{Status: &status, CompletedAt: &now})
	if err != nil {
		return models.Negotiation{}, fmt.Errorf("cancel negotiation: %w", err)
	}
	o.publish(n)
	o.finished(ctx, n, "")
	return n, nil
}

// Recover re-adopts non-terminal negotiations left in the store by a previous
// process. Negotiations with a live call are resumed; the rest are failed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	active, err := o.deps.Store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active negotiations: %w", err)
	}
	resumed := 0
	for _, n := range active {
		if o.session(n.ID) != nil {
			continue
		}
		live := n.CallHandle != "" && n.Plan != nil &&
			(n.Status == models.StatusCalling || n.Status == models.StatusNegotiating)
		if !live {
			o.failInterrupted(ctx, n)
			continue
		}
		s := o.newSession(n)
		s.agentStarted = n.Status == models.StatusNegotiating
		s.tacticIndex = len(n.Attempts)
		o.deps.Correlator.Register(n.CallHandle, n.ID)
		s.log.Info().Str("status", string(n.Status)).Msg("resuming negotiation")
		o.launch(s, func() { s.armTimeout() })
		resumed++
	}
	return resumed, nil
}

func (o *Orchestrator) failInterrupted(ctx context.Context, n models.Negotiation) {
	now := o.deps.Now()
	status := models.StatusFailed
	upd := store.NegotiationUpdate{
		Status:      &status,
		CompletedAt: &now,
		AppendAttempts: []models.Attempt{{
			Tactic:    currentTactic(n.Plan, len(n.Attempts)),
			Timestamp: now,
			Outcome:   models.OutcomeFailed,
			Notes:     "interrupted before call placement",
		}},
	}
	updated, err := o.deps.Store.Update(ctx, n.ID, upd)
	if err != nil {
		o.log.Error().Err(err).Str("negotiation_id", n.ID).Msg("fail interrupted negotiation")
		return
	}
	o.log.Warn().Str("negotiation_id", n.ID).Str("status", string(n.Status)).Msg("failed negotiation interrupted before call placement")
	o.publish(updated)
	o.finished(ctx, updated, "")
}

func (o *Orchestrator) Get(ctx context.Context, id string) (models.Negotiation, error) {
	return o.deps.Store.Get(ctx, id)
}

func (o *Orchestrator) ListByOwner(ctx context.Context, ownerID string) ([]models.Negotiation, error) {
	return o.deps.Store.ListByOwner(ctx, ownerID)
}

// Stats summarizes an owner's negotiations.
type Stats struct {
	Total          int             `json:"total"`
	Active         int             `json:"active"`
	Successful     int             `json:"successful"`
	Failed         int             `json:"failed"`
	Cancelled      int             `json:"cancelled"`
	MonthlySavings decimal.Decimal `json:"monthlySavings"`
	TotalSavings   decimal.Decimal `json:"totalSavings"`
	SuccessRate    float64         `json:"successRate"`
}

func (o *Orchestrator) Stats(ctx context.Context, ownerID string) (Stats, error) {
	list, err := o.deps.Store.ListByOwner(ctx, ownerID)
	if err != nil {
		return Stats{}, err
	}
	return summarize(list), nil
}

func summarize(list []models.Negotiation) Stats {
	st := Stats{Total: len(list), MonthlySavings: decimal.Zero, TotalSavings: decimal.Zero}
	for _, n := range list {
		switch n.Status {
		case models.StatusSuccess:
			st.Successful++
			if n.MonthlySavings != nil {
				st.MonthlySavings = st.MonthlySavings.Add(*n.MonthlySavings)
			}
			if n.TotalSavings != nil {
				st.TotalSavings = st.TotalSavings.Add(*n.TotalSavings)
			}
		case models.StatusFailed:
			st.Failed++
		case models.StatusCancelled:
			st.Cancelled++
		default:
			st.Active++
		}
	}
	if completed := st.Successful + st.Failed; completed > 0 {
		st.SuccessRate = float64(st.Successful) / float64(completed)
	}
	return st
}

// Active reports how many negotiations have a live session.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Shutdown stops every session without changing negotiation state, so a later
// Recover can resume them. Queued status updates are flushed before it returns.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if o.statuses != nil {
		return o.statuses.close(ctx)
	}
	return nil
}

func (o *Orchestrator) newSession(n models.Negotiation) *session {
	logCtx := o.log.With().Str("negotiation_id", n.ID)
	if n.CallHandle != "" {
		logCtx = logCtx.Str("call_handle", n.CallHandle)
	}
	return &session{
		o:       o,
		n:       n,
		mailbox: newMailbox(),
		log:     logCtx.Logger(),
	}
}

// launch registers s and runs it. first runs on the session goroutine before any message.
func (o *Orchestrator) launch(s *session, first func()) {
	o.register(s)
	o.run(s, first)
}

func (o *Orchestrator) register(s *session) {
	o.mu.Lock()
	o.sessions[s.n.ID] = s
	o.mu.Unlock()
}

func (o *Orchestrator) run(s *session, first func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.remove(s)
		s.run(first)
	}()
}

func (o *Orchestrator) session(id string) *session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[id]
}

func (o *Orchestrator) remove(s *session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessions[s.n.ID] == s {
		delete(o.sessions, s.n.ID)
	}
}

// publish queues n for the Publisher without waiting for delivery.
func (o *Orchestrator) publish(n models.Negotiation) {
	if o.statuses == nil {
		return
	}
	o.statuses.enqueue(n)
}

// finished runs the side effects of a terminal transition after it is persisted.
func (o *Orchestrator) finished(ctx context.Context, n models.Negotiation, handle string) {
	if handle != "" {
		o.deps.Correlator.Unregister(handle)
	}
	if o.deps.Archiver != nil {
		if err := o.deps.Archiver.Archive(ctx, n); err != nil {
			o.log.Warn().Err(err).Str("negotiation_id", n.ID).Msg("archive negotiation")
		}
	}
	if o.deps.Recorder != nil && (n.Status == models.StatusSuccess || n.Status == models.StatusFailed) {
		res := leverage.Result{
			Provider:     n.Provider,
			OriginalRate: n.OriginalRate,
			NewRate:      n.OriginalRate,
			Success:      n.Status == models.StatusSuccess,
			RecordedAt:   o.deps.Now(),
		}
		if n.NewRate != nil {
			res.NewRate = *n.NewRate
		}
		for _, a := range n.Attempts {
			res.Tactics = append(res.Tactics, a.Tactic)
		}
		if err := o.deps.Recorder.RecordResult(ctx, res); err != nil {
			o.log.Warn().Err(err).Str("negotiation_id", n.ID).Msg("record negotiation result")
		}
	}
}

// currentTactic is the tactic in play after `escalations` moves down the plan.
func currentTactic(plan *models.Plan, escalations int) models.Tactic {
	if plan == nil || len(plan.Tactics) == 0 {
		return models.TacticRetentionClose
	}
	if escalations >= len(plan.Tactics) {
		return plan.Fallback()
	}
	return plan.Tactics[escalations]
}
