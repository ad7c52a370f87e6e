package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slashbills/Main/negotiation-engine/internal/dispatch"
	"github.com/slashbills/Main/negotiation-engine/internal/models"
	"github.com/slashbills/Main/negotiation-engine/internal/store"
	"github.com/slashbills/Main/negotiation-engine/internal/strategy"
)

// Mailbox messages.
type (
	planMsg struct {
		plan models.Plan
		err  error
	}
	dispatchMsg struct {
		call dispatch.Call
		err  error
	}
	callEventMsg struct {
		ev models.CallEvent
	}
	timeoutMsg struct{}
	cancelMsg  struct {
		reply chan cancelResult
	}
)

type startResult struct {
	n   models.Negotiation
	err error
}

type cancelResult struct {
	n   models.Negotiation
	err error
}

// session owns one negotiation. All fields are confined to the session goroutine
// except mailbox, which is safe for concurrent posts.
type session struct {
	o       *Orchestrator
	n       models.Negotiation
	bill    models.Bill
	mailbox *mailbox
	log     zerolog.Logger

	started       chan startResult
	startReported bool
	timer         *time.Timer
	agentStarted  bool
	tacticIndex   int
	// early holds events that beat the dispatch result to the mailbox.
	early []models.CallEvent
}

func (s *session) run(first func()) {
	if first != nil {
		first()
	}
	for !s.n.Status.Terminal() {
		select {
		case <-s.o.ctx.Done():
			s.stopTimer()
			s.reportStart(ErrShuttingDown)
			for _, msg := range s.mailbox.close() {
				s.reject(msg, ErrShuttingDown)
			}
			return
		case <-s.mailbox.signal:
		}
		for _, msg := range s.mailbox.drain() {
			if s.n.Status.Terminal() {
				s.reject(msg, ErrTerminal)
				continue
			}
			s.handle(msg)
		}
	}
	s.stopTimer()
	for _, msg := range s.mailbox.close() {
		s.reject(msg, ErrTerminal)
	}
}

func (s *session) handle(msg interface{}) {
	switch m := msg.(type) {
	case planMsg:
		s.onPlan(m)
	case dispatchMsg:
		s.onDispatch(m)
	case callEventMsg:
		s.onCallEvent(m.ev)
	case timeoutMsg:
		s.onTimeout()
	case cancelMsg:
		s.onCancel(m)
	}
}

// reject answers a message the session will not apply.
func (s *session) reject(msg interface{}, err error) {
	switch m := msg.(type) {
	case cancelMsg:
		m.reply <- cancelResult{n: s.n, err: err}
	case dispatchMsg:
		if m.err == nil {
			s.abandonCall(m.call.Handle)
		}
	case callEventMsg:
		s.log.Debug().Str("event_type", string(m.ev.Type)).Str("status", string(s.n.Status)).Msg("dropping call event")
	}
}

func (s *session) beginResearch() {
	to, ok := next(s.n.Status, triggerResearch)
	if !ok {
		return
	}
	s.persist(store.NegotiationUpdate{Status: &to})
	go s.research(s.bill)
}

// research fetches competitor rates and provider leverage concurrently and posts the resulting plan.
func (s *session) research(bill models.Bill) {
	ctx, cancel := context.WithTimeout(s.o.ctx, s.o.cfg.ResearchTimeout)
	defer cancel()

	var (
		wg    sync.WaitGroup
		rates []models.CompetitorRate
		lev   = models.Leverage{Provider: bill.Provider}
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		found, err := s.o.deps.Research.CompetitorRates(ctx, bill)
		if err != nil {
			s.log.Warn().Err(err).Msg("competitor research failed")
			return
		}
		rates = found
	}()
	go func() {
		defer wg.Done()
		if s.o.deps.Leverage == nil {
			return
		}
		found, err := s.o.deps.Leverage.GetLeverage(ctx, bill.Provider)
		if err != nil {
			s.log.Warn().Err(err).Msg("leverage lookup failed")
			return
		}
		lev = found
	}()
	wg.Wait()

	if len(rates) > 0 && s.o.deps.Recorder != nil {
		if err := s.o.deps.Recorder.RecordRates(ctx, bill.Provider, rates); err != nil {
			s.log.Warn().Err(err).Msg("record competitor rates")
		}
	}

	plan, err := strategy.BuildPlan(bill, rates, lev)
	s.mailbox.post(planMsg{plan: plan, err: err})
}

func (s *session) onPlan(m planMsg) {
	if m.err != nil {
		to, ok := next(s.n.Status, triggerPlanFailed)
		if !ok {
			return
		}
		s.log.Error().Err(m.err).Msg("build plan")
		s.terminate(to, store.NegotiationUpdate{
			AppendAttempts: []models.Attempt{s.attempt(models.TacticRetentionClose, models.OutcomeFailed, "plan: "+m.err.Error())},
		}, nil)
		return
	}
	to, ok := next(s.n.Status, triggerPlanReady)
	if !ok {
		return
	}
	now := s.o.deps.Now()
	plan := m.plan
	s.persist(store.NegotiationUpdate{Status: &to, Plan: &plan, StartedAt: &now})
	s.log.Info().Strs("tactics", tacticNames(plan.Tactics)).Str("expected_savings", plan.ExpectedSavings.StringFixed(2)).Msg("plan ready, placing call")
	s.armTimeout()
	go s.place(s.n, plan)
}

// place dials the provider. The handle is registered before the result is posted
// so that events racing the result still find this negotiation.
func (s *session) place(n models.Negotiation, plan models.Plan) {
	ctx, cancel := context.WithTimeout(s.o.ctx, s.o.cfg.DispatchTimeout)
	defer cancel()
	call, err := s.o.deps.Dispatcher.PlaceCall(ctx, n, plan)
	if err == nil {
		s.o.deps.Correlator.Register(call.Handle, n.ID)
	}
	if !s.mailbox.post(dispatchMsg{call: call, err: err}) && err == nil {
		s.abandonCall(call.Handle)
	}
}

func (s *session) onDispatch(m dispatchMsg) {
	if m.err != nil {
		to, ok := next(s.n.Status, triggerDispatchFailed)
		if !ok {
			return
		}
		var derr *dispatch.DispatchError
		if !errors.As(m.err, &derr) {
			derr = &dispatch.DispatchError{Reason: "place call", Err: m.err}
		}
		s.log.Error().Err(derr).Msg("call placement failed")
		s.terminate(to, store.NegotiationUpdate{
			AppendAttempts: []models.Attempt{s.attempt(s.tactic(), models.OutcomeFailed, derr.Error())},
		}, derr)
		return
	}
	if _, ok := next(s.n.Status, triggerCallPlaced); !ok {
		s.abandonCall(m.call.Handle)
		return
	}
	handle := m.call.Handle
	s.persist(store.NegotiationUpdate{CallHandle: &handle})
	s.agentStarted = m.call.AgentStarted
	s.log = s.log.With().Str("call_handle", handle).Logger()
	s.log.Info().Bool("agent_started", s.agentStarted).Msg("call placed")
	s.reportStart(nil)

	early := s.early
	s.early = nil
	for _, ev := range early {
		if s.n.Status.Terminal() {
			return
		}
		s.onCallEvent(ev)
	}
}

func (s *session) onCallEvent(ev models.CallEvent) {
	if s.n.CallHandle == "" {
		if s.n.Status == models.StatusCalling {
			s.early = append(s.early, ev)
		}
		return
	}
	if ev.CallHandle != s.n.CallHandle {
		s.log.Warn().Str("event_handle", ev.CallHandle).Msg("dropping event for a different call")
		return
	}

	switch ev.Type {
	case models.EventInitiated:
		s.log.Debug().Msg("call initiated")
	case models.EventAnswered:
		to, ok := next(s.n.Status, triggerAnswered)
		if !ok {
			return
		}
		s.persist(store.NegotiationUpdate{Status: &to})
		s.log.Info().Msg("call answered")
		s.startAgent()
	case models.EventEnded:
		if ev.Outcome == models.CallSuccess {
			s.onSuccess(ev)
		} else {
			s.onEndedWithoutAgreement(ev)
		}
	case models.EventEscalated:
		s.onEscalated(ev)
	default:
		s.log.Debug().Str("event_type", string(ev.Type)).Msg("ignoring call event")
	}
}

// startAgent starts the in-call agent at most once per session.
func (s *session) startAgent() {
	if s.agentStarted || s.n.Plan == nil {
		return
	}
	s.agentStarted = true
	n, plan, handle, log := s.n, *s.n.Plan, s.n.CallHandle, s.log
	go func() {
		ctx, cancel := context.WithTimeout(s.o.ctx, s.o.cfg.DispatchTimeout)
		defer cancel()
		if err := s.o.deps.Dispatcher.StartAgent(ctx, handle, n, plan); err != nil {
			log.Warn().Err(err).Msg("start agent")
		}
	}()
}

func (s *session) onSuccess(ev models.CallEvent) {
	to, ok := next(s.n.Status, triggerEndedSuccess)
	if !ok {
		return
	}
	newRate := s.newRate(ev)
	savings := strategy.CalculateSavings(s.n.OriginalRate, newRate)
	s.terminate(to, store.NegotiationUpdate{
		AppendAttempts: []models.Attempt{s.attempt(s.eventTactic(ev), models.OutcomeSuccess, ev.Notes)},
		NewRate:        &newRate,
		MonthlySavings: &savings.Monthly,
		TotalSavings:   &savings.Yearly,
	}, nil)
}

// newRate prefers the rate reported with the event when it is a real reduction,
// otherwise assumes the plan's expected savings were achieved.
func (s *session) newRate(ev models.CallEvent) decimal.Decimal {
	original := s.n.OriginalRate
	if ev.NewRate != nil && ev.NewRate.IsPositive() && ev.NewRate.LessThan(original) {
		return *ev.NewRate
	}
	expected := decimal.Zero
	if s.n.Plan != nil {
		expected = s.n.Plan.ExpectedSavings
	}
	return decimal.Max(original.Sub(expected), decimal.Zero)
}

func (s *session) onEndedWithoutAgreement(ev models.CallEvent) {
	from := s.n.Status
	to, ok := next(from, triggerEndedFailure)
	if !ok {
		return
	}
	notes := ev.Notes
	if notes == "" {
		notes = "call ended without agreement"
		if from == models.StatusCalling {
			notes = "call ended before it was answered"
		}
	}
	s.terminate(to, store.NegotiationUpdate{
		AppendAttempts: []models.Attempt{s.attempt(s.eventTactic(ev), models.OutcomeFailed, notes)},
	}, nil)
}

func (s *session) onEscalated(ev models.CallEvent) {
	if _, ok := next(s.n.Status, triggerEscalated); !ok {
		return
	}
	tactic := s.eventTactic(ev)
	s.tacticIndex++
	if len(s.n.Attempts)+1 >= s.o.cfg.MaxAttempts {
		to, _ := next(s.n.Status, triggerAttemptsExhausted)
		handle := s.n.CallHandle
		s.terminate(to, store.NegotiationUpdate{
			AppendAttempts: []models.Attempt{s.attempt(tactic, models.OutcomeEscalated, "maximum attempts reached")},
		}, nil)
		s.hangUp(handle)
		return
	}
	s.persist(store.NegotiationUpdate{
		AppendAttempts: []models.Attempt{s.attempt(tactic, models.OutcomeEscalated, ev.Notes)},
	})
	s.log.Info().Str("tactic", string(tactic)).Int("attempts", len(s.n.Attempts)).Msg("escalated to next tactic")
}

func (s *session) armTimeout() {
	if s.timer != nil || s.n.StartedAt == nil {
		return
	}
	remaining := s.n.StartedAt.Add(s.o.cfg.CallTimeout).Sub(s.o.deps.Now())
	if remaining < 0 {
		remaining = 0
	}
	mb := s.mailbox
	s.timer = time.AfterFunc(remaining, func() { mb.post(timeoutMsg{}) })
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *session) onTimeout() {
	to, ok := next(s.n.Status, triggerTimeout)
	if !ok {
		return
	}
	handle := s.n.CallHandle
	notes := fmt.Sprintf("call exceeded %s without completion", s.o.cfg.CallTimeout)
	s.log.Warn().Msg(notes)
	s.terminate(to, store.NegotiationUpdate{
		AppendAttempts: []models.Attempt{s.attempt(s.tactic(), models.OutcomeEscalated, notes)},
	}, nil)
	s.hangUp(handle)
}

func (s *session) onCancel(m cancelMsg) {
	to, ok := next(s.n.Status, triggerCancel)
	if !ok {
		m.reply <- cancelResult{n: s.n, err: ErrTerminal}
		return
	}
	handle := s.n.CallHandle
	s.terminate(to, store.NegotiationUpdate{}, nil)
	s.hangUp(handle)
	m.reply <- cancelResult{n: s.n}
}

// terminate persists a terminal transition and runs its side effects once.
func (s *session) terminate(to models.Status, upd store.NegotiationUpdate, startErr error) {
	now := s.o.deps.Now()
	upd.Status = &to
	upd.CompletedAt = &now
	s.stopTimer()
	s.persist(upd)

	ctx, cancel := context.WithTimeout(s.o.ctx, sideEffectTimeout)
	defer cancel()
	s.o.finished(ctx, s.n, s.n.CallHandle)
	s.reportStart(startErr)
	s.log.Info().Str("status", string(to)).Msg("negotiation finished")
}

// persist writes upd and publishes the new state. A store failure is logged and
// the update is still applied to the session's copy so the state machine stays consistent.
func (s *session) persist(upd store.NegotiationUpdate) {
	ctx, cancel := context.WithTimeout(s.o.ctx, sideEffectTimeout)
	defer cancel()
	n, err := s.o.deps.Store.Update(ctx, s.n.ID, upd)
	if err != nil {
		s.log.Error().Err(err).Msg("persist negotiation")
		upd.Apply(&s.n)
		s.n.UpdatedAt = s.o.deps.Now()
	} else {
		s.n = n
	}
	s.o.publish(s.n)
}

func (s *session) reportStart(err error) {
	if s.startReported || s.started == nil {
		return
	}
	s.startReported = true
	s.started <- startResult{n: s.n, err: err}
}

// abandonCall releases a call that no longer belongs to a live negotiation.
func (s *session) abandonCall(handle string) {
	s.o.deps.Correlator.Unregister(handle)
	s.hangUp(handle)
}

// hangUp ends the call in the background. Failures are logged only.
func (s *session) hangUp(handle string) {
	if handle == "" {
		return
	}
	log := s.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := s.o.deps.Dispatcher.EndCall(ctx, handle); err != nil {
			log.Warn().Err(err).Str("call_handle", handle).Msg("end call")
		}
	}()
}

func (s *session) attempt(tactic models.Tactic, outcome models.AttemptOutcome, notes string) models.Attempt {
	return models.Attempt{Tactic: tactic, Timestamp: s.o.deps.Now(), Outcome: outcome, Notes: notes}
}

func (s *session) tactic() models.Tactic {
	return currentTactic(s.n.Plan, s.tacticIndex)
}

// eventTactic is the tactic named by the agent when it applies to this bill, else the one in play.
func (s *session) eventTactic(ev models.CallEvent) models.Tactic {
	if ev.Tactic != "" && ev.Tactic.AppliesTo(s.n.Category) {
		return ev.Tactic
	}
	return s.tactic()
}

func tacticNames(tactics []models.Tactic) []string {
	out := make([]string, len(tactics))
	for i, t := range tactics {
		out[i] = string(t)
	}
	return out
}
