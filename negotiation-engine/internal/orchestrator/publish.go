package orchestrator

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

const publishQueueSize = 1024

// statusQueue hands persisted states to the Publisher on its own goroutine, in
// the order they were persisted. When the queue is full new states are dropped.
type statusQueue struct {
	pub Publisher
	log zerolog.Logger

	mu     sync.Mutex
	closed bool
	ch     chan models.Negotiation
	done   chan struct{}
}

func newStatusQueue(pub Publisher, size int, log zerolog.Logger) *statusQueue {
	q := &statusQueue{
		pub:  pub,
		log:  log,
		ch:   make(chan models.Negotiation, size),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *statusQueue) enqueue(n models.Negotiation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- n:
		return true
	default:
		q.log.Warn().Str("negotiation_id", n.ID).Str("status", string(n.Status)).Msg("status queue full, dropping update")
		return false
	}
}

func (q *statusQueue) run() {
	defer close(q.done)
	for n := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		if err := q.pub.PublishStatus(ctx, n); err != nil {
			q.log.Warn().Err(err).Str("negotiation_id", n.ID).Msg("publish status")
		}
		cancel()
	}
}

// close stops accepting states and waits for queued ones to be published.
func (q *statusQueue) close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
