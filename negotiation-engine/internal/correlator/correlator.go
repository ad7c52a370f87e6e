// Package correlator maps external call handles to the negotiations that own them.
package correlator

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Correlator is safe for concurrent use.
type Correlator struct {
	mu      sync.RWMutex
	handles map[string]string
	misses  atomic.Int64
	logger  zerolog.Logger
}

func New(logger zerolog.Logger) *Correlator {
	return &Correlator{
		handles: make(map[string]string),
		logger:  logger.With().Str("component", "correlator").Logger(),
	}
}

// Register binds handle to negotiationID, replacing any previous binding.
func (c *Correlator) Register(handle, negotiationID string) {
	if handle == "" {
		return
	}
	c.mu.Lock()
	c.handles[handle] = negotiationID
	c.mu.Unlock()
}

// Resolve returns the negotiation bound to handle. A miss is logged and counted.
func (c *Correlator) Resolve(handle string) (string, bool) {
	c.mu.RLock()
	id, ok := c.handles[handle]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		c.logger.Debug().Str("call_handle", handle).Msg("correlation miss")
	}
	return id, ok
}

// Unregister removes handle and reports whether it was bound.
func (c *Correlator) Unregister(handle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[handle]; !ok {
		return false
	}
	delete(c.handles, handle)
	return true
}

func (c *Correlator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handles)
}

func (c *Correlator) Misses() int64 {
	return c.misses.Load()
}
