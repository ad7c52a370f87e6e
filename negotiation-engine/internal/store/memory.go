package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

// MemoryStore keeps negotiations in process memory. Used when no database is configured and in tests.
type MemoryStore struct {
	mu           sync.RWMutex
	negotiations map[string]models.Negotiation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{negotiations: map[string]models.Negotiation{}}
}

func (m *MemoryStore) Create(ctx context.Context, in CreateInput) (models.Negotiation, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	n := models.Negotiation{
		ID:           in.ID,
		BillID:       in.BillID,
		OwnerID:      in.OwnerID,
		Provider:     in.Provider,
		Category:     in.Category,
		Status:       models.StatusPending,
		OriginalRate: in.OriginalRate,
		Attempts:     []models.Attempt{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiations[n.ID] = n
	return clone(n), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.negotiations[id]
	if !ok {
		return models.Negotiation{}, ErrNotFound
	}
	return clone(n), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, upd NegotiationUpdate) (models.Negotiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.negotiations[id]
	if !ok {
		return models.Negotiation{}, ErrNotFound
	}
	upd.Apply(&n)
	n.UpdatedAt = time.Now().UTC()
	m.negotiations[id] = n
	return clone(n), nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]models.Negotiation, error) {
	return m.list(func(n models.Negotiation) bool { return n.OwnerID == ownerID }, true), nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]models.Negotiation, error) {
	return m.list(func(n models.Negotiation) bool { return !n.Status.Terminal() }, false), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) list(keep func(models.Negotiation) bool, newestFirst bool) []models.Negotiation {
	m.mu.RLock()
	out := make([]models.Negotiation, 0)
	for _, n := range m.negotiations {
		if keep(n) {
			out = append(out, clone(n))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func clone(n models.Negotiation) models.Negotiation {
	n.Attempts = append([]models.Attempt{}, n.Attempts...)
	if n.Plan != nil {
		plan := *n.Plan
		plan.Tactics = append([]models.Tactic(nil), plan.Tactics...)
		plan.CompetitorRates = append([]models.CompetitorRate(nil), plan.CompetitorRates...)
		n.Plan = &plan
	}
	return n
}
