package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store persists negotiations. Updates are applied atomically per call.
type Store interface {
	Create(ctx context.Context, in CreateInput) (models.Negotiation, error)
	Get(ctx context.Context, id string) (models.Negotiation, error)
	Update(ctx context.Context, id string, upd NegotiationUpdate) (models.Negotiation, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Negotiation, error)
	ListActive(ctx context.Context) ([]models.Negotiation, error)
	Ping(ctx context.Context) error
}

type CreateInput struct {
	ID           string
	BillID       string
	OwnerID      string
	Provider     string
	Category     models.Category
	OriginalRate decimal.Decimal
}

// NegotiationUpdate lists the fields to change; nil fields are left alone.
// StartedAt and CompletedAt are only written when still unset.
type NegotiationUpdate struct {
	Status         *models.Status
	Plan           *models.Plan
	CallHandle     *string
	AppendAttempts []models.Attempt
	StartedAt      *time.Time
	CompletedAt    *time.Time
	NewRate        *decimal.Decimal
	MonthlySavings *decimal.Decimal
	TotalSavings   *decimal.Decimal
}

// Apply mutates n the way a store applies upd.
func (u NegotiationUpdate) Apply(n *models.Negotiation) {
	if u.Status != nil {
		n.Status = *u.Status
	}
	if u.Plan != nil {
		plan := *u.Plan
		n.Plan = &plan
	}
	if u.CallHandle != nil {
		n.CallHandle = *u.CallHandle
	}
	if len(u.AppendAttempts) > 0 {
		n.Attempts = append(append([]models.Attempt(nil), n.Attempts...), u.AppendAttempts...)
	}
	if u.StartedAt != nil && n.StartedAt == nil {
		ts := *u.StartedAt
		n.StartedAt = &ts
	}
	if u.CompletedAt != nil && n.CompletedAt == nil {
		ts := *u.CompletedAt
		n.CompletedAt = &ts
	}
	if u.NewRate != nil {
		v := *u.NewRate
		n.NewRate = &v
	}
	if u.MonthlySavings != nil {
		v := *u.MonthlySavings
		n.MonthlySavings = &v
	}
	if u.TotalSavings != nil {
		v := *u.TotalSavings
		n.TotalSavings = &v
	}
}
