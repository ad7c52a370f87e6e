// Package research finds current competitor pricing for a bill.
package research

import (
	"context"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

type Researcher interface {
	CompetitorRates(ctx context.Context, bill models.Bill) ([]models.CompetitorRate, error)
}

// NopResearcher is used when no search API is configured; plans then rely on repository leverage only.
type NopResearcher struct{}

func (NopResearcher) CompetitorRates(ctx context.Context, bill models.Bill) ([]models.CompetitorRate, error) {
	return nil, nil
}
