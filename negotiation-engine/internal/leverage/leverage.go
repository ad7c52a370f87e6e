// Package leverage stores what is known about each provider: competitor
// pricing, retention-offer statistics and the outcome of past negotiations.
package leverage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

const maxRates = 10

// Repository returns leverage for a provider. An unknown provider yields empty leverage, not an error.
type Repository interface {
	GetLeverage(ctx context.Context, providerID string) (models.Leverage, error)
}

// Recorder accepts new evidence produced by negotiations.
type Recorder interface {
	RecordRates(ctx context.Context, providerID string, rates []models.CompetitorRate) error
	// RecordOffer replaces the provider's offer with the same trigger.
	RecordOffer(ctx context.Context, offer models.RetentionOffer) error
	RecordResult(ctx context.Context, res Result) error
}

type Store interface {
	Repository
	Recorder
	Ping(ctx context.Context) error
}

type Result struct {
	Provider     string
	OriginalRate decimal.Decimal
	NewRate      decimal.Decimal
	Tactics      []models.Tactic
	Success      bool
	RecordedAt   time.Time
}

func (r Result) Savings() decimal.Decimal {
	return r.OriginalRate.Sub(r.NewRate)
}

// EffectiveTactic is the last tactic tried, which is the one in play when the call ended.
func (r Result) EffectiveTactic() models.Tactic {
	if len(r.Tactics) == 0 {
		return models.TacticRetentionClose
	}
	return r.Tactics[len(r.Tactics)-1]
}

// Import writes every competitor rate and retention offer held by src into dst,
// replacing rows with the same key. History is not copied.
func Import(ctx context.Context, dst Recorder, src *StaticRepository) (rates, offers int, err error) {
	for _, providerID := range src.Providers() {
		lev, err := src.GetLeverage(ctx, providerID)
		if err != nil {
			return rates, offers, err
		}
		if len(lev.CompetitorRates) > 0 {
			if err := dst.RecordRates(ctx, providerID, lev.CompetitorRates); err != nil {
				return rates, offers, fmt.Errorf("import %s rates: %w", providerID, err)
			}
			rates += len(lev.CompetitorRates)
		}
		for _, offer := range lev.RetentionOffers {
			if err := dst.RecordOffer(ctx, offer); err != nil {
				return rates, offers, fmt.Errorf("import %s offer %q: %w", providerID, offer.Trigger, err)
			}
			offers++
		}
	}
	return rates, offers, nil
}
