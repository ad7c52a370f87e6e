package leverage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS competitor_rates (
	provider_id    TEXT NOT NULL,
	provider       TEXT NOT NULL,
	plan_name      TEXT NOT NULL,
	monthly_rate   NUMERIC(12,2) NOT NULL,
	contract_terms TEXT,
	source         TEXT NOT NULL,
	observed_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (provider_id, provider, plan_name, source)
);
CREATE TABLE IF NOT EXISTS retention_offers (
	provider_id      TEXT NOT NULL,
	trigger          TEXT NOT NULL,
	typical_discount NUMERIC(6,2) NOT NULL,
	success_rate     DOUBLE PRECISION NOT NULL,
	recorded_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (provider_id, trigger)
);
CREATE TABLE IF NOT EXISTS negotiation_results (
	id               BIGSERIAL PRIMARY KEY,
	provider_id      TEXT NOT NULL,
	original_rate    NUMERIC(12,2) NOT NULL,
	new_rate         NUMERIC(12,2) NOT NULL,
	savings          NUMERIC(12,2) NOT NULL,
	savings_percent  NUMERIC(6,2) NOT NULL,
	tactics          JSONB NOT NULL,
	effective_tactic TEXT NOT NULL,
	success          BOOLEAN NOT NULL,
	recorded_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS negotiation_results_provider_idx ON negotiation_results (provider_id, recorded_at);
`

// PGRepository keeps leverage in Postgres.
type PGRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewPGRepository(db *sql.DB, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, logger: logger.With().Str("component", "leverage.pg").Logger()}
}

func (p *PGRepository) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate leverage: %w", err)
	}
	return nil
}

func (p *PGRepository) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PGRepository) GetLeverage(ctx context.Context, providerID string) (models.Leverage, error) {
	lev := models.Leverage{
		Provider:                 providerID,
		CompetitorRates:          []models.CompetitorRate{},
		RetentionOffers:          []models.RetentionOffer{},
		HistoricalAverageSavings: decimal.Zero,
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT provider, plan_name, monthly_rate, COALESCE(contract_terms, ''), source, observed_at
		FROM competitor_rates
		WHERE provider_id=$1 AND monthly_rate > 0
		ORDER BY monthly_rate ASC
		LIMIT $2`, providerID, maxRates)
	if err != nil {
		return lev, fmt.Errorf("query competitor rates: %w", err)
	}
	for rows.Next() {
		var r models.CompetitorRate
		if err := rows.Scan(&r.Provider, &r.PlanName, &r.MonthlyRate, &r.ContractTerms, &r.Source, &r.ObservedAt); err != nil {
			rows.Close()
			return lev, fmt.Errorf("scan competitor rate: %w", err)
		}
		lev.CompetitorRates = append(lev.CompetitorRates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return lev, fmt.Errorf("query competitor rates: %w", err)
	}

	rows, err = p.db.QueryContext(ctx, `
		SELECT trigger, typical_discount, success_rate
		FROM retention_offers
		WHERE provider_id=$1`, providerID)
	if err != nil {
		return lev, fmt.Errorf("query retention offers: %w", err)
	}
	for rows.Next() {
		o := models.RetentionOffer{Provider: providerID}
		if err := rows.Scan(&o.Trigger, &o.TypicalDiscount, &o.SuccessRate); err != nil {
			rows.Close()
			return lev, fmt.Errorf("scan retention offer: %w", err)
		}
		lev.RetentionOffers = append(lev.RetentionOffers, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return lev, fmt.Errorf("query retention offers: %w", err)
	}

	var avg decimal.NullDecimal
	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(savings) FILTER (WHERE success)
		FROM negotiation_results
		WHERE provider_id=$1`, providerID).Scan(&lev.HistoricalNegotiations, &avg)
	if err != nil {
		return lev, fmt.Errorf("query negotiation history: %w", err)
	}
	if avg.Valid {
		lev.HistoricalAverageSavings = avg.Decimal.Round(2)
	}
	return lev, nil
}

const (
	upsertRateQuery = `
		INSERT INTO competitor_rates (provider_id, provider, plan_name, monthly_rate, contract_terms, source, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (provider_id, provider, plan_name, source)
		DO UPDATE SET monthly_rate = EXCLUDED.monthly_rate,
			contract_terms = EXCLUDED.contract_terms,
			observed_at = EXCLUDED.observed_at
	`
	seedRateQuery = `
		INSERT INTO competitor_rates (provider_id, provider, plan_name, monthly_rate, contract_terms, source, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (provider_id, provider, plan_name, source) DO NOTHING
	`
	upsertOfferQuery = `
		INSERT INTO retention_offers (provider_id, trigger, typical_discount, success_rate, recorded_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (provider_id, trigger)
		DO UPDATE SET typical_discount = EXCLUDED.typical_discount,
			success_rate = EXCLUDED.success_rate,
			recorded_at = EXCLUDED.recorded_at
	`
	seedOfferQuery = `
		INSERT INTO retention_offers (provider_id, trigger, typical_discount, success_rate, recorded_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (provider_id, trigger) DO NOTHING
	`
)

func rateArgs(providerID string, r models.CompetitorRate) []any {
	observed := r.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	var terms any
	if r.ContractTerms != "" {
		terms = r.ContractTerms
	}
	return []any{providerID, r.Provider, r.PlanName, r.MonthlyRate.String(), terms, r.Source, observed}
}

func offerArgs(o models.RetentionOffer) []any {
	return []any{o.Provider, o.Trigger, o.TypicalDiscount.String(), o.SuccessRate, time.Now().UTC()}
}

// Seed inserts the rates and retention offers of src that are not stored yet.
// Rows already present, including ones updated by research, are left as they are.
func (p *PGRepository) Seed(ctx context.Context, src *StaticRepository) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin leverage seed: %w", err)
	}
	defer tx.Rollback()

	var rates, offers int
	for _, providerID := range src.Providers() {
		lev, err := src.GetLeverage(ctx, providerID)
		if err != nil {
			return err
		}
		for _, r := range lev.CompetitorRates {
			if _, err := tx.ExecContext(ctx, seedRateQuery, rateArgs(providerID, r)...); err != nil {
				return fmt.Errorf("seed competitor rate: %w", err)
			}
			rates++
		}
		for _, o := range lev.RetentionOffers {
			o.Provider = providerID
			if _, err := tx.ExecContext(ctx, seedOfferQuery, offerArgs(o)...); err != nil {
				return fmt.Errorf("seed retention offer: %w", err)
			}
			offers++
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit leverage seed: %w", err)
	}
	p.logger.Info().Int("rates", rates).Int("offers", offers).Msg("leverage seed applied")
	return nil
}

func (p *PGRepository) RecordOffer(ctx context.Context, offer models.RetentionOffer) error {
	if _, err := p.db.ExecContext(ctx, upsertOfferQuery, offerArgs(offer)...); err != nil {
		return fmt.Errorf("upsert retention offer: %w", err)
	}
	return nil
}

func (p *PGRepository) RecordRates(ctx context.Context, providerID string, rates []models.CompetitorRate) error {
	for _, r := range rates {
		if _, err := p.db.ExecContext(ctx, upsertRateQuery, rateArgs(providerID, r)...); err != nil {
			return fmt.Errorf("upsert competitor rate: %w", err)
		}
	}
	p.logger.Debug().Str("provider", providerID).Int("count", len(rates)).Msg("stored competitor rates")
	return nil
}

func (p *PGRepository) RecordResult(ctx context.Context, res Result) error {
	tactics, err := json.Marshal(res.Tactics)
	if err != nil {
		return fmt.Errorf("marshal tactics: %w", err)
	}
	savings := res.Savings()
	percent := decimal.Zero
	if res.OriginalRate.IsPositive() {
		percent = savings.Div(res.OriginalRate).Mul(decimal.NewFromInt(100)).Round(2)
	}
	recorded := res.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now().UTC()
	}
	query := `
		INSERT INTO negotiation_results
			(provider_id, original_rate, new_rate, savings, savings_percent, tactics, effective_tactic, success, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`
	_, err = p.db.ExecContext(ctx, query,
		res.Provider, res.OriginalRate.String(), res.NewRate.String(), savings.String(), percent.String(),
		tactics, string(res.EffectiveTactic()), res.Success, recorded,
	)
	if err != nil {
		return fmt.Errorf("insert negotiation result: %w", err)
	}
	return nil
}
