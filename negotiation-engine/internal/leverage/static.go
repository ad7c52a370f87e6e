package leverage

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

//go:embed seed.yaml
var defaultSeed []byte

type seedFile struct {
	Leverage map[string]seedProvider `yaml:"leverage"`
}

type seedProvider struct {
	CompetitorRates []seedRate  `yaml:"competitorRates"`
	RetentionOffers []seedOffer `yaml:"retentionOffers"`
	History         seedHistory `yaml:"history"`
}

type seedRate struct {
	Provider      string    `yaml:"provider"`
	PlanName      string    `yaml:"planName"`
	MonthlyRate   string    `yaml:"monthlyRate"`
	ContractTerms string    `yaml:"contractTerms"`
	Source        string    `yaml:"source"`
	ObservedAt    time.Time `yaml:"observedAt"`
}

type seedOffer struct {
	Trigger         string  `yaml:"trigger"`
	TypicalDiscount string  `yaml:"typicalDiscount"`
	SuccessRate     float64 `yaml:"successRate"`
}

type seedHistory struct {
	Negotiations int    `yaml:"negotiations"`
	Successes    int    `yaml:"successes"`
	TotalSavings string `yaml:"totalSavings"`
}

type providerData struct {
	rates        []models.CompetitorRate
	offers       []models.RetentionOffer
	negotiations int
	successes    int
	totalSavings decimal.Decimal
}

// StaticRepository is an in-process leverage store seeded from YAML.
type StaticRepository struct {
	mu   sync.RWMutex
	data map[string]*providerData
}

func NewStaticRepository() *StaticRepository {
	return &StaticRepository{data: map[string]*providerData{}}
}

// DefaultStaticRepository is seeded with the built-in leverage data.
func DefaultStaticRepository() *StaticRepository {
	r, err := ParseSeed(defaultSeed)
	if err != nil {
		panic(fmt.Sprintf("leverage: built-in seed: %v", err))
	}
	return r
}

func LoadSeed(path string) (*StaticRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read leverage seed: %w", err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) (*StaticRepository, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode leverage seed: %w", err)
	}
	r := NewStaticRepository()
	for providerID, seed := range file.Leverage {
		pd := &providerData{
			negotiations: seed.History.Negotiations,
			successes:    seed.History.Successes,
			totalSavings: decimal.Zero,
		}
		for _, sr := range seed.CompetitorRates {
			rate, err := decimal.NewFromString(sr.MonthlyRate)
			if err != nil {
				return nil, fmt.Errorf("leverage %s: rate %q: %w", providerID, sr.MonthlyRate, err)
			}
			pd.rates = append(pd.rates, models.CompetitorRate{
				Provider:      sr.Provider,
				PlanName:      sr.PlanName,
				MonthlyRate:   rate,
				ContractTerms: sr.ContractTerms,
				Source:        sr.Source,
				ObservedAt:    sr.ObservedAt,
			})
		}
		for _, so := range seed.RetentionOffers {
			discount := decimal.Zero
			if so.TypicalDiscount != "" {
				d, err := decimal.NewFromString(so.TypicalDiscount)
				if err != nil {
					return nil, fmt.Errorf("leverage %s: discount %q: %w", providerID, so.TypicalDiscount, err)
				}
				discount = d
			}
			pd.offers = append(pd.offers, models.RetentionOffer{
				Provider:        providerID,
				Trigger:         so.Trigger,
				TypicalDiscount: discount,
				SuccessRate:     so.SuccessRate,
			})
		}
		if seed.History.TotalSavings != "" {
			total, err := decimal.NewFromString(seed.History.TotalSavings)
			if err != nil {
				return nil, fmt.Errorf("leverage %s: total savings %q: %w", providerID, seed.History.TotalSavings, err)
			}
			pd.totalSavings = total
		}
		r.data[providerID] = pd
	}
	return r, nil
}

func (r *StaticRepository) GetLeverage(ctx context.Context, providerID string) (models.Leverage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lev := models.Leverage{
		Provider:                 providerID,
		CompetitorRates:          []models.CompetitorRate{},
		RetentionOffers:          []models.RetentionOffer{},
		HistoricalAverageSavings: decimal.Zero,
	}
	pd, ok := r.data[providerID]
	if !ok {
		return lev, nil
	}
	rates := make([]models.CompetitorRate, 0, len(pd.rates))
	for _, rate := range pd.rates {
		if rate.MonthlyRate.IsPositive() {
			rates = append(rates, rate)
		}
	}
	sort.SliceStable(rates, func(i, j int) bool { return rates[i].MonthlyRate.LessThan(rates[j].MonthlyRate) })
	if len(rates) > maxRates {
		rates = rates[:maxRates]
	}
	lev.CompetitorRates = rates
	lev.RetentionOffers = append(lev.RetentionOffers, pd.offers...)
	lev.HistoricalNegotiations = pd.negotiations
	if pd.successes > 0 {
		lev.HistoricalAverageSavings = pd.totalSavings.Div(decimal.NewFromInt(int64(pd.successes))).Round(2)
	}
	return lev, nil
}

// RecordRates replaces rates with the same provider and plan and appends new ones.
func (r *StaticRepository) RecordRates(ctx context.Context, providerID string, rates []models.CompetitorRate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pd := r.provider(providerID)
	for _, rate := range rates {
		replaced := false
		for i, existing := range pd.rates {
			if existing.Provider == rate.Provider && existing.PlanName == rate.PlanName && existing.Source == rate.Source {
				pd.rates[i] = rate
				replaced = true
				break
			}
		}
		if !replaced {
			pd.rates = append(pd.rates, rate)
		}
	}
	return nil
}

func (r *StaticRepository) RecordOffer(ctx context.Context, offer models.RetentionOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pd := r.provider(offer.Provider)
	for i, existing := range pd.offers {
		if existing.Trigger == offer.Trigger {
			pd.offers[i] = offer
			return nil
		}
	}
	pd.offers = append(pd.offers, offer)
	return nil
}

func (r *StaticRepository) RecordResult(ctx context.Context, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pd := r.provider(res.Provider)
	pd.negotiations++
	if res.Success {
		pd.successes++
		pd.totalSavings = pd.totalSavings.Add(res.Savings())
	}
	return nil
}

// Providers lists the provider ids with any leverage, sorted.
func (r *StaticRepository) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.data))
	for id := range r.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *StaticRepository) Ping(ctx context.Context) error {
	return nil
}

func (r *StaticRepository) provider(id string) *providerData {
	pd, ok := r.data[id]
	if !ok {
		pd = &providerData{totalSavings: decimal.Zero}
		r.data[id] = pd
	}
	return pd
}
