// Package strategy turns a bill and the leverage known about its provider into
// an ordered negotiation plan. Everything here is free of I/O.
package strategy

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

const retentionSignalRate = 0.6

var (
	medicalShare    = decimal.RequireFromString("0.30")
	savingsCapShare = decimal.RequireFromString("0.25")
	defaultShare    = decimal.RequireFromString("0.15")
	minimumSavings  = decimal.NewFromInt(5)
)

// BuildPlan computes the plan for bill from researched competitor rates and the
// repository's leverage for the bill's provider. Only GeneratedAt depends on the clock.
func BuildPlan(bill models.Bill, researched []models.CompetitorRate, lev models.Leverage) (models.Plan, error) {
	if err := bill.Validate(); err != nil {
		return models.Plan{}, err
	}

	merged := MergeRates(researched, lev.CompetitorRates)
	advantage := hasCompetitiveAdvantage(bill.CurrentRate, merged)
	signal := hasRetentionSignal(bill.Provider, lev.RetentionOffers)

	tactics := selectTactics(bill.Category, advantage, signal, len(merged) > 0)
	savings := expectedSavings(bill, merged, advantage, lev.HistoricalAverageSavings)

	return models.Plan{
		Tactics:         tactics,
		ExpectedSavings: savings,
		Script:          renderScript(tactics[0], bill, merged),
		CompetitorRates: merged,
		GeneratedAt:     time.Now().UTC(),
	}, nil
}

// MergeRates dedupes research and repository rates by provider and sorts the
// result ascending by monthly rate. A repository entry replaces a research
// entry for the same provider; duplicates inside one source keep the cheapest,
// then the most recently observed.
func MergeRates(researched, repository []models.CompetitorRate) []models.CompetitorRate {
	byProvider := dedupe(researched)
	for key, rate := range dedupe(repository) {
		byProvider[key] = rate
	}

	merged := make([]models.CompetitorRate, 0, len(byProvider))
	for _, rate := range byProvider {
		merged = append(merged, rate)
	}
	sort.Slice(merged, func(i, j int) bool {
		if c := merged[i].MonthlyRate.Cmp(merged[j].MonthlyRate); c != 0 {
			return c < 0
		}
		return providerKey(merged[i].Provider) < providerKey(merged[j].Provider)
	})
	return merged
}

func dedupe(rates []models.CompetitorRate) map[string]models.CompetitorRate {
	out := make(map[string]models.CompetitorRate, len(rates))
	for _, rate := range rates {
		key := providerKey(rate.Provider)
		if key == "" {
			continue
		}
		current, ok := out[key]
		if !ok || preferred(rate, current) {
			out[key] = rate
		}
	}
	return out
}

func preferred(candidate, current models.CompetitorRate) bool {
	switch candidate.MonthlyRate.Cmp(current.MonthlyRate) {
	case -1:
		return true
	case 0:
		return candidate.ObservedAt.After(current.ObservedAt)
	}
	return false
}

func providerKey(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func hasCompetitiveAdvantage(current decimal.Decimal, merged []models.CompetitorRate) bool {
	return len(merged) > 0 && merged[0].MonthlyRate.LessThan(current)
}

func hasRetentionSignal(provider string, offers []models.RetentionOffer) bool {
	key := providerKey(provider)
	for _, offer := range offers {
		if providerKey(offer.Provider) == key || offer.SuccessRate > retentionSignalRate {
			return true
		}
	}
	return false
}

func selectTactics(category models.Category, advantage, signal, anyRates bool) []models.Tactic {
	var tactics []models.Tactic
	switch category {
	case models.CategoryMedical:
		return []models.Tactic{
			models.TacticItemizedBillReview,
			models.TacticCashPayDiscount,
			models.TacticPaymentPlan,
		}
	case models.CategoryInsurance:
		if anyRates {
			tactics = append(tactics, models.TacticCompetitorConquest)
		}
		tactics = append(tactics,
			models.TacticLoyaltyPlay,
			models.TacticChurnThreat,
			models.TacticRetentionClose,
			models.TacticSupervisorRequest,
		)
	default:
		if advantage {
			tactics = append(tactics, models.TacticCompetitorConquest)
		}
		tactics = append(tactics, models.TacticLoyaltyPlay, models.TacticChurnThreat)
		if signal {
			tactics = append(tactics, models.TacticRetentionClose)
		}
		tactics = append(tactics, models.TacticSupervisorRequest)
	}
	return tactics
}

func expectedSavings(bill models.Bill, merged []models.CompetitorRate, advantage bool, historical decimal.Decimal) decimal.Decimal {
	rate := bill.CurrentRate
	capAmount := rate.Mul(savingsCapShare)

	var savings decimal.Decimal
	switch {
	case bill.Category == models.CategoryMedical:
		savings = rate.Mul(medicalShare)
	case advantage:
		savings = decimal.Min(rate.Sub(merged[0].MonthlyRate), capAmount)
	case historical.IsPositive():
		savings = decimal.Min(historical, capAmount)
	default:
		savings = rate.Mul(defaultShare)
	}
	return decimal.Max(savings, minimumSavings).Round(2)
}

// CalculateSavings reports what a rate change is worth. Savings are never negative.
func CalculateSavings(original, newRate decimal.Decimal) Savings {
	monthly := decimal.Max(original.Sub(newRate), decimal.Zero)
	s := Savings{
		Monthly: monthly,
		Yearly:  monthly.Mul(decimal.NewFromInt(12)),
	}
	if original.IsPositive() {
		s.Percent = monthly.Div(original).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return s
}

type Savings struct {
	Monthly decimal.Decimal `json:"monthly"`
	Yearly  decimal.Decimal `json:"yearly"`
	Percent decimal.Decimal `json:"percent"`
}
