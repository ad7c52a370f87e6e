// Package models holds the domain types shared by the negotiation engine.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Category string

const (
	CategoryInternet  Category = "internet"
	CategoryCellPhone Category = "cell_phone"
	CategoryInsurance Category = "insurance"
	CategoryMedical   Category = "medical"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryInternet, CategoryCellPhone, CategoryInsurance, CategoryMedical:
		return true
	}
	return false
}

// Telecom reports whether the category is negotiated with the telecom tactic policy.
func (c Category) Telecom() bool {
	return c == CategoryInternet || c == CategoryCellPhone
}

type Status string

const (
	StatusPending     Status = "pending"
	StatusResearching Status = "researching"
	StatusCalling     Status = "calling"
	StatusNegotiating Status = "negotiating"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

type Bill struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"ownerId"`
	Provider      string          `json:"provider"`
	ProviderName  string          `json:"providerName,omitempty"`
	Category      Category        `json:"category"`
	AccountNumber string          `json:"accountNumber"`
	PlanName      string          `json:"planName,omitempty"`
	CurrentRate   decimal.Decimal `json:"currentRate"`
}

// Validate rejects bills the engine cannot negotiate.
func (b Bill) Validate() error {
	if !b.CurrentRate.IsPositive() {
		return &ValidationError{Field: "currentRate", Reason: "must be greater than zero"}
	}
	if !b.Category.Valid() {
		return &ValidationError{Field: "category", Reason: "unknown category " + string(b.Category)}
	}
	if b.Provider == "" && b.Category != CategoryMedical {
		return &ValidationError{Field: "provider", Reason: "required"}
	}
	return nil
}

type CompetitorRate struct {
	Provider      string          `json:"provider"`
	PlanName      string          `json:"planName"`
	MonthlyRate   decimal.Decimal `json:"monthlyRate"`
	ContractTerms string          `json:"contractTerms,omitempty"`
	Source        string          `json:"source"`
	ObservedAt    time.Time       `json:"observedAt"`
}

type RetentionOffer struct {
	Provider        string          `json:"provider"`
	Trigger         string          `json:"trigger"`
	TypicalDiscount decimal.Decimal `json:"typicalDiscount"`
	SuccessRate     float64         `json:"successRate"`
}

// Leverage is the aggregated evidence known for one provider.
type Leverage struct {
	Provider                 string           `json:"provider"`
	CompetitorRates          []CompetitorRate `json:"competitorRates"`
	RetentionOffers          []RetentionOffer `json:"retentionOffers"`
	HistoricalNegotiations   int              `json:"historicalNegotiations"`
	HistoricalAverageSavings decimal.Decimal  `json:"historicalAverageSavings"`
}

type Plan struct {
	Tactics         []Tactic         `json:"tactics"`
	ExpectedSavings decimal.Decimal  `json:"expectedSavings"`
	Script          string           `json:"script"`
	CompetitorRates []CompetitorRate `json:"competitorRates,omitempty"`
	GeneratedAt     time.Time        `json:"generatedAt"`
}

func (p Plan) Primary() Tactic {
	if len(p.Tactics) == 0 {
		return ""
	}
	return p.Tactics[0]
}

func (p Plan) Fallback() Tactic {
	if len(p.Tactics) == 0 {
		return ""
	}
	return p.Tactics[len(p.Tactics)-1]
}

type AttemptOutcome string

const (
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeFailed    AttemptOutcome = "failed"
	OutcomeEscalated AttemptOutcome = "escalated"
)

type Attempt struct {
	Tactic    Tactic         `json:"tactic"`
	Timestamp time.Time      `json:"timestamp"`
	Outcome   AttemptOutcome `json:"outcome"`
	Notes     string         `json:"notes,omitempty"`
}

type Negotiation struct {
	ID             string           `json:"id"`
	BillID         string           `json:"billId"`
	OwnerID        string           `json:"ownerId"`
	Provider       string           `json:"provider"`
	Category       Category         `json:"category"`
	Status         Status           `json:"status"`
	OriginalRate   decimal.Decimal  `json:"originalRate"`
	Plan           *Plan            `json:"plan,omitempty"`
	CallHandle     string           `json:"callHandle,omitempty"`
	Attempts       []Attempt        `json:"attempts"`
	StartedAt      *time.Time       `json:"startedAt,omitempty"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
	NewRate        *decimal.Decimal `json:"newRate,omitempty"`
	MonthlySavings *decimal.Decimal `json:"monthlySavings,omitempty"`
	TotalSavings   *decimal.Decimal `json:"totalSavings,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

type EventType string

const (
	EventInitiated EventType = "initiated"
	EventAnswered  EventType = "answered"
	EventEnded     EventType = "ended"
	// EventEscalated is reported by the in-call agent when it moves to its next tactic.
	EventEscalated EventType = "escalated"
)

type CallOutcome string

const (
	CallSuccess CallOutcome = "success"
	CallFailed  CallOutcome = "failed"
	CallUnknown CallOutcome = "unknown"
)

// CallEvent is one call-lifecycle notification from the telephony provider.
type CallEvent struct {
	ID         string           `json:"id,omitempty"`
	CallHandle string           `json:"callHandle"`
	Type       EventType        `json:"eventType"`
	Outcome    CallOutcome      `json:"outcome,omitempty"`
	NewRate    *decimal.Decimal `json:"newRate,omitempty"`
	Tactic     Tactic           `json:"tactic,omitempty"`
	Notes      string           `json:"notes,omitempty"`
	ReceivedAt time.Time        `json:"receivedAt"`
}
