package models

type Tactic string

const (
	TacticCompetitorConquest Tactic = "competitor_conquest"
	TacticLoyaltyPlay        Tactic = "loyalty_play"
	TacticChurnThreat        Tactic = "churn_threat"
	TacticRetentionClose     Tactic = "retention_close"
	TacticSupervisorRequest  Tactic = "supervisor_request"

	TacticCashPayDiscount    Tactic = "cash_pay_discount"
	TacticPaymentPlan        Tactic = "payment_plan"
	TacticItemizedBillReview Tactic = "itemized_bill_review"
)

type TacticInfo struct {
	Name        string
	Description string
	Priority    int
	Categories  []Category
}

var leverageCategories = []Category{CategoryInternet, CategoryCellPhone, CategoryInsurance}

var tactics = map[Tactic]TacticInfo{
	TacticCompetitorConquest: {
		Name:        "Competitor Conquest",
		Description: "Use competitor pricing as leverage",
		Priority:    1,
		Categories:  leverageCategories,
	},
	TacticLoyaltyPlay: {
		Name:        "Loyalty Play",
		Description: "Emphasize customer tenure and loyalty",
		Priority:    2,
		Categories:  leverageCategories,
	},
	TacticChurnThreat: {
		Name:        "Churn Threat",
		Description: "Express intent to cancel or switch",
		Priority:    3,
		Categories:  leverageCategories,
	},
	TacticRetentionClose: {
		Name:        "Retention Close",
		Description: "Close when rep offers discount",
		Priority:    4,
		Categories:  leverageCategories,
	},
	TacticSupervisorRequest: {
		Name:        "Supervisor Request",
		Description: "Escalate to supervisor for better offers",
		Priority:    5,
		Categories:  leverageCategories,
	},
	TacticCashPayDiscount: {
		Name:        "Cash Pay Discount",
		Description: "Ask for discount if paying cash instead of insurance",
		Priority:    1,
		Categories:  []Category{CategoryMedical},
	},
	TacticPaymentPlan: {
		Name:        "Payment Plan",
		Description: "Set up interest-free payment plan for large bills",
		Priority:    2,
		Categories:  []Category{CategoryMedical},
	},
	TacticItemizedBillReview: {
		Name:        "Itemized Bill Review",
		Description: "Request itemized bill to check for errors or overcharges",
		Priority:    3,
		Categories:  []Category{CategoryMedical},
	},
}

// Info returns the catalog entry for t.
func (t Tactic) Info() (TacticInfo, bool) {
	info, ok := tactics[t]
	return info, ok
}

// AppliesTo reports whether t may be used on a bill of category c.
func (t Tactic) AppliesTo(c Category) bool {
	info, ok := tactics[t]
	if !ok {
		return false
	}
	for _, cat := range info.Categories {
		if cat == c {
			return true
		}
	}
	return false
}
