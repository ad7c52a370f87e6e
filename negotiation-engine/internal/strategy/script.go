package strategy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

var retentionTargetShare = decimal.RequireFromString("0.80")

func renderScript(primary models.Tactic, bill models.Bill, rates []models.CompetitorRate) string {
	var lines []string
	lines = append(lines, opening(bill)...)
	lines = append(lines, argument(primary, bill, rates)...)
	lines = append(lines, closing(bill.Category))
	return strings.Join(lines, " ")
}

func opening(bill models.Bill) []string {
	if bill.Category == models.CategoryMedical {
		facility := bill.ProviderName
		if facility == "" {
			facility = "your facility"
		}
		return []string{
			fmt.Sprintf("Hello, I'm calling about my medical bill from %s.", facility),
			fmt.Sprintf("The account number is %s and the amount is $%s.", bill.AccountNumber, bill.CurrentRate.StringFixed(2)),
		}
	}
	plan := bill.PlanName
	if plan == "" {
		plan = "current plan"
	}
	return []string{
		fmt.Sprintf("Hello, I'm calling about my account. My account number is %s.", bill.AccountNumber),
		fmt.Sprintf("I'm currently on the %s at $%s per month.", plan, bill.CurrentRate.StringFixed(2)),
	}
}

func closing(category models.Category) string {
	if category == models.CategoryMedical {
		return "Thank you for your help. I appreciate any assistance you can provide in reducing this bill."
	}
	return "What can you do to help me save on my monthly bill?"
}

func argument(tactic models.Tactic, bill models.Bill, rates []models.CompetitorRate) []string {
	switch tactic {
	case models.TacticCompetitorConquest:
		if len(rates) == 0 {
			return []string{"I've seen better rates from competitors. Can you help me get a better deal?"}
		}
		best := rates[0]
		return []string{
			fmt.Sprintf("I've been looking at other options and noticed that %s is offering similar service for $%s per month.", best.Provider, best.MonthlyRate.StringFixed(2)),
			"I'm a loyal customer and would prefer to stay, but the price difference is significant.",
			"Can you help me get a better rate?",
		}
	case models.TacticLoyaltyPlay:
		return []string{
			"I've been a customer for over a year now and I've always paid on time.",
			"I'm trying to reduce my monthly expenses and would appreciate any loyalty discount you can offer.",
			"Can you review my account and see what's available?",
		}
	case models.TacticChurnThreat:
		return []string{
			"If I can't get a better rate, I may need to consider switching to another provider.",
			"I'd prefer to stay, but I need to be mindful of my budget.",
		}
	case models.TacticRetentionClose:
		return []string{
			"Thank you for that offer. Can you do one better?",
			fmt.Sprintf("I'd like to see if we can get to $%s per month.", retentionTarget(bill)),
		}
	case models.TacticSupervisorRequest:
		return []string{"I appreciate your help, but I'd like to speak with a supervisor who may have more authority to help me."}
	case models.TacticCashPayDiscount:
		return []string{
			"I understand that if I pay this bill out-of-pocket without going through insurance, there's often a significant discount available.",
			"I'd like to know what the cash-pay rate would be for this bill.",
			"I've heard discounts of 30-50% are common for self-pay patients.",
		}
	case models.TacticPaymentPlan:
		return []string{
			"I'd like to set up a payment plan for this bill.",
			"Can you offer a 12-month interest-free payment plan?",
			"This would help me manage the cost while ensuring you receive full payment.",
		}
	case models.TacticItemizedBillReview:
		return []string{
			"I'd like to request an itemized bill to review all the charges.",
			"I want to make sure all the services listed are accurate and that there are no duplicate or incorrect charges.",
			"Can you send me a detailed breakdown of all charges?",
		}
	}
	return []string{"What options are available to reduce my bill?"}
}

// TacticLine is the one-sentence prompt the in-call agent uses for tactic.
func TacticLine(tactic models.Tactic, bill models.Bill, rates []models.CompetitorRate) string {
	switch tactic {
	case models.TacticCompetitorConquest:
		if len(rates) == 0 {
			return "I've seen better rates elsewhere. Can you help me get a better deal?"
		}
		return fmt.Sprintf("I see that %s is offering $%s/month. Can you match or beat that?", rates[0].Provider, rates[0].MonthlyRate.StringFixed(2))
	case models.TacticLoyaltyPlay:
		return "I've been a loyal customer for over a year. I'd like to stay with you but need a better rate. What can you offer?"
	case models.TacticChurnThreat:
		return "I'm seriously considering switching providers. Is there anything you can do to keep my business?"
	case models.TacticRetentionClose:
		return fmt.Sprintf("Thank you for that offer. Can you do one better? I'd like to see if we can get to $%s/month.", retentionTarget(bill))
	case models.TacticSupervisorRequest:
		return "I appreciate your help, but I'd like to speak with a supervisor who may have more authority to help me."
	case models.TacticCashPayDiscount:
		return "What's the cash-pay discount you can offer? I've heard 30-50% discounts are common for self-pay patients."
	case models.TacticPaymentPlan:
		return "Can you set up a 12-month interest-free payment plan? That would work much better for my budget."
	case models.TacticItemizedBillReview:
		return "Please send me the itemized bill. I want to review all charges to ensure accuracy before we discuss payment options."
	}
	return "What other options are available to reduce my bill?"
}

func retentionTarget(bill models.Bill) string {
	return bill.CurrentRate.Mul(retentionTargetShare).StringFixed(2)
}
