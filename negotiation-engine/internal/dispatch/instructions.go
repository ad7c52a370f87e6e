package dispatch

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
	"github.com/slashbills/Main/negotiation-engine/internal/strategy"
)

const assistantName = "Slash Bill Negotiator"

const defaultInstructions = `You are Alex, a friendly and persistent bill negotiation specialist calling on behalf of a customer. You work for a consumer savings service.

Your approach:
- Be polite but firm, you're here to get a better deal
- Keep responses short, 1-2 sentences per turn
- If the first rep can't help, politely ask for the retention or loyalty department
- Reference competitor offers when appropriate
- Aim for at least 15-20% savings on the monthly bill
- If they offer something, try once more for a better deal before accepting
- Thank the rep regardless of outcome
- If asked for account verification details you don't have, say you'll need to call back with that info`

const greeting = "Hi, I'm calling about an account. I'm hoping to talk to someone about getting a better rate on the monthly bill."

var (
	lowTarget  = decimal.RequireFromString("0.15")
	highTarget = decimal.RequireFromString("0.20")
)

// Instructions renders the call-specific prompt for the in-call agent.
func Instructions(n models.Negotiation, plan models.Plan) string {
	bill := models.Bill{
		ID:          n.BillID,
		Provider:    n.Provider,
		Category:    n.Category,
		CurrentRate: n.OriginalRate,
	}

	var b strings.Builder
	b.WriteString("You are Alex, calling on behalf of a customer to negotiate a lower rate on their bill. You work for a consumer savings service.\n\n")
	b.WriteString("BILL DETAILS:\n")
	fmt.Fprintf(&b, "- Current monthly rate: $%s/month\n", n.OriginalRate.StringFixed(2))
	fmt.Fprintf(&b, "- Account/Bill ID: %s\n", n.BillID)
	fmt.Fprintf(&b, "- Target savings: $%s/month\n", plan.ExpectedSavings.StringFixed(2))

	if len(plan.Tactics) > 0 {
		b.WriteString("\nNegotiation tactics to use (in order of priority):\n")
		for i, t := range plan.Tactics {
			fmt.Fprintf(&b, "%d. %s: \"%s\"\n", i+1, strings.ReplaceAll(string(t), "_", " "), strategy.TacticLine(t, bill, plan.CompetitorRates))
		}
	}
	if len(plan.CompetitorRates) > 0 {
		b.WriteString("\nCompetitor rates you can reference:\n")
		for _, r := range plan.CompetitorRates {
			fmt.Fprintf(&b, "- %s: %s at $%s/mo\n", r.Provider, r.PlanName, r.MonthlyRate.StringFixed(2))
		}
	}

	b.WriteString("\nOPENING:\n")
	b.WriteString(plan.Script)
	b.WriteString("\n\nRULES:\n")
	fmt.Fprintf(&b, "- Be polite but persistent. Your goal is at least 15-20%% off ($%s-$%s savings)\n",
		n.OriginalRate.Mul(lowTarget).StringFixed(2), n.OriginalRate.Mul(highTarget).StringFixed(2))
	b.WriteString("- Keep turns SHORT, 1-2 sentences max\n")
	b.WriteString("- If the first rep can't help, ask for the retention or cancellation department\n")
	b.WriteString("- If they make an offer, push once more before accepting\n")
	b.WriteString("- Accept if the offer hits your target savings range\n")
	b.WriteString("- Thank the rep at the end regardless of outcome")
	return b.String()
}
