package main

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
	"github.com/slashbills/Main/negotiation-engine/internal/strategy"
)

// planCommand prints the plan a negotiation would start with, using repository
// leverage only.
func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Print the negotiation plan for a bill without placing a call",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "provider",
				Usage:    "Provider id (e.g. comcast)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "category",
				Aliases:  []string{"c"},
				Usage:    "Bill category (internet, cell_phone, insurance, medical)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "rate",
				Aliases:  []string{"r"},
				Usage:    "Current monthly rate",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "leverage-seed",
				Usage:   "Path to a leverage seed YAML file",
				EnvVars: []string{"NEGOTIATOR_LEVERAGE_SEED_FILE"},
			},
		},
		Action: runPlan,
	}
}

func runPlan(c *cli.Context) error {
	rate, err := decimal.NewFromString(c.String("rate"))
	if err != nil {
		return fmt.Errorf("invalid rate %q: %w", c.String("rate"), err)
	}

	repo, err := leverageSeed(c.String("leverage-seed"))
	if err != nil {
		return err
	}

	bill := models.Bill{
		ID:          "preview",
		Provider:    c.String("provider"),
		Category:    models.Category(c.String("category")),
		CurrentRate: rate,
	}
	lev, err := repo.GetLeverage(c.Context, bill.Provider)
	if err != nil {
		return fmt.Errorf("leverage lookup: %w", err)
	}
	plan, err := strategy.BuildPlan(bill, nil, lev)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}
