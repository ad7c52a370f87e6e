package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/slashbills/Main/negotiation-engine/internal/config"
	"github.com/slashbills/Main/negotiation-engine/internal/leverage"
)

// importCommand overwrites Postgres leverage with the rates and retention offers
// of a seed file. Unlike the seeding done by serve, existing rows are replaced.
func importCommand() *cli.Command {
	return &cli.Command{
		Name:  "import-leverage",
		Usage: "Upsert competitor rates and retention offers from a seed YAML file into Postgres",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Path to a leverage seed YAML file",
				Required: true,
			},
		},
		Action: runImport,
	}
}

func runImport(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required to import leverage")
	}
	logger, err := newLogger(cfg.LogLevel, cfg.Development())
	if err != nil {
		return err
	}
	src, err := leverageSeed(c.String("file"))
	if err != nil {
		return err
	}

	db, err := openDB(c.Context, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := leverage.NewPGRepository(db, logger)
	if err := repo.Migrate(c.Context); err != nil {
		return err
	}
	rates, offers, err := leverage.Import(c.Context, repo, src)
	if err != nil {
		return err
	}
	logger.Info().Int("rates", rates).Int("offers", offers).Msg("leverage imported")
	fmt.Fprintf(c.App.Writer, "imported %d competitor rates and %d retention offers\n", rates, offers)
	return nil
}
