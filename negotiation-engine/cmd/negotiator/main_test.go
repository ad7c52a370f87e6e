package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slashbills/Main/negotiation-engine/internal/config"
	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

func TestPlanCommand(t *testing.T) {
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out

	err := app.Run([]string{"negotiator", "plan", "--provider", "comcast", "--category", "internet", "--rate", "89.99"})
	require.NoError(t, err)

	var plan models.Plan
	if err := json.Unmarshal(out.Bytes(), &plan); err != nil {
		t.Fatalf("decode plan: %v (%s)", err, out.String())
	}
	require.NotEmpty(t, plan.Tactics)
	assert.True(t, plan.ExpectedSavings.IsPositive())
	assert.NotEmpty(t, plan.Script)
}

func TestPlanCommandRejectsBadInput(t *testing.T) {
	app := newApp()
	app.Writer = &bytes.Buffer{}

	err := app.Run([]string{"negotiator", "plan", "--provider", "comcast", "--category", "internet", "--rate", "cheap"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid rate")

	err = app.Run([]string{"negotiator", "plan", "--provider", "comcast", "--category", "gym", "--rate", "10"})
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug", false)
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	logger, err = newLogger("", true)
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	_, err = newLogger("loud", false)
	assert.Error(t, err)
}

func TestImportLeverageRequiresDatabase(t *testing.T) {
	t.Setenv("NEGOTIATOR_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	app := newApp()
	app.Writer = &bytes.Buffer{}

	err := app.Run([]string{"negotiator", "import-leverage", "--file", "missing.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestOpenStoresInMemoryUsesSeed(t *testing.T) {
	st, lev, closeDB, err := openStores(context.Background(), config.Config{}, zerolog.Nop())
	require.NoError(t, err)
	defer closeDB()
	require.NotNil(t, st)

	got, err := lev.GetLeverage(context.Background(), "comcast")
	require.NoError(t, err)
	assert.Len(t, got.RetentionOffers, 1)

	_, _, _, err = openStores(context.Background(), config.Config{LeverageSeedFile: "does-not-exist.yaml"}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load leverage seed")
}
