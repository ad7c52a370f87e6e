package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/slashbills/Main/negotiation-engine/internal/archive"
	"github.com/slashbills/Main/negotiation-engine/internal/config"
	"github.com/slashbills/Main/negotiation-engine/internal/dispatch"
	"github.com/slashbills/Main/negotiation-engine/internal/events"
	"github.com/slashbills/Main/negotiation-engine/internal/httpserver"
	"github.com/slashbills/Main/negotiation-engine/internal/leverage"
	"github.com/slashbills/Main/negotiation-engine/internal/orchestrator"
	"github.com/slashbills/Main/negotiation-engine/internal/providers"
	"github.com/slashbills/Main/negotiation-engine/internal/research"
	"github.com/slashbills/Main/negotiation-engine/internal/store"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the negotiation API, call-event consumers and negotiation sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "HTTP listen address",
				EnvVars: []string{"NEGOTIATOR_ADDR"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Addr = addr
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	logger, err := newLogger(cfg.LogLevel, cfg.Development())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog := providers.Default()
	if cfg.ProvidersFile != "" {
		if catalog, err = providers.Load(cfg.ProvidersFile); err != nil {
			return fmt.Errorf("load providers: %w", err)
		}
	}

	st, lev, closeDB, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	deps := orchestrator.Deps{
		Store:    st,
		Leverage: lev,
		Recorder: lev,
		Dispatcher: dispatch.NewTelnyxDispatcher(dispatch.TelnyxConfig{
			APIKey:       cfg.Telnyx.APIKey,
			PhoneNumber:  cfg.Telnyx.PhoneNumber,
			ConnectionID: cfg.Telnyx.ConnectionID,
			WebhookURL:   cfg.Telnyx.WebhookURL,
			AssistantID:  cfg.Telnyx.AssistantID,
			BaseURL:      cfg.Telnyx.BaseURL,
			Catalog:      catalog,
			Logger:       logger,
		}),
		Logger: logger,
	}

	if cfg.TavilyAPIKey != "" {
		tavily, err := research.NewTavilyClient(research.TavilyConfig{
			APIKey:  cfg.TavilyAPIKey,
			BaseURL: cfg.TavilyBaseURL,
			Catalog: catalog,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("tavily init: %w", err)
		}
		deps.Research = tavily
	} else {
		logger.Warn().Msg("TAVILY_API_KEY not set, competitor research disabled")
	}

	var publisher *events.KafkaPublisher
	if cfg.KafkaEnabled() {
		publisher, err = events.NewKafkaPublisher(events.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.StatusTopic,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("kafka publisher init: %w", err)
		}
		defer publisher.Close()
		deps.Publisher = publisher
	}

	if cfg.ArchiveBucket != "" {
		archiver, err := archive.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix, logger)
		if err != nil {
			return fmt.Errorf("archive init: %w", err)
		}
		deps.Archiver = archiver
	}

	engine := orchestrator.New(orchestrator.Config{
		CallTimeout:     cfg.CallTimeout,
		MaxAttempts:     cfg.MaxAttempts,
		ResearchTimeout: cfg.ResearchTimeout,
		DispatchTimeout: cfg.DispatchTimeout,
	}, deps)

	resumed, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover negotiations: %w", err)
	}
	if resumed > 0 {
		logger.Info().Int("resumed", resumed).Msg("resumed in-flight negotiations")
	}

	var consumerDone chan error
	if cfg.KafkaEnabled() {
		consumerDone = make(chan error, 1)
		source, err := events.NewKafkaSource(events.KafkaSourceConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.CallEventsTopic,
			GroupID: cfg.KafkaGroupID,
			Logger:  logger,
		}, engine)
		if err != nil {
			return fmt.Errorf("kafka source init: %w", err)
		}
		defer source.Close()
		go func() { consumerDone <- source.Run(ctx) }()
	}

	server := httpserver.New(engine, map[string]httpserver.Pinger{
		"store":    st,
		"leverage": lev,
	}, logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("env", cfg.Env).Msg("negotiation engine listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-consumerDone:
		if err != nil {
			runErr = fmt.Errorf("call event consumer: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("negotiation sessions did not stop in time")
	}
	return runErr
}

// openStores returns Postgres-backed stores when a database URL is configured and
// in-memory ones otherwise. Postgres leverage is topped up from the seed on every start.
func openStores(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Store, leverage.Store, func(), error) {
	seed, err := leverageSeed(cfg.LeverageSeedFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory stores")
		return store.NewMemoryStore(), seed, func() {}, nil
	}

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}

	st := store.NewPGStore(db)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("migrate negotiations: %w", err)
	}
	lev := leverage.NewPGRepository(db, logger)
	if err := lev.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("migrate leverage: %w", err)
	}
	if err := lev.Seed(ctx, seed); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("seed leverage: %w", err)
	}
	return st, lev, func() { db.Close() }, nil
}

func leverageSeed(path string) (*leverage.StaticRepository, error) {
	if path == "" {
		return leverage.DefaultStaticRepository(), nil
	}
	repo, err := leverage.LoadSeed(path)
	if err != nil {
		return nil, fmt.Errorf("load leverage seed: %w", err)
	}
	return repo, nil
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func newLogger(level string, development bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var logger zerolog.Logger
	if development {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(lvl).With().Timestamp().Str("service", "negotiation-engine").Logger(), nil
}
