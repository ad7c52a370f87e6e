package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime settings for the negotiation engine.
type Config struct {
	Addr        string
	DatabaseURL string

	CallTimeout     time.Duration
	ResearchTimeout time.Duration
	DispatchTimeout time.Duration
	MaxAttempts     int

	ProvidersFile    string
	LeverageSeedFile string

	Telnyx Telnyx

	TavilyAPIKey  string
	TavilyBaseURL string

	KafkaBrokers    []string
	CallEventsTopic string
	StatusTopic     string
	KafkaGroupID    string

	ArchiveBucket string
	ArchivePrefix string

	LogLevel string
	Env      string
}

type Telnyx struct {
	APIKey       string
	PhoneNumber  string
	ConnectionID string
	WebhookURL   string
	AssistantID  string
	BaseURL      string
}

const (
	defaultAddr            = ":8070"
	defaultCallTimeout     = 10 * time.Minute
	defaultResearchTimeout = 20 * time.Second
	defaultDispatchTimeout = 30 * time.Second
	defaultMaxAttempts     = 5
	defaultCallEventsTopic = "negotiation-call-events"
	defaultStatusTopic     = "negotiation-status"
	defaultGroupID         = "negotiation-engine"
	defaultLogLevel        = "info"
	defaultEnv             = "development"
)

// Load reads environment variables and returns a Config. Everything is optional:
// without a database URL the engine runs on the in-memory store, and Kafka and the
// archive are disabled unless configured.
func Load() (Config, error) {
	cfg := Config{
		Addr:             getEnv("NEGOTIATOR_ADDR", defaultAddr),
		DatabaseURL:      firstNonEmpty(os.Getenv("NEGOTIATOR_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		MaxAttempts:      defaultMaxAttempts,
		ProvidersFile:    os.Getenv("NEGOTIATOR_PROVIDERS_FILE"),
		LeverageSeedFile: os.Getenv("NEGOTIATOR_LEVERAGE_SEED_FILE"),
		Telnyx: Telnyx{
			APIKey:       os.Getenv("TELNYX_API_KEY"),
			PhoneNumber:  os.Getenv("TELNYX_PHONE_NUMBER"),
			ConnectionID: os.Getenv("TELNYX_CONNECTION_ID"),
			WebhookURL:   os.Getenv("TELNYX_WEBHOOK_URL"),
			AssistantID:  os.Getenv("TELNYX_ASSISTANT_ID"),
			BaseURL:      os.Getenv("TELNYX_BASE_URL"),
		},
		TavilyAPIKey:    os.Getenv("TAVILY_API_KEY"),
		TavilyBaseURL:   os.Getenv("TAVILY_BASE_URL"),
		KafkaBrokers:    parseCSV(os.Getenv("KAFKA_BROKERS")),
		CallEventsTopic: getEnv("KAFKA_CALL_EVENTS_TOPIC", defaultCallEventsTopic),
		StatusTopic:     getEnv("KAFKA_STATUS_TOPIC", defaultStatusTopic),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", defaultGroupID),
		ArchiveBucket:   os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:   os.Getenv("ARCHIVE_PREFIX"),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		Env:             strings.ToLower(getEnv("ENV", defaultEnv)),
	}

	var err error
	if cfg.CallTimeout, err = getDuration("NEGOTIATOR_CALL_TIMEOUT", defaultCallTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ResearchTimeout, err = getDuration("NEGOTIATOR_RESEARCH_TIMEOUT", defaultResearchTimeout); err != nil {
		return Config{}, err
	}
	if cfg.DispatchTimeout, err = getDuration("NEGOTIATOR_DISPATCH_TIMEOUT", defaultDispatchTimeout); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("NEGOTIATOR_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("NEGOTIATOR_MAX_ATTEMPTS must be a positive integer, got %q", v)
		}
		cfg.MaxAttempts = n
	}
	return cfg, nil
}

// KafkaEnabled reports whether brokers are configured.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func (c Config) Development() bool {
	return c.Env == "development" || c.Env == "dev"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
