package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
)

const StatusEventType = "negotiation.status_changed"

// KafkaPublisherConfig contains configurable parameters for the status publisher.
type KafkaPublisherConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic receives one message per persisted negotiation state.
	Topic string

	// MaxAttempts is how many times a write is retried on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 5s if zero.
	WriteTimeout time.Duration

	// Balancer decides partition selection. If nil, a Hash balancer keeps every
	// message for one negotiation on one partition.
	Balancer kafka.Balancer

	Logger zerolog.Logger
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StatusEnvelope is the message published for every negotiation state change.
type StatusEnvelope struct {
	ID            string             `json:"id"`
	Type          string             `json:"type"`
	NegotiationID string             `json:"negotiationId"`
	OwnerID       string             `json:"ownerId"`
	Status        models.Status      `json:"status"`
	Negotiation   models.Negotiation `json:"negotiation"`
	OccurredAt    time.Time          `json:"occurredAt"`
}

// KafkaPublisher writes negotiation status envelopes keyed by negotiation id.
type KafkaPublisher struct {
	writer       messageWriter
	topic        string
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
	logger       zerolog.Logger
}

func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &kafka.Hash{}
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     cfg.Balancer,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	return newKafkaPublisher(w, cfg), nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaPublisherConfig) *KafkaPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &KafkaPublisher{
		writer:       w,
		topic:        cfg.Topic,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		backoff:      100 * time.Millisecond,
		logger:       cfg.Logger.With().Str("component", "events.kafka").Str("topic", cfg.Topic).Logger(),
	}
}

func (p *KafkaPublisher) PublishStatus(ctx context.Context, n models.Negotiation) error {
	env := StatusEnvelope{
		ID:            NewID(),
		Type:          StatusEventType,
		NegotiationID: n.ID,
		OwnerID:       n.OwnerID,
		Status:        n.Status,
		Negotiation:   n,
		OccurredAt:    n.UpdatedAt,
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	return p.ProduceJSON(ctx, []byte(n.ID), env)
}

// Produce writes one message, retrying with exponential backoff.
func (p *KafkaPublisher) Produce(ctx context.Context, key, value []byte) error {
	var lastErr error
	backoff := p.backoff

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{Key: key, Value: value, Time: time.Now().UTC()}

		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		p.logger.Debug().Err(err).Int("attempt", attempt).Msg("kafka write failed")
		if attempt == p.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("produce: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// ProduceJSON marshals v into compact JSON and produces it as the message value.
func (p *KafkaPublisher) ProduceJSON(ctx context.Context, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return p.Produce(ctx, key, b)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
