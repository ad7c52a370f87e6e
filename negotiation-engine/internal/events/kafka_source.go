package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
	"github.com/slashbills/Main/negotiation-engine/internal/orchestrator"
)

// Handler receives decoded call events.
type Handler interface {
	HandleEvent(ev models.CallEvent) orchestrator.Delivery
}

type KafkaSourceConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Logger  zerolog.Logger
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes call events from a topic and hands them to a Handler.
// Offsets are committed after the handler returns, including for messages that
// cannot be decoded.
type KafkaSource struct {
	reader  messageReader
	handler Handler
	logger  zerolog.Logger
	now     func() time.Time
}

func NewKafkaSource(cfg KafkaSourceConfig, h Handler) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "negotiation-engine"
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return newKafkaSource(r, h, cfg.Logger.With().Str("topic", cfg.Topic).Logger()), nil
}

func newKafkaSource(r messageReader, h Handler, logger zerolog.Logger) *KafkaSource {
	return &KafkaSource{
		reader:  r,
		handler: h,
		logger:  logger.With().Str("component", "events.kafka").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (s *KafkaSource) Run(ctx context.Context) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch call event: %w", err)
		}

		s.handle(msg)

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit call event: %w", err)
		}
	}
}

func (s *KafkaSource) handle(msg kafka.Message) {
	ev, err := DecodeCallEvent(msg.Value, s.now())
	if err != nil {
		s.logger.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("skipping undecodable call event")
		return
	}
	delivery := s.handler.HandleEvent(ev)
	s.logger.Debug().
		Str("event_id", ev.ID).
		Str("call_handle", ev.CallHandle).
		Str("event_type", string(ev.Type)).
		Str("delivery", string(delivery)).
		Msg("call event consumed")
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

// DecodeCallEvent parses a JSON call event, filling in the id and receive time when absent.
func DecodeCallEvent(b []byte, now time.Time) (models.CallEvent, error) {
	var ev models.CallEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return models.CallEvent{}, fmt.Errorf("decode call event: %w", err)
	}
	if ev.CallHandle == "" {
		return models.CallEvent{}, fmt.Errorf("decode call event: callHandle required")
	}
	switch ev.Type {
	case models.EventInitiated, models.EventAnswered, models.EventEnded, models.EventEscalated:
	default:
		return models.CallEvent{}, fmt.Errorf("decode call event: unknown eventType %q", ev.Type)
	}
	if ev.Type == models.EventEnded && ev.Outcome == "" {
		ev.Outcome = models.CallUnknown
	}
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	return ev, nil
}
