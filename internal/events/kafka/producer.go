package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"bonus_service/internal/bonus"
	"bonus_service/internal/metrics"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventMessage is the wire shape of a committed bonus event.
type EventMessage struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	UserID     string          `json:"user_id"`
	InstanceID string          `json:"instance_id,omitempty"`
	BonusID    string          `json:"bonus_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Producer publishes bonus events keyed by user, so one user's events stay
// ordered within a partition.
type Producer struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

type ProducerConfig struct {
	Brokers []string
	Topic   string
	Logger  zerolog.Logger
}

func NewProducer(config ProducerConfig) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	return newProducer(writer, config.Topic, config.Logger)
}

func newProducer(writer messageWriter, topic string, logger zerolog.Logger) *Producer {
	return &Producer{
		writer: writer,
		topic:  topic,
		logger: logger.With().Str("component", "kafka-producer").Logger(),
	}
}

func (p *Producer) PublishEvents(ctx context.Context, events []bonus.BonusEvent) error {
	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(EventMessage{
			ID:         e.ID,
			Type:       e.Type,
			UserID:     e.UserID,
			InstanceID: e.InstanceID,
			BonusID:    e.BonusID,
			Payload:    json.RawMessage(e.Payload),
			CreatedAt:  e.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(e.UserID),
			Value: value,
			Time:  e.CreatedAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(e.Type)},
			},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		metrics.RecordKafkaMessage(p.topic, "failed")
		p.logger.Error().
			Err(err).
			Str("topic", p.topic).
			Int("count", len(messages)).
			Msg("Failed to send batch to Kafka")
		return err
	}

	for range messages {
		metrics.RecordKafkaMessage(p.topic, "published")
	}
	p.logger.Debug().
		Str("topic", p.topic).
		Int("count", len(messages)).
		Msg("Batch sent to Kafka")
	return nil
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Error closing Kafka producer")
		return err
	}
	return nil
}
