// Package kafka connects the bonus service to the wager feed and publishes
// committed bonus events.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"bonus_service/internal/apperrors"
	"bonus_service/internal/bonus"
	"bonus_service/internal/metrics"
)

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

type WagerProcessor interface {
	ProcessWager(ctx context.Context, ev bonus.WagerEvent) (*bonus.WagerResult, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer applies wager events from a topic. A message is committed once
// every active instance has taken it, it is known to be invalid, or it has
// been copied to the dead-letter topic after its retries ran out; replays
// are absorbed by the contribution keys.
type Consumer struct {
	reader     messageReader
	deadLetter messageWriter
	processor  WagerProcessor
	logger     zerolog.Logger
	backoff    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	Logger        zerolog.Logger

	// DeadLetterTopic receives wager messages that still fail after every
	// retry. Empty disables it.
	DeadLetterTopic string
}

func NewConsumer(config ConsumerConfig, processor WagerProcessor) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.ConsumerGroup,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	c := newConsumer(reader, processor, config.Logger)
	if config.DeadLetterTopic != "" {
		c.deadLetter = &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.DeadLetterTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			WriteTimeout: 10 * time.Second,
		}
	}
	return c
}

func newConsumer(reader messageReader, processor WagerProcessor, logger zerolog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		reader:    reader,
		processor: processor,
		logger:    logger.With().Str("component", "kafka-consumer").Logger(),
		backoff:   retryBackoff,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consume()
	c.logger.Info().Msg("Kafka consumer started")
}

func (c *Consumer) Stop() error {
	c.logger.Info().Msg("Stopping Kafka consumer...")
	c.cancel()
	c.wg.Wait()

	if c.deadLetter != nil {
		if err := c.deadLetter.Close(); err != nil {
			c.logger.Error().Err(err).Msg("Error closing dead-letter writer")
		}
	}
	if err := c.reader.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing Kafka reader")
		return err
	}
	c.logger.Info().Msg("Kafka consumer stopped")
	return nil
}

func (c *Consumer) consume() {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("Error fetching message from Kafka")
			if !c.sleep(time.Second) {
				return
			}
			continue
		}

		result, cause := c.handleMessage(msg)
		if result == "retry_exhausted" {
			if c.ctx.Err() != nil {
				// Shutting down mid-retry: leave the offset for the next owner.
				metrics.RecordKafkaMessage(msg.Topic, result)
				return
			}
			result = c.sendToDeadLetter(msg, cause)
		}
		metrics.RecordKafkaMessage(msg.Topic, result)

		if err := c.reader.CommitMessages(c.ctx, msg); err != nil {
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Error committing message")
		}
	}
}

// handleMessage returns the outcome label recorded for the message and, when
// retries ran out, what the last attempt failed with.
func (c *Consumer) handleMessage(msg kafka.Message) (string, string) {
	var ev bonus.WagerEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.Error().
			Err(err).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Dropping undecodable wager message")
		return "invalid", ""
	}

	var cause string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := c.processor.ProcessWager(c.ctx, ev)
		switch {
		case err != nil && apperrors.KindOf(err) == apperrors.KindValidation:
			c.logger.Error().Err(err).Str("wager_id", ev.WagerID).Msg("Dropping invalid wager event")
			return "invalid", ""
		case err == nil && !result.HasFailures():
			return "processed", ""
		case err != nil:
			cause = err.Error()
		default:
			cause = "failed instances: " + strings.Join(result.Failed, ",")
		}

		c.logger.Warn().
			Str("cause", cause).
			Str("wager_id", ev.WagerID).
			Int("attempt", attempt).
			Msg("Wager event not fully applied")
		if attempt < maxAttempts && !c.sleep(c.backoff*time.Duration(attempt)) {
			return "retry_exhausted", cause
		}
	}

	c.logger.Error().
		Str("wager_id", ev.WagerID).
		Int64("offset", msg.Offset).
		Msg("Giving up on wager event after retries")
	return "retry_exhausted", cause
}

// sendToDeadLetter copies an exhausted message to the dead-letter topic with
// its origin in the headers. Replaying it later is safe: instances that took
// the wager report it as a duplicate.
func (c *Consumer) sendToDeadLetter(msg kafka.Message, cause string) string {
	if c.deadLetter == nil {
		return "retry_exhausted"
	}

	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "dlq_source_topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "dlq_source_partition", Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: "dlq_source_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: "dlq_cause", Value: []byte(cause)},
	)
	err := c.deadLetter.WriteMessages(c.ctx, kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers})
	if err != nil {
		c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to write wager event to dead-letter topic")
		return "retry_exhausted"
	}
	c.logger.Warn().Int64("offset", msg.Offset).Msg("Wager event moved to dead-letter topic")
	return "dead_lettered"
}

func (c *Consumer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
