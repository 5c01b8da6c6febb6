package bonus

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond
)

// Limiter throttles claim attempts per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// EventPublisher receives committed bonus events for delivery outside the
// process.
type EventPublisher interface {
	PublishEvents(ctx context.Context, events []BonusEvent) error
}

type Options struct {
	Timeout          time.Duration
	ReviewThreshold  decimal.Decimal
	SweepBatchSize   int
	SweepConcurrency int
	Limiter          Limiter
	Publisher        EventPublisher
	Clock            func() time.Time
}

type Service struct {
	repo      BonusRepository
	hub       *NotificationHub
	limiter   Limiter
	publisher EventPublisher
	validate  *validator.Validate
	now       func() time.Time
	log       zerolog.Logger

	timeout          time.Duration
	reviewThreshold  decimal.Decimal
	sweepBatchSize   int
	sweepConcurrency int
}

func NewService(repo BonusRepository, hub *NotificationHub, log zerolog.Logger, opts Options) *Service {
	if hub == nil {
		hub = NewNotificationHub()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = 500
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = 4
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Service{
		repo:             repo,
		hub:              hub,
		limiter:          opts.Limiter,
		publisher:        opts.Publisher,
		validate:         validator.New(),
		now:              func() time.Time { return opts.Clock().UTC() },
		log:              log.With().Str("component", "bonus").Logger(),
		timeout:          opts.Timeout,
		reviewThreshold:  opts.ReviewThreshold,
		sweepBatchSize:   opts.SweepBatchSize,
		sweepConcurrency: opts.SweepConcurrency,
	}
}

func (s *Service) Hub() *NotificationHub {
	return s.hub
}

// withinTx runs fn in one storage transaction bounded by the store timeout.
func (s *Service) withinTx(ctx context.Context, fn func(repo BonusRepository) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.Transaction(ctx, fn)
}

// afterCommit fans committed events out to subscribers and the publisher.
func (s *Service) afterCommit(ctx context.Context, events []*BonusEvent, touched ...*BonusInstance) {
	for _, inst := range touched {
		if inst == nil {
			continue
		}
		eventType := ""
		for _, e := range events {
			if e.InstanceID == inst.ID {
				eventType = e.Type
			}
		}
		s.hub.Notify(inst.UserID, updateFor(inst, eventType, s.now()))
	}

	if s.publisher == nil || len(events) == 0 {
		return
	}
	batch := make([]BonusEvent, 0, len(events))
	for _, e := range events {
		batch = append(batch, *e)
	}
	if err := s.publisher.PublishEvents(ctx, batch); err != nil {
		s.log.Error().Err(err).Int("events", len(batch)).Msg("Failed to publish bonus events")
	}
}

// eventLog collects the events written inside one transaction.
type eventLog struct {
	events []*BonusEvent
	at     time.Time
}

func (l *eventLog) append(ctx context.Context, repo BonusRepository, userID, instanceID, bonusID, eventType string, payload interface{}) error {
	e, err := newEvent(userID, instanceID, bonusID, eventType, payload, l.at)
	if err != nil {
		return err
	}
	if err := repo.AppendEvent(ctx, e); err != nil {
		return err
	}
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) reset(at time.Time) {
	l.events = nil
	l.at = at
}
