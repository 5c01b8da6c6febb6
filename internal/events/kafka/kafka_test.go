package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"bonus_service/internal/apperrors"
	"bonus_service/internal/bonus"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  chan kafka.Message
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{messages: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.messages <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.messages:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeProcessor struct {
	mu       sync.Mutex
	calls    []bonus.WagerEvent
	failures int
	err      error
}

func (p *fakeProcessor) ProcessWager(_ context.Context, ev bonus.WagerEvent) (*bonus.WagerResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ev)
	if p.err != nil {
		return nil, p.err
	}
	if p.failures > 0 {
		p.failures--
		return &bonus.WagerResult{WagerID: ev.WagerID, Failed: []string{"i1"}}, nil
	}
	return &bonus.WagerResult{WagerID: ev.WagerID, Applied: []string{"i1"}}, nil
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func wagerMessage(t *testing.T, offset int64, ev bonus.WagerEvent) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Topic: "wager-events", Offset: offset, Value: raw}
}

func runUntilCommitted(t *testing.T, reader *fakeReader, processor WagerProcessor, want int) {
	t.Helper()
	c := newConsumer(reader, processor, zerolog.Nop())
	c.backoff = time.Millisecond
	c.Start()
	require.Eventually(t, func() bool { return len(reader.commits()) >= want }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
	assert.True(t, reader.closed)
}

func TestConsumerAppliesAndCommits(t *testing.T) {
	ev := bonus.WagerEvent{WagerID: "w1", UserID: "u1", Amount: decimal.NewFromInt(25), Category: "slots", Currency: "USD"}
	reader := newFakeReader(wagerMessage(t, 7, ev))
	processor := &fakeProcessor{}

	runUntilCommitted(t, reader, processor, 1)

	assert.Equal(t, []int64{7}, reader.commits())
	require.Equal(t, 1, processor.callCount())
	assert.Equal(t, "w1", processor.calls[0].WagerID)
	assert.True(t, decimal.NewFromInt(25).Equal(processor.calls[0].Amount))
}

func TestConsumerRetriesPartialFailures(t *testing.T) {
	ev := bonus.WagerEvent{WagerID: "w1", UserID: "u1", Amount: decimal.NewFromInt(25), Category: "slots"}
	reader := newFakeReader(wagerMessage(t, 1, ev))
	processor := &fakeProcessor{failures: 2}

	runUntilCommitted(t, reader, processor, 1)
	assert.Equal(t, 3, processor.callCount())
}

func TestConsumerDropsInvalidMessages(t *testing.T) {
	reader := newFakeReader(
		kafka.Message{Topic: "wager-events", Offset: 1, Value: []byte("{not json")},
		wagerMessage(t, 2, bonus.WagerEvent{WagerID: "w2"}),
	)
	processor := &fakeProcessor{err: apperrors.Validation(apperrors.ReasonInvalidRequest, "user_id is required")}

	runUntilCommitted(t, reader, processor, 2)
	assert.Equal(t, []int64{1, 2}, reader.commits())
	assert.Equal(t, 1, processor.callCount())
}

func TestConsumerGivesUpAfterRetries(t *testing.T) {
	reader := newFakeReader(wagerMessage(t, 3, bonus.WagerEvent{WagerID: "w3", UserID: "u1", Amount: decimal.NewFromInt(1), Category: "slots"}))
	processor := &fakeProcessor{err: errors.New("database unavailable")}

	runUntilCommitted(t, reader, processor, 1)
	assert.Equal(t, maxAttempts, processor.callCount())
}

func TestConsumerDeadLettersExhaustedMessages(t *testing.T) {
	msg := wagerMessage(t, 4, bonus.WagerEvent{WagerID: "w4", UserID: "u1", Amount: decimal.NewFromInt(5), Category: "slots"})
	msg.Key = []byte("u1")
	msg.Partition = 2
	reader := newFakeReader(msg)
	processor := &fakeProcessor{failures: maxAttempts}
	dlq := &fakeWriter{}

	c := newConsumer(reader, processor, zerolog.Nop())
	c.backoff = time.Millisecond
	c.deadLetter = dlq
	c.Start()
	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Equal(t, maxAttempts, processor.callCount())
	require.Len(t, dlq.messages, 1)
	dead := dlq.messages[0]
	assert.Equal(t, "u1", string(dead.Key))
	assert.Equal(t, msg.Value, dead.Value)

	headers := map[string]string{}
	for _, h := range dead.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "wager-events", headers["dlq_source_topic"])
	assert.Equal(t, "2", headers["dlq_source_partition"])
	assert.Equal(t, "4", headers["dlq_source_offset"])
	assert.Equal(t, "failed instances: i1", headers["dlq_cause"])
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducerPublishesKeyedByUser(t *testing.T) {
	writer := &fakeWriter{}
	p := newProducer(writer, "bonus-events", zerolog.Nop())
	created := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

	err := p.PublishEvents(context.Background(), []bonus.BonusEvent{
		{ID: "e1", UserID: "u1", InstanceID: "i1", BonusID: "b1", Type: bonus.EventBonusGranted, Payload: datatypes.JSON(`{"granted_amount":"100"}`), CreatedAt: created},
		{ID: "e2", UserID: "u1", InstanceID: "i1", BonusID: "b1", Type: bonus.EventManualReviewTriggered, Payload: datatypes.JSON(`{}`), CreatedAt: created},
	})
	require.NoError(t, err)
	require.Len(t, writer.messages, 2)

	msg := writer.messages[0]
	assert.Equal(t, "u1", string(msg.Key))
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, bonus.EventBonusGranted, string(msg.Headers[0].Value))

	var decoded EventMessage
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "e1", decoded.ID)
	assert.Equal(t, "i1", decoded.InstanceID)
	assert.JSONEq(t, `{"granted_amount":"100"}`, string(decoded.Payload))
	assert.True(t, created.Equal(decoded.CreatedAt))
}

func TestProducerWriteFailure(t *testing.T) {
	p := newProducer(&fakeWriter{err: errors.New("leader not available")}, "bonus-events", zerolog.Nop())
	err := p.PublishEvents(context.Background(), []bonus.BonusEvent{{ID: "e1", UserID: "u1", Type: bonus.EventBonusExpired, Payload: datatypes.JSON(`{}`)}})
	require.Error(t, err)

	assert.NoError(t, p.PublishEvents(context.Background(), nil))
}
