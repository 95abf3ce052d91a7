package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/bjaus/mediator"
	"github.com/bjaus/mediator/config"
	"github.com/bjaus/mediator/outbox"
	"github.com/bjaus/mediator/store/memory"
	"github.com/bjaus/mediator/store/storetest"
)

type ProcessorSuite struct {
	suite.Suite
	ctx       context.Context
	clock     *storetest.Clock
	store     *memory.OutboxStore
	m         *mediator.Mediator
	delivered []string
	failWith  error
}

func TestProcessorSuite(t *testing.T) {
	suite.Run(t, new(ProcessorSuite))
}

func (s *ProcessorSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = storetest.NewClock()
	s.store = memory.NewOutboxStore(memory.WithClock(s.clock.Now))
	s.delivered = nil
	s.failWith = nil

	s.m = mediator.New()
	mediator.SubscribeFunc(s.m, func(ctx context.Context, n orderShipped) error {
		if s.failWith != nil {
			return s.failWith
		}
		s.delivered = append(s.delivered, n.OrderID)
		return nil
	})
}

func (s *ProcessorSuite) processor(opts ...outbox.Option) *outbox.Processor {
	base := []outbox.Option{
		outbox.WithClock(s.clock.Now),
		outbox.WithBackoff(time.Second, time.Minute),
		outbox.WithJitter(0),
		outbox.WithMaxRetries(3),
	}
	p, err := outbox.NewProcessor(s.store, s.m, append(base, opts...)...)
	s.Require().NoError(err)
	return p
}

func (s *ProcessorSuite) enqueue(orderID string) string {
	tag, payload, err := mediator.Encode(s.ctx, orderShipped{OrderID: orderID})
	s.Require().NoError(err)
	msg := outbox.NewMessage(tag, payload, s.clock.Now())
	s.Require().NoError(s.store.Add(s.ctx, &msg))
	s.clock.Advance(time.Millisecond)
	return msg.ID
}

func (s *ProcessorSuite) TestPublishesInCreationOrder() {
	first := s.enqueue("o-1")
	s.enqueue("o-2")

	stats, err := s.processor().ProcessBatch(s.ctx)

	s.Require().NoError(err)
	s.Equal(2, stats.Processed)
	s.False(stats.More)
	s.Equal([]string{"o-1", "o-2"}, s.delivered)

	msg, err := s.store.Get(s.ctx, first)
	s.Require().NoError(err)
	s.True(msg.Processed())
}

func (s *ProcessorSuite) TestFullBatchReportsMore() {
	s.enqueue("o-1")
	s.enqueue("o-2")
	s.enqueue("o-3")

	stats, err := s.processor(outbox.WithBatchSize(2)).ProcessBatch(s.ctx)

	s.Require().NoError(err)
	s.Equal(2, stats.Processed)
	s.True(stats.More)
}

func (s *ProcessorSuite) TestFailureSchedulesRetryWithBackoff() {
	id := s.enqueue("o-1")
	s.failWith = errors.New("subscriber down")
	p := s.processor()

	stats, err := p.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Failed)

	msg, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(1, msg.RetryCount)
	s.Require().NotNil(msg.Error)
	s.Contains(*msg.Error, "subscriber down")
	s.Require().NotNil(msg.NextRetryAt)
	s.True(msg.NextRetryAt.Equal(s.clock.Now().Add(time.Second)))

	stats, err = p.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Zero(stats.Failed+stats.Processed, "retry not due yet")

	s.clock.Advance(time.Second)
	stats, err = p.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, stats.Failed)

	msg, err = s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(2, msg.RetryCount)
	s.True(msg.NextRetryAt.Equal(s.clock.Now().Add(2*time.Second)))
}

func (s *ProcessorSuite) TestExhaustedMessagesAreDeadLettered() {
	id := s.enqueue("o-1")
	s.failWith = errors.New("subscriber down")
	p := s.processor()

	for range 3 {
		_, err := p.ProcessBatch(s.ctx)
		s.Require().NoError(err)
		s.clock.Advance(time.Hour)
	}

	msg, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(3, msg.RetryCount)
	s.Nil(msg.NextRetryAt)
	s.False(msg.Processed())

	dead, err := s.store.GetDeadLettered(s.ctx, 3, 10)
	s.Require().NoError(err)
	s.Len(dead, 1)

	stats, err := p.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Zero(stats.Failed)
}

func (s *ProcessorSuite) TestUndecodableMessageFails() {
	msg := outbox.NewMessage("unknown.type", []byte(`{}`), s.clock.Now())
	s.Require().NoError(s.store.Add(s.ctx, &msg))

	stats, err := s.processor().ProcessBatch(s.ctx)

	s.Require().NoError(err)
	s.Equal(1, stats.Failed)
	got, err := s.store.Get(s.ctx, msg.ID)
	s.Require().NoError(err)
	s.Contains(*got.Error, "unknown_type")
}

func (s *ProcessorSuite) TestRetentionPurgesProcessed() {
	id := s.enqueue("o-1")
	p := s.processor(outbox.WithRetention(time.Hour))

	_, err := p.ProcessBatch(s.ctx)
	s.Require().NoError(err)

	s.clock.Advance(3 * time.Hour)
	_, err = p.ProcessBatch(s.ctx)
	s.Require().NoError(err)

	_, err = s.store.Get(s.ctx, id)
	s.ErrorIs(err, outbox.ErrNotFound)
}

func (s *ProcessorSuite) TestRunStopsOnCancel() {
	s.enqueue("o-1")
	ctx, cancel := context.WithCancel(s.ctx)
	p := s.processor(outbox.WithInterval(time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	s.Eventually(func() bool {
		msgs, _ := s.store.GetPending(s.ctx, 10, 3)
		return len(msgs) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		s.Fail("processor did not stop")
	}
}

func TestNewProcessorValidation(t *testing.T) {
	store := memory.NewOutboxStore()
	m := mediator.New()

	_, err := outbox.NewProcessor(nil, m)
	assert.Error(t, err)
	_, err = outbox.NewProcessor(store, nil)
	assert.Error(t, err)
	_, err = outbox.NewProcessor(store, m, outbox.WithBatchSize(0))
	assert.Error(t, err)
	_, err = outbox.NewProcessor(store, m, outbox.WithMaxRetries(-1))
	assert.Error(t, err)

	cfg := config.OutboxConfig{BatchSize: 5, PollInterval: time.Second, MaxRetries: 2, BackoffBase: time.Second, BackoffMax: time.Minute}
	p, err := outbox.NewProcessor(store, m, outbox.FromConfig(cfg)...)
	require.NoError(t, err)
	assert.Equal(t, outbox.LoopName, p.Name())
}
