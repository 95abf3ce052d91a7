package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bjaus/mediator"
	"github.com/bjaus/mediator/config"
	"github.com/bjaus/mediator/internal/backoff"
	"github.com/bjaus/mediator/logger"
	"github.com/bjaus/mediator/worker"
)

// LoopName identifies the processor in logs, locks and metrics.
const LoopName = "scheduler"

const (
	defaultBatchSize  = 50
	defaultMaxRetries = 5
	defaultInterval   = time.Second
)

// Sender dispatches a serialized request. *mediator.Mediator satisfies it.
type Sender interface {
	SendEncoded(ctx context.Context, tag string, payload []byte) mediator.Result[any]
}

// Processor dispatches due messages in batches.
type Processor struct {
	store      Store
	sender     Sender
	batchSize  int
	maxRetries int
	interval   time.Duration
	policy     backoff.Policy
	lock       worker.Lock
	observer   worker.Observer
	logg       *logger.Logger
	now        func() time.Time
	loop       *worker.Loop
}

// Option configures a Processor.
type Option func(*Processor)

func WithBatchSize(n int) Option {
	return func(p *Processor) {
		p.batchSize = n
	}
}

func WithMaxRetries(n int) Option {
	return func(p *Processor) {
		p.maxRetries = n
	}
}

func WithInterval(d time.Duration) Option {
	return func(p *Processor) {
		p.interval = d
	}
}

// WithBackoff sets the retry delay: base doubled per attempt, capped at max.
func WithBackoff(base, max time.Duration) Option {
	return func(p *Processor) {
		p.policy.Base = base
		p.policy.Max = max
	}
}

func WithJitter(d time.Duration) Option {
	return func(p *Processor) {
		p.policy.Jitter = d
	}
}

func WithLock(l worker.Lock) Option {
	return func(p *Processor) {
		p.lock = l
	}
}

func WithObserver(o worker.Observer) Option {
	return func(p *Processor) {
		p.observer = o
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(p *Processor) {
		p.logg = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// FromConfig translates loaded configuration into options.
func FromConfig(cfg config.SchedulerConfig) []Option {
	return []Option{
		WithBatchSize(cfg.BatchSize),
		WithMaxRetries(cfg.MaxRetries),
		WithInterval(cfg.PollInterval),
		WithBackoff(cfg.BackoffBase, cfg.BackoffMax),
	}
}

// NewProcessor builds a Processor.
func NewProcessor(store Store, sender Sender, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, errors.New("scheduler store required")
	}
	if sender == nil {
		return nil, errors.New("sender required")
	}
	p := &Processor{
		store:      store,
		sender:     sender,
		batchSize:  defaultBatchSize,
		maxRetries: defaultMaxRetries,
		interval:   defaultInterval,
		policy:     backoff.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", p.batchSize)
	}
	if p.maxRetries <= 0 {
		return nil, fmt.Errorf("max retries must be positive, got %d", p.maxRetries)
	}

	loop, err := worker.NewLoop(worker.Params{
		Name:       LoopName,
		Interval:   p.interval,
		MaxBackoff: p.policy.Max,
		Batch:      p.ProcessBatch,
		Lock:       p.lock,
		Logger:     p.logg,
		Observer:   p.observer,
	})
	if err != nil {
		return nil, err
	}
	p.loop = loop
	return p, nil
}

// Run dispatches due messages until ctx is canceled.
func (p *Processor) Run(ctx context.Context) error {
	return p.loop.Run(ctx)
}

// ProcessBatch dispatches one batch of due messages.
func (p *Processor) ProcessBatch(ctx context.Context) (worker.Stats, error) {
	msgs, err := p.store.GetDue(ctx, p.batchSize, p.maxRetries)
	if err != nil {
		return worker.Stats{}, fmt.Errorf("get due scheduled messages: %w", err)
	}
	stats := worker.Stats{More: len(msgs) == p.batchSize}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		msgCtx := p.logg.WithFields(ctx, map[string]any{
			"scheduled_id": msg.ID,
			"message_type": msg.Type,
			"retry_count":  msg.RetryCount,
			"recurring":    msg.Recurring,
		})

		res := p.sender.SendEncoded(mediator.WithIdempotencyKey(ctx, OccurrenceKey(msg)), msg.Type, msg.Payload)
		if res.IsFailure() {
			stats.Failed++
			if err := p.fail(msgCtx, msg, res.Err()); err != nil {
				return stats, err
			}
			continue
		}

		if err := p.complete(msgCtx, msg); err != nil {
			return stats, err
		}
		stats.Processed++
	}

	if err := p.store.SaveChanges(ctx); err != nil {
		return stats, fmt.Errorf("save scheduler changes: %w", err)
	}
	return stats, nil
}

// OccurrenceKey identifies one scheduled activation of msg. Retries of the
// same activation share it; the next recurring activation gets a new one. It
// is the idempotency key for messages stored without their own.
func OccurrenceKey(msg Message) string {
	return "scheduled:" + msg.ID + ":" + msg.ScheduledAt.UTC().Format(time.RFC3339Nano)
}

// complete marks a one-shot message processed or moves a recurring one to
// its next occurrence after now. Missed occurrences are not replayed.
func (p *Processor) complete(ctx context.Context, msg Message) error {
	if !msg.Recurring {
		if err := p.store.MarkProcessed(ctx, msg.ID); err != nil {
			return fmt.Errorf("mark scheduled message %s processed: %w", msg.ID, err)
		}
		return nil
	}

	next, err := NextOccurrence(msg.CronExpression, p.now())
	if err != nil {
		p.logg.Error(ctx, "recurring message has an unusable cron expression; marking processed", err)
		if err := p.store.MarkProcessed(ctx, msg.ID); err != nil {
			return fmt.Errorf("mark scheduled message %s processed: %w", msg.ID, err)
		}
		return nil
	}
	if err := p.store.Reschedule(ctx, msg.ID, next); err != nil {
		return fmt.Errorf("reschedule message %s: %w", msg.ID, err)
	}
	p.logg.Debug(p.logg.WithField(ctx, "next_run_at", next.UTC().Format(time.RFC3339)), "recurring message rescheduled")
	return nil
}

func (p *Processor) fail(ctx context.Context, msg Message, cause *mediator.Error) error {
	attempt := msg.RetryCount + 1
	var next *time.Time
	if attempt < p.maxRetries {
		at := p.policy.After(p.now(), attempt)
		next = &at
	}
	if err := p.store.MarkFailed(ctx, msg.ID, cause.Error(), next); err != nil {
		return fmt.Errorf("mark scheduled message %s failed: %w", msg.ID, err)
	}
	if next == nil {
		p.logg.Error(ctx, "scheduled message dead-lettered; it will not be retried", cause)
		return nil
	}
	p.logg.Warn(p.logg.WithFields(ctx, map[string]any{
		"error":         cause.Error(),
		"next_retry_at": next.UTC().Format(time.RFC3339),
	}), "scheduled dispatch failed; will retry")
	return nil
}
