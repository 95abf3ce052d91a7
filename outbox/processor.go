package outbox

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

const (
	// LoopName identifies the processor in logs, locks and metrics.
	LoopName = "outbox"

	defaultBatchSize  = 50
	defaultMaxRetries = 10
	defaultInterval   = 500 * time.Millisecond
	purgeInterval     = time.Hour
)

// Publisher delivers a serialized notification. *mediator.Mediator satisfies
// it.
type Publisher interface {
	PublishEncoded(ctx context.Context, tag string, payload []byte) mediator.Result[mediator.Unit]
}

// Processor publishes pending outbox messages in batches.
type Processor struct {
	store      Store
	publisher  Publisher
	batchSize  int
	maxRetries int
	interval   time.Duration
	retention  time.Duration
	policy     backoff.Policy
	lock       worker.Lock
	observer   worker.Observer
	logg       *logger.Logger
	now        func() time.Time

	lastPurge time.Time
	loop      *worker.Loop
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

// WithJitter sets the random delay added to each retry. Zero disables it.
func WithJitter(d time.Duration) Option {
	return func(p *Processor) {
		p.policy.Jitter = d
	}
}

// WithRetention enables deletion of processed messages older than d when the
// store implements Purger.
func WithRetention(d time.Duration) Option {
	return func(p *Processor) {
		p.retention = d
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
func FromConfig(cfg config.OutboxConfig) []Option {
	return []Option{
		WithBatchSize(cfg.BatchSize),
		WithMaxRetries(cfg.MaxRetries),
		WithInterval(cfg.PollInterval),
		WithBackoff(cfg.BackoffBase, cfg.BackoffMax),
		WithRetention(cfg.Retention),
	}
}

// NewProcessor builds a Processor.
func NewProcessor(store Store, publisher Publisher, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, errors.New("outbox store required")
	}
	if publisher == nil {
		return nil, errors.New("publisher required")
	}
	p := &Processor{
		store:      store,
		publisher:  publisher,
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

// Name returns the loop name.
func (p *Processor) Name() string { return LoopName }

// Run publishes batches until ctx is canceled.
func (p *Processor) Run(ctx context.Context) error {
	return p.loop.Run(ctx)
}

// ProcessBatch publishes one batch of pending messages.
func (p *Processor) ProcessBatch(ctx context.Context) (worker.Stats, error) {
	msgs, err := p.store.GetPending(ctx, p.batchSize, p.maxRetries)
	if err != nil {
		return worker.Stats{}, fmt.Errorf("get pending outbox messages: %w", err)
	}
	stats := worker.Stats{More: len(msgs) == p.batchSize}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		msgCtx := p.logg.WithFields(ctx, map[string]any{
			"outbox_id":    msg.ID,
			"message_type": msg.Type,
			"retry_count":  msg.RetryCount,
		})

		res := p.publisher.PublishEncoded(ctx, msg.Type, msg.Payload)
		if res.IsSuccess() {
			if err := p.store.MarkProcessed(ctx, msg.ID); err != nil {
				return stats, fmt.Errorf("mark outbox message %s processed: %w", msg.ID, err)
			}
			stats.Processed++
			continue
		}

		stats.Failed++
		if err := p.fail(msgCtx, msg, res.Err()); err != nil {
			return stats, err
		}
	}

	if err := p.store.SaveChanges(ctx); err != nil {
		return stats, fmt.Errorf("save outbox changes: %w", err)
	}
	p.purge(ctx)
	return stats, nil
}

func (p *Processor) fail(ctx context.Context, msg Message, cause *mediator.Error) error {
	attempt := msg.RetryCount + 1
	var next *time.Time
	if attempt < p.maxRetries {
		at := p.policy.After(p.now(), attempt)
		next = &at
	}
	if err := p.store.MarkFailed(ctx, msg.ID, cause.Error(), next); err != nil {
		return fmt.Errorf("mark outbox message %s failed: %w", msg.ID, err)
	}

	if next == nil {
		p.logg.Error(ctx, "outbox message dead-lettered; it will not be retried", cause)
		return nil
	}
	p.logg.Warn(p.logg.WithFields(ctx, map[string]any{
		"error":         cause.Error(),
		"next_retry_at": next.UTC().Format(time.RFC3339),
	}), "outbox publish failed; will retry")
	return nil
}

func (p *Processor) purge(ctx context.Context) {
	purger, ok := p.store.(Purger)
	if !ok || p.retention <= 0 {
		return
	}
	now := p.now()
	if !p.lastPurge.IsZero() && now.Sub(p.lastPurge) < purgeInterval {
		return
	}
	p.lastPurge = now

	n, err := purger.PurgeProcessed(ctx, now.Add(-p.retention))
	if err != nil {
		p.logg.Error(ctx, "failed to purge processed outbox messages", err)
		return
	}
	if n > 0 {
		p.logg.Info(p.logg.WithField(ctx, "purged", n), "purged processed outbox messages")
	}
}
