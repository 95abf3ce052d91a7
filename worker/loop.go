// Package worker runs the periodic batch loops behind the outbox, inbox,
// saga and scheduler processors.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bjaus/mediator/internal/backoff"
	"github.com/bjaus/mediator/logger"
)

const (
	defaultInterval   = 5 * time.Second
	defaultMaxBackoff = time.Minute
)

// Stats summarizes one batch.
type Stats struct {
	Processed int
	Failed    int
	// More reports that the batch was full and another may be waiting.
	More bool
}

// Batch processes one batch of work.
type Batch func(ctx context.Context) (Stats, error)

// Observer receives batch outcomes, typically for metrics.
type Observer interface {
	ObserveBatch(loop string, stats Stats, err error, duration time.Duration)
}

// Params configure a Loop.
type Params struct {
	Name       string
	Interval   time.Duration
	MaxBackoff time.Duration
	Batch      Batch
	Lock       Lock
	Logger     *logger.Logger
	Observer   Observer
}

// Loop runs a Batch on a fixed cadence until its context is canceled. At most
// one batch is in flight per Loop. A full batch is followed immediately by
// the next one; a failed batch backs off exponentially.
type Loop struct {
	name       string
	interval   time.Duration
	maxBackoff time.Duration
	batch      Batch
	lock       Lock
	logg       *logger.Logger
	observer   Observer
}

// NewLoop validates params and builds a Loop.
func NewLoop(params Params) (*Loop, error) {
	if params.Name == "" {
		return nil, errors.New("loop name required")
	}
	if params.Batch == nil {
		return nil, errors.New("batch func required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	maxBackoff := params.MaxBackoff
	if maxBackoff < interval {
		maxBackoff = max(defaultMaxBackoff, interval)
	}
	lock := params.Lock
	if lock == nil {
		lock = nopLock{}
	}
	return &Loop{
		name:       params.Name,
		interval:   interval,
		maxBackoff: maxBackoff,
		batch:      params.Batch,
		lock:       lock,
		logg:       params.Logger,
		observer:   params.Observer,
	}, nil
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Run processes batches until ctx is canceled and returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	ctx = l.logg.WithField(ctx, "loop", l.name)
	l.logg.Info(ctx, "loop starting")

	wait := l.interval
	for {
		select {
		case <-ctx.Done():
			l.logg.Info(ctx, "loop stopped")
			return ctx.Err()
		default:
		}

		stats, err := l.RunOnce(ctx)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			l.logg.Error(ctx, "batch failed", err)
			wait = backoff.Next(wait, l.interval, l.maxBackoff)
		case stats.More:
			wait = l.interval
			continue
		default:
			wait = l.interval
		}

		if err := sleep(ctx, wait); err != nil {
			l.logg.Info(ctx, "loop stopped")
			return err
		}
	}
}

// RunOnce acquires the lock and runs a single batch. It is a no-op when
// another instance holds the lock.
func (l *Loop) RunOnce(ctx context.Context) (Stats, error) {
	locked, err := l.lock.Acquire(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		l.logg.Debug(ctx, "lock held elsewhere; skipping batch")
		return Stats{}, nil
	}
	defer func() {
		if relErr := l.lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			l.logg.Error(ctx, "failed to release loop lock", relErr)
		}
	}()

	start := time.Now()
	stats, err := l.batch(ctx)
	duration := time.Since(start)
	if l.observer != nil {
		l.observer.ObserveBatch(l.name, stats, err, duration)
	}
	if stats.Processed > 0 || stats.Failed > 0 {
		l.logg.Info(l.logg.WithFields(ctx, map[string]any{
			"processed":   stats.Processed,
			"failed":      stats.Failed,
			"duration_ms": duration.Milliseconds(),
		}), "batch complete")
	}
	return stats, err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Runner is anything with a blocking Run.
type Runner interface {
	Run(ctx context.Context) error
}

// RunAll runs every runner until ctx is canceled or one of them fails. The
// first failure cancels the rest. Cancellation of ctx is not an error.
func RunAll(ctx context.Context, runners ...Runner) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			err := r.Run(gctx)
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
