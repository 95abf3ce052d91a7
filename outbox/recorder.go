package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bjaus/mediator"
)

// ErrNotCollecting is returned by Emit when the dispatch is not wrapped by a
// Recorder.
var ErrNotCollecting = errors.New("outbox: no recorder in context")

type collectorKey struct{}

type collector struct {
	mu    sync.Mutex
	items []any
}

func (c *collector) add(ns ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, ns...)
}

func (c *collector) drain() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := c.items
	c.items = nil
	return items
}

// Emit buffers notifications produced by the current handler. They are written
// to the outbox only if the dispatch succeeds.
func Emit(ctx context.Context, notifications ...any) error {
	c, ok := ctx.Value(collectorKey{}).(*collector)
	if !ok {
		return ErrNotCollecting
	}
	c.add(notifications...)
	return nil
}

// Recorder is a Behavior that persists emitted notifications. Register it
// inside TransactionBehavior so the writes share the handler's transaction.
type Recorder struct {
	store Store
	now   func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock sets the clock used for CreatedAt.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

// NewRecorder returns a Recorder writing to store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle implements mediator.Behavior.
func (r *Recorder) Handle(ctx context.Context, req any, next mediator.Next) mediator.Result[any] {
	c := &collector{}
	res := next(context.WithValue(ctx, collectorKey{}, c))
	if res.IsFailure() {
		return res
	}
	pending := c.drain()
	if len(pending) == 0 {
		return res
	}

	for _, n := range pending {
		tag, payload, err := mediator.Encode(ctx, n)
		if err != nil {
			return mediator.Failure[any](mediator.FromError(err))
		}
		msg := NewMessage(tag, payload, r.now())
		if err := r.store.Add(ctx, &msg); err != nil {
			return mediator.Failure[any](mediator.Wrap(mediator.CodeInternal, "add outbox message", err))
		}
	}
	if err := r.store.SaveChanges(ctx); err != nil {
		return mediator.Failure[any](mediator.Wrap(mediator.CodeInternal, "save outbox messages", err))
	}
	return res
}
