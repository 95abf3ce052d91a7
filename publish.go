package mediator

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// fanout controls how notification handlers are run.
type fanout struct {
	concurrent bool
	limit      int
}

// WithConcurrentPublish runs the handlers of a notification concurrently,
// at most limit at a time. A limit of zero or less means no limit. A failing
// handler never cancels its siblings.
func WithConcurrentPublish(limit int) Option {
	return func(m *Mediator) {
		m.fanout = fanout{concurrent: true, limit: limit}
	}
}

// Publish delivers n to every subscribed handler, each through its own
// pipeline. All handlers run even when some fail; failures are combined into
// one CodePublishFailed error. A notification without subscribers succeeds.
//
// Example:
//
//	if res := m.Publish(ctx, OrderPlaced{ID: id}); res.IsFailure() {
//	    return res.Err()
//	}
func (m *Mediator) Publish(ctx context.Context, n any) Result[Unit] {
	m.sealed.Store(true)
	if n == nil {
		return Failure[Unit](NewError(CodeHandlerNotFound, "nil notification"))
	}
	ctx, _ = ensureRequestContext(ctx, m.now)

	pipes := m.fanoutFor(reflect.TypeOf(n))
	if len(pipes) == 0 {
		m.callOnNoHandler(ctx, TypeTag(n))
		return Success(Unit{})
	}

	var errs []error
	if m.fanout.concurrent && len(pipes) > 1 {
		errs = m.publishConcurrent(ctx, pipes, n)
	} else {
		for _, p := range pipes {
			if res := m.execute(ctx, p, n); res.IsFailure() {
				errs = append(errs, res.Err())
			}
		}
	}
	if len(errs) == 0 {
		return Success(Unit{})
	}
	msg := fmt.Sprintf("%d of %d handlers for %s failed", len(errs), len(pipes), pipes[0].tag)
	return Failure[Unit](Wrap(CodePublishFailed, msg, multierr.Combine(errs...)).With("failed", len(errs)))
}

func (m *Mediator) publishConcurrent(ctx context.Context, pipes []*pipeline, n any) []error {
	var (
		g        errgroup.Group
		results  = make([]*Error, len(pipes))
		reraised atomic.Pointer[Reraised]
	)
	if m.fanout.limit > 0 {
		g.SetLimit(m.fanout.limit)
	}
	for i, p := range pipes {
		g.Go(func() error {
			// execute only lets *Reraised escape.
			defer func() {
				if v := recover(); v != nil {
					r, _ := v.(*Reraised)
					reraised.CompareAndSwap(nil, r)
				}
			}()
			results[i] = m.execute(ctx, p, n).Err()
			return nil
		})
	}
	_ = g.Wait()
	if r := reraised.Load(); r != nil {
		panic(r)
	}

	var errs []error
	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// fanoutFor returns the cached per-handler pipelines for a notification type.
func (m *Mediator) fanoutFor(typ reflect.Type) []*pipeline {
	if v, ok := m.fanouts.Load(typ); ok {
		return v.([]*pipeline)
	}
	handlers := m.notifications[typ]
	if len(handlers) == 0 {
		return nil
	}
	tag := m.names[typ]
	pipes := make([]*pipeline, len(handlers))
	for i, h := range handlers {
		pipes[i] = m.compose(tag, h)
	}
	v, _ := m.fanouts.LoadOrStore(typ, pipes)
	return v.([]*pipeline)
}
