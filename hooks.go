package mediator

import (
	"context"
	"time"
)

// OnDispatchFunc is called just before a pipeline runs. The key is the
// message's type tag.
type OnDispatchFunc func(ctx context.Context, key string)

// OnSuccessFunc is called after a pipeline completes successfully.
type OnSuccessFunc func(ctx context.Context, key string, duration time.Duration)

// OnFailureFunc is called after a pipeline returns a failure, including
// failures converted from panics.
type OnFailureFunc func(ctx context.Context, key string, err *Error, duration time.Duration)

// OnNoHandlerFunc is called when a request has no handler, or a published
// notification has no subscribers.
type OnNoHandlerFunc func(ctx context.Context, key string)

// OnPanicFunc is called with the recovered value when a pipeline panics.
type OnPanicFunc func(ctx context.Context, key string, recovered any)

// hooks holds all configured hook functions.
type hooks struct {
	onDispatch  []OnDispatchFunc
	onSuccess   []OnSuccessFunc
	onFailure   []OnFailureFunc
	onNoHandler []OnNoHandlerFunc
	onPanic     []OnPanicFunc
}

// Option configures a Mediator.
type Option func(*Mediator)

// WithBehaviors appends behaviors. The first behavior registered is the
// outermost.
func WithBehaviors(b ...Behavior) Option {
	return func(m *Mediator) {
		m.behaviors = append(m.behaviors, b...)
	}
}

// WithPreProcessors appends pre-processors, run in order.
func WithPreProcessors(p ...PreProcessor) Option {
	return func(m *Mediator) {
		m.pre = append(m.pre, p...)
	}
}

// WithPostProcessors appends post-processors, run in order.
func WithPostProcessors(p ...PostProcessor) Option {
	return func(m *Mediator) {
		m.post = append(m.post, p...)
	}
}

// WithClock overrides the time source used for new RequestContexts.
func WithClock(now func() time.Time) Option {
	return func(m *Mediator) {
		m.now = now
	}
}

// WithOnDispatch adds a hook called just before a pipeline runs.
// Multiple hooks are called in order.
//
// Example:
//
//	mediator.WithOnDispatch(func(ctx context.Context, key string) {
//	    log.Info(ctx, "dispatching "+key)
//	})
func WithOnDispatch(fn OnDispatchFunc) Option {
	return func(m *Mediator) {
		m.hooks.onDispatch = append(m.hooks.onDispatch, fn)
	}
}

// WithOnSuccess adds a hook called after a pipeline succeeds.
//
// Example:
//
//	mediator.WithOnSuccess(func(ctx context.Context, key string, d time.Duration) {
//	    latency.WithLabelValues(key).Observe(d.Seconds())
//	})
func WithOnSuccess(fn OnSuccessFunc) Option {
	return func(m *Mediator) {
		m.hooks.onSuccess = append(m.hooks.onSuccess, fn)
	}
}

// WithOnFailure adds a hook called after a pipeline fails.
func WithOnFailure(fn OnFailureFunc) Option {
	return func(m *Mediator) {
		m.hooks.onFailure = append(m.hooks.onFailure, fn)
	}
}

// WithOnNoHandler adds a hook called when nothing handles a message. The
// dispatch result is unaffected: requests still fail with
// CodeHandlerNotFound and notifications still succeed.
func WithOnNoHandler(fn OnNoHandlerFunc) Option {
	return func(m *Mediator) {
		m.hooks.onNoHandler = append(m.hooks.onNoHandler, fn)
	}
}

// WithOnPanic adds a hook called with the recovered value of a panic.
func WithOnPanic(fn OnPanicFunc) Option {
	return func(m *Mediator) {
		m.hooks.onPanic = append(m.hooks.onPanic, fn)
	}
}

func (m *Mediator) callOnDispatch(ctx context.Context, key string) {
	for _, fn := range m.hooks.onDispatch {
		fn(ctx, key)
	}
}

func (m *Mediator) callOnSuccess(ctx context.Context, key string, d time.Duration) {
	for _, fn := range m.hooks.onSuccess {
		fn(ctx, key, d)
	}
}

func (m *Mediator) callOnFailure(ctx context.Context, key string, err *Error, d time.Duration) {
	for _, fn := range m.hooks.onFailure {
		fn(ctx, key, err, d)
	}
}

func (m *Mediator) callOnNoHandler(ctx context.Context, key string) {
	for _, fn := range m.hooks.onNoHandler {
		fn(ctx, key)
	}
}

func (m *Mediator) callOnPanic(ctx context.Context, key string, v any) {
	for _, fn := range m.hooks.onPanic {
		fn(ctx, key, v)
	}
}
