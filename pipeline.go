package mediator

import (
	"context"
)

// Next continues the pipeline. A behavior passes the context the rest of
// the chain should see, which may carry an extended RequestContext.
type Next func(ctx context.Context) Result[any]

// Behavior wraps everything after it in the pipeline. Behaviors run in
// registration order, first registered outermost. A behavior short-circuits
// by returning without calling next.
//
// Example:
//
//	timing := mediator.BehaviorFunc(func(ctx context.Context, req any, next mediator.Next) mediator.Result[any] {
//	    start := time.Now()
//	    res := next(ctx)
//	    log.Printf("%T took %v", req, time.Since(start))
//	    return res
//	})
type Behavior interface {
	Handle(ctx context.Context, req any, next Next) Result[any]
}

// BehaviorFunc is a function adapter for Behavior.
type BehaviorFunc func(ctx context.Context, req any, next Next) Result[any]

// Handle implements the Behavior interface.
func (f BehaviorFunc) Handle(ctx context.Context, req any, next Next) Result[any] {
	return f(ctx, req, next)
}

// PreProcessor runs before any behavior. An error skips the behaviors, the
// handler and the post-processors.
type PreProcessor interface {
	Process(ctx context.Context, req any) error
}

// PreProcessorFunc is a function adapter for PreProcessor.
type PreProcessorFunc func(ctx context.Context, req any) error

// Process implements the PreProcessor interface.
func (f PreProcessorFunc) Process(ctx context.Context, req any) error {
	return f(ctx, req)
}

// PostProcessor runs after a successful handler, inside the behaviors. It
// sees the response but cannot replace it; an error turns the outcome into a
// failure.
type PostProcessor interface {
	Process(ctx context.Context, req, res any) error
}

// PostProcessorFunc is a function adapter for PostProcessor.
type PostProcessorFunc func(ctx context.Context, req, res any) error

// Process implements the PostProcessor interface.
func (f PostProcessorFunc) Process(ctx context.Context, req, res any) error {
	return f(ctx, req, res)
}

// invoker wraps a typed handler so handlers of different types can be stored
// together.
type invoker func(ctx context.Context, req any) (any, error)

// pipeline is a fully composed chain for one handler.
type pipeline struct {
	tag string
	run func(ctx context.Context, req any) Result[any]
}

// compose builds the chain pre-processors → behaviors → handler →
// post-processors around invoke.
func (m *Mediator) compose(tag string, invoke invoker) *pipeline {
	m.builds.Add(1)

	post := m.post
	chain := func(ctx context.Context, req any) Result[any] {
		res, err := invoke(ctx, req)
		if err != nil {
			return Failure[any](FromError(err))
		}
		for _, p := range post {
			if err := p.Process(ctx, req, res); err != nil {
				return Failure[any](FromError(err))
			}
		}
		return Success(res)
	}

	for i := len(m.behaviors) - 1; i >= 0; i-- {
		b, inner := m.behaviors[i], chain
		chain = func(ctx context.Context, req any) Result[any] {
			return b.Handle(ctx, req, func(ctx context.Context) Result[any] {
				return inner(ctx, req)
			})
		}
	}

	pre := m.pre
	return &pipeline{
		tag: tag,
		run: func(ctx context.Context, req any) Result[any] {
			for _, p := range pre {
				if err := p.Process(ctx, req); err != nil {
					return Failure[any](FromError(err))
				}
			}
			return chain(ctx, req)
		},
	}
}
