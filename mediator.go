package mediator

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Mediator routes requests to their single handler and notifications to
// every subscriber, running each through the configured pipeline.
//
// Usage:
//  1. Create a mediator with New, passing behaviors, processors and hooks
//  2. Register handlers with Register and Subscribe
//  3. Dispatch with Send and Publish
//
// Mediator is safe for concurrent use after configuration. Registering a
// handler after the first dispatch panics.
type Mediator struct {
	requests      map[reflect.Type]*requestEntry
	notifications map[reflect.Type][]invoker
	tags          map[string]reflect.Type
	names         map[reflect.Type]string

	behaviors []Behavior
	pre       []PreProcessor
	post      []PostProcessor
	hooks     hooks
	fanout    fanout
	now       func() time.Time

	pipelines sync.Map // pipelineKey -> *pipeline
	fanouts   sync.Map // reflect.Type -> []*pipeline
	builds    atomic.Int64
	sealed    atomic.Bool
}

type requestEntry struct {
	tag     string
	resType reflect.Type
	invoke  invoker
}

type pipelineKey struct {
	req, res reflect.Type
}

// New creates a Mediator with the given options.
//
// Example:
//
//	m := mediator.New(
//	    mediator.WithBehaviors(
//	        inbox.NewGuard(inboxStore),
//	        mediator.LoggingBehavior(log),
//	        mediator.TransactionBehavior(uow),
//	        outbox.NewRecorder(outboxStore),
//	    ),
//	    mediator.WithPreProcessors(mediator.ValidationPreProcessor(nil)),
//	)
func New(opts ...Option) *Mediator {
	m := &Mediator{
		requests:      make(map[reflect.Type]*requestEntry),
		notifications: make(map[reflect.Type][]invoker),
		tags:          make(map[string]reflect.Type),
		names:         make(map[reflect.Type]string),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds the handler for request type Req. Registering a second
// handler for the same request type panics.
//
// This is a package-level function (not a method) due to Go generics
// limitations: methods cannot have type parameters independent of the
// receiver.
//
// Example:
//
//	mediator.Register[PlaceOrder, OrderID](m, &PlaceOrderHandler{orders: repo})
func Register[Req, Res any](m *Mediator, h Handler[Req, Res]) {
	m.mustBeOpen()
	reqType := reflect.TypeFor[Req]()
	if _, dup := m.requests[reqType]; dup {
		panic(fmt.Sprintf("mediator: duplicate handler for %s", reqType))
	}
	m.requests[reqType] = &requestEntry{
		tag:     m.bind(reqType),
		resType: reflect.TypeFor[Res](),
		invoke: func(ctx context.Context, req any) (any, error) {
			return h.Handle(ctx, req.(Req))
		},
	}
}

// RegisterFunc is a convenience function for registering a handler function.
//
// Example:
//
//	mediator.RegisterFunc(m, func(ctx context.Context, q GetOrder) (Order, error) {
//	    return repo.Get(ctx, q.ID)
//	})
func RegisterFunc[Req, Res any](m *Mediator, fn func(ctx context.Context, req Req) (Res, error)) {
	Register(m, HandlerFunc[Req, Res](fn))
}

// Subscribe adds a handler for notification type N. Handlers run in
// subscription order when publishing sequentially.
func Subscribe[N any](m *Mediator, h NotificationHandler[N]) {
	m.mustBeOpen()
	typ := reflect.TypeFor[N]()
	m.bind(typ)
	m.notifications[typ] = append(m.notifications[typ], func(ctx context.Context, n any) (any, error) {
		return Unit{}, h.Handle(ctx, n.(N))
	})
}

// SubscribeFunc is a convenience function for subscribing a handler function.
func SubscribeFunc[N any](m *Mediator, fn func(ctx context.Context, n N) error) {
	Subscribe(m, NotificationHandlerFunc[N](fn))
}

// RegisterType makes T decodable from its type tag without registering a
// handler. Use it for notifications that are only ever written to the
// outbox by this process and consumed elsewhere.
func RegisterType[T any](m *Mediator) {
	m.mustBeOpen()
	m.bind(reflect.TypeFor[T]())
}

// Send dispatches req to its handler and returns the typed response.
//
// Example:
//
//	res := mediator.Send[OrderID](ctx, m, PlaceOrder{SKU: "abc", Quantity: 2})
//	id, err := res.Get()
func Send[Res any](ctx context.Context, m *Mediator, req any) Result[Res] {
	return convert[Res](m.dispatch(ctx, req, reflect.TypeFor[Res]()))
}

// SendAny dispatches req without a static response type.
func (m *Mediator) SendAny(ctx context.Context, req any) Result[any] {
	return m.dispatch(ctx, req, nil)
}

// TypeTag returns the type tag for v.
func TypeTag(v any) string {
	if v == nil {
		return "<nil>"
	}
	return tagFor(reflect.TypeOf(v))
}

func (m *Mediator) dispatch(ctx context.Context, req any, resType reflect.Type) Result[any] {
	m.sealed.Store(true)
	if req == nil {
		return Failure[any](NewError(CodeHandlerNotFound, "nil request"))
	}
	ctx, _ = ensureRequestContext(ctx, m.now)

	p, failure := m.pipelineFor(reflect.TypeOf(req), resType)
	if failure != nil {
		if failure.Code == CodeHandlerNotFound {
			m.callOnNoHandler(ctx, TypeTag(req))
		}
		return Failure[any](failure)
	}
	return m.execute(ctx, p, req)
}

// execute runs p, reporting hooks and converting panics into failures. A
// *Reraised panic is passed on to the caller.
func (m *Mediator) execute(ctx context.Context, p *pipeline, req any) (out Result[any]) {
	m.callOnDispatch(ctx, p.tag)
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			m.callOnPanic(ctx, p.tag, v)
			if r, ok := v.(*Reraised); ok {
				panic(r)
			}
			out = Failure[any](panicError(v, debug.Stack()))
		}
		if out.IsFailure() {
			m.callOnFailure(ctx, p.tag, out.Err(), time.Since(start))
		} else {
			m.callOnSuccess(ctx, p.tag, time.Since(start))
		}
	}()
	return p.run(ctx, req)
}

// pipelineFor returns the cached pipeline for the (request, response) pair,
// composing it on first use. A nil resType accepts whatever the handler
// declares.
func (m *Mediator) pipelineFor(reqType, resType reflect.Type) (*pipeline, *Error) {
	entry, ok := m.requests[reqType]
	if !ok {
		return nil, Errorf(CodeHandlerNotFound, "no handler for %s", tagFor(reqType))
	}
	if resType == nil {
		resType = entry.resType
	}
	key := pipelineKey{req: reqType, res: resType}
	if p, ok := m.pipelines.Load(key); ok {
		return p.(*pipeline), nil
	}
	if !compatible(entry.resType, resType) {
		return nil, Errorf(CodeResponseMismatch, "handler for %s returns %s, not %s", entry.tag, entry.resType, resType)
	}
	p, _ := m.pipelines.LoadOrStore(key, m.compose(entry.tag, entry.invoke))
	return p.(*pipeline), nil
}

func compatible(declared, wanted reflect.Type) bool {
	if declared == wanted {
		return true
	}
	return wanted.Kind() == reflect.Interface && declared.Implements(wanted)
}

// bind records the tag for typ. Two types may not share a tag.
func (m *Mediator) bind(typ reflect.Type) string {
	if tag, ok := m.names[typ]; ok {
		return tag
	}
	tag := tagFor(typ)
	if other, ok := m.tags[tag]; ok && other != typ {
		panic(fmt.Sprintf("mediator: type tag %q used by both %s and %s", tag, other, typ))
	}
	m.tags[tag] = typ
	m.names[typ] = tag
	return tag
}

func (m *Mediator) mustBeOpen() {
	if m.sealed.Load() {
		panic("mediator: registration after first dispatch")
	}
}

func tagFor(typ reflect.Type) string {
	probe := typ
	if typ.Kind() == reflect.Pointer {
		probe = typ.Elem()
	}
	if probe.Kind() != reflect.Interface {
		if t, ok := reflect.New(probe).Interface().(Typed); ok {
			return t.MessageType()
		}
	}
	return typ.String()
}

func panicError(v any, stack []byte) *Error {
	return Errorf(CodePanic, "handler panicked: %v", v).
		With("fault", fmt.Sprint(v)).
		With("stack", string(stack))
}
