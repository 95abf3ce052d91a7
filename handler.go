package mediator

import (
	"context"
	"encoding/json"
)

// Handler processes a request and returns a typed response. Exactly one
// Handler is registered per request type.
//
// Return a *Error for expected domain failures. Any other error, and any
// panic, is treated as an unexpected fault and reported with CodeInternal or
// CodePanic.
//
// Example:
//
//	type PlaceOrderHandler struct {
//	    orders OrderRepository
//	}
//
//	func (h *PlaceOrderHandler) Handle(ctx context.Context, cmd PlaceOrder) (OrderID, error) {
//	    if cmd.Quantity <= 0 {
//	        return "", mediator.NewError("invalid_quantity", "quantity must be positive")
//	    }
//	    return h.orders.Create(ctx, cmd.SKU, cmd.Quantity)
//	}
type Handler[Req, Res any] interface {
	Handle(ctx context.Context, req Req) (Res, error)
}

// HandlerFunc is a function adapter for Handler:
//
//	mediator.RegisterFunc(m, func(ctx context.Context, q GetOrder) (Order, error) {
//	    return Order{ID: q.ID}, nil
//	})
type HandlerFunc[Req, Res any] func(ctx context.Context, req Req) (Res, error)

// Handle implements the Handler interface.
func (f HandlerFunc[Req, Res]) Handle(ctx context.Context, req Req) (Res, error) {
	return f(ctx, req)
}

// NotificationHandler reacts to a published notification. Any number of
// handlers may subscribe to the same notification type.
type NotificationHandler[N any] interface {
	Handle(ctx context.Context, n N) error
}

// NotificationHandlerFunc is a function adapter for NotificationHandler.
type NotificationHandlerFunc[N any] func(ctx context.Context, n N) error

// Handle implements the NotificationHandler interface.
func (f NotificationHandlerFunc[N]) Handle(ctx context.Context, n N) error {
	return f(ctx, n)
}

// Unit is the response type of requests that produce no value.
type Unit struct{}

// Typed lets a message choose its own type tag. Tags identify messages in
// serialized form (outbox rows, scheduled messages) and in hooks. Without
// it the Go type name is used.
type Typed interface {
	MessageType() string
}

// Idempotent marks a request whose handler must run at most once per
// idempotency key. The inbox guard only acts on requests with this marker.
type Idempotent interface {
	Idempotent()
}

// Transactional marks a request whose handler, outbox writes and
// post-processors must commit or roll back together.
type Transactional interface {
	Transactional()
}

// Cached is the success value produced when a response is replayed from the
// inbox instead of running the handler. Send decodes it into the caller's
// response type, so handlers and callers rarely see it directly.
type Cached struct {
	Payload json.RawMessage
}
