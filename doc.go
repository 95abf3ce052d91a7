// Package mediator routes in-process requests and notifications to typed
// handlers through a composable pipeline, and backs them with four
// reliability subsystems: a transactional outbox, an idempotent inbox, saga
// state tracking and a delayed/recurring scheduler.
//
// # Quick Start
//
// Define a request, its response and a handler:
//
//	type PlaceOrder struct {
//	    SKU      string `json:"sku" validate:"required"`
//	    Quantity int    `json:"quantity" validate:"gt=0"`
//	}
//
//	type PlaceOrderHandler struct {
//	    orders OrderRepository
//	}
//
//	func (h *PlaceOrderHandler) Handle(ctx context.Context, cmd PlaceOrder) (string, error) {
//	    return h.orders.Create(ctx, cmd.SKU, cmd.Quantity)
//	}
//
// Create a mediator, register handlers and send:
//
//	m := mediator.New()
//
//	mediator.Register[PlaceOrder, string](m, &PlaceOrderHandler{orders})
//	mediator.SubscribeFunc(m, func(ctx context.Context, e OrderPlaced) error {
//	    return mailer.Confirm(ctx, e.OrderID)
//	})
//
//	res := mediator.Send[string](ctx, m, PlaceOrder{SKU: "tea", Quantity: 2})
//	if res.IsFailure() {
//	    return res.Err()
//	}
//
// Every request type has exactly one handler; notification types have any
// number of subscribers. Send never returns a Go error: handler errors,
// panics and missing registrations all arrive as a failed Result carrying an
// *Error with a stable Code.
//
// # Pipeline
//
// A request flows through three stages:
//
//  1. PreProcessors, in registration order. An error stops the request.
//  2. Behaviors, first registered outermost. Each receives next and may
//     short-circuit, retry or decorate the result.
//  3. The handler, followed by PostProcessors on success.
//
// Pipelines are built once per request type and cached, so registering
// behaviors costs nothing per call. Built-in pieces:
//
//   - ValidationPreProcessor: struct tags via go-playground/validator
//   - LoggingBehavior: structured dispatch logs
//   - TransactionBehavior: runs Transactional requests in a UnitOfWork
//   - outbox.Recorder: persists notifications emitted by a handler
//   - inbox.Guard: at-most-once handling of Idempotent requests
//
// A typical production ordering:
//
//	m := mediator.New(
//	    mediator.WithPreProcessors(mediator.ValidationPreProcessor(nil)),
//	    mediator.WithBehaviors(
//	        inbox.NewGuard(inboxStore),
//	        mediator.LoggingBehavior(logg),
//	        mediator.TransactionBehavior(gormstore.NewUnitOfWork(db)),
//	        outbox.NewRecorder(outboxStore),
//	    ),
//	)
//
// # Type Tags
//
// Serialized messages are identified by a tag. Types implementing Typed
// choose their own; other types use "<package>.<Name>". RegisterType makes a
// type decodable without a handler, which SendEncoded and PublishEncoded
// need when replaying stored messages.
//
// # Reliability Subsystems
//
// The outbox, inbox, saga and scheduler packages each define a Store
// interface. store/memory implements them for tests and single-process use;
// store/gormstore implements them on Postgres or SQLite. Background work
// (outbox publishing, scheduled dispatch, inbox expiry, stall detection)
// runs on worker.Loop, which polls, backs off when idle and can take a
// Redis lock so one instance processes each batch.
//
// # Hooks
//
// Hooks observe dispatches without coupling to a logging or metrics system:
//
//	m := mediator.New(
//	    mediator.WithOnFailure(func(ctx context.Context, key string, err *mediator.Error, d time.Duration) {
//	        failures.WithLabelValues(key, string(err.Code)).Inc()
//	    }),
//	)
//
// Available hooks: WithOnDispatch, WithOnSuccess, WithOnFailure,
// WithOnNoHandler and WithOnPanic. The metrics package wires them to
// Prometheus collectors.
//
// # Thread Safety
//
// Mediator is safe for concurrent use once configured. Registration panics
// after the first dispatch.
package mediator
