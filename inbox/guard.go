package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bjaus/mediator"
	"github.com/bjaus/mediator/config"
	"github.com/bjaus/mediator/internal/backoff"
	"github.com/bjaus/mediator/logger"
)

const (
	defaultMaxRetries = 5
	defaultRetention  = 72 * time.Hour
)

// Guard is a Behavior that processes requests implementing
// mediator.Idempotent at most once per idempotency key. Register it before
// any other behavior so replays skip the rest of the pipeline.
type Guard struct {
	store      Store
	maxRetries int
	retention  time.Duration
	lease      time.Duration
	policy     backoff.Policy
	logg       *logger.Logger
	now        func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithMaxRetries sets how many failed attempts a key may accumulate before
// dispatches fail with CodeRetriesExhausted.
func WithMaxRetries(n int) GuardOption {
	return func(g *Guard) {
		g.maxRetries = n
	}
}

// WithRetention sets how long records are kept before the sweeper removes
// them.
func WithRetention(d time.Duration) GuardOption {
	return func(g *Guard) {
		g.retention = d
	}
}

// WithLease treats a record that has been in flight for longer than d as
// abandoned, allowing a new attempt. Zero, the default, never does.
func WithLease(d time.Duration) GuardOption {
	return func(g *Guard) {
		g.lease = d
	}
}

// WithBackoff sets the policy used to compute NextRetryAt on failure.
func WithBackoff(base, max time.Duration) GuardOption {
	return func(g *Guard) {
		g.policy.Base = base
		g.policy.Max = max
	}
}

func WithLogger(l *logger.Logger) GuardOption {
	return func(g *Guard) {
		g.logg = l
	}
}

func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// GuardOptionsFromConfig translates loaded configuration into options.
func GuardOptionsFromConfig(cfg config.InboxConfig) []GuardOption {
	return []GuardOption{
		WithMaxRetries(cfg.MaxRetries),
		WithRetention(cfg.Retention),
	}
}

// NewGuard returns a Guard backed by store.
func NewGuard(store Store, opts ...GuardOption) *Guard {
	g := &Guard{
		store:      store,
		maxRetries: defaultMaxRetries,
		retention:  defaultRetention,
		policy:     backoff.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle implements mediator.Behavior.
func (g *Guard) Handle(ctx context.Context, req any, next mediator.Next) mediator.Result[any] {
	if _, ok := req.(mediator.Idempotent); !ok {
		return next(ctx)
	}
	rc, _ := mediator.FromContext(ctx)
	key := rc.IdempotencyKey
	if key == "" {
		return mediator.Failure[any](mediator.Errorf(mediator.CodeIdempotencyKeyMissing,
			"%s requires an idempotency key", mediator.TypeTag(req)))
	}
	ctx = g.logg.WithField(ctx, "idempotency_key", key)

	rec, err := g.store.GetByMessageID(ctx, key)
	if err != nil {
		return mediator.Failure[any](mediator.Wrap(mediator.CodeInternal, "load inbox record", err))
	}
	if rec != nil {
		if res, done := g.existing(ctx, rec, req); done {
			return res
		}
	} else if res, done := g.claim(ctx, key, req); done {
		return res
	}

	return g.invoke(ctx, key, next)
}

// existing decides what to do with a previously recorded key. It returns
// done=false only after winning the record for a new attempt.
func (g *Guard) existing(ctx context.Context, rec *Message, req any) (mediator.Result[any], bool) {
	if res, mismatch := conflict(rec, req); mismatch {
		return res, true
	}
	switch {
	case rec.Processed():
		g.logg.Debug(ctx, "replaying cached response")
		return replay(rec), true
	case rec.RetryCount >= g.maxRetries:
		return mediator.Failure[any](mediator.Errorf(mediator.CodeRetriesExhausted,
			"message %s failed %d times", rec.MessageID, rec.RetryCount).
			With("last_error", deref(rec.Error))), true
	case rec.Failed():
		ctx = g.logg.WithField(ctx, "retry_count", rec.RetryCount)
		return g.reclaim(ctx, rec, time.Time{}, "retrying failed idempotent request")
	case g.lease > 0 && g.now().Sub(rec.ReceivedAt) > g.lease:
		return g.reclaim(ctx, rec, g.now().Add(-g.lease), "in-flight lease expired; retrying idempotent request")
	}
	return inFlight(rec.MessageID), true
}

// reclaim hands rec to this dispatch if no concurrent duplicate got it first.
func (g *Guard) reclaim(ctx context.Context, rec *Message, staleBefore time.Time, msg string) (mediator.Result[any], bool) {
	won, err := g.store.Reclaim(ctx, rec.MessageID, rec.RetryCount, staleBefore)
	if err != nil {
		return mediator.Failure[any](mediator.Wrap(mediator.CodeInternal, "reclaim inbox record", err)), true
	}
	if !won {
		return inFlight(rec.MessageID), true
	}
	if err := g.store.SaveChanges(ctx); err != nil {
		return mediator.Failure[any](mediator.Wrap(mediator.CodeInternal, "save inbox changes", err)), true
	}
	g.logg.Info(ctx, msg)
	return mediator.Result[any]{}, false
}

// claim records a first sighting. A lost race against a concurrent dispatch
// replays the winner's response or reports the key as in flight.
func (g *Guard) claim(ctx context.Context, key string, req any) (mediator.Result[any], bool) {
	now := g.now()
	rec := &Message{
		MessageID:  key,
		Type:       mediator.TypeTag(req),
		ReceivedAt: now,
		ExpiresAt:  now.Add(g.retention),
	}
	err := g.store.Add(ctx, rec)
	if err == nil {
		err = g.store.SaveChanges(ctx)
	}
	if err == nil {
		return mediator.Result[any]{}, false
	}
	if !errors.Is(err, ErrDuplicate) {
		return mediator.Failure[any](mediator.Wrap(mediator.CodeInternal, "add inbox record", err)), true
	}

	winner, err := g.store.GetByMessageID(ctx, key)
	if err != nil {
		return mediator.Failure[any](mediator.Wrap(mediator.CodeInternal, "load inbox record", err)), true
	}
	if winner == nil {
		return inFlight(key), true
	}
	if res, mismatch := conflict(winner, req); mismatch {
		return res, true
	}
	if winner.Processed() {
		return replay(winner), true
	}
	return inFlight(key), true
}

func (g *Guard) invoke(ctx context.Context, key string, next mediator.Next) mediator.Result[any] {
	defer func() {
		if v := recover(); v != nil {
			g.markFailed(context.WithoutCancel(ctx), key, fmt.Sprintf("panic: %v", v))
			panic(v)
		}
	}()

	res := next(ctx)
	if res.IsFailure() {
		g.markFailed(context.WithoutCancel(ctx), key, res.Err().Error())
		return res
	}

	payload, err := encode(res.Value())
	if err != nil {
		g.logg.Error(ctx, "failed to encode response for inbox", err)
		g.markFailed(context.WithoutCancel(ctx), key, err.Error())
		return res
	}
	if err := g.store.MarkProcessed(context.WithoutCancel(ctx), key, payload); err != nil {
		g.logg.Error(ctx, "failed to record processed inbox message", err)
		return res
	}
	if err := g.store.SaveChanges(context.WithoutCancel(ctx)); err != nil {
		g.logg.Error(ctx, "failed to save inbox changes", err)
	}
	return res
}

func (g *Guard) markFailed(ctx context.Context, key, reason string) {
	rec, err := g.store.GetByMessageID(ctx, key)
	attempt := 1
	if err == nil && rec != nil {
		attempt = rec.RetryCount + 1
	}
	var next *time.Time
	if attempt < g.maxRetries {
		at := g.policy.After(g.now(), attempt)
		next = &at
	}
	if err := g.store.MarkFailed(ctx, key, reason, next); err != nil {
		g.logg.Error(ctx, "failed to record inbox failure", err)
		return
	}
	if err := g.store.SaveChanges(ctx); err != nil {
		g.logg.Error(ctx, "failed to save inbox changes", err)
	}
}

func encode(v any) ([]byte, error) {
	if c, ok := v.(mediator.Cached); ok {
		return c.Payload, nil
	}
	return json.Marshal(v)
}

func replay(rec *Message) mediator.Result[any] {
	return mediator.Success[any](mediator.Cached{Payload: rec.Response})
}

// conflict reports a key that was first recorded for a different request
// type. Records written without a type match anything.
func conflict(rec *Message, req any) (mediator.Result[any], bool) {
	tag := mediator.TypeTag(req)
	if rec.Type == "" || rec.Type == tag {
		return mediator.Result[any]{}, false
	}
	return mediator.Failure[any](mediator.Errorf(mediator.CodeIdempotencyKeyConflict,
		"key %s was used for %s, not %s", rec.MessageID, rec.Type, tag).
		With("recorded_type", rec.Type)), true
}

func inFlight(key string) mediator.Result[any] {
	return mediator.Failure[any](mediator.Errorf(mediator.CodeInFlight, "message %s is being processed", key))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
