package mediator

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"
)

// RequestContext is the ambient data that travels with a dispatch. It is a
// value type; every With method returns a modified copy and leaves the
// receiver untouched, so a behavior can extend it for the rest of the chain
// without affecting callers that still hold the original.
//
// IdempotencyKey belongs to the single dispatch it was set for. Nested
// dispatches and messages encoded from inside a handler do not inherit it;
// set a new key with WithIdempotencyKey when a downstream request needs one.
type RequestContext struct {
	CorrelationID  string
	UserID         string
	TenantID       string
	IdempotencyKey string
	CreatedAt      time.Time

	metadata map[string]string
	// keyConsumed marks that a dispatch has started under IdempotencyKey.
	keyConsumed bool
}

type requestContextKey struct{}

// NewRequestContext returns a RequestContext with a fresh correlation id.
func NewRequestContext() RequestContext {
	return RequestContext{
		CorrelationID: uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
	}
}

// WithCorrelationID returns a copy with the correlation id replaced.
func (rc RequestContext) WithCorrelationID(id string) RequestContext {
	rc.CorrelationID = id
	return rc
}

// WithUser returns a copy carrying the user id.
func (rc RequestContext) WithUser(id string) RequestContext {
	rc.UserID = id
	return rc
}

// WithTenant returns a copy carrying the tenant id.
func (rc RequestContext) WithTenant(id string) RequestContext {
	rc.TenantID = id
	return rc
}

// WithIdempotencyKey returns a copy carrying the idempotency key.
func (rc RequestContext) WithIdempotencyKey(key string) RequestContext {
	rc.IdempotencyKey = key
	rc.keyConsumed = false
	return rc
}

// WithMetadata returns a copy with key set. The receiver's metadata map is
// never written.
func (rc RequestContext) WithMetadata(key, value string) RequestContext {
	next := make(map[string]string, len(rc.metadata)+1)
	maps.Copy(next, rc.metadata)
	next[key] = value
	rc.metadata = next
	return rc
}

// Metadata returns the value stored under key.
func (rc RequestContext) Metadata(key string) (string, bool) {
	v, ok := rc.metadata[key]
	return v, ok
}

// MetadataMap returns a copy of all metadata.
func (rc RequestContext) MetadataMap() map[string]string {
	if len(rc.metadata) == 0 {
		return nil
	}
	return maps.Clone(rc.metadata)
}

// ContextWith stores rc on ctx.
func ContextWith(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext returns the RequestContext stored on ctx, if any.
func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}

// WithIdempotencyKey is shorthand for extending the RequestContext on ctx
// with an idempotency key. A RequestContext is created when ctx has none.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	rc, ok := FromContext(ctx)
	if !ok {
		rc = NewRequestContext()
	}
	return ContextWith(ctx, rc.WithIdempotencyKey(key))
}

// ensureRequestContext makes sure ctx carries a RequestContext with a
// correlation id and creation time. An existing one is reused so nested
// dispatches share the caller's correlation id, but a key already consumed
// by an enclosing dispatch is dropped.
func ensureRequestContext(ctx context.Context, now func() time.Time) (context.Context, RequestContext) {
	rc, _ := FromContext(ctx)
	if rc.keyConsumed {
		rc.IdempotencyKey = ""
	}
	if rc.CorrelationID == "" {
		rc.CorrelationID = uuid.NewString()
	}
	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = now().UTC()
	}
	rc.keyConsumed = true
	return ContextWith(ctx, rc), rc
}

// transferable returns rc as it may leave the current dispatch: a consumed
// idempotency key stays behind.
func (rc RequestContext) transferable() RequestContext {
	if rc.keyConsumed {
		rc.IdempotencyKey = ""
		rc.keyConsumed = false
	}
	return rc
}
