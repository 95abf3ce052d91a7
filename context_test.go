package mediator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestContext(t *testing.T) {
	t.Run("new has correlation id and time", func(t *testing.T) {
		rc := NewRequestContext()
		assert.Len(t, rc.CorrelationID, 36)
		assert.WithinDuration(t, time.Now(), rc.CreatedAt, time.Minute)
	})

	t.Run("metadata is copy on write", func(t *testing.T) {
		base := NewRequestContext().WithMetadata("a", "1")
		derived := base.WithMetadata("b", "2")

		_, ok := base.Metadata("b")
		assert.False(t, ok)
		v, ok := derived.Metadata("a")
		assert.True(t, ok)
		assert.Equal(t, "1", v)

		copied := derived.MetadataMap()
		copied["a"] = "mutated"
		v, _ = derived.Metadata("a")
		assert.Equal(t, "1", v)
	})

	t.Run("with methods leave receiver untouched", func(t *testing.T) {
		base := NewRequestContext()
		derived := base.WithUser("u").WithTenant("t").WithIdempotencyKey("k")

		assert.Empty(t, base.UserID)
		assert.Equal(t, "u", derived.UserID)
		assert.Equal(t, "t", derived.TenantID)
		assert.Equal(t, "k", derived.IdempotencyKey)
		assert.Equal(t, base.CorrelationID, derived.CorrelationID)
	})

	t.Run("idempotency key helper", func(t *testing.T) {
		ctx := WithIdempotencyKey(context.Background(), "key-1")
		rc, ok := FromContext(ctx)
		require.True(t, ok)
		assert.Equal(t, "key-1", rc.IdempotencyKey)
		assert.NotEmpty(t, rc.CorrelationID)
	})

	t.Run("nested dispatch drops a consumed key", func(t *testing.T) {
		outer, rc := ensureRequestContext(WithIdempotencyKey(context.Background(), "k-1"), time.Now)
		assert.Equal(t, "k-1", rc.IdempotencyKey)

		_, nested := ensureRequestContext(outer, time.Now)
		assert.Empty(t, nested.IdempotencyKey)
		assert.Equal(t, rc.CorrelationID, nested.CorrelationID)

		_, rearmed := ensureRequestContext(WithIdempotencyKey(outer, "k-2"), time.Now)
		assert.Equal(t, "k-2", rearmed.IdempotencyKey)
	})

	t.Run("ensure fills missing fields only", func(t *testing.T) {
		fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		ctx := ContextWith(context.Background(), RequestContext{UserID: "u"})

		_, rc := ensureRequestContext(ctx, func() time.Time { return fixed })

		assert.NotEmpty(t, rc.CorrelationID)
		assert.Equal(t, fixed, rc.CreatedAt)
		assert.Equal(t, "u", rc.UserID)
	})
}
