package mediator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	t.Run("rejects invalid JSON", func(t *testing.T) {
		_, err := ParseEnvelope([]byte(`{not json`))
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("missing context leaves it zero", func(t *testing.T) {
		env, err := ParseEnvelope([]byte(`{"type":"a","data":{"x":true}}`))
		require.NoError(t, err)

		assert.Equal(t, "a", env.Type)
		assert.JSONEq(t, `{"x":true}`, string(env.Data))
		assert.Equal(t, RequestContext{}, env.Context)
	})

	t.Run("non-string type is bare data", func(t *testing.T) {
		raw := []byte(`{"type":7,"data":{}}`)
		env, err := ParseEnvelope(raw)
		require.NoError(t, err)

		assert.Empty(t, env.Type)
		assert.JSONEq(t, string(raw), string(env.Data))
	})

	t.Run("metadata map is owned by the result", func(t *testing.T) {
		env, err := ParseEnvelope([]byte(`{"type":"a","context":{"metadata":{"k":"v"}},"data":null}`))
		require.NoError(t, err)

		md := env.Context.MetadataMap()
		md["k"] = "changed"
		v, _ := env.Context.Metadata("k")
		assert.Equal(t, "v", v)
	})
}

func TestEnvelopeRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rc := RequestContext{
		CorrelationID:  "corr",
		UserID:         "user",
		TenantID:       "tenant",
		IdempotencyKey: "idem",
		CreatedAt:      created,
	}.WithMetadata("source", "api")

	raw, err := MarshalEnvelope("orders.placed", rc, orderPlaced{OrderID: "o-9"})
	require.NoError(t, err)

	env, err := ParseEnvelope(raw)
	require.NoError(t, err)

	assert.Equal(t, "orders.placed", env.Type)
	assert.JSONEq(t, `{"orderId":"o-9"}`, string(env.Data))
	assert.Equal(t, "corr", env.Context.CorrelationID)
	assert.Equal(t, "user", env.Context.UserID)
	assert.Equal(t, "tenant", env.Context.TenantID)
	assert.Equal(t, "idem", env.Context.IdempotencyKey)
	assert.True(t, created.Equal(env.Context.CreatedAt))
	src, _ := env.Context.Metadata("source")
	assert.Equal(t, "api", src)
}

func TestParseEnvelopeBareData(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"orderId":"o-1"}`))
	require.NoError(t, err)

	assert.Empty(t, env.Type)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(env.Data))
}

func TestEncodedDispatch(t *testing.T) {
	t.Run("send round trip keeps request context", func(t *testing.T) {
		m := New()
		var seen RequestContext
		RegisterFunc(m, func(ctx context.Context, req greet) (greeting, error) {
			seen, _ = FromContext(ctx)
			return greeting{Text: req.Name}, nil
		})

		ctx := ContextWith(context.Background(), NewRequestContext().WithCorrelationID("c-1").WithTenant("t"))
		tag, payload, err := Encode(ctx, greet{Name: "enc"})
		require.NoError(t, err)
		assert.Equal(t, "mediator.greet", tag)

		res := m.SendEncoded(context.Background(), tag, payload)

		require.True(t, res.IsSuccess())
		assert.Equal(t, greeting{Text: "enc"}, res.Value())
		assert.Equal(t, "c-1", seen.CorrelationID)
		assert.Equal(t, "t", seen.TenantID)
	})

	t.Run("publish round trip", func(t *testing.T) {
		m := New()
		var got string
		SubscribeFunc(m, func(ctx context.Context, n orderPlaced) error {
			got = n.OrderID
			return nil
		})

		tag, payload, err := Encode(context.Background(), orderPlaced{OrderID: "o-5"})
		require.NoError(t, err)

		res := m.PublishEncoded(context.Background(), tag, payload)

		require.True(t, res.IsSuccess())
		assert.Equal(t, "o-5", got)
	})

	t.Run("pointer types decode as pointers", func(t *testing.T) {
		m := New()
		RegisterType[*orderPlaced](m)

		v, _, err := m.Decode("orders.placed", []byte(`{"orderId":"p"}`))
		require.NoError(t, err)
		assert.Equal(t, &orderPlaced{OrderID: "p"}, v)
	})

	t.Run("unknown tag", func(t *testing.T) {
		res := New().SendEncoded(context.Background(), "nope", []byte(`{}`))
		assert.Equal(t, CodeUnknownType, res.Err().Code)
	})

	t.Run("bad payload", func(t *testing.T) {
		m := New()
		RegisterType[orderPlaced](m)

		res := m.PublishEncoded(context.Background(), "orders.placed", []byte(`{"type":"orders.placed","data":{"orderId":5}}`))
		assert.Equal(t, CodeDecodeFailed, res.Err().Code)

		res = m.PublishEncoded(context.Background(), "orders.placed", []byte(`nope`))
		assert.Equal(t, CodeDecodeFailed, res.Err().Code)
	})
}

func TestEncodeIdempotencyKey(t *testing.T) {
	keyOf := func(t *testing.T, payload []byte) string {
		env, err := ParseEnvelope(payload)
		require.NoError(t, err)
		return env.Context.IdempotencyKey
	}

	t.Run("kept outside a dispatch", func(t *testing.T) {
		_, payload, err := Encode(WithIdempotencyKey(context.Background(), "k-1"), greet{Name: "a"})
		require.NoError(t, err)
		assert.Equal(t, "k-1", keyOf(t, payload))
	})

	t.Run("dropped inside the dispatch that consumed it", func(t *testing.T) {
		m := New()
		var payload []byte
		RegisterFunc(m, func(ctx context.Context, req greet) (greeting, error) {
			var err error
			_, payload, err = Encode(ctx, orderPlaced{OrderID: "o-1"})
			return greeting{}, err
		})

		res := Send[greeting](WithIdempotencyKey(context.Background(), "k-1"), m, greet{Name: "a"})

		require.True(t, res.IsSuccess())
		assert.Empty(t, keyOf(t, payload))
	})

	t.Run("a key set inside the handler is written", func(t *testing.T) {
		m := New()
		var payload []byte
		RegisterFunc(m, func(ctx context.Context, req greet) (greeting, error) {
			var err error
			_, payload, err = Encode(WithIdempotencyKey(ctx, "k-2"), orderPlaced{OrderID: "o-1"})
			return greeting{}, err
		})

		require.True(t, Send[greeting](WithIdempotencyKey(context.Background(), "k-1"), m, greet{Name: "a"}).IsSuccess())
		assert.Equal(t, "k-2", keyOf(t, payload))
	})

	t.Run("envelope without a key takes a fresh one from ctx", func(t *testing.T) {
		m := New()
		var seen string
		RegisterFunc(m, func(ctx context.Context, req greet) (greeting, error) {
			rc, _ := FromContext(ctx)
			seen = rc.IdempotencyKey
			return greeting{}, nil
		})
		tag, payload, err := Encode(ContextWith(context.Background(), NewRequestContext()), greet{Name: "a"})
		require.NoError(t, err)

		res := m.SendEncoded(WithIdempotencyKey(context.Background(), "occurrence-1"), tag, payload)

		require.True(t, res.IsSuccess())
		assert.Equal(t, "occurrence-1", seen)
	})
}

func TestCachedResponses(t *testing.T) {
	t.Run("cached payload decodes into response type", func(t *testing.T) {
		payload, _ := json.Marshal(greeting{Text: "from cache"})
		res := convert[greeting](Success[any](Cached{Payload: payload}))

		require.True(t, res.IsSuccess())
		assert.Equal(t, "from cache", res.Value().Text)
	})

	t.Run("corrupt cache is a decode failure", func(t *testing.T) {
		res := convert[greeting](Success[any](Cached{Payload: []byte(`[`)}))
		assert.Equal(t, CodeDecodeFailed, res.Err().Code)
	})

	t.Run("nil value is zero", func(t *testing.T) {
		res := convert[*greeting](Success[any](nil))
		require.True(t, res.IsSuccess())
		assert.Nil(t, res.Value())
	})
}
