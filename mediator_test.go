package mediator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greet struct {
	Name string `json:"name"`
}

type greeting struct {
	Text string `json:"text"`
}

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

func (orderPlaced) MessageType() string { return "orders.placed" }

type legacyOrderPlaced struct{}

func (legacyOrderPlaced) MessageType() string { return "orders.placed" }

type greetHandler struct {
	calls int
	err   error
}

func (h *greetHandler) Handle(ctx context.Context, req greet) (greeting, error) {
	h.calls++
	if h.err != nil {
		return greeting{}, h.err
	}
	return greeting{Text: "hello " + req.Name}, nil
}

func TestSend(t *testing.T) {
	t.Run("dispatches to registered handler", func(t *testing.T) {
		m := New()
		h := &greetHandler{}
		Register[greet, greeting](m, h)

		res := Send[greeting](context.Background(), m, greet{Name: "ada"})

		require.True(t, res.IsSuccess())
		assert.Equal(t, "hello ada", res.Value().Text)
		assert.Equal(t, 1, h.calls)
	})

	t.Run("missing handler is a failure not a panic", func(t *testing.T) {
		m := New()

		res := Send[greeting](context.Background(), m, greet{})

		require.True(t, res.IsFailure())
		assert.Equal(t, CodeHandlerNotFound, res.Err().Code)
	})

	t.Run("nil request", func(t *testing.T) {
		res := Send[greeting](context.Background(), New(), nil)
		assert.Equal(t, CodeHandlerNotFound, res.Err().Code)
	})

	t.Run("wrong response type", func(t *testing.T) {
		m := New()
		Register[greet, greeting](m, &greetHandler{})

		res := Send[string](context.Background(), m, greet{})

		require.True(t, res.IsFailure())
		assert.Equal(t, CodeResponseMismatch, res.Err().Code)
	})

	t.Run("interface response type accepts implementations", func(t *testing.T) {
		m := New()
		Register[greet, greeting](m, &greetHandler{})

		res := Send[any](context.Background(), m, greet{Name: "x"})

		require.True(t, res.IsSuccess())
		assert.Equal(t, greeting{Text: "hello x"}, res.Value())
	})

	t.Run("coded error passes through", func(t *testing.T) {
		m := New()
		Register[greet, greeting](m, &greetHandler{err: NewError("name_taken", "already greeted")})

		res := Send[greeting](context.Background(), m, greet{})

		require.True(t, res.IsFailure())
		assert.Equal(t, Code("name_taken"), res.Err().Code)
	})

	t.Run("plain error becomes internal fault", func(t *testing.T) {
		m := New()
		boom := errors.New("boom")
		Register[greet, greeting](m, &greetHandler{err: boom})

		res := Send[greeting](context.Background(), m, greet{})

		require.True(t, res.IsFailure())
		assert.Equal(t, CodeInternal, res.Err().Code)
		assert.ErrorIs(t, res.Err(), boom)
		assert.Equal(t, "boom", res.Err().Metadata["fault"])
	})

	t.Run("panic becomes a failure", func(t *testing.T) {
		m := New()
		RegisterFunc(m, func(ctx context.Context, req greet) (greeting, error) {
			panic("kaboom")
		})

		var res Result[greeting]
		require.NotPanics(t, func() {
			res = Send[greeting](context.Background(), m, greet{})
		})
		require.True(t, res.IsFailure())
		assert.Equal(t, CodePanic, res.Err().Code)
		assert.Equal(t, "kaboom", res.Err().Metadata["fault"])
	})

	t.Run("canceled context maps to canceled code", func(t *testing.T) {
		m := New()
		RegisterFunc(m, func(ctx context.Context, req greet) (greeting, error) {
			return greeting{}, ctx.Err()
		})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res := Send[greeting](ctx, m, greet{})

		assert.Equal(t, CodeCanceled, res.Err().Code)
	})
}

func TestSendAny(t *testing.T) {
	m := New()
	Register[greet, greeting](m, &greetHandler{})

	res := m.SendAny(context.Background(), greet{Name: "grace"})

	require.True(t, res.IsSuccess())
	assert.Equal(t, greeting{Text: "hello grace"}, res.Value())
}

func TestDispatchCache(t *testing.T) {
	t.Run("pipeline is composed once per type pair", func(t *testing.T) {
		m := New()
		Register[greet, greeting](m, &greetHandler{})

		for range 5 {
			Send[greeting](context.Background(), m, greet{})
		}
		m.SendAny(context.Background(), greet{})

		assert.Equal(t, int64(1), m.builds.Load())
	})

	t.Run("interface response is a separate pair", func(t *testing.T) {
		m := New()
		Register[greet, greeting](m, &greetHandler{})

		Send[greeting](context.Background(), m, greet{})
		Send[any](context.Background(), m, greet{})
		Send[any](context.Background(), m, greet{})

		assert.Equal(t, int64(2), m.builds.Load())
	})

	t.Run("concurrent first use", func(t *testing.T) {
		m := New()
		var mu sync.Mutex
		count := 0
		RegisterFunc(m, func(ctx context.Context, req greet) (greeting, error) {
			mu.Lock()
			count++
			mu.Unlock()
			return greeting{Text: req.Name}, nil
		})

		var wg sync.WaitGroup
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				name := fmt.Sprint(i)
				res := Send[greeting](context.Background(), m, greet{Name: name})
				assert.Equal(t, name, res.Value().Text)
			}()
		}
		wg.Wait()

		assert.Equal(t, 50, count)
		var cached int
		m.pipelines.Range(func(_, _ any) bool { cached++; return true })
		assert.Equal(t, 1, cached)
	})
}

func TestRegistration(t *testing.T) {
	t.Run("duplicate handler panics", func(t *testing.T) {
		m := New()
		Register[greet, greeting](m, &greetHandler{})
		assert.Panics(t, func() { Register[greet, greeting](m, &greetHandler{}) })
	})

	t.Run("registration after dispatch panics", func(t *testing.T) {
		m := New()
		Send[greeting](context.Background(), m, greet{})
		assert.Panics(t, func() { Register[greet, greeting](m, &greetHandler{}) })
	})

	t.Run("conflicting tags panic", func(t *testing.T) {
		m := New()
		RegisterType[orderPlaced](m)
		assert.NotPanics(t, func() { RegisterType[orderPlaced](m) })
		assert.Panics(t, func() { RegisterType[legacyOrderPlaced](m) })
	})
}

func TestTypeTag(t *testing.T) {
	assert.Equal(t, "orders.placed", TypeTag(orderPlaced{}))
	assert.Equal(t, "orders.placed", TypeTag(&orderPlaced{}))
	assert.Equal(t, "mediator.greet", TypeTag(greet{}))
	assert.Equal(t, "<nil>", TypeTag(nil))
}

func TestRequestContextPropagation(t *testing.T) {
	t.Run("generated when absent", func(t *testing.T) {
		m := New()
		var seen RequestContext
		RegisterFunc(m, func(ctx context.Context, req greet) (Unit, error) {
			seen, _ = FromContext(ctx)
			return Unit{}, nil
		})

		Send[Unit](context.Background(), m, greet{})

		assert.NotEmpty(t, seen.CorrelationID)
		assert.False(t, seen.CreatedAt.IsZero())
	})

	t.Run("nested dispatch shares correlation id", func(t *testing.T) {
		m := New()
		var outer, inner string
		RegisterFunc(m, func(ctx context.Context, req greet) (Unit, error) {
			rc, _ := FromContext(ctx)
			outer = rc.CorrelationID
			Send[Unit](ctx, m, orderPlaced{})
			return Unit{}, nil
		})
		RegisterFunc(m, func(ctx context.Context, req orderPlaced) (Unit, error) {
			rc, _ := FromContext(ctx)
			inner = rc.CorrelationID
			return Unit{}, nil
		})

		ctx := ContextWith(context.Background(), NewRequestContext().WithCorrelationID("corr-1"))
		Send[Unit](ctx, m, greet{})

		assert.Equal(t, "corr-1", outer)
		assert.Equal(t, "corr-1", inner)
	})
}
