package mediator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjaus/mediator/logger"
)

type createUser struct {
	Email string `validate:"required,email"`
	Age   int    `validate:"gte=0"`
}

type renameUser struct {
	Name string
}

func (r renameUser) Validate() error {
	if r.Name == "" {
		return errors.New("name required")
	}
	return nil
}

func TestValidationPreProcessor(t *testing.T) {
	newMediator := func() (*Mediator, *int) {
		calls := 0
		m := New(WithPreProcessors(ValidationPreProcessor(nil)))
		RegisterFunc(m, func(ctx context.Context, req createUser) (Unit, error) { calls++; return Unit{}, nil })
		RegisterFunc(m, func(ctx context.Context, req renameUser) (Unit, error) { calls++; return Unit{}, nil })
		RegisterFunc(m, func(ctx context.Context, req string) (Unit, error) { calls++; return Unit{}, nil })
		return m, &calls
	}

	t.Run("struct tags", func(t *testing.T) {
		m, calls := newMediator()

		res := Send[Unit](context.Background(), m, createUser{Email: "nope", Age: -1})

		require.True(t, res.IsFailure())
		assert.Equal(t, CodeValidationFailed, res.Err().Code)
		fields, ok := res.Err().Metadata["fields"].(map[string]string)
		require.True(t, ok)
		assert.Equal(t, "email", fields["createUser.Email"])
		assert.Equal(t, "gte", fields["createUser.Age"])
		assert.Zero(t, *calls)
	})

	t.Run("validate method", func(t *testing.T) {
		m, calls := newMediator()

		res := Send[Unit](context.Background(), m, renameUser{})

		assert.Equal(t, CodeValidationFailed, res.Err().Code)
		assert.Zero(t, *calls)
	})

	t.Run("valid requests pass", func(t *testing.T) {
		m, calls := newMediator()

		assert.True(t, Send[Unit](context.Background(), m, createUser{Email: "a@b.co"}).IsSuccess())
		assert.True(t, Send[Unit](context.Background(), m, renameUser{Name: "n"}).IsSuccess())
		assert.True(t, Send[Unit](context.Background(), m, "not a struct").IsSuccess())
		assert.Equal(t, 3, *calls)
	})
}

func TestLoggingBehavior(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.Options{ServiceName: "test", Output: &buf})
	m := New(WithBehaviors(LoggingBehavior(log)))
	Register[greet, greeting](m, &greetHandler{})
	RegisterFunc(m, func(ctx context.Context, req orderPlaced) (Unit, error) {
		return Unit{}, NewError("duplicate_order", "already placed")
	})

	ctx := ContextWith(context.Background(), NewRequestContext().WithCorrelationID("corr-log"))
	Send[greeting](ctx, m, greet{})
	Send[Unit](ctx, m, orderPlaced{})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"correlation_id":"corr-log"`)
	assert.Contains(t, lines[0], `"message_type":"mediator.greet"`)
	assert.Contains(t, lines[0], "dispatch succeeded")
	assert.Contains(t, lines[1], `"code":"duplicate_order"`)
	assert.Contains(t, lines[1], `"level":"warn"`)
}
