package mediator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("message includes cause", func(t *testing.T) {
		err := Wrap(CodeInternal, "save order", errors.New("disk full"))
		assert.Equal(t, "internal: save order: disk full", err.Error())
		assert.Equal(t, "handler_not_found: none", NewError(CodeHandlerNotFound, "none").Error())
	})

	t.Run("is matches by code", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", NewError(CodeInFlight, "busy"))
		assert.ErrorIs(t, err, &Error{Code: CodeInFlight})
		assert.NotErrorIs(t, err, &Error{Code: CodeInternal})
		assert.True(t, IsCode(err, CodeInFlight))
	})

	t.Run("with copies metadata", func(t *testing.T) {
		base := NewError("x", "y").With("a", 1)
		derived := base.With("b", 2)

		assert.Len(t, base.Metadata, 1)
		assert.Len(t, derived.Metadata, 2)
	})
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	coded := NewError("domain", "rule broken")
	assert.Same(t, coded, FromError(fmt.Errorf("wrapped: %w", coded)))

	assert.Equal(t, CodeCanceled, FromError(context.Canceled).Code)
	assert.Equal(t, CodeCanceled, FromError(context.DeadlineExceeded).Code)

	fault := FromError(errors.New("nil pointer"))
	assert.Equal(t, CodeInternal, fault.Code)
	assert.Equal(t, "nil pointer", fault.Metadata["fault"])
}
