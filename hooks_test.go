package mediator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type HooksSuite struct {
	suite.Suite
}

func TestHooksSuite(t *testing.T) {
	suite.Run(t, new(HooksSuite))
}

func (s *HooksSuite) TestSuccessFlow() {
	var calls []string
	m := New(
		WithOnDispatch(func(ctx context.Context, key string) { calls = append(calls, "dispatch:"+key) }),
		WithOnSuccess(func(ctx context.Context, key string, d time.Duration) { calls = append(calls, "success:"+key) }),
		WithOnFailure(func(ctx context.Context, key string, err *Error, d time.Duration) { calls = append(calls, "failure:"+key) }),
	)
	Register[greet, greeting](m, &greetHandler{})

	Send[greeting](context.Background(), m, greet{})

	s.Assert().Equal([]string{"dispatch:mediator.greet", "success:mediator.greet"}, calls)
}

func (s *HooksSuite) TestFailureFlow() {
	var got *Error
	m := New(WithOnFailure(func(ctx context.Context, key string, err *Error, d time.Duration) { got = err }))
	Register[greet, greeting](m, &greetHandler{err: errors.New("x")})

	Send[greeting](context.Background(), m, greet{})

	s.Require().NotNil(got)
	s.Assert().Equal(CodeInternal, got.Code)
}

func (s *HooksSuite) TestNoHandler() {
	var key string
	var dispatched bool
	m := New(
		WithOnNoHandler(func(ctx context.Context, k string) { key = k }),
		WithOnDispatch(func(ctx context.Context, k string) { dispatched = true }),
	)

	res := Send[greeting](context.Background(), m, greet{})

	s.Assert().True(res.IsFailure())
	s.Assert().Equal("mediator.greet", key)
	s.Assert().False(dispatched)
}

func (s *HooksSuite) TestPanic() {
	var recovered any
	var failed bool
	m := New(
		WithOnPanic(func(ctx context.Context, key string, v any) { recovered = v }),
		WithOnFailure(func(ctx context.Context, key string, err *Error, d time.Duration) { failed = err.Code == CodePanic }),
	)
	RegisterFunc(m, func(ctx context.Context, req greet) (greeting, error) { panic("oops") })

	Send[greeting](context.Background(), m, greet{})

	s.Assert().Equal("oops", recovered)
	s.Assert().True(failed)
}

func (s *HooksSuite) TestMultipleHooksRunInOrder() {
	var order []int
	m := New(
		WithOnDispatch(func(ctx context.Context, key string) { order = append(order, 1) }),
		WithOnDispatch(func(ctx context.Context, key string) { order = append(order, 2) }),
	)
	Register[greet, greeting](m, &greetHandler{})

	Send[greeting](context.Background(), m, greet{})

	s.Assert().Equal([]int{1, 2}, order)
}
