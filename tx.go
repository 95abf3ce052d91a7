package mediator

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Tx is an open transaction.
type Tx interface {
	Commit() error
	Rollback() error
}

// UnitOfWork starts transactions. Begin returns a context that carries the
// transaction; stores that participate look it up there.
type UnitOfWork interface {
	Begin(ctx context.Context) (context.Context, Tx, error)
}

// Reraised wraps a panic that a transaction boundary rolled back and
// re-raised. The mediator lets it escape instead of converting it into a
// failure.
type Reraised struct {
	Value any
	Stack []byte
}

func (r *Reraised) Error() string {
	return fmt.Sprintf("panic inside transaction: %v", r.Value)
}

// TransactionBehavior runs Transactional requests inside a unit of work.
// Success commits. Any failure rolls back and is returned unchanged. A panic
// rolls back and is re-raised as *Reraised.
//
// Register it outside the outbox recorder so outbox rows join the
// handler's transaction.
func TransactionBehavior(uow UnitOfWork) Behavior {
	return BehaviorFunc(func(ctx context.Context, req any, next Next) Result[any] {
		if _, ok := req.(Transactional); !ok {
			return next(ctx)
		}

		txCtx, tx, err := uow.Begin(ctx)
		if err != nil {
			return Failure[any](Wrap(CodeInternal, "begin transaction", err))
		}

		defer func() {
			v := recover()
			if v == nil {
				return
			}
			_ = tx.Rollback()
			if r, ok := v.(*Reraised); ok {
				panic(r)
			}
			panic(&Reraised{Value: v, Stack: debug.Stack()})
		}()

		res := next(txCtx)
		if res.IsFailure() {
			if rbErr := tx.Rollback(); rbErr != nil {
				return Failure[any](res.Err().With("rollback_error", rbErr.Error()))
			}
			return res
		}
		if err := tx.Commit(); err != nil {
			return Failure[any](Wrap(CodeInternal, "commit transaction", err))
		}
		return res
	})
}
