package mediator

// Result is the outcome of a dispatch: either a success value or an *Error,
// never both. The zero Result is a success holding the zero value of T.
type Result[T any] struct {
	value T
	err   *Error
}

// Success wraps v in a successful Result.
func Success[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Failure wraps err in a failed Result. A nil err is replaced with an
// internal error so a Failure always carries a reason.
func Failure[T any](err *Error) Result[T] {
	if err == nil {
		err = NewError(CodeInternal, "failure without error")
	}
	return Result[T]{err: err}
}

// IsSuccess reports whether r holds a value.
func (r Result[T]) IsSuccess() bool { return r.err == nil }

// IsFailure reports whether r holds an error.
func (r Result[T]) IsFailure() bool { return r.err != nil }

// Value returns the success value, or the zero value on failure.
func (r Result[T]) Value() T { return r.value }

// Err returns the failure, or nil on success.
func (r Result[T]) Err() *Error { return r.err }

// Get returns the value and the failure as a plain error. The error is a
// true nil on success.
func (r Result[T]) Get() (T, error) {
	if r.err != nil {
		return r.value, r.err
	}
	return r.value, nil
}

// ValueOr returns the success value or fallback on failure.
func (r Result[T]) ValueOr(fallback T) T {
	if r.err != nil {
		return fallback
	}
	return r.value
}

// Match calls exactly one of onSuccess or onFailure. Nil callbacks are
// skipped.
func (r Result[T]) Match(onSuccess func(T), onFailure func(*Error)) {
	if r.err != nil {
		if onFailure != nil {
			onFailure(r.err)
		}
		return
	}
	if onSuccess != nil {
		onSuccess(r.value)
	}
}

// Map transforms the success value and passes failures through unchanged.
//
// This is a package-level function because methods cannot declare their own
// type parameters.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if r.err != nil {
		return Result[U]{err: r.err}
	}
	return Success(fn(r.value))
}

// Bind chains a Result-returning step onto a successful Result.
func Bind[T, U any](r Result[T], fn func(T) Result[U]) Result[U] {
	if r.err != nil {
		return Result[U]{err: r.err}
	}
	return fn(r.value)
}

// Fold collapses r into a single value.
func Fold[T, U any](r Result[T], onSuccess func(T) U, onFailure func(*Error) U) U {
	if r.err != nil {
		return onFailure(r.err)
	}
	return onSuccess(r.value)
}
