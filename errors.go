package mediator

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// Code identifies the kind of a failure. Codes are stable strings so callers
// can switch on them and stores can persist them.
type Code string

// Failure codes produced by the mediator and its subsystems.
const (
	CodeHandlerNotFound        Code = "handler_not_found"
	CodeResponseMismatch       Code = "response_mismatch"
	CodeIdempotencyKeyMissing  Code = "idempotency_key_missing"
	CodeIdempotencyKeyConflict Code = "idempotency_key_conflict"
	CodeRetriesExhausted       Code = "retries_exhausted"
	CodeInFlight               Code = "in_flight"
	CodeValidationFailed       Code = "validation_failed"
	CodeUnknownType            Code = "unknown_type"
	CodeDecodeFailed           Code = "decode_failed"
	CodePublishFailed          Code = "publish_failed"
	CodeCanceled               Code = "canceled"
	CodeInternal               Code = "internal"
	CodePanic                  Code = "panic"
)

// Error is the failure half of a Result. Handlers return an *Error to report
// a domain failure; any other error is treated as an unexpected fault and
// converted with FromError.
type Error struct {
	Code     Code
	Message  string
	Cause    error
	Metadata map[string]any
}

// NewError returns an Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf is NewError with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error that carries cause as its underlying fault.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of e with key set in its metadata.
func (e *Error) With(key string, value any) *Error {
	out := *e
	out.Metadata = make(map[string]any, len(e.Metadata)+1)
	maps.Copy(out.Metadata, e.Metadata)
	out.Metadata[key] = value
	return &out
}

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err carries an *Error with the given code.
func IsCode(err error, code Code) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// FromError converts any error into an *Error. Coded errors pass through,
// context cancellation maps to CodeCanceled and everything else becomes an
// internal fault with the original error as its cause.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeCanceled, "dispatch canceled", err)
	}
	return Wrap(CodeInternal, "unexpected fault", err).With("fault", err.Error())
}
