package mediator

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bjaus/mediator/logger"
)

// validatable is the interface for request validation.
// Compatible with github.com/go-ozzo/ozzo-validation/v4.
type validatable interface {
	Validate() error
}

// ValidationPreProcessor rejects invalid requests before any behavior runs.
// A request implementing Validate() error is checked with it first; struct
// requests are then checked against their `validate` tags. A nil v uses a
// default validator.
//
// Failures carry CodeValidationFailed and, for tag violations, a "fields"
// metadata entry mapping each failing field to the rule it broke.
func ValidationPreProcessor(v *validator.Validate) PreProcessor {
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	return PreProcessorFunc(func(ctx context.Context, req any) error {
		if val, ok := req.(validatable); ok {
			if err := val.Validate(); err != nil {
				return Wrap(CodeValidationFailed, "request is invalid", err)
			}
		}
		if !isStruct(req) {
			return nil
		}
		err := v.StructCtx(ctx, req)
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil
		}
		fields := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields[fe.Namespace()] = fe.Tag()
		}
		return Wrap(CodeValidationFailed, "request is invalid", err).With("fields", fields)
	})
}

func isStruct(v any) bool {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		if reflect.ValueOf(v).IsNil() {
			return false
		}
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}

// LoggingBehavior logs every dispatch with its type tag, correlation id,
// duration and outcome. It also attaches the correlation id to the context
// so lines logged by inner behaviors and the handler carry it.
func LoggingBehavior(log *logger.Logger) Behavior {
	return BehaviorFunc(func(ctx context.Context, req any, next Next) Result[any] {
		rc, _ := FromContext(ctx)
		ctx = log.WithFields(ctx, map[string]any{
			"correlation_id": rc.CorrelationID,
			"message_type":   TypeTag(req),
		})
		if rc.TenantID != "" {
			ctx = log.WithField(ctx, "tenant_id", rc.TenantID)
		}

		start := time.Now()
		res := next(ctx)
		ctx = log.WithField(ctx, "duration_ms", time.Since(start).Milliseconds())

		if err := res.Err(); err != nil {
			ctx = log.WithField(ctx, "code", string(err.Code))
			if err.Code == CodeInternal || err.Code == CodePanic {
				log.Error(ctx, "dispatch faulted", err)
			} else {
				log.Warn(ctx, "dispatch failed: "+err.Message)
			}
			return res
		}
		log.Debug(ctx, "dispatch succeeded")
		return res
	})
}
