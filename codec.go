package mediator

import (
	"context"
	"encoding/json"
	"reflect"
)

// Encode serializes v into an envelope using the RequestContext on ctx. It
// returns the type tag stored next to the payload by the outbox and the
// scheduler. An idempotency key consumed by the current dispatch is not
// written.
func Encode(ctx context.Context, v any) (string, []byte, error) {
	if v == nil {
		return "", nil, NewError(CodeUnknownType, "cannot encode nil")
	}
	tag := TypeTag(v)
	rc, _ := FromContext(ctx)
	payload, err := MarshalEnvelope(tag, rc.transferable(), v)
	if err != nil {
		return "", nil, Wrap(CodeDecodeFailed, "encode message", err)
	}
	return tag, payload, nil
}

// Decode turns an envelope back into the registered Go type for tag and
// returns the RequestContext it was produced under.
func (m *Mediator) Decode(tag string, payload []byte) (any, RequestContext, error) {
	typ, ok := m.tags[tag]
	if !ok {
		return nil, RequestContext{}, Errorf(CodeUnknownType, "no type registered for %q", tag)
	}
	env, err := ParseEnvelope(payload)
	if err != nil {
		return nil, RequestContext{}, Wrap(CodeDecodeFailed, "parse envelope", err)
	}

	target := typ
	if typ.Kind() == reflect.Pointer {
		target = typ.Elem()
	}
	ptr := reflect.New(target)
	if err := json.Unmarshal(env.Data, ptr.Interface()); err != nil {
		return nil, RequestContext{}, Wrap(CodeDecodeFailed, "decode "+tag, err)
	}
	if typ.Kind() == reflect.Pointer {
		return ptr.Interface(), env.Context, nil
	}
	return ptr.Elem().Interface(), env.Context, nil
}

// SendEncoded decodes a serialized request and dispatches it. The request
// runs under the RequestContext recorded in the envelope, so correlation and
// idempotency keys survive the round trip.
func (m *Mediator) SendEncoded(ctx context.Context, tag string, payload []byte) Result[any] {
	req, rc, err := m.Decode(tag, payload)
	if err != nil {
		return Failure[any](FromError(err))
	}
	return m.SendAny(restoreContext(ctx, rc), req)
}

// PublishEncoded decodes a serialized notification and publishes it.
func (m *Mediator) PublishEncoded(ctx context.Context, tag string, payload []byte) Result[Unit] {
	n, rc, err := m.Decode(tag, payload)
	if err != nil {
		return Failure[Unit](FromError(err))
	}
	return m.Publish(restoreContext(ctx, rc), n)
}

// restoreContext installs the envelope's context on ctx. An envelope without
// a key picks up a fresh key already set on ctx.
func restoreContext(ctx context.Context, rc RequestContext) context.Context {
	if rc.CorrelationID == "" {
		return ctx
	}
	if rc.IdempotencyKey == "" {
		if outer, ok := FromContext(ctx); ok && !outer.keyConsumed {
			rc.IdempotencyKey = outer.IdempotencyKey
		}
	}
	return ContextWith(ctx, rc)
}

// convert narrows an untyped result to Res. Responses replayed from the
// inbox arrive as Cached and are decoded here.
func convert[Res any](r Result[any]) Result[Res] {
	if r.IsFailure() {
		return Failure[Res](r.Err())
	}
	switch v := r.Value().(type) {
	case Res:
		return Success(v)
	case Cached:
		var out Res
		if len(v.Payload) > 0 {
			if err := json.Unmarshal(v.Payload, &out); err != nil {
				return Failure[Res](Wrap(CodeDecodeFailed, "decode cached response", err))
			}
		}
		return Success(out)
	case nil:
		var zero Res
		return Success(zero)
	}
	return Failure[Res](Errorf(CodeResponseMismatch, "response %T is not %s", r.Value(), reflect.TypeFor[Res]()))
}
