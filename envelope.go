package mediator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// ErrMalformedEnvelope is returned when a stored payload is not valid JSON.
var ErrMalformedEnvelope = errors.New("mediator: malformed envelope")

// Envelope is the serialized form of a message: its type tag, the
// RequestContext it was produced under and the JSON-encoded value.
//
//	{
//	  "type": "orders.OrderPlaced",
//	  "context": {"correlationId": "…", "tenantId": "acme", "metadata": {"source": "api"}},
//	  "data": {"orderId": "o-1"}
//	}
type Envelope struct {
	Type    string
	Context RequestContext
	Data    json.RawMessage
}

type wireEnvelope struct {
	Type    string          `json:"type"`
	Context wireContext     `json:"context"`
	Data    json.RawMessage `json:"data"`
}

type wireContext struct {
	CorrelationID  string            `json:"correlationId,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	TenantID       string            `json:"tenantId,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// MarshalEnvelope encodes v with its tag and request context.
func MarshalEnvelope(tag string, rc RequestContext, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", tag, err)
	}
	return json.Marshal(wireEnvelope{
		Type: tag,
		Context: wireContext{
			CorrelationID:  rc.CorrelationID,
			UserID:         rc.UserID,
			TenantID:       rc.TenantID,
			IdempotencyKey: rc.IdempotencyKey,
			CreatedAt:      rc.CreatedAt,
			Metadata:       rc.metadata,
		},
		Data: data,
	})
}

// ParseEnvelope reads an envelope. Valid JSON without a string "type" and a
// "data" field is treated as bare data with an empty context, so externally
// produced payloads can be scheduled too.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, ErrMalformedEnvelope
	}
	fields := gjson.GetManyBytes(raw, "type", "context", "data")
	tag, data := fields[0], fields[2]
	if tag.Type != gjson.String || !data.Exists() {
		return Envelope{Data: raw}, nil
	}
	return Envelope{
		Type:    tag.Str,
		Context: contextFrom(fields[1]),
		Data:    json.RawMessage(data.Raw),
	}, nil
}

// contextFrom reads the "context" block written by MarshalEnvelope. Missing
// fields stay zero.
func contextFrom(c gjson.Result) RequestContext {
	rc := RequestContext{
		CorrelationID:  c.Get("correlationId").String(),
		UserID:         c.Get("userId").String(),
		TenantID:       c.Get("tenantId").String(),
		IdempotencyKey: c.Get("idempotencyKey").String(),
	}
	if ts := c.Get("createdAt"); ts.Exists() {
		rc.CreatedAt = ts.Time()
	}
	if md := c.Get("metadata"); md.IsObject() {
		rc.metadata = make(map[string]string)
		md.ForEach(func(k, v gjson.Result) bool {
			rc.metadata[k.String()] = v.String()
			return true
		})
	}
	return rc
}
