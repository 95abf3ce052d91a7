package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Message is a serialized notification waiting to be published.
type Message struct {
	ID          string
	Type        string
	Payload     []byte
	CreatedAt   time.Time
	ProcessedAt *time.Time
	Error       *string
	RetryCount  int
	NextRetryAt *time.Time
}

// NewMessage builds an unprocessed message with a fresh id.
func NewMessage(messageType string, payload []byte, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      messageType,
		Payload:   payload,
		CreatedAt: now,
	}
}

// Processed reports whether the message was published successfully.
func (m Message) Processed() bool {
	return m.ProcessedAt != nil && m.Error == nil
}

// Exhausted reports whether the message has used up its retries without
// being published. Exhausted messages are dead letters.
func (m Message) Exhausted(maxRetries int) bool {
	return !m.Processed() && m.RetryCount >= maxRetries
}

// Pending reports whether the message belongs in a batch fetched at now.
func (m Message) Pending(now time.Time, maxRetries int) bool {
	if m.Processed() || m.Exhausted(maxRetries) {
		return false
	}
	return m.NextRetryAt == nil || !m.NextRetryAt.After(now)
}
