package inbox

import "time"

// Message records one idempotent request, keyed by the caller's idempotency
// key.
type Message struct {
	MessageID   string
	Type        string
	// ReceivedAt is when the current attempt started. Reclaim resets it.
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	// Response is the JSON encoded success value, replayed verbatim.
	Response    []byte
	Error       *string
	RetryCount  int
	NextRetryAt *time.Time
	ExpiresAt   time.Time
}

// Processed reports whether the request completed successfully.
func (m Message) Processed() bool {
	return m.ProcessedAt != nil && m.Error == nil
}

// Failed reports whether the last attempt failed.
func (m Message) Failed() bool {
	return m.ProcessedAt == nil && m.Error != nil
}

// Expired reports whether the record may be swept at now.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !m.ExpiresAt.After(now)
}
