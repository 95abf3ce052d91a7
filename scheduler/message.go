// Package scheduler stores requests for later dispatch, either once at a
// fixed time or repeatedly on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"time"
)

// Message is a serialized request waiting for its scheduled time.
type Message struct {
	ID             string
	Type           string
	Payload        []byte
	ScheduledAt    time.Time
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	LastExecutedAt *time.Time
	Error          *string
	RetryCount     int
	NextRetryAt    *time.Time
	Recurring      bool
	CronExpression string
}

// Processed reports whether a one-shot message was dispatched successfully.
func (m Message) Processed() bool {
	return m.ProcessedAt != nil && m.Error == nil
}

// Exhausted reports whether the message used up its retries. Exhausted
// messages are dead letters and stay stored until cancelled.
func (m Message) Exhausted(maxRetries int) bool {
	return !m.Processed() && m.RetryCount >= maxRetries
}

// IsDue reports whether the message should be dispatched at now.
func (m Message) IsDue(now time.Time, maxRetries int) bool {
	if m.ScheduledAt.After(now) || m.Processed() || m.RetryCount >= maxRetries {
		return false
	}
	return m.NextRetryAt == nil || !m.NextRetryAt.After(now)
}

var ErrNotFound = errors.New("scheduler: message not found")

// Store persists scheduled messages.
//
// GetDue returns at most batchSize messages for which IsDue holds, earliest
// ScheduledAt first. Reschedule moves a message to next and clears its
// processed, error and retry state. Cancel deletes the message.
type Store interface {
	Add(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	GetDue(ctx context.Context, batchSize, maxRetries int) ([]Message, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt *time.Time) error
	Reschedule(ctx context.Context, id string, next time.Time) error
	Cancel(ctx context.Context, id string) error
	SaveChanges(ctx context.Context) error
}

// DeadLetterStore is implemented by stores that can list exhausted messages.
type DeadLetterStore interface {
	GetDeadLettered(ctx context.Context, maxRetries, limit int) ([]Message, error)
}
