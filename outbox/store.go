package outbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no message has the given id.
var ErrNotFound = errors.New("outbox: message not found")

// Store persists outbox messages.
//
// GetPending returns at most batchSize unprocessed messages with
// RetryCount < maxRetries and no future NextRetryAt, oldest first.
// MarkFailed increments RetryCount by exactly one per call. Stores that
// write immediately may implement SaveChanges as a no-op.
type Store interface {
	Add(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	GetPending(ctx context.Context, batchSize, maxRetries int) ([]Message, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt *time.Time) error
	SaveChanges(ctx context.Context) error
}

// DeadLetterStore is implemented by stores that support inspecting and
// requeueing exhausted messages.
type DeadLetterStore interface {
	// GetDeadLettered returns unprocessed messages with
	// RetryCount >= maxRetries, oldest first.
	GetDeadLettered(ctx context.Context, maxRetries, limit int) ([]Message, error)
	// Requeue resets the retry state of an unprocessed message.
	Requeue(ctx context.Context, id string) error
}

// Purger is implemented by stores that can delete processed messages.
type Purger interface {
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
}
