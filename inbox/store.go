package inbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned by Add when the message id is already recorded.
	ErrDuplicate = errors.New("inbox: duplicate message id")
	// ErrNotFound is returned by updates for an unknown message id.
	ErrNotFound = errors.New("inbox: message not found")
)

// Store persists inbox records.
//
// GetByMessageID returns nil and no error when the id is unknown. GetExpired
// returns at most batchSize records whose ExpiresAt has passed, earliest
// expiry first.
//
// Reclaim is the only way a known id is handed to a new attempt. It succeeds
// for exactly one caller: the record must be unprocessed, still have
// retryCount failures, and either carry an error or have been received
// before staleBefore (a zero staleBefore disables that case). A winning
// Reclaim clears the error and next retry time and restarts ReceivedAt at
// the store's clock, so competing callers holding the same snapshot lose.
type Store interface {
	GetByMessageID(ctx context.Context, id string) (*Message, error)
	Add(ctx context.Context, msg *Message) error
	Reclaim(ctx context.Context, id string, retryCount int, staleBefore time.Time) (bool, error)
	MarkProcessed(ctx context.Context, id string, response []byte) error
	MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt *time.Time) error
	GetExpired(ctx context.Context, batchSize int) ([]Message, error)
	RemoveExpired(ctx context.Context, ids []string) error
	SaveChanges(ctx context.Context) error
}
