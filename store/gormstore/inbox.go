package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/bjaus/mediator/inbox"
)

// InboxStore implements inbox.Store.
type InboxStore struct {
	db   *gorm.DB
	opts options
}

func NewInboxStore(db *gorm.DB, opts ...Option) *InboxStore {
	return &InboxStore{db: db, opts: buildOptions(opts)}
}

func (s *InboxStore) GetByMessageID(ctx context.Context, id string) (*inbox.Message, error) {
	var row inboxRow
	err := conn(ctx, s.db).Where("message_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg := row.message()
	return &msg, nil
}

func (s *InboxStore) Add(ctx context.Context, msg *inbox.Message) error {
	row := inboxFromMessage(msg)
	if err := conn(ctx, s.db).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return inbox.ErrDuplicate
		}
		return fmt.Errorf("insert inbox message: %w", err)
	}
	return nil
}

// Reclaim hands the record to one caller with a single conditional update.
func (s *InboxStore) Reclaim(ctx context.Context, id string, retryCount int, staleBefore time.Time) (bool, error) {
	q := conn(ctx, s.db).Model(&inboxRow{}).
		Where("message_id = ? AND processed_at IS NULL AND retry_count = ?", id, retryCount)
	if staleBefore.IsZero() {
		q = q.Where("error IS NOT NULL")
	} else {
		q = q.Where("(error IS NOT NULL OR received_at < ?)", staleBefore.UTC())
	}
	res := q.Updates(map[string]any{
		"error":         nil,
		"next_retry_at": nil,
		"received_at":   s.opts.utcNow(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *InboxStore) MarkProcessed(ctx context.Context, id string, response []byte) error {
	res := conn(ctx, s.db).Model(&inboxRow{}).
		Where("message_id = ? AND processed_at IS NULL", id).
		Updates(map[string]any{
			"processed_at":  s.opts.utcNow(),
			"response":      response,
			"error":         nil,
			"next_retry_at": nil,
		})
	return s.checkUpdated(ctx, id, res)
}

func (s *InboxStore) MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt *time.Time) error {
	res := conn(ctx, s.db).Model(&inboxRow{}).
		Where("message_id = ? AND processed_at IS NULL", id).
		Updates(map[string]any{
			"error":         errMsg,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"next_retry_at": utcPtr(nextRetryAt),
		})
	return s.checkUpdated(ctx, id, res)
}

func (s *InboxStore) GetExpired(ctx context.Context, batchSize int) ([]inbox.Message, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	var rows []inboxRow
	err := conn(ctx, s.db).
		Where("expires_at <= ?", s.opts.utcNow()).
		Order("expires_at ASC").
		Order("message_id ASC").
		Limit(batchSize).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]inbox.Message, len(rows))
	for i, row := range rows {
		out[i] = row.message()
	}
	return out, nil
}

// RemoveExpired deletes the given records that are still expired.
func (s *InboxStore) RemoveExpired(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return conn(ctx, s.db).
		Where("message_id IN ? AND expires_at <= ?", ids, s.opts.utcNow()).
		Delete(&inboxRow{}).Error
}

// SaveChanges is a no-op: every call writes immediately.
func (s *InboxStore) SaveChanges(context.Context) error { return nil }

func (s *InboxStore) checkUpdated(ctx context.Context, id string, res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	msg, err := s.GetByMessageID(ctx, id)
	if err != nil {
		return err
	}
	if msg == nil {
		return inbox.ErrNotFound
	}
	return nil
}
