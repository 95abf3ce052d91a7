package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bjaus/mediator/outbox"
)

// OutboxStore implements outbox.Store, outbox.DeadLetterStore and
// outbox.Purger.
type OutboxStore struct {
	db   *gorm.DB
	opts options
}

func NewOutboxStore(db *gorm.DB, opts ...Option) *OutboxStore {
	return &OutboxStore{db: db, opts: buildOptions(opts)}
}

func (s *OutboxStore) Add(ctx context.Context, msg *outbox.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	row := outboxFromMessage(msg)
	if err := conn(ctx, s.db).Create(&row).Error; err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func (s *OutboxStore) Get(ctx context.Context, id string) (*outbox.Message, error) {
	var row outboxRow
	err := conn(ctx, s.db).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, outbox.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg := row.message()
	return &msg, nil
}

func (s *OutboxStore) GetPending(ctx context.Context, batchSize, maxRetries int) ([]outbox.Message, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	var rows []outboxRow
	err := conn(ctx, s.db).
		Where("processed_at IS NULL").
		Where("retry_count < ?", maxRetries).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", s.opts.utcNow()).
		Order("created_at ASC").
		Order("id ASC").
		Limit(batchSize).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return outboxMessages(rows), nil
}

func (s *OutboxStore) MarkProcessed(ctx context.Context, id string) error {
	res := conn(ctx, s.db).Model(&outboxRow{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(map[string]any{
			"processed_at":  s.opts.utcNow(),
			"error":         nil,
			"next_retry_at": nil,
		})
	return s.checkUpdated(ctx, id, res)
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt *time.Time) error {
	res := conn(ctx, s.db).Model(&outboxRow{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(map[string]any{
			"error":         errMsg,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"next_retry_at": utcPtr(nextRetryAt),
		})
	return s.checkUpdated(ctx, id, res)
}

// SaveChanges is a no-op: every call writes immediately. Use UnitOfWork to
// group writes.
func (s *OutboxStore) SaveChanges(context.Context) error { return nil }

func (s *OutboxStore) GetDeadLettered(ctx context.Context, maxRetries, limit int) ([]outbox.Message, error) {
	q := conn(ctx, s.db).
		Where("processed_at IS NULL").
		Where("retry_count >= ?", maxRetries).
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []outboxRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return outboxMessages(rows), nil
}

func (s *OutboxStore) Requeue(ctx context.Context, id string) error {
	res := conn(ctx, s.db).Model(&outboxRow{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(map[string]any{
			"retry_count":   0,
			"error":         nil,
			"next_retry_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return outbox.ErrNotFound
	}
	return nil
}

func (s *OutboxStore) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	res := conn(ctx, s.db).
		Where("processed_at IS NOT NULL AND error IS NULL AND processed_at < ?", before.UTC()).
		Delete(&outboxRow{})
	return res.RowsAffected, res.Error
}

// checkUpdated tells a missing row apart from one that was already
// processed, which is a no-op.
func (s *OutboxStore) checkUpdated(ctx context.Context, id string, res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	_, err := s.Get(ctx, id)
	return err
}

func outboxMessages(rows []outboxRow) []outbox.Message {
	out := make([]outbox.Message, len(rows))
	for i, row := range rows {
		out[i] = row.message()
	}
	return out
}
