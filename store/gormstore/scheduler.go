package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bjaus/mediator/scheduler"
)

// ScheduleStore implements scheduler.Store and scheduler.DeadLetterStore.
type ScheduleStore struct {
	db   *gorm.DB
	opts options
}

func NewScheduleStore(db *gorm.DB, opts ...Option) *ScheduleStore {
	return &ScheduleStore{db: db, opts: buildOptions(opts)}
}

func (s *ScheduleStore) Add(ctx context.Context, msg *scheduler.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	row := scheduledFromMessage(msg)
	if err := conn(ctx, s.db).Create(&row).Error; err != nil {
		return fmt.Errorf("insert scheduled message: %w", err)
	}
	return nil
}

func (s *ScheduleStore) Get(ctx context.Context, id string) (*scheduler.Message, error) {
	var row scheduledRow
	err := conn(ctx, s.db).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, scheduler.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msg := row.message()
	return &msg, nil
}

func (s *ScheduleStore) GetDue(ctx context.Context, batchSize, maxRetries int) ([]scheduler.Message, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := s.opts.utcNow()
	var rows []scheduledRow
	err := conn(ctx, s.db).
		Where("scheduled_at <= ?", now).
		Where("processed_at IS NULL").
		Where("retry_count < ?", maxRetries).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("scheduled_at ASC").
		Order("created_at ASC").
		Order("id ASC").
		Limit(batchSize).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return scheduledMessages(rows), nil
}

func (s *ScheduleStore) MarkProcessed(ctx context.Context, id string) error {
	now := s.opts.utcNow()
	res := conn(ctx, s.db).Model(&scheduledRow{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(map[string]any{
			"processed_at":     now,
			"last_executed_at": now,
			"error":            nil,
			"next_retry_at":    nil,
		})
	return s.checkUpdated(ctx, id, res)
}

func (s *ScheduleStore) MarkFailed(ctx context.Context, id, errMsg string, nextRetryAt *time.Time) error {
	res := conn(ctx, s.db).Model(&scheduledRow{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(map[string]any{
			"error":            errMsg,
			"retry_count":      gorm.Expr("retry_count + 1"),
			"next_retry_at":    utcPtr(nextRetryAt),
			"last_executed_at": s.opts.utcNow(),
		})
	return s.checkUpdated(ctx, id, res)
}

func (s *ScheduleStore) Reschedule(ctx context.Context, id string, next time.Time) error {
	res := conn(ctx, s.db).Model(&scheduledRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"scheduled_at":     next.UTC(),
			"last_executed_at": s.opts.utcNow(),
			"processed_at":     nil,
			"error":            nil,
			"retry_count":      0,
			"next_retry_at":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return scheduler.ErrNotFound
	}
	return nil
}

func (s *ScheduleStore) Cancel(ctx context.Context, id string) error {
	res := conn(ctx, s.db).Where("id = ?", id).Delete(&scheduledRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return scheduler.ErrNotFound
	}
	return nil
}

// SaveChanges is a no-op: every call writes immediately.
func (s *ScheduleStore) SaveChanges(context.Context) error { return nil }

func (s *ScheduleStore) GetDeadLettered(ctx context.Context, maxRetries, limit int) ([]scheduler.Message, error) {
	q := conn(ctx, s.db).
		Where("processed_at IS NULL").
		Where("retry_count >= ?", maxRetries).
		Order("scheduled_at ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []scheduledRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return scheduledMessages(rows), nil
}

func (s *ScheduleStore) checkUpdated(ctx context.Context, id string, res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	_, err := s.Get(ctx, id)
	return err
}

func scheduledMessages(rows []scheduledRow) []scheduler.Message {
	out := make([]scheduler.Message, len(rows))
	for i, row := range rows {
		out[i] = row.message()
	}
	return out
}
