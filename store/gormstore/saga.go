package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bjaus/mediator/saga"
)

// SagaStore implements saga.Store.
type SagaStore struct {
	db *gorm.DB
}

func NewSagaStore(db *gorm.DB) *SagaStore {
	return &SagaStore{db: db}
}

func (s *SagaStore) Get(ctx context.Context, id string) (*saga.State, error) {
	var row sagaRow
	err := conn(ctx, s.db).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	state := row.state()
	return &state, nil
}

func (s *SagaStore) Add(ctx context.Context, state *saga.State) error {
	if state.ID == "" {
		state.ID = uuid.NewString()
	}
	row := sagaFromState(state)
	if err := conn(ctx, s.db).Create(&row).Error; err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

// Update writes every mutable column. started_at is never written and the
// step guard makes the write conditional.
func (s *SagaStore) Update(ctx context.Context, state *saga.State) error {
	row := sagaFromState(state)
	res := conn(ctx, s.db).Model(&sagaRow{}).
		Where("id = ? AND current_step <= ?", row.ID, row.CurrentStep).
		Updates(map[string]any{
			"type":            row.Type,
			"data":            row.Data,
			"status":          row.Status,
			"last_updated_at": row.LastUpdatedAt,
			"completed_at":    row.CompletedAt,
			"error":           row.Error,
			"current_step":    row.CurrentStep,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, state.ID); err != nil {
		return err
	}
	return saga.ErrStepRegression
}

func (s *SagaStore) GetStalled(ctx context.Context, olderThan time.Time, batchSize int) ([]saga.State, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	var rows []sagaRow
	err := conn(ctx, s.db).
		Where("status IN ?", []string{string(saga.StatusRunning), string(saga.StatusCompensating)}).
		Where("last_updated_at < ?", olderThan.UTC()).
		Order("last_updated_at ASC").
		Order("id ASC").
		Limit(batchSize).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]saga.State, len(rows))
	for i, row := range rows {
		out[i] = row.state()
	}
	return out, nil
}

// SaveChanges is a no-op: every call writes immediately.
func (s *SagaStore) SaveChanges(context.Context) error { return nil }
