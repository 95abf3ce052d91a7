package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bjaus/mediator/scheduler"
)

// ScheduleStore implements scheduler.Store and scheduler.DeadLetterStore.
type ScheduleStore struct {
	opts options

	mu   sync.Mutex
	rows map[string]scheduler.Message
}

// NewScheduleStore returns an empty store.
func NewScheduleStore(opts ...Option) *ScheduleStore {
	return &ScheduleStore{
		opts: buildOptions(opts),
		rows: make(map[string]scheduler.Message),
	}
}

func (s *ScheduleStore) Add(_ context.Context, msg *scheduler.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&msg.ID)
	if _, ok := s.rows[msg.ID]; ok {
		return fmt.Errorf("scheduled message %s already exists", msg.ID)
	}
	s.rows[msg.ID] = cloneScheduled(*msg)
	return nil
}

func (s *ScheduleStore) Get(_ context.Context, id string) (*scheduler.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.rows[id]
	if !ok {
		return nil, scheduler.ErrNotFound
	}
	msg = cloneScheduled(msg)
	return &msg, nil
}

func (s *ScheduleStore) GetDue(_ context.Context, batchSize, maxRetries int) ([]scheduler.Message, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := s.opts.now()
	return s.collect(batchSize, func(m scheduler.Message) bool {
		return m.IsDue(now, maxRetries)
	}), nil
}

func (s *ScheduleStore) MarkProcessed(_ context.Context, id string) error {
	return s.update(id, func(msg *scheduler.Message) {
		if msg.Processed() {
			return
		}
		now := s.opts.now()
		msg.ProcessedAt = &now
		msg.LastExecutedAt = ptr(now)
		msg.Error = nil
		msg.NextRetryAt = nil
	})
}

func (s *ScheduleStore) MarkFailed(_ context.Context, id, errMsg string, nextRetryAt *time.Time) error {
	return s.update(id, func(msg *scheduler.Message) {
		if msg.Processed() {
			return
		}
		msg.Error = ptr(errMsg)
		msg.RetryCount++
		msg.NextRetryAt = clonePtr(nextRetryAt)
		msg.LastExecutedAt = ptr(s.opts.now())
	})
}

func (s *ScheduleStore) Reschedule(_ context.Context, id string, next time.Time) error {
	return s.update(id, func(msg *scheduler.Message) {
		msg.ScheduledAt = next
		msg.LastExecutedAt = ptr(s.opts.now())
		msg.ProcessedAt = nil
		msg.Error = nil
		msg.RetryCount = 0
		msg.NextRetryAt = nil
	})
}

func (s *ScheduleStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[id]; !ok {
		return scheduler.ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

func (s *ScheduleStore) SaveChanges(context.Context) error { return nil }

func (s *ScheduleStore) GetDeadLettered(_ context.Context, maxRetries, limit int) ([]scheduler.Message, error) {
	return s.collect(limit, func(m scheduler.Message) bool {
		return m.Exhausted(maxRetries)
	}), nil
}

func (s *ScheduleStore) update(id string, change func(*scheduler.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.rows[id]
	if !ok {
		return scheduler.ErrNotFound
	}
	change(&msg)
	s.rows[id] = msg
	return nil
}

func (s *ScheduleStore) collect(limit int, keep func(scheduler.Message) bool) []scheduler.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []scheduler.Message
	for _, msg := range s.rows {
		if keep(msg) {
			out = append(out, cloneScheduled(msg))
		}
	}
	slices.SortFunc(out, func(a, b scheduler.Message) int {
		return cmp.Or(a.ScheduledAt.Compare(b.ScheduledAt), a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneScheduled(m scheduler.Message) scheduler.Message {
	m.Payload = cloneBytes(m.Payload)
	m.ProcessedAt = clonePtr(m.ProcessedAt)
	m.LastExecutedAt = clonePtr(m.LastExecutedAt)
	m.Error = clonePtr(m.Error)
	m.NextRetryAt = clonePtr(m.NextRetryAt)
	return m
}
