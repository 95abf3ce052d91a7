package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bjaus/mediator/outbox"
)

// OutboxStore implements outbox.Store, outbox.DeadLetterStore and
// outbox.Purger.
type OutboxStore struct {
	opts options

	mu   sync.Mutex
	seq  int
	rows map[string]*outboxRow
}

type outboxRow struct {
	seq int
	msg outbox.Message
}

// NewOutboxStore returns an empty store.
func NewOutboxStore(opts ...Option) *OutboxStore {
	return &OutboxStore{
		opts: buildOptions(opts),
		rows: make(map[string]*outboxRow),
	}
}

func (s *OutboxStore) Add(_ context.Context, msg *outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&msg.ID)
	if _, ok := s.rows[msg.ID]; ok {
		return fmt.Errorf("outbox message %s already exists", msg.ID)
	}
	s.seq++
	s.rows[msg.ID] = &outboxRow{seq: s.seq, msg: cloneOutbox(*msg)}
	return nil
}

func (s *OutboxStore) Get(_ context.Context, id string) (*outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, outbox.ErrNotFound
	}
	msg := cloneOutbox(row.msg)
	return &msg, nil
}

func (s *OutboxStore) GetPending(_ context.Context, batchSize, maxRetries int) ([]outbox.Message, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := s.opts.now()
	return s.collect(batchSize, func(m outbox.Message) bool {
		return m.Pending(now, maxRetries)
	}), nil
}

func (s *OutboxStore) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return outbox.ErrNotFound
	}
	if row.msg.Processed() {
		return nil
	}
	row.msg.ProcessedAt = ptr(s.opts.now())
	row.msg.Error = nil
	row.msg.NextRetryAt = nil
	return nil
}

func (s *OutboxStore) MarkFailed(_ context.Context, id, errMsg string, nextRetryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return outbox.ErrNotFound
	}
	if row.msg.Processed() {
		return nil
	}
	row.msg.Error = ptr(errMsg)
	row.msg.RetryCount++
	row.msg.NextRetryAt = clonePtr(nextRetryAt)
	return nil
}

func (s *OutboxStore) SaveChanges(context.Context) error { return nil }

func (s *OutboxStore) GetDeadLettered(_ context.Context, maxRetries, limit int) ([]outbox.Message, error) {
	return s.collect(limit, func(m outbox.Message) bool {
		return m.Exhausted(maxRetries)
	}), nil
}

func (s *OutboxStore) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok || row.msg.Processed() {
		return outbox.ErrNotFound
	}
	row.msg.RetryCount = 0
	row.msg.Error = nil
	row.msg.NextRetryAt = nil
	return nil
}

func (s *OutboxStore) PurgeProcessed(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, row := range s.rows {
		if row.msg.Processed() && row.msg.ProcessedAt.Before(before) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *OutboxStore) collect(limit int, keep func(outbox.Message) bool) []outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*outboxRow, 0, len(s.rows))
	for _, row := range s.rows {
		if keep(row.msg) {
			rows = append(rows, row)
		}
	}
	slices.SortFunc(rows, func(a, b *outboxRow) int {
		return cmp.Or(a.msg.CreatedAt.Compare(b.msg.CreatedAt), cmp.Compare(a.seq, b.seq))
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]outbox.Message, len(rows))
	for i, row := range rows {
		out[i] = cloneOutbox(row.msg)
	}
	return out
}

func cloneOutbox(m outbox.Message) outbox.Message {
	m.Payload = cloneBytes(m.Payload)
	m.ProcessedAt = clonePtr(m.ProcessedAt)
	m.Error = clonePtr(m.Error)
	m.NextRetryAt = clonePtr(m.NextRetryAt)
	return m
}
