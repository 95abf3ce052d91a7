package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bjaus/mediator/inbox"
)

// InboxStore implements inbox.Store.
type InboxStore struct {
	opts options

	mu   sync.Mutex
	rows map[string]inbox.Message
}

// NewInboxStore returns an empty store.
func NewInboxStore(opts ...Option) *InboxStore {
	return &InboxStore{
		opts: buildOptions(opts),
		rows: make(map[string]inbox.Message),
	}
}

func (s *InboxStore) GetByMessageID(_ context.Context, id string) (*inbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	msg = cloneInbox(msg)
	return &msg, nil
}

func (s *InboxStore) Add(_ context.Context, msg *inbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[msg.MessageID]; ok {
		return inbox.ErrDuplicate
	}
	s.rows[msg.MessageID] = cloneInbox(*msg)
	return nil
}

func (s *InboxStore) Reclaim(_ context.Context, id string, retryCount int, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.rows[id]
	if !ok || msg.ProcessedAt != nil || msg.RetryCount != retryCount {
		return false, nil
	}
	stale := !staleBefore.IsZero() && msg.ReceivedAt.Before(staleBefore)
	if msg.Error == nil && !stale {
		return false, nil
	}
	msg.Error = nil
	msg.NextRetryAt = nil
	msg.ReceivedAt = s.opts.now()
	s.rows[id] = msg
	return true, nil
}

func (s *InboxStore) MarkProcessed(_ context.Context, id string, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.rows[id]
	if !ok {
		return inbox.ErrNotFound
	}
	if msg.Processed() {
		return nil
	}
	msg.ProcessedAt = ptr(s.opts.now())
	msg.Response = cloneBytes(response)
	msg.Error = nil
	msg.NextRetryAt = nil
	s.rows[id] = msg
	return nil
}

func (s *InboxStore) MarkFailed(_ context.Context, id, errMsg string, nextRetryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.rows[id]
	if !ok {
		return inbox.ErrNotFound
	}
	if msg.Processed() {
		return nil
	}
	msg.Error = ptr(errMsg)
	msg.RetryCount++
	msg.NextRetryAt = clonePtr(nextRetryAt)
	s.rows[id] = msg
	return nil
}

func (s *InboxStore) GetExpired(_ context.Context, batchSize int) ([]inbox.Message, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []inbox.Message
	for _, msg := range s.rows {
		if msg.Expired(now) {
			out = append(out, cloneInbox(msg))
		}
	}
	slices.SortFunc(out, func(a, b inbox.Message) int {
		return cmp.Or(a.ExpiresAt.Compare(b.ExpiresAt), cmp.Compare(a.MessageID, b.MessageID))
	})
	if len(out) > batchSize {
		out = out[:batchSize]
	}
	return out, nil
}

func (s *InboxStore) RemoveExpired(_ context.Context, ids []string) error {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if msg, ok := s.rows[id]; ok && msg.Expired(now) {
			delete(s.rows, id)
		}
	}
	return nil
}

func (s *InboxStore) SaveChanges(context.Context) error { return nil }

func cloneInbox(m inbox.Message) inbox.Message {
	m.Response = cloneBytes(m.Response)
	m.ProcessedAt = clonePtr(m.ProcessedAt)
	m.Error = clonePtr(m.Error)
	m.NextRetryAt = clonePtr(m.NextRetryAt)
	return m
}
