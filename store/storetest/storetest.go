// Package storetest holds conformance suites shared by every store
// implementation. Each suite is a testify suite parameterized by a
// constructor:
//
//	suite.Run(t, &storetest.OutboxSuite{
//		NewStore: func(t *testing.T, now func() time.Time) outbox.Store {
//			return memory.NewOutboxStore(memory.WithClock(now))
//		},
//	})
package storetest

import (
	"sync"
	"time"
)

// Epoch is the starting time of every Clock.
var Epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to Epoch.
func NewClock() *Clock {
	return &Clock{now: Epoch}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ptr[T any](v T) *T { return &v }
