package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/bjaus/mediator/inbox"
	"github.com/bjaus/mediator/outbox"
	"github.com/bjaus/mediator/saga"
	"github.com/bjaus/mediator/scheduler"
	"github.com/bjaus/mediator/store/storetest"
)

func TestOutboxStore(t *testing.T) {
	suite.Run(t, &storetest.OutboxSuite{
		NewStore: func(t *testing.T, now func() time.Time) outbox.Store {
			return NewOutboxStore(WithClock(now))
		},
	})
}

func TestInboxStore(t *testing.T) {
	suite.Run(t, &storetest.InboxSuite{
		NewStore: func(t *testing.T, now func() time.Time) inbox.Store {
			return NewInboxStore(WithClock(now))
		},
	})
}

func TestSagaStore(t *testing.T) {
	suite.Run(t, &storetest.SagaSuite{
		NewStore: func(t *testing.T) saga.Store {
			return NewSagaStore()
		},
	})
}

func TestScheduleStore(t *testing.T) {
	suite.Run(t, &storetest.ScheduleSuite{
		NewStore: func(t *testing.T, now func() time.Time) scheduler.Store {
			return NewScheduleStore(WithClock(now))
		},
	})
}

func TestReturnedMessagesAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()
	msg := &outbox.Message{ID: "m-1", Payload: []byte(`{"a":1}`), CreatedAt: time.Now()}
	require.NoError(t, store.Add(ctx, msg))

	msg.Payload[2] = 'b'
	got, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	got.Payload[2] = 'c'

	again, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(again.Payload))
}

func TestDuplicateIDs(t *testing.T) {
	ctx := context.Background()

	ob := NewOutboxStore()
	require.NoError(t, ob.Add(ctx, &outbox.Message{ID: "x"}))
	assert.Error(t, ob.Add(ctx, &outbox.Message{ID: "x"}))

	sg := NewSagaStore()
	require.NoError(t, sg.Add(ctx, &saga.State{ID: "x"}))
	assert.Error(t, sg.Add(ctx, &saga.State{ID: "x"}))

	sc := NewScheduleStore()
	require.NoError(t, sc.Add(ctx, &scheduler.Message{ID: "x"}))
	assert.Error(t, sc.Add(ctx, &scheduler.Message{ID: "x"}))
}
