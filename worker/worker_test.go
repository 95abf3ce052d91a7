package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type mockRedis struct {
	mu      sync.Mutex
	data    map[string]string
	err     error
	scripts int
}

func newMockRedis() *mockRedis {
	return &mockRedis{data: make(map[string]string)}
}

func (m *mockRedis) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return redis.NewBoolResult(false, m.err)
	}
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

// EvalSha runs the lock release script: delete keys[0] if it holds args[0].
func (m *mockRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts++
	if m.err != nil {
		return redis.NewCmdResult(nil, m.err)
	}
	if v, ok := m.data[keys[0]]; ok && v == fmt.Sprint(args[0]) {
		delete(m.data, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (m *mockRedis) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return m.EvalSha(ctx, "", keys, args...)
}

func (m *mockRedis) EvalRO(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return m.EvalSha(ctx, "", keys, args...)
}

func (m *mockRedis) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	return m.EvalSha(ctx, sha1, keys, args...)
}

func (m *mockRedis) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (m *mockRedis) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

type RedisLockSuite struct {
	suite.Suite
	client *mockRedis
	ctx    context.Context
}

func TestRedisLockSuite(t *testing.T) {
	suite.Run(t, new(RedisLockSuite))
}

func (s *RedisLockSuite) SetupTest() {
	s.client = newMockRedis()
	s.ctx = context.Background()
}

func (s *RedisLockSuite) TestValidation() {
	_, err := NewRedisLock(nil, "k", 0)
	s.Assert().Error(err)
	_, err = NewRedisLock(s.client, "", 0)
	s.Assert().Error(err)
}

func (s *RedisLockSuite) TestSingleHolder() {
	a, err := NewRedisLock(s.client, "outbox", time.Minute)
	s.Require().NoError(err)
	b, err := NewRedisLock(s.client, "outbox", time.Minute)
	s.Require().NoError(err)

	ok, err := a.Acquire(s.ctx)
	s.Require().NoError(err)
	s.Assert().True(ok)

	ok, err = b.Acquire(s.ctx)
	s.Require().NoError(err)
	s.Assert().False(ok)

	s.Require().NoError(b.Release(s.ctx), "non-owner release is a no-op")
	s.Assert().Contains(s.client.data, "outbox")

	s.Require().NoError(a.Release(s.ctx))
	ok, err = b.Acquire(s.ctx)
	s.Require().NoError(err)
	s.Assert().True(ok)
}

func (s *RedisLockSuite) TestReleaseDoesNotStealForeignLock() {
	a, _ := NewRedisLock(s.client, "k", time.Minute)
	ok, _ := a.Acquire(s.ctx)
	s.Require().True(ok)

	// Simulate expiry and takeover by another owner.
	s.client.data["k"] = "someone-else"

	s.Require().NoError(a.Release(s.ctx))
	s.Assert().Equal("someone-else", s.client.data["k"])
	s.Assert().Equal(1, s.client.scripts, "owner check and delete run as one script")
}

func (s *RedisLockSuite) TestReleaseErrorKeepsOwnership() {
	l, _ := NewRedisLock(s.client, "k", time.Minute)
	ok, _ := l.Acquire(s.ctx)
	s.Require().True(ok)

	s.client.err = errors.New("connection reset")
	s.Assert().Error(l.Release(s.ctx))

	s.client.err = nil
	s.Require().NoError(l.Release(s.ctx))
	s.Assert().NotContains(s.client.data, "k")
}

func (s *RedisLockSuite) TestAcquireError() {
	s.client.err = errors.New("connection refused")
	l, _ := NewRedisLock(s.client, "k", 0)

	ok, err := l.Acquire(s.ctx)
	s.Assert().False(ok)
	s.Assert().Error(err)
}

type heldLock struct{}

func (heldLock) Acquire(context.Context) (bool, error) { return false, nil }
func (heldLock) Release(context.Context) error         { return nil }

type recordingObserver struct {
	mu    sync.Mutex
	calls []Stats
}

func (o *recordingObserver) ObserveBatch(loop string, stats Stats, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, stats)
}

func TestLoop(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		_, err := NewLoop(Params{Batch: func(context.Context) (Stats, error) { return Stats{}, nil }})
		assert.Error(t, err)
		_, err = NewLoop(Params{Name: "x"})
		assert.Error(t, err)
	})

	t.Run("run once observes the batch", func(t *testing.T) {
		obs := &recordingObserver{}
		l, err := NewLoop(Params{
			Name:     "test",
			Observer: obs,
			Batch: func(context.Context) (Stats, error) {
				return Stats{Processed: 3, Failed: 1}, nil
			},
		})
		require.NoError(t, err)

		stats, err := l.RunOnce(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 3, stats.Processed)
		assert.Equal(t, []Stats{{Processed: 3, Failed: 1}}, obs.calls)
	})

	t.Run("skips when lock is held elsewhere", func(t *testing.T) {
		var runs atomic.Int32
		l, _ := NewLoop(Params{
			Name: "test",
			Lock: heldLock{},
			Batch: func(context.Context) (Stats, error) {
				runs.Add(1)
				return Stats{}, nil
			},
		})

		_, err := l.RunOnce(context.Background())

		assert.NoError(t, err)
		assert.Zero(t, runs.Load())
	})

	t.Run("drains full batches then stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var runs atomic.Int32
		l, _ := NewLoop(Params{
			Name:     "drain",
			Interval: time.Hour,
			Batch: func(context.Context) (Stats, error) {
				n := runs.Add(1)
				if n == 3 {
					cancel()
				}
				return Stats{Processed: 1, More: n < 3}, nil
			},
		})

		err := l.Run(ctx)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(3), runs.Load())
	})

	t.Run("keeps running after batch errors", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var runs atomic.Int32
		l, _ := NewLoop(Params{
			Name:       "errors",
			Interval:   time.Millisecond,
			MaxBackoff: 4 * time.Millisecond,
			Batch: func(context.Context) (Stats, error) {
				if runs.Add(1) == 3 {
					cancel()
				}
				return Stats{}, errors.New("db down")
			},
		})

		err := l.Run(ctx)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(3), runs.Load())
	})
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func TestRunAll(t *testing.T) {
	t.Run("cancellation is clean", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		block := runnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		go cancel()

		assert.NoError(t, RunAll(ctx, block, block))
	})

	t.Run("first failure stops the rest", func(t *testing.T) {
		boom := errors.New("boom")
		fail := runnerFunc(func(context.Context) error { return boom })
		block := runnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		assert.ErrorIs(t, RunAll(context.Background(), fail, block), boom)
	})
}
