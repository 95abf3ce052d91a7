package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/bjaus/mediator"
	"github.com/bjaus/mediator/worker"
)

type ping struct{}

func TestDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	met := New(reg)

	m := mediator.New(met.Options()...)
	calls := 0
	mediator.RegisterFunc(m, func(ctx context.Context, p ping) (mediator.Unit, error) {
		calls++
		if calls == 2 {
			return mediator.Unit{}, mediator.NewError("rate_limited", "slow down")
		}
		return mediator.Unit{}, nil
	})

	mediator.Send[mediator.Unit](context.Background(), m, ping{})
	mediator.Send[mediator.Unit](context.Background(), m, ping{})
	mediator.Send[mediator.Unit](context.Background(), m, struct{}{})

	assert.Equal(t, 1.0, testutil.ToFloat64(met.dispatchTotal.WithLabelValues("metrics.ping", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.dispatchTotal.WithLabelValues("metrics.ping", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.noHandler.WithLabelValues("struct {}")))
}

func TestBatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	met := New(reg)

	met.ObserveBatch("outbox", worker.Stats{Processed: 4, Failed: 1}, nil, time.Millisecond)
	met.ObserveBatch("outbox", worker.Stats{}, errors.New("db"), time.Millisecond)

	assert.Equal(t, 4.0, testutil.ToFloat64(met.batchItems.WithLabelValues("outbox", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.batchItems.WithLabelValues("outbox", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.batchErrors.WithLabelValues("outbox")))
}

func TestNilSafe(t *testing.T) {
	var met *Metrics
	assert.NotPanics(t, func() {
		met.ObserveDispatch("x", "", time.Second)
		met.IncNoHandler("x")
		met.ObserveBatch("x", worker.Stats{}, nil, time.Second)
	})

	unregistered := New(nil)
	assert.NotPanics(t, func() {
		unregistered.ObserveDispatch("x", "code", time.Second)
	})
}
