// Package metrics exposes Prometheus collectors for dispatches and
// background loops. Every method is safe on a nil *Metrics.
package metrics

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bjaus/mediator"
	"github.com/bjaus/mediator/worker"
)

// Metrics records dispatch and loop activity.
type Metrics struct {
	dispatchDuration *prometheus.HistogramVec
	dispatchTotal    *prometheus.CounterVec
	noHandler        *prometheus.CounterVec
	batchDuration    *prometheus.HistogramVec
	batchItems       *prometheus.CounterVec
	batchErrors      *prometheus.CounterVec
}

var _ worker.Observer = (*Metrics)(nil)

// New registers the collectors on reg. A nil reg returns a Metrics that
// records nothing.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediator_dispatch_duration_seconds",
			Help:    "Duration of pipeline executions in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "outcome"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediator_dispatch_total",
			Help: "Pipeline executions by type and result code.",
		}, []string{"type", "code"}),
		noHandler: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediator_no_handler_total",
			Help: "Messages dispatched without a handler.",
		}, []string{"type"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediator_batch_duration_seconds",
			Help:    "Duration of background loop batches in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediator_batch_items_total",
			Help: "Items handled by background loops by outcome.",
		}, []string{"loop", "outcome"}),
		batchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediator_batch_errors_total",
			Help: "Background loop batches that returned an error.",
		}, []string{"loop"}),
	}
	reg.MustRegister(m.dispatchDuration, m.dispatchTotal, m.noHandler, m.batchDuration, m.batchItems, m.batchErrors)
	return m
}

// Options returns mediator hooks that feed the dispatch collectors.
func (m *Metrics) Options() []mediator.Option {
	return []mediator.Option{
		mediator.WithOnSuccess(func(_ context.Context, key string, d time.Duration) {
			m.ObserveDispatch(key, "", d)
		}),
		mediator.WithOnFailure(func(_ context.Context, key string, err *mediator.Error, d time.Duration) {
			m.ObserveDispatch(key, err.Code, d)
		}),
		mediator.WithOnNoHandler(func(_ context.Context, key string) {
			m.IncNoHandler(key)
		}),
	}
}

// ObserveDispatch records one pipeline execution. An empty code is a success.
func (m *Metrics) ObserveDispatch(key string, code mediator.Code, d time.Duration) {
	if m == nil || m.dispatchTotal == nil {
		return
	}
	outcome, label := "success", "ok"
	if code != "" {
		outcome, label = "failure", string(code)
	}
	key = normalizeLabel(key)
	m.dispatchDuration.WithLabelValues(key, outcome).Observe(d.Seconds())
	m.dispatchTotal.WithLabelValues(key, label).Inc()
}

// IncNoHandler counts a message that nothing handled.
func (m *Metrics) IncNoHandler(key string) {
	if m == nil || m.noHandler == nil {
		return
	}
	m.noHandler.WithLabelValues(normalizeLabel(key)).Inc()
}

// ObserveBatch implements worker.Observer.
func (m *Metrics) ObserveBatch(loop string, stats worker.Stats, err error, d time.Duration) {
	if m == nil || m.batchDuration == nil {
		return
	}
	loop = normalizeLabel(loop)
	m.batchDuration.WithLabelValues(loop).Observe(d.Seconds())
	m.batchItems.WithLabelValues(loop, "processed").Add(float64(stats.Processed))
	m.batchItems.WithLabelValues(loop, "failed").Add(float64(stats.Failed))
	if err != nil {
		m.batchErrors.WithLabelValues(loop).Inc()
	}
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
