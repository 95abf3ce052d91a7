package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bjaus/mediator/config"
	"github.com/bjaus/mediator/logger"
	"github.com/bjaus/mediator/worker"
)

// DetectorLoopName identifies the stall detector in logs, locks and metrics.
const DetectorLoopName = "saga-stall-detector"

const (
	defaultThreshold = time.Hour
	defaultBatchSize = 100
)

// StalledFunc handles a saga that stopped making progress, for example by
// alerting or starting compensation.
type StalledFunc func(ctx context.Context, state State) error

// DetectorParams configure a StallDetector.
type DetectorParams struct {
	Store Store
	// Threshold is how long an active saga may go without an update.
	Threshold time.Duration
	Interval  time.Duration
	BatchSize int
	OnStalled StalledFunc
	Lock      worker.Lock
	Logger    *logger.Logger
	Observer  worker.Observer
	Clock     func() time.Time
}

// DetectorParamsFromConfig fills thresholds and cadence from cfg.
func DetectorParamsFromConfig(store Store, onStalled StalledFunc, cfg config.SagaConfig) DetectorParams {
	return DetectorParams{
		Store:     store,
		Threshold: cfg.StallThreshold,
		Interval:  cfg.CheckInterval,
		BatchSize: cfg.BatchSize,
		OnStalled: onStalled,
	}
}

// StallDetector finds Running or Compensating sagas that have not been
// updated within the threshold.
type StallDetector struct {
	store     Store
	threshold time.Duration
	batchSize int
	onStalled StalledFunc
	logg      *logger.Logger
	now       func() time.Time
	loop      *worker.Loop
}

func NewStallDetector(params DetectorParams) (*StallDetector, error) {
	if params.Store == nil {
		return nil, errors.New("saga store required")
	}
	d := &StallDetector{
		store:     params.Store,
		threshold: params.Threshold,
		batchSize: params.BatchSize,
		onStalled: params.OnStalled,
		logg:      params.Logger,
		now:       params.Clock,
	}
	if d.threshold <= 0 {
		d.threshold = defaultThreshold
	}
	if d.batchSize <= 0 {
		d.batchSize = defaultBatchSize
	}
	if d.now == nil {
		d.now = time.Now
	}
	loop, err := worker.NewLoop(worker.Params{
		Name:     DetectorLoopName,
		Interval: params.Interval,
		Batch:    d.Check,
		Lock:     params.Lock,
		Logger:   params.Logger,
		Observer: params.Observer,
	})
	if err != nil {
		return nil, err
	}
	d.loop = loop
	return d, nil
}

// Detect returns the stalled sagas without invoking the callback.
func (d *StallDetector) Detect(ctx context.Context) ([]State, error) {
	stalled, err := d.store.GetStalled(ctx, d.now().Add(-d.threshold), d.batchSize)
	if err != nil {
		return nil, fmt.Errorf("get stalled sagas: %w", err)
	}
	return stalled, nil
}

// Run checks for stalled sagas until ctx is canceled.
func (d *StallDetector) Run(ctx context.Context) error {
	return d.loop.Run(ctx)
}

// Check hands each stalled saga to the callback. It never reports More
// since stalled sagas stay stalled until something updates them.
func (d *StallDetector) Check(ctx context.Context) (worker.Stats, error) {
	stalled, err := d.Detect(ctx)
	if err != nil {
		return worker.Stats{}, err
	}
	var stats worker.Stats
	for _, state := range stalled {
		sagaCtx := d.logg.WithFields(ctx, map[string]any{
			"saga_id":       state.ID,
			"saga_type":     state.Type,
			"status":        string(state.Status),
			"current_step":  state.CurrentStep,
			"last_updated":  state.LastUpdatedAt.UTC().Format(time.RFC3339),
			"stalled_for_s": int64(d.now().Sub(state.LastUpdatedAt).Seconds()),
		})
		if d.onStalled == nil {
			d.logg.Warn(sagaCtx, "saga stalled")
			stats.Processed++
			continue
		}
		if err := d.onStalled(sagaCtx, state); err != nil {
			d.logg.Error(sagaCtx, "stalled saga handler failed", err)
			stats.Failed++
			continue
		}
		stats.Processed++
	}
	return stats, nil
}
