package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bjaus/mediator/config"
	"github.com/bjaus/mediator/logger"
	"github.com/bjaus/mediator/worker"
)

// SweeperLoopName identifies the sweeper in logs, locks and metrics.
const SweeperLoopName = "inbox-sweeper"

// SweeperParams configure a Sweeper.
type SweeperParams struct {
	Store     Store
	Interval  time.Duration
	BatchSize int
	Lock      worker.Lock
	Logger    *logger.Logger
	Observer  worker.Observer
}

// SweeperParamsFromConfig fills the interval and batch size from cfg.
func SweeperParamsFromConfig(store Store, cfg config.InboxConfig) SweeperParams {
	return SweeperParams{
		Store:     store,
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatch,
	}
}

// Sweeper deletes expired inbox records.
type Sweeper struct {
	store     Store
	batchSize int
	logg      *logger.Logger
	loop      *worker.Loop
}

// NewSweeper builds a Sweeper.
func NewSweeper(params SweeperParams) (*Sweeper, error) {
	if params.Store == nil {
		return nil, errors.New("inbox store required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = 500
	}
	s := &Sweeper{
		store:     params.Store,
		batchSize: batch,
		logg:      params.Logger,
	}
	loop, err := worker.NewLoop(worker.Params{
		Name:     SweeperLoopName,
		Interval: params.Interval,
		Batch:    s.Sweep,
		Lock:     params.Lock,
		Logger:   params.Logger,
		Observer: params.Observer,
	})
	if err != nil {
		return nil, err
	}
	s.loop = loop
	return s, nil
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	return s.loop.Run(ctx)
}

// Sweep removes one batch of expired records.
func (s *Sweeper) Sweep(ctx context.Context) (worker.Stats, error) {
	expired, err := s.store.GetExpired(ctx, s.batchSize)
	if err != nil {
		return worker.Stats{}, fmt.Errorf("get expired inbox messages: %w", err)
	}
	if len(expired) == 0 {
		return worker.Stats{}, nil
	}
	ids := make([]string, len(expired))
	for i, msg := range expired {
		ids[i] = msg.MessageID
	}
	if err := s.store.RemoveExpired(ctx, ids); err != nil {
		return worker.Stats{}, fmt.Errorf("remove expired inbox messages: %w", err)
	}
	if err := s.store.SaveChanges(ctx); err != nil {
		return worker.Stats{}, fmt.Errorf("save inbox changes: %w", err)
	}
	return worker.Stats{Processed: len(ids), More: len(ids) == s.batchSize}, nil
}
