// Command mediatorctl operates the reliability tables: it applies
// migrations, inspects and repairs dead letters, and runs the housekeeping
// loops that need no application handlers (inbox expiry and saga stall
// detection).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/bjaus/mediator/config"
	"github.com/bjaus/mediator/inbox"
	"github.com/bjaus/mediator/logger"
	"github.com/bjaus/mediator/metrics"
	"github.com/bjaus/mediator/saga"
	"github.com/bjaus/mediator/store/gormstore"
	"github.com/bjaus/mediator/worker"
)

const usage = `usage: mediatorctl <command> [flags]

commands:
  migrate <up|down|status|version|redo|reset>
  outbox dead [-limit n]
  outbox requeue <id>
  outbox purge [-older-than d]
  schedule dead [-limit n]
  schedule cancel <id>
  saga stalled [-threshold d] [-limit n]
  inbox sweep
  housekeep [-metrics-addr addr]
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	cfg  *config.Config
	logg *logger.Logger
	db   *gorm.DB
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logg := logger.New(logger.Options{
		ServiceName: cfg.Log.ServiceName,
		Level:       logger.ParseLevel(cfg.Log.Level),
		Format:      cfg.Log.Format,
		WarnStack:   cfg.Log.WarnStack,
	})
	ctx = logg.WithField(ctx, "command", args[0])

	db, err := gormstore.Open(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	a := &app{cfg: cfg, logg: logg, db: db}
	switch args[0] {
	case "migrate":
		return a.migrate(ctx, args[1:])
	case "outbox":
		return a.outbox(ctx, args[1:])
	case "schedule":
		return a.schedule(ctx, args[1:])
	case "saga":
		return a.saga(ctx, args[1:])
	case "inbox":
		return a.inbox(ctx, args[1:])
	case "housekeep":
		return a.housekeep(ctx, args[1:])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (a *app) migrate(ctx context.Context, args []string) error {
	command := "up"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}
	a.logg.Info(a.logg.WithField(ctx, "migration", command), "running migrations")
	if err := gormstore.Migrate(ctx, a.db, command, args...); err != nil {
		return err
	}
	a.logg.Info(ctx, "migrations completed")
	return nil
}

func (a *app) outbox(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("outbox: expected dead, requeue or purge")
	}
	store := gormstore.NewOutboxStore(a.db)

	switch args[0] {
	case "dead":
		fs := flag.NewFlagSet("outbox dead", flag.ContinueOnError)
		limit := fs.Int("limit", 100, "maximum rows to list")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		msgs, err := store.GetDeadLettered(ctx, a.cfg.Outbox.MaxRetries, *limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tCREATED\tRETRIES\tERROR")
		for _, m := range msgs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", m.ID, m.Type, m.CreatedAt.Format(time.RFC3339), m.RetryCount, deref(m.Error))
		}
		return w.Flush()

	case "requeue":
		if len(args) < 2 {
			return errors.New("outbox requeue: message id required")
		}
		if err := store.Requeue(ctx, args[1]); err != nil {
			return err
		}
		a.logg.Info(a.logg.WithField(ctx, "message_id", args[1]), "outbox message requeued")
		return nil

	case "purge":
		fs := flag.NewFlagSet("outbox purge", flag.ContinueOnError)
		olderThan := fs.Duration("older-than", a.cfg.Outbox.Retention, "purge messages processed before now minus this")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *olderThan <= 0 {
			return errors.New("outbox purge: -older-than must be positive")
		}
		n, err := store.PurgeProcessed(ctx, time.Now().Add(-*olderThan))
		if err != nil {
			return err
		}
		a.logg.Info(a.logg.WithField(ctx, "purged", n), "processed outbox messages purged")
		return nil
	}
	return fmt.Errorf("outbox: unknown subcommand %q", args[0])
}

func (a *app) schedule(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("schedule: expected dead or cancel")
	}
	store := gormstore.NewScheduleStore(a.db)

	switch args[0] {
	case "dead":
		fs := flag.NewFlagSet("schedule dead", flag.ContinueOnError)
		limit := fs.Int("limit", 100, "maximum rows to list")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		msgs, err := store.GetDeadLettered(ctx, a.cfg.Scheduler.MaxRetries, *limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSCHEDULED\tRETRIES\tCRON\tERROR")
		for _, m := range msgs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", m.ID, m.Type, m.ScheduledAt.Format(time.RFC3339), m.RetryCount, m.CronExpression, deref(m.Error))
		}
		return w.Flush()

	case "cancel":
		if len(args) < 2 {
			return errors.New("schedule cancel: message id required")
		}
		if err := store.Cancel(ctx, args[1]); err != nil {
			return err
		}
		a.logg.Info(a.logg.WithField(ctx, "message_id", args[1]), "scheduled message canceled")
		return nil
	}
	return fmt.Errorf("schedule: unknown subcommand %q", args[0])
}

func (a *app) saga(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "stalled" {
		return errors.New("saga: expected stalled")
	}
	fs := flag.NewFlagSet("saga stalled", flag.ContinueOnError)
	threshold := fs.Duration("threshold", a.cfg.Saga.StallThreshold, "inactivity before a saga counts as stalled")
	limit := fs.Int("limit", a.cfg.Saga.BatchSize, "maximum rows to list")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	detector, err := saga.NewStallDetector(saga.DetectorParams{
		Store:     gormstore.NewSagaStore(a.db),
		Threshold: *threshold,
		BatchSize: *limit,
		Logger:    a.logg,
	})
	if err != nil {
		return err
	}
	stalled, err := detector.Detect(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tSTEP\tLAST UPDATED")
	for _, s := range stalled {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Type, s.Status, s.CurrentStep, s.LastUpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func (a *app) inbox(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "sweep" {
		return errors.New("inbox: expected sweep")
	}
	params := inbox.SweeperParamsFromConfig(gormstore.NewInboxStore(a.db), a.cfg.Inbox)
	params.Logger = a.logg
	sweeper, err := inbox.NewSweeper(params)
	if err != nil {
		return err
	}

	var total int
	for {
		stats, err := sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		total += stats.Processed
		if !stats.More {
			break
		}
	}
	a.logg.Info(a.logg.WithField(ctx, "removed", total), "inbox sweep finished")
	return nil
}

// housekeep runs the inbox sweeper and saga stall detector until the
// process is signaled. Stalled sagas are logged at warn level. Outbox and scheduler processors need the
// application's handlers and run inside the application instead.
func (a *app) housekeep(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("housekeep", flag.ContinueOnError)
	metricsAddr := fs.String("metrics-addr", ":9090", "address serving /metrics, empty to disable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	var rdb *redis.Client
	if a.cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("pinging redis: %w", err)
		}
	}
	lockFor := func(name string) (worker.Lock, error) {
		if rdb == nil {
			return nil, nil
		}
		return worker.NewRedisLock(rdb, "mediator:lock:"+name, a.cfg.Redis.LockTTL)
	}

	sweepParams := inbox.SweeperParamsFromConfig(gormstore.NewInboxStore(a.db), a.cfg.Inbox)
	sweepParams.Logger = a.logg
	sweepParams.Observer = met
	sweepLock, err := lockFor(inbox.SweeperLoopName)
	if err != nil {
		return err
	}
	sweepParams.Lock = sweepLock
	sweeper, err := inbox.NewSweeper(sweepParams)
	if err != nil {
		return err
	}

	detectParams := saga.DetectorParamsFromConfig(gormstore.NewSagaStore(a.db), nil, a.cfg.Saga)
	detectParams.Logger = a.logg
	detectParams.Observer = met
	detectLock, err := lockFor(saga.DetectorLoopName)
	if err != nil {
		return err
	}
	detectParams.Lock = detectLock
	detector, err := saga.NewStallDetector(detectParams)
	if err != nil {
		return err
	}

	runners := []worker.Runner{sweeper, detector}
	if *metricsAddr != "" {
		runners = append(runners, metricsServer(*metricsAddr, reg))
	}

	a.logg.Info(ctx, "housekeeping started")
	err = worker.RunAll(ctx, runners...)
	a.logg.Info(ctx, "housekeeping stopped")
	return err
}

type httpRunner struct {
	srv *http.Server
}

func metricsServer(addr string, reg *prometheus.Registry) httpRunner {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return httpRunner{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

func (r httpRunner) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- r.srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
