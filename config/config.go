// Package config loads runtime settings for the reliability processors from
// the environment. Every variable is prefixed with MEDIATOR_, for example
// MEDIATOR_OUTBOX_BATCH_SIZE.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "MEDIATOR"

type Config struct {
	Log       LogConfig
	DB        DBConfig
	Redis     RedisConfig
	Outbox    OutboxConfig
	Inbox     InboxConfig
	Saga      SagaConfig
	Scheduler SchedulerConfig
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.DB.Driver) {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported db driver %q", c.DB.Driver))
	}
	if c.Outbox.BatchSize <= 0 || c.Scheduler.BatchSize <= 0 || c.Saga.BatchSize <= 0 || c.Inbox.SweepBatch <= 0 {
		errs = append(errs, errors.New("batch sizes must be positive"))
	}
	if c.Outbox.MaxRetries <= 0 || c.Scheduler.MaxRetries <= 0 || c.Inbox.MaxRetries <= 0 {
		errs = append(errs, errors.New("max retries must be positive"))
	}
	if c.Outbox.BackoffMax < c.Outbox.BackoffBase || c.Scheduler.BackoffMax < c.Scheduler.BackoffBase {
		errs = append(errs, errors.New("backoff max must not be below backoff base"))
	}
	return errors.Join(errs...)
}

type LogConfig struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"mediator"`
	Level       string `envconfig:"LEVEL" default:"info"`
	Format      string `envconfig:"FORMAT" default:"json"`
	WarnStack   bool   `envconfig:"WARN_STACK" default:"false"`
}

type DBConfig struct {
	Driver          string        `envconfig:"DRIVER" default:"postgres"`
	DSN             string        `envconfig:"DSN"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"1h"`
}

type RedisConfig struct {
	// URL enables distributed loop locks when set.
	URL     string        `envconfig:"URL"`
	LockTTL time.Duration `envconfig:"LOCK_TTL" default:"1m"`
}

type OutboxConfig struct {
	BatchSize    int           `envconfig:"BATCH_SIZE" default:"50"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"500ms"`
	MaxRetries   int           `envconfig:"MAX_RETRIES" default:"10"`
	BackoffBase  time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffMax   time.Duration `envconfig:"BACKOFF_MAX" default:"5m"`
	// Retention is how long processed messages are kept. Zero keeps them.
	Retention time.Duration `envconfig:"RETENTION" default:"168h"`
}

type InboxConfig struct {
	MaxRetries    int           `envconfig:"MAX_RETRIES" default:"5"`
	Retention     time.Duration `envconfig:"RETENTION" default:"72h"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SweepBatch    int           `envconfig:"SWEEP_BATCH" default:"500"`
}

type SagaConfig struct {
	StallThreshold time.Duration `envconfig:"STALL_THRESHOLD" default:"1h"`
	CheckInterval  time.Duration `envconfig:"CHECK_INTERVAL" default:"1m"`
	BatchSize      int           `envconfig:"BATCH_SIZE" default:"100"`
}

type SchedulerConfig struct {
	BatchSize    int           `envconfig:"BATCH_SIZE" default:"50"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	MaxRetries   int           `envconfig:"MAX_RETRIES" default:"5"`
	BackoffBase  time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffMax   time.Duration `envconfig:"BACKOFF_MAX" default:"5m"`
}
