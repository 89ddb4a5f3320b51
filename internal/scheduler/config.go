package scheduler

import (
	"time"

	"github.com/smallbiznis/smsgate/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled            bool
	RunInterval        time.Duration
	JobTimeout         time.Duration
	RecoveryBatchSize  int
	WebhookBatchSize   int
	ClosureGracePeriod time.Duration
	EnabledJobs        []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		RunInterval:        time.Minute,
		JobTimeout:         2 * time.Minute,
		RecoveryBatchSize:  200,
		WebhookBatchSize:   100,
		ClosureGracePeriod: 6 * time.Hour,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:            cfg.Scheduler.Enabled,
		RunInterval:        cfg.Scheduler.Interval,
		JobTimeout:         cfg.Scheduler.JobTimeout,
		RecoveryBatchSize:  cfg.Scheduler.RecoveryBatchSize,
		WebhookBatchSize:   cfg.Webhook.BatchSize,
		ClosureGracePeriod: cfg.Scheduler.ClosureGracePeriod,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = defaults.RecoveryBatchSize
	}
	if c.WebhookBatchSize <= 0 {
		c.WebhookBatchSize = defaults.WebhookBatchSize
	}
	if c.ClosureGracePeriod < 0 {
		c.ClosureGracePeriod = 0
	}
	return c
}
