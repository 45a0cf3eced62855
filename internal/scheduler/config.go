package scheduler

import (
	"time"

	"github.com/smallbiznis/netcafe/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval   time.Duration
	BatchSize     int
	JobTimeout    time.Duration
	LeaderLockTTL time.Duration
	// ReconcileEvery runs reconcile_balances on every nth loop only.
	ReconcileEvery int
	DisabledJobs   []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    5 * time.Second,
		BatchSize:      100,
		JobTimeout:     4 * time.Second,
		LeaderLockTTL:  30 * time.Second,
		ReconcileEvery: 60,
	}
}

func ProvideConfig(cfg config.Config) Config {
	sc := cfg.Scheduler
	interval := sc.RunInterval
	if interval <= 0 {
		interval = cfg.Heartbeat.SweepInterval
	}
	return Config{
		RunInterval:    interval,
		BatchSize:      sc.BatchSize,
		LeaderLockTTL:  sc.LeaderLockTTL,
		ReconcileEvery: sc.ReconcileEveryNthRun,
		DisabledJobs:   sc.DisabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = c.RunInterval * 4 / 5
	}
	if c.LeaderLockTTL <= 0 {
		c.LeaderLockTTL = defaults.LeaderLockTTL
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = defaults.ReconcileEvery
	}
	return c
}
