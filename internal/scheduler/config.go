package scheduler

import (
	"time"

	"github.com/smallbiznis/slotbroker/internal/config"
)

// Config controls sweeper intervals and batch sizes.
type Config struct {
	RunInterval      time.Duration
	BatchSize        int
	MaxBatchesPerRun int
	JobTimeout       time.Duration
	EnabledJobs      []string
	LeaderLock       bool
	LeaderLockTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      2 * time.Minute,
		BatchSize:        100,
		MaxBatchesPerRun: 20,
		JobTimeout:       time.Minute,
		LeaderLock:       true,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxBatchesPerRun <= 0 {
		c.MaxBatchesPerRun = defaults.MaxBatchesPerRun
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	// the lock outlives a run that hits its timeout, never a whole tick
	if c.LeaderLockTTL <= 0 {
		c.LeaderLockTTL = c.RunInterval
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Sweeper.RunInterval,
		BatchSize:   cfg.Sweeper.BatchSize,
		JobTimeout:  cfg.Sweeper.JobTimeout,
		EnabledJobs: cfg.Sweeper.EnabledJobs,
		LeaderLock:  cfg.Sweeper.LeaderLock,
	}
}
