package scheduler

import (
	"time"

	"github.com/smallbiznis/billforge/internal/config"
)

// Config controls the cron trigger and job run bookkeeping.
type Config struct {
	Enabled    bool
	Cron       string
	StaleAfter time.Duration
	JobTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Cron:       "@every 5m",
		StaleAfter: 30 * time.Minute,
		JobTimeout: 10 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:    cfg.Scheduler.Enabled,
		Cron:       cfg.Scheduler.Cron,
		StaleAfter: cfg.Scheduler.StaleAfter,
		JobTimeout: cfg.Scheduler.JobTimeout,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Cron == "" {
		c.Cron = defaults.Cron
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaults.StaleAfter
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
