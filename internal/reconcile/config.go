package reconcile

import (
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
)

// Config controls the reconciliation sweep.
type Config struct {
	Enabled     bool
	Interval    time.Duration
	GracePeriod time.Duration
	AutoRetry   bool
	BatchSize   int
	RunTimeout  time.Duration
	RowTimeout  time.Duration
	LockKey     string
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Interval:    5 * time.Minute,
		GracePeriod: 15 * time.Minute,
		BatchSize:   50,
		RunTimeout:  2 * time.Minute,
		RowTimeout:  15 * time.Second,
		LockKey:     "creditledger:reconcile:sweep",
	}
}

func FromAppConfig(cfg config.Config) Config {
	c := DefaultConfig()
	c.Enabled = cfg.Reconcile.Enabled
	c.Interval = cfg.Reconcile.Interval
	c.GracePeriod = cfg.Reconcile.GracePeriod
	c.AutoRetry = cfg.Reconcile.AutoRetry
	c.BatchSize = cfg.Reconcile.BatchSize
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaults.GracePeriod
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.RowTimeout <= 0 {
		c.RowTimeout = defaults.RowTimeout
	}
	if c.LockKey == "" {
		c.LockKey = defaults.LockKey
	}
	return c
}
