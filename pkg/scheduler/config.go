package scheduler

import "time"

// Config tunes the durable scheduler. MaxRetries is the retry budget of jobs scheduled without
// one; zero disables retries.
type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	Concurrency      int
	JobTimeout       time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	StuckThreshold   time.Duration
	OverdueThreshold time.Duration
	// SweepSpec is the cron spec of the stuck-job maintenance sweep. Empty disables it.
	SweepSpec string
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     30 * time.Second,
		BatchSize:        50,
		Concurrency:      10,
		JobTimeout:       60 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     5 * time.Minute,
		StuckThreshold:   10 * time.Minute,
		OverdueThreshold: 10 * time.Minute,
		SweepSpec:        "@every 5m",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}

	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}

	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}

	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}

	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}

	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}

	if c.StuckThreshold <= 0 {
		c.StuckThreshold = d.StuckThreshold
	}

	if c.OverdueThreshold <= 0 {
		c.OverdueThreshold = d.OverdueThreshold
	}

	return c
}
