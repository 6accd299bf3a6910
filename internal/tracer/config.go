package tracer

import (
	"errors"
	"time"
)

// Config holds tracer configuration.
type Config struct {
	// TargetPID is the single process whose wake-to-read latency is
	// measured. Inserted into the kernel target filter before polling
	// begins.
	TargetPID uint32

	// RingBufferPages sizes each per-CPU perf ring in pages.
	RingBufferPages int

	// QueueDepth bounds each per-CPU user-space queue. A full queue
	// drops new records rather than blocking the reader.
	QueueDepth int

	// MaxPlausibleDelay classifies larger deltas as missed correlations
	// instead of real kernel latency and excludes them from statistics.
	MaxPlausibleDelay time.Duration

	// WarnDelay triggers a debug log line for individual extreme
	// run-queue waits.
	WarnDelay time.Duration

	// MinSamples is the baseline sample count; sessions that end below
	// it are flagged in the summary.
	MinSamples int
}

// DefaultConfig returns default configuration. The target pid has no
// sensible default and must be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		RingBufferPages:   64,
		QueueDepth:        1024,
		MaxPlausibleDelay: 10 * time.Millisecond,
		WarnDelay:         time.Millisecond,
		MinSamples:        100,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.TargetPID == 0 {
		return errors.New("target_pid must be set")
	}
	if c.RingBufferPages <= 0 {
		return errors.New("ring_buffer_pages must be positive")
	}
	if c.QueueDepth <= 0 {
		return errors.New("queue_depth must be positive")
	}
	if c.MaxPlausibleDelay <= 0 {
		return errors.New("max_plausible_delay must be positive")
	}
	if c.MinSamples < 0 {
		return errors.New("min_samples must not be negative")
	}
	return nil
}
