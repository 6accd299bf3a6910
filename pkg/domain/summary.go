package domain

import "time"

// DelayDistribution summarizes one latency metric over a trace session.
// All values are integer nanoseconds.
type DelayDistribution struct {
	P50  uint64 `json:"p50_ns"`
	P99  uint64 `json:"p99_ns"`
	Min  uint64 `json:"min_ns"`
	Max  uint64 `json:"max_ns"`
	Mean uint64 `json:"mean_ns"`
}

// TraceParameters carries CLI-supplied values that belong to downstream
// financial modeling. They are passed through untouched; the tracer does
// not interpret them.
type TraceParameters struct {
	VolumeUSD    float64 `json:"volume_usd,omitempty"`
	SlippageRate float64 `json:"slippage_rate,omitempty"`
}

// Summary is the sole handoff from the collector to external reporting.
// It describes the measured scheduler-induced delay distribution for a
// single target process over one trace session.
type Summary struct {
	TargetPID     uint32        `json:"target_pid"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration_ns"`
	KernelRelease string        `json:"kernel_release,omitempty"`

	Samples      uint64 `json:"samples"`
	Dropped      uint64 `json:"dropped"`
	Anomalous    uint64 `json:"anomalous"`
	Implausible  uint64 `json:"implausible"`
	DecodeErrors uint64 `json:"decode_errors"`

	// ForeignEvents counts records that reached user space for a pid
	// outside the target filter. Dropped stays a pure under-sampling
	// indicator; a non-zero value here means the kernel filter contract
	// was violated.
	ForeignEvents uint64 `json:"foreign_events,omitempty"`

	// BelowMinimum flags a session that ended before the configured
	// baseline sample count was reached; percentiles are still reported
	// but should be treated as indicative only.
	BelowMinimum bool `json:"below_minimum,omitempty"`

	RunqueueDelay    DelayDistribution `json:"runqueue_delay"`
	KernelStackDelay DelayDistribution `json:"kernel_stack_delay"`

	Parameters TraceParameters `json:"parameters,omitempty"`
}
