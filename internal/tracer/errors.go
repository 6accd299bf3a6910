package tracer

import "errors"

// Error taxonomy. Attach and platform errors are fatal to the whole
// session; decode errors are recovered locally and counted.
var (
	// Lifecycle errors
	ErrAlreadyStarted    = errors.New("tracer already started")
	ErrNotStarted        = errors.New("tracer not started")
	ErrInvalidTransition = errors.New("invalid tracer state transition")

	// Attach errors
	ErrInsufficientPrivileges = errors.New("insufficient privileges (requires root or CAP_BPF+CAP_PERFMON)")
	ErrKernelNotSupported     = errors.New("kernel does not support the required probes")

	// Platform errors
	ErrUnsupportedPlatform = errors.New("this capability requires Linux kernel tracing support")

	// Internal: the event channel was torn down during shutdown
	errSessionClosed = errors.New("probe session closed")
)
