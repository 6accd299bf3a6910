//go:build !linux
// +build !linux

package tracer

import (
	"runtime"

	"go.uber.org/zap"
)

// stubSession reports the platform error on non-Linux hosts. The tracer
// constructs fine so the CLI can render a clear diagnostic, but Attach
// always fails: there is no degraded mode without kernel tracing.
type stubSession struct {
	logger *zap.Logger
}

func newProbeSession(config *Config, logger *zap.Logger) (probeSession, error) {
	return &stubSession{logger: logger}, nil
}

func (s *stubSession) Attach() error {
	s.logger.Warn("Kernel latency tracing is only supported on Linux")
	return ErrUnsupportedPlatform
}

func (s *stubSession) SetTarget(pid uint32) error {
	return ErrUnsupportedPlatform
}

func (s *stubSession) Read() (record, error) {
	return record{}, errSessionClosed
}

func (s *stubSession) KernelDrops() uint64 { return 0 }

func (s *stubSession) CPUs() int { return runtime.NumCPU() }

func (s *stubSession) KernelRelease() string { return runtime.GOOS }

func (s *stubSession) Close() error { return nil }
