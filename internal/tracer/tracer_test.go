package tracer

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/wakelat/pkg/domain"
)

// fakeSession replaces the kernel side with an in-memory record channel.
type fakeSession struct {
	attachErr error
	targetErr error

	mu     sync.Mutex
	target uint32

	records     chan record
	kernelDrops uint64
	cpus        int

	closeOnce  sync.Once
	closeCount int
}

func newFakeSession(cpus int) *fakeSession {
	return &fakeSession{
		records: make(chan record, 256),
		cpus:    cpus,
	}
}

func (f *fakeSession) Attach() error {
	return f.attachErr
}

func (f *fakeSession) SetTarget(pid uint32) error {
	if f.targetErr != nil {
		return f.targetErr
	}
	f.mu.Lock()
	f.target = pid
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Read() (record, error) {
	rec, ok := <-f.records
	if !ok {
		return record{}, errSessionClosed
	}
	return rec, nil
}

func (f *fakeSession) KernelDrops() uint64 { return f.kernelDrops }

func (f *fakeSession) CPUs() int { return f.cpus }

func (f *fakeSession) KernelRelease() string { return "6.1.0-test" }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closeCount++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.records) })
	return nil
}

func (f *fakeSession) emit(cpu int, pid uint32, t2, t3, t4 uint64) {
	raw := make([]byte, domain.EventSize)
	binary.LittleEndian.PutUint32(raw[domain.OffsetPID:], pid)
	binary.LittleEndian.PutUint64(raw[domain.OffsetSchedWakeup:], t2)
	binary.LittleEndian.PutUint64(raw[domain.OffsetSchedSwitch:], t3)
	binary.LittleEndian.PutUint64(raw[domain.OffsetTCPRecvmsg:], t4)
	f.records <- record{cpu: cpu, raw: raw}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.TargetPID = 42
	cfg.QueueDepth = 16
	cfg.MinSamples = 1
	return cfg
}

func newTestTracer(t *testing.T, session probeSession) *Tracer {
	t.Helper()
	tr, err := newWithSession(testConfig(), zaptest.NewLogger(t), session)
	require.NoError(t, err)
	return tr
}

func TestTracerLifecycle(t *testing.T) {
	session := newFakeSession(2)
	tr := newTestTracer(t, session)

	assert.Equal(t, StateUninitialized, tr.State())

	require.NoError(t, tr.Start(context.Background()))
	assert.Equal(t, StatePolling, tr.State())
	assert.Equal(t, uint32(42), session.target)

	session.emit(0, 42, 1000, 1500, 3000)
	session.emit(1, 42, 2000, 2200, 4000)

	require.NoError(t, tr.Stop())
	assert.Equal(t, StateDetached, tr.State())

	summary := tr.Summary()
	assert.Equal(t, uint32(42), summary.TargetPID)
	assert.Equal(t, uint64(2), summary.Samples)
	assert.Equal(t, "6.1.0-test", summary.KernelRelease)
	assert.False(t, summary.BelowMinimum)
}

func TestTracerStartTwice(t *testing.T) {
	tr := newTestTracer(t, newFakeSession(1))

	require.NoError(t, tr.Start(context.Background()))
	err := tr.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	require.NoError(t, tr.Stop())
}

func TestTracerStopIdempotent(t *testing.T) {
	session := newFakeSession(1)
	tr := newTestTracer(t, session)

	require.NoError(t, tr.Start(context.Background()))
	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())

	assert.Equal(t, StateDetached, tr.State())
	assert.Equal(t, 1, session.closeCount)
}

func TestTracerStopBeforeStart(t *testing.T) {
	tr := newTestTracer(t, newFakeSession(1))

	require.NoError(t, tr.Stop())
	assert.Equal(t, StateDetached, tr.State())
}

func TestTracerAttachFailure(t *testing.T) {
	session := newFakeSession(1)
	session.attachErr = ErrInsufficientPrivileges
	tr := newTestTracer(t, session)

	err := tr.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientPrivileges)
	assert.Equal(t, StateUninitialized, tr.State())
}

func TestTracerTargetFilterIsolation(t *testing.T) {
	session := newFakeSession(1)
	tr := newTestTracer(t, session)

	require.NoError(t, tr.Start(context.Background()))

	// Records for other pids must never contaminate the statistics,
	// even if the kernel filter somehow lets them through.
	session.emit(0, 999, 1000, 1500, 3000)
	session.emit(0, 1000, 1000, 1500, 3000)
	session.emit(0, 42, 1000, 1500, 3000)

	require.NoError(t, tr.Stop())

	summary := tr.Summary()
	assert.Equal(t, uint64(1), summary.Samples)
	assert.Equal(t, uint64(2), summary.ForeignEvents)
	// Foreign records are a filter-contract signal, not channel loss.
	assert.Equal(t, uint64(0), summary.Dropped)
	assert.Equal(t, uint64(500), summary.RunqueueDelay.P50)
	assert.Equal(t, uint64(2000), summary.KernelStackDelay.P50)
}

func TestTracerAnomalousAndImplausible(t *testing.T) {
	session := newFakeSession(1)
	tr := newTestTracer(t, session)

	require.NoError(t, tr.Start(context.Background()))

	session.emit(0, 42, 1000, 1500, 3000)               // accepted
	session.emit(0, 42, 5000, 100, 6000)                // non-monotonic
	session.emit(0, 42, 1000, 1500, 1000+20_000_000)    // 20ms, beyond cutoff
	session.emit(0, 42, 1000, 1000+15_000_000, 1000+16_000_000) // run-queue beyond cutoff

	require.NoError(t, tr.Stop())

	summary := tr.Summary()
	assert.Equal(t, uint64(1), summary.Samples)
	assert.Equal(t, uint64(1), summary.Anomalous)
	assert.Equal(t, uint64(2), summary.Implausible)
}

func TestTracerDecodeErrors(t *testing.T) {
	session := newFakeSession(1)
	tr := newTestTracer(t, session)

	require.NoError(t, tr.Start(context.Background()))

	session.records <- record{cpu: 0, raw: []byte{1, 2, 3}}
	session.emit(0, 42, 1000, 1500, 3000)

	require.NoError(t, tr.Stop())

	summary := tr.Summary()
	assert.Equal(t, uint64(1), summary.Samples)
	assert.Equal(t, uint64(1), summary.DecodeErrors)
}

func TestTracerRingOverwriteAccounting(t *testing.T) {
	session := newFakeSession(1)
	session.kernelDrops = 3
	tr := newTestTracer(t, session)

	require.NoError(t, tr.Start(context.Background()))

	// A lost-sample notification carries no payload.
	session.records <- record{cpu: 0, lost: 5}
	session.emit(0, 42, 1000, 1500, 3000)

	require.NoError(t, tr.Stop())

	summary := tr.Summary()
	assert.Equal(t, uint64(1), summary.Samples)
	// 5 overwritten in the ring plus 3 the probes failed to emit.
	assert.Equal(t, uint64(8), summary.Dropped)
}

func TestTracerBelowMinimumSamples(t *testing.T) {
	session := newFakeSession(1)
	cfg := testConfig()
	cfg.MinSamples = 100
	tr, err := newWithSession(cfg, zaptest.NewLogger(t), session)
	require.NoError(t, err)

	require.NoError(t, tr.Start(context.Background()))
	session.emit(0, 42, 1000, 1500, 3000)
	require.NoError(t, tr.Stop())

	summary := tr.Summary()
	assert.Equal(t, uint64(1), summary.Samples)
	assert.True(t, summary.BelowMinimum)
}

func TestTracerStopBounded(t *testing.T) {
	session := newFakeSession(4)
	tr := newTestTracer(t, session)

	require.NoError(t, tr.Start(context.Background()))
	for i := 0; i < 64; i++ {
		session.emit(i%4, 42, 1000, 1500, 3000)
	}

	done := make(chan error, 1)
	go func() { done <- tr.Stop() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not complete in time")
	}

	assert.Equal(t, uint64(64), tr.Summary().Samples)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "detached", StateDetached.String())
	assert.Equal(t, "unknown", State(99).String())
}
