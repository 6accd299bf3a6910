package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/wakelat/pkg/domain"
)

// State tracks the tracer lifecycle. All transitions are one-way;
// ShuttingDown is entered only on external cancellation.
type State int32

const (
	StateUninitialized State = iota
	StateAttached
	StateTargetConfigured
	StatePolling
	StateShuttingDown
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAttached:
		return "attached"
	case StateTargetConfigured:
		return "target_configured"
	case StatePolling:
		return "polling"
	case StateShuttingDown:
		return "shutting_down"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// record is one raw sample delivered by the kernel event channel.
type record struct {
	cpu  int
	raw  []byte
	lost uint64 // samples the kernel overwrote before we drained this ring
}

// probeSession abstracts the kernel side of the tracer: program load
// and all-or-nothing attach, target-filter population, the per-CPU
// event channel, and teardown. The Linux implementation is backed by
// eBPF; tests inject fakes.
type probeSession interface {
	// Attach loads and attaches every probe, or fails fatally leaving
	// nothing attached. Partial instrumentation silently produces
	// misleading latency breakdowns, so there is no degraded mode.
	Attach() error

	// SetTarget inserts pid into the kernel target filter.
	SetTarget(pid uint32) error

	// Read blocks for the next record. Returns errSessionClosed after
	// Close.
	Read() (record, error)

	// KernelDrops reports events the probes failed to emit because a
	// per-CPU ring was full. Read once at shutdown.
	KernelDrops() uint64

	// CPUs is the number of online CPUs observed at attach time.
	CPUs() int

	// KernelRelease identifies the running kernel for diagnostics.
	KernelRelease() string

	Close() error
}

// Tracer loads the kernel probe set, filters for a single target
// process and aggregates its scheduler wake-to-read latency.
type Tracer struct {
	config *Config
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	session probeSession
	demux   *demux
	agg     *aggregator

	startedAt  time.Time
	finishedAt time.Time

	readerDone    chan struct{}
	workers       *errgroup.Group
	cancelWorkers context.CancelFunc
	stopOnce      sync.Once
	stopErr       error

	decodeErrors atomic.Uint64
	foreign      atomic.Uint64 // events for a pid outside the target filter
	perfLost     atomic.Uint64

	// OTEL instrumentation
	tracer           trace.Tracer
	eventsProcessed  metric.Int64Counter
	eventsDropped    metric.Int64Counter
	anomalousSamples metric.Int64Counter
	runqueueHist     metric.Float64Histogram
	kernelStackHist  metric.Float64Histogram
}

// New creates a tracer bound to the platform probe session.
func New(config *Config, logger *zap.Logger) (*Tracer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	session, err := newProbeSession(config, logger)
	if err != nil {
		return nil, err
	}
	return newWithSession(config, logger, session)
}

// newWithSession wires a tracer to an explicit session; tests use it to
// inject fakes.
func newWithSession(config *Config, logger *zap.Logger, session probeSession) (*Tracer, error) {
	tracer := otel.Tracer("wakelat")
	meter := otel.Meter("wakelat")

	eventsProcessed, err := meter.Int64Counter(
		"wakelat_events_processed_total",
		metric.WithDescription("Total latency events decoded and classified"),
	)
	if err != nil {
		logger.Warn("Failed to create events counter", zap.Error(err))
	}

	eventsDropped, err := meter.Int64Counter(
		"wakelat_events_dropped_total",
		metric.WithDescription("Total events lost in kernel rings or user-space queues"),
	)
	if err != nil {
		logger.Warn("Failed to create dropped events counter", zap.Error(err))
	}

	anomalousSamples, err := meter.Int64Counter(
		"wakelat_anomalous_samples_total",
		metric.WithDescription("Samples excluded for non-monotonic timestamps"),
	)
	if err != nil {
		logger.Warn("Failed to create anomalous samples counter", zap.Error(err))
	}

	runqueueHist, err := meter.Float64Histogram(
		"wakelat_runqueue_delay_seconds",
		metric.WithDescription("Run-queue delay distribution (wakeup to switch)"),
	)
	if err != nil {
		logger.Warn("Failed to create run-queue delay histogram", zap.Error(err))
	}

	kernelStackHist, err := meter.Float64Histogram(
		"wakelat_kernel_stack_delay_seconds",
		metric.WithDescription("Kernel stack delay distribution (wakeup to recvmsg)"),
	)
	if err != nil {
		logger.Warn("Failed to create kernel stack delay histogram", zap.Error(err))
	}

	return &Tracer{
		config:           config,
		logger:           logger,
		state:            StateUninitialized,
		session:          session,
		agg:              newAggregator(),
		readerDone:       make(chan struct{}),
		tracer:           tracer,
		eventsProcessed:  eventsProcessed,
		eventsDropped:    eventsDropped,
		anomalousSamples: anomalousSamples,
		runqueueHist:     runqueueHist,
		kernelStackHist:  kernelStackHist,
	}, nil
}

// State returns the current lifecycle state.
func (t *Tracer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracer) transition(from, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return fmt.Errorf("%w: %s -> %s (currently %s)", ErrInvalidTransition, from, to, t.state)
	}
	t.state = to
	return nil
}

// Start attaches the probe set, configures the target filter and begins
// polling. Attachment is all-or-nothing: any failure aborts the whole
// session with a diagnostic naming the failed stage.
func (t *Tracer) Start(ctx context.Context) error {
	ctx, span := t.tracer.Start(ctx, "tracer.start")
	defer span.End()
	span.SetAttributes(attribute.Int("target_pid", int(t.config.TargetPID)))

	t.mu.Lock()
	if t.state != StateUninitialized {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.mu.Unlock()

	t.logger.Info("Attaching kernel probes",
		zap.Uint32("target_pid", t.config.TargetPID))

	if err := t.session.Attach(); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	if err := t.transition(StateUninitialized, StateAttached); err != nil {
		t.session.Close()
		return err
	}

	// Populate the filter before polling begins. Events firing before
	// this point are not captured; a known limitation, not a defect.
	if err := t.session.SetTarget(t.config.TargetPID); err != nil {
		t.session.Close()
		return fmt.Errorf("configure target: %w", err)
	}
	if err := t.transition(StateAttached, StateTargetConfigured); err != nil {
		t.session.Close()
		return err
	}

	cpus := t.session.CPUs()
	t.demux = newDemux(cpus, t.config.QueueDepth)
	t.startedAt = time.Now()

	workerCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(workerCtx)
	t.workers = group
	t.cancelWorkers = cancel
	t.stopErr = nil

	go t.readLoop()
	for _, q := range t.demux.queues {
		q := q
		group.Go(func() error {
			return t.drainQueue(groupCtx, q)
		})
	}

	if err := t.transition(StateTargetConfigured, StatePolling); err != nil {
		return err
	}

	t.logger.Info("Kernel probes attached, polling per-CPU event channel",
		zap.Int("cpus", cpus),
		zap.String("kernel", t.session.KernelRelease()))
	return nil
}

// readLoop drains the kernel event channel and demultiplexes records to
// their per-CPU queues. The blocking read is the only suspension point;
// it is unblocked by closing the session.
func (t *Tracer) readLoop() {
	defer close(t.readerDone)
	for {
		rec, err := t.session.Read()
		if err != nil {
			if errors.Is(err, errSessionClosed) {
				return
			}
			t.logger.Warn("Failed to read from event channel", zap.Error(err))
			continue
		}
		if rec.lost > 0 {
			t.perfLost.Add(rec.lost)
			if t.eventsDropped != nil {
				t.eventsDropped.Add(context.Background(), int64(rec.lost),
					metric.WithAttributes(attribute.String("reason", "ring_overwrite")))
			}
		}
		if len(rec.raw) == 0 {
			continue
		}
		if !t.demux.dispatch(rec.cpu, rec.raw) {
			if t.eventsDropped != nil {
				t.eventsDropped.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("reason", "queue_full")))
			}
		}
	}
}

// flushEvery bounds how many accepted samples a worker accumulates
// before folding them into the shared aggregator.
const flushEvery = 64

// drainQueue decodes and aggregates one CPU's records. Samples are
// accumulated locally and merged under the aggregator lock only, so the
// lock is never held around the blocking read path.
func (t *Tracer) drainQueue(ctx context.Context, q *cpuQueue) error {
	local := newBatch(uint64(t.config.MaxPlausibleDelay.Nanoseconds()))
	defer t.agg.merge(local)

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-q.records:
			if !ok {
				return nil
			}
			t.observeRaw(ctx, local, raw)
			if local.size() >= flushEvery {
				t.agg.merge(local)
			}
		}
	}
}

func (t *Tracer) observeRaw(ctx context.Context, local *batch, raw []byte) {
	ev, err := domain.DecodeLatencyEvent(raw)
	if err != nil {
		// Malformed record: skip and count, never fatal.
		t.decodeErrors.Add(1)
		if t.eventsDropped != nil {
			t.eventsDropped.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", "decode")))
		}
		return
	}

	// The kernel filter guarantees isolation; a mismatch here means the
	// filter contract was violated, so the record must not contaminate
	// the statistics.
	if ev.PID != t.config.TargetPID {
		t.foreign.Add(1)
		return
	}

	outcome := local.observe(&ev)
	switch outcome {
	case sampleAccepted:
		if t.eventsProcessed != nil {
			t.eventsProcessed.Add(ctx, 1,
				metric.WithAttributes(attribute.String("outcome", "accepted")))
		}
		rq := ev.RunqueueDelay()
		if t.runqueueHist != nil {
			t.runqueueHist.Record(ctx, float64(rq)/1e9)
		}
		if t.kernelStackHist != nil {
			t.kernelStackHist.Record(ctx, float64(ev.KernelStackDelay())/1e9)
		}
		if t.config.WarnDelay > 0 && rq > uint64(t.config.WarnDelay.Nanoseconds()) {
			t.logger.Debug("Extreme run-queue wait",
				zap.Uint32("pid", ev.PID),
				zap.Uint64("wakeup_ns", ev.T2SchedWakeup),
				zap.Uint64("switch_ns", ev.T3SchedSwitch),
				zap.Uint64("runqueue_wait_us", rq/1000))
		}
	case sampleAnomalous:
		if t.anomalousSamples != nil {
			t.anomalousSamples.Add(ctx, 1)
		}
	case sampleImplausible:
		if t.eventsProcessed != nil {
			t.eventsProcessed.Add(ctx, 1,
				metric.WithAttributes(attribute.String("outcome", "implausible")))
		}
	}
}

// Stop detaches the probes and stops polling. Idempotent; events still
// queued in kernel rings at shutdown are dropped.
func (t *Tracer) Stop() error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		started := t.state == StatePolling
		if started {
			t.state = StateShuttingDown
		}
		t.mu.Unlock()

		if !started {
			// Never reached polling; nothing to wind down beyond the
			// session itself.
			t.session.Close()
			t.mu.Lock()
			t.state = StateDetached
			t.mu.Unlock()
			return
		}

		t.logger.Info("Detaching probes and shutting down")

		// Fold in kernel-side emit failures before the maps go away.
		t.perfLost.Add(t.session.KernelDrops())

		// Closing the session unblocks the reader; queues close after
		// the reader has stopped dispatching, then workers drain what
		// remains and exit.
		t.stopErr = t.session.Close()
		<-t.readerDone
		t.demux.closeAll()
		if err := t.workers.Wait(); err != nil && t.stopErr == nil {
			t.stopErr = err
		}
		t.cancelWorkers()

		t.finishedAt = time.Now()
		t.mu.Lock()
		t.state = StateDetached
		t.mu.Unlock()

		t.logger.Info("Tracer detached",
			zap.Uint64("dropped", t.droppedTotal()),
			zap.Uint64("decode_errors", t.decodeErrors.Load()))
	})
	return t.stopErr
}

// droppedTotal is pure event-channel loss: ring overwrites, kernel emit
// failures and queue overflows. Foreign records are reported separately.
func (t *Tracer) droppedTotal() uint64 {
	total := t.perfLost.Load()
	if t.demux != nil {
		total += t.demux.droppedTotal()
	}
	return total
}

// Summary exposes the aggregated result as the sole handoff to external
// reporting.
func (t *Tracer) Summary() domain.Summary {
	snap := t.agg.snapshot()

	end := t.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	var duration time.Duration
	if !t.startedAt.IsZero() {
		duration = end.Sub(t.startedAt)
	}

	return domain.Summary{
		TargetPID:        t.config.TargetPID,
		StartedAt:        t.startedAt,
		Duration:         duration,
		KernelRelease:    t.session.KernelRelease(),
		Samples:          snap.samples(),
		Dropped:          t.droppedTotal(),
		Anomalous:        snap.anomalous,
		Implausible:      snap.implausible,
		DecodeErrors:     t.decodeErrors.Load(),
		ForeignEvents:    t.foreign.Load(),
		BelowMinimum:     snap.samples() < uint64(t.config.MinSamples),
		RunqueueDelay:    distribution(snap.runqueue),
		KernelStackDelay: distribution(snap.kernelStack),
	}
}
