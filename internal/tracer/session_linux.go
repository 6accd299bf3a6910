//go:build linux
// +build linux

package tracer

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	wakelatbpf "github.com/yairfalse/wakelat/internal/tracer/bpf"
)

// ebpfSession drives the kernel side on Linux: collection load,
// ordered tracepoint/kprobe attachment, target-filter population and
// the perf event channel.
type ebpfSession struct {
	logger *zap.Logger
	pages  int

	coll    *ebpf.Collection
	links   []link.Link
	reader  *perf.Reader
	cpus    int
	release string

	closeOnce sync.Once
	closeErr  error
}

func newProbeSession(config *Config, logger *zap.Logger) (probeSession, error) {
	return &ebpfSession{
		logger:  logger,
		pages:   config.RingBufferPages,
		cpus:    runtime.NumCPU(),
		release: kernelRelease(),
	}, nil
}

func kernelRelease() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}

// Attach loads the probe collection and attaches all three programs in
// order: scheduler wakeup, scheduler switch, socket receive. Any
// failure tears down everything already attached; there is no partial
// instrumentation.
func (s *ebpfSession) Attach() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		s.logger.Warn("Failed to remove memlock limit", zap.Error(err))
	}

	coll, err := ebpf.NewCollection(wakelatbpf.NewCollectionSpec())
	if err != nil {
		return s.classify("loading probe collection", err)
	}
	s.coll = coll

	attach := []struct {
		name string
		do   func() (link.Link, error)
	}{
		{wakelatbpf.ProgSchedWakeup, func() (link.Link, error) {
			return link.Tracepoint("sched", "sched_wakeup", coll.Programs[wakelatbpf.ProgSchedWakeup], nil)
		}},
		{wakelatbpf.ProgSchedSwitch, func() (link.Link, error) {
			return link.Tracepoint("sched", "sched_switch", coll.Programs[wakelatbpf.ProgSchedSwitch], nil)
		}},
		{wakelatbpf.ProgTCPRecvmsg, func() (link.Link, error) {
			return link.Kprobe("tcp_recvmsg", coll.Programs[wakelatbpf.ProgTCPRecvmsg], nil)
		}},
	}
	for _, a := range attach {
		l, err := a.do()
		if err != nil {
			s.teardown()
			return s.classify("attaching "+a.name, err)
		}
		s.links = append(s.links, l)
	}

	reader, err := perf.NewReader(coll.Maps[wakelatbpf.MapEvents], s.pages*os.Getpagesize())
	if err != nil {
		s.teardown()
		return s.classify("opening event channel", err)
	}
	s.reader = reader
	return nil
}

// classify distinguishes permission problems from kernel-version
// incompatibility where the underlying errno allows it.
func (s *ebpfSession) classify(stage string, err error) error {
	switch {
	case errors.Is(err, os.ErrPermission), errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return fmt.Errorf("%s: %w: %v", stage, ErrInsufficientPrivileges, err)
	case errors.Is(err, ebpf.ErrNotSupported), errors.Is(err, unix.ENOENT):
		return fmt.Errorf("%s (kernel %s): %w: %v", stage, s.release, ErrKernelNotSupported, err)
	default:
		return fmt.Errorf("%s: %w", stage, err)
	}
}

func (s *ebpfSession) SetTarget(pid uint32) error {
	var sentinel uint32 = 1
	if err := s.coll.Maps[wakelatbpf.MapTargetPIDs].Put(pid, sentinel); err != nil {
		return fmt.Errorf("inserting pid %d into target filter: %w", pid, err)
	}
	return nil
}

func (s *ebpfSession) Read() (record, error) {
	rec, err := s.reader.Read()
	if err != nil {
		if errors.Is(err, perf.ErrClosed) {
			return record{}, errSessionClosed
		}
		return record{}, err
	}
	return record{cpu: rec.CPU, raw: rec.RawSample, lost: rec.LostSamples}, nil
}

// KernelDrops sums the per-CPU emit-failure counter maintained by the
// receive probe.
func (s *ebpfSession) KernelDrops() uint64 {
	if s.coll == nil {
		return 0
	}
	var perCPU []uint64
	if err := s.coll.Maps[wakelatbpf.MapDropCounts].Lookup(uint32(0), &perCPU); err != nil {
		s.logger.Warn("Failed to read kernel drop counter", zap.Error(err))
		return 0
	}
	var total uint64
	for _, v := range perCPU {
		total += v
	}
	return total
}

func (s *ebpfSession) CPUs() int {
	return s.cpus
}

func (s *ebpfSession) KernelRelease() string {
	return s.release
}

// Close is idempotent. The target filter is cleared before the
// collection goes away so the probes stop matching even if another
// reference briefly keeps the maps alive.
func (s *ebpfSession) Close() error {
	s.closeOnce.Do(func() {
		if s.reader != nil {
			s.closeErr = s.reader.Close()
		}
		s.clearTargets()
		s.teardown()
	})
	return s.closeErr
}

func (s *ebpfSession) clearTargets() {
	if s.coll == nil {
		return
	}
	m := s.coll.Maps[wakelatbpf.MapTargetPIDs]
	if m == nil {
		return
	}
	var (
		key  uint32
		val  uint32
		keys []uint32
	)
	iter := m.Iterate()
	for iter.Next(&key, &val) {
		keys = append(keys, key)
	}
	for _, k := range keys {
		if err := m.Delete(k); err != nil {
			s.logger.Warn("Failed to clear target filter entry",
				zap.Uint32("pid", k), zap.Error(err))
		}
	}
}

// teardown detaches links in reverse attach order and releases the
// collection.
func (s *ebpfSession) teardown() {
	for i := len(s.links) - 1; i >= 0; i-- {
		if s.links[i] != nil {
			s.links[i].Close()
		}
	}
	s.links = nil
	if s.coll != nil {
		s.coll.Close()
		s.coll = nil
	}
}
