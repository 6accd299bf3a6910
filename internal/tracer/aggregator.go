package tracer

import (
	"math"
	"sort"
	"sync"

	"github.com/yairfalse/wakelat/pkg/domain"
)

// sampleOutcome classifies a decoded event against the aggregation
// policy.
type sampleOutcome int

const (
	sampleAccepted sampleOutcome = iota
	// sampleAnomalous: non-monotonic timestamps, a stale correlation
	// entry completed by a later wake cycle.
	sampleAnomalous
	// sampleImplausible: monotonic but above MaxPlausibleDelay, treated
	// as a missed correlation rather than real kernel latency.
	sampleImplausible
)

// batch accumulates samples locally in one polling worker so the shared
// aggregator lock is only taken for the merge, never on the hot path.
type batch struct {
	maxPlausible uint64

	runqueue    []uint64
	kernelStack []uint64
	anomalous   uint64
	implausible uint64
}

func newBatch(maxPlausible uint64) *batch {
	return &batch{maxPlausible: maxPlausible}
}

// observe classifies one complete event and, if accepted, retains its
// two delay samples.
func (b *batch) observe(ev *domain.LatencyEvent) sampleOutcome {
	if !ev.Monotonic() {
		b.anomalous++
		return sampleAnomalous
	}
	rq := ev.RunqueueDelay()
	ks := ev.KernelStackDelay()
	if rq >= b.maxPlausible || ks >= b.maxPlausible {
		b.implausible++
		return sampleImplausible
	}
	b.runqueue = append(b.runqueue, rq)
	b.kernelStack = append(b.kernelStack, ks)
	return sampleAccepted
}

func (b *batch) size() int {
	return len(b.runqueue)
}

func (b *batch) reset() {
	b.runqueue = b.runqueue[:0]
	b.kernelStack = b.kernelStack[:0]
	b.anomalous = 0
	b.implausible = 0
}

// aggregator owns the merged delay samples for the session. Merges are
// serialized behind the mutex; reads take a snapshot.
type aggregator struct {
	mu sync.Mutex

	runqueue    []uint64
	kernelStack []uint64
	anomalous   uint64
	implausible uint64
}

func newAggregator() *aggregator {
	return &aggregator{}
}

// merge folds a worker-local batch into the shared state.
func (a *aggregator) merge(b *batch) {
	a.mu.Lock()
	a.runqueue = append(a.runqueue, b.runqueue...)
	a.kernelStack = append(a.kernelStack, b.kernelStack...)
	a.anomalous += b.anomalous
	a.implausible += b.implausible
	a.mu.Unlock()
	b.reset()
}

// aggregatorSnapshot is an immutable view of the aggregated state.
type aggregatorSnapshot struct {
	runqueue    []uint64 // sorted ascending
	kernelStack []uint64 // sorted ascending
	anomalous   uint64
	implausible uint64
}

func (a *aggregator) snapshot() aggregatorSnapshot {
	a.mu.Lock()
	snap := aggregatorSnapshot{
		runqueue:    append([]uint64(nil), a.runqueue...),
		kernelStack: append([]uint64(nil), a.kernelStack...),
		anomalous:   a.anomalous,
		implausible: a.implausible,
	}
	a.mu.Unlock()
	sort.Slice(snap.runqueue, func(i, j int) bool { return snap.runqueue[i] < snap.runqueue[j] })
	sort.Slice(snap.kernelStack, func(i, j int) bool { return snap.kernelStack[i] < snap.kernelStack[j] })
	return snap
}

func (s aggregatorSnapshot) samples() uint64 {
	return uint64(len(s.runqueue))
}

// percentile implements the nearest-rank definition with linear
// indexing: the value at rank ceil(q/100 * N), 1-based. For the sample
// set {100, 200, ..., 10000} this yields p50 = 5000 and p99 = 9900.
// Input must be sorted ascending; an empty set yields 0.
func percentile(sorted []uint64, q float64) uint64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(q / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// distribution summarizes one sorted sample set.
func distribution(sorted []uint64) domain.DelayDistribution {
	n := len(sorted)
	if n == 0 {
		return domain.DelayDistribution{}
	}
	var sum uint64
	for _, v := range sorted {
		sum += v
	}
	return domain.DelayDistribution{
		P50:  percentile(sorted, 50),
		P99:  percentile(sorted, 99),
		Min:  sorted[0],
		Max:  sorted[n-1],
		Mean: sum / uint64(n),
	}
}
