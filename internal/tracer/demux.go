package tracer

import "sync/atomic"

// cpuQueue is the bounded user-space continuation of one per-CPU kernel
// ring. Enqueue never blocks: when the queue is full the record is
// dropped and counted, mirroring the kernel-side backpressure policy.
type cpuQueue struct {
	records chan []byte
	dropped atomic.Uint64
}

func newCPUQueue(depth int) *cpuQueue {
	return &cpuQueue{records: make(chan []byte, depth)}
}

// push enqueues a raw record, reporting whether it was accepted.
func (q *cpuQueue) push(raw []byte) bool {
	select {
	case q.records <- raw:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

func (q *cpuQueue) close() {
	close(q.records)
}

// demux fans raw per-CPU records out to their queues. Records for CPUs
// outside the online range observed at attach time are dropped rather
// than misattributed.
type demux struct {
	queues    []*cpuQueue
	misrouted atomic.Uint64
}

func newDemux(cpus, depth int) *demux {
	d := &demux{queues: make([]*cpuQueue, cpus)}
	for i := range d.queues {
		d.queues[i] = newCPUQueue(depth)
	}
	return d
}

func (d *demux) dispatch(cpu int, raw []byte) bool {
	if cpu < 0 || cpu >= len(d.queues) {
		d.misrouted.Add(1)
		return false
	}
	return d.queues[cpu].push(raw)
}

// droppedTotal sums queue overflows and misrouted records.
func (d *demux) droppedTotal() uint64 {
	total := d.misrouted.Load()
	for _, q := range d.queues {
		total += q.dropped.Load()
	}
	return total
}

// closeAll closes every queue; workers drain what remains and exit.
// Only called after the dispatching reader has stopped.
func (d *demux) closeAll() {
	for _, q := range d.queues {
		q.close()
	}
}
