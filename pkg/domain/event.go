package domain

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// LatencyEvent is the fixed-layout record shared with the kernel probes.
// The layout is C-compatible with natural alignment: 4 bytes of padding
// follow PID, giving a 40-byte record. Kernel and user space agree on
// field order, width and endianness (little-endian) exactly; the byte
// offsets below are the single source of truth for both sides.
type LatencyEvent struct {
	PID           uint32
	_             [4]byte
	T1NetRX       uint64 // reserved: packet arrival at net rx (not populated)
	T2SchedWakeup uint64 // target marked runnable
	T3SchedSwitch uint64 // target switched onto a CPU
	T4TCPRecvmsg  uint64 // target entered the socket receive path
}

// EventSize is the wire size of LatencyEvent in bytes.
const EventSize = 40

// Byte offsets of each field inside the wire record. The kernel-side
// stores use these same constants.
const (
	OffsetPID         = 0
	OffsetNetRX       = 8
	OffsetSchedWakeup = 16
	OffsetSchedSwitch = 24
	OffsetTCPRecvmsg  = 32
)

// ErrEventTooShort is returned when a ring-buffer read yields fewer
// bytes than a full LatencyEvent.
var ErrEventTooShort = errors.New("event buffer shorter than wire record")

// DecodeLatencyEvent parses a raw ring-buffer sample. The buffer length
// is validated before any field is read; short reads are a recoverable
// decode error, never a panic.
func DecodeLatencyEvent(data []byte) (LatencyEvent, error) {
	var ev LatencyEvent
	if len(data) < EventSize {
		return ev, fmt.Errorf("%w: got %d bytes, need %d", ErrEventTooShort, len(data), EventSize)
	}
	ev.PID = binary.LittleEndian.Uint32(data[OffsetPID:])
	ev.T1NetRX = binary.LittleEndian.Uint64(data[OffsetNetRX:])
	ev.T2SchedWakeup = binary.LittleEndian.Uint64(data[OffsetSchedWakeup:])
	ev.T3SchedSwitch = binary.LittleEndian.Uint64(data[OffsetSchedSwitch:])
	ev.T4TCPRecvmsg = binary.LittleEndian.Uint64(data[OffsetTCPRecvmsg:])
	return ev, nil
}

// Complete reports whether the record finished its probe chain. A record
// is only emitted by the kernel once t4 is set, but a defensive check
// costs nothing here.
func (e *LatencyEvent) Complete() bool {
	return e.T4TCPRecvmsg != 0
}

// Monotonic reports whether the timestamps are non-decreasing
// (t2 <= t3 <= t4). Records that fail this are anomalous: a stale
// correlation entry was completed by a later wake cycle.
func (e *LatencyEvent) Monotonic() bool {
	return e.T2SchedWakeup <= e.T3SchedSwitch && e.T3SchedSwitch <= e.T4TCPRecvmsg
}

// RunqueueDelay is the time between the target becoming runnable and the
// scheduler actually switching execution onto it. Only meaningful for
// monotonic records.
func (e *LatencyEvent) RunqueueDelay() uint64 {
	return e.T3SchedSwitch - e.T2SchedWakeup
}

// KernelStackDelay is the time between the target becoming runnable and
// the socket receive path returning data to it.
func (e *LatencyEvent) KernelStackDelay() uint64 {
	return e.T4TCPRecvmsg - e.T2SchedWakeup
}
