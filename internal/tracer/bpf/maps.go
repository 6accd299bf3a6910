package bpf

import (
	"github.com/cilium/ebpf"

	"github.com/yairfalse/wakelat/pkg/domain"
)

// Map names shared between the programs and the user-space loader.
const (
	MapTargetPIDs = "target_pids"
	MapInflight   = "inflight"
	MapEvents     = "events"
	MapDropCounts = "drop_counts"
)

const (
	// TargetCapacity bounds the target filter. A session traces a
	// single pid today; the spare capacity keeps dynamic add open
	// without a map recreate.
	TargetCapacity = 16

	// InflightCapacity bounds the correlation store. Abandoned entries
	// (wake cycles that never reach the receive probe) occupy slots
	// until overwritten; once full, inserts for new pids fail and that
	// wake cycle goes unmeasured.
	InflightCapacity = 1024
)

func mapSpecs() map[string]*ebpf.MapSpec {
	return map[string]*ebpf.MapSpec{
		MapTargetPIDs: {
			Name:       MapTargetPIDs,
			Type:       ebpf.Hash,
			KeySize:    4,
			ValueSize:  4,
			MaxEntries: TargetCapacity,
		},
		MapInflight: {
			Name:       MapInflight,
			Type:       ebpf.Hash,
			KeySize:    4,
			ValueSize:  domain.EventSize,
			MaxEntries: InflightCapacity,
		},
		MapEvents: {
			Name:      MapEvents,
			Type:      ebpf.PerfEventArray,
			KeySize:   4,
			ValueSize: 4,
			// MaxEntries left zero: sized to online CPUs at load time.
		},
		MapDropCounts: {
			Name:       MapDropCounts,
			Type:       ebpf.PerCPUArray,
			KeySize:    4,
			ValueSize:  8,
			MaxEntries: 1,
		},
	}
}
