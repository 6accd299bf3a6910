// Package bpf defines the kernel-resident probe set: three short,
// allocation-free programs correlating scheduler wakeup, context switch
// and socket receive for a filtered pid, plus the maps they share.
//
// The programs are hand-assembled rather than compiled from C. They are
// small, loop-free and read fixed raw-context offsets (no CO-RE
// relocation), so carrying compiled object files buys nothing and would
// make the module non-go-gettable. Map references are resolved by
// symbol when the collection is loaded.
//
// These programs execute in a restricted kernel context with no
// recovery mechanism: every reachable failure path ends in a plain
// return 0, and all pointer dereferences sit behind verifier-checked
// null tests.
package bpf

import (
	"encoding/binary"

	"github.com/cilium/ebpf"
)

// Program names shared with the user-space loader. Attach order at
// startup is wakeup, switch, receive.
const (
	ProgSchedWakeup = "trace_sched_wakeup"
	ProgSchedSwitch = "trace_sched_switch"
	ProgTCPRecvmsg  = "trace_tcp_recvmsg"
)

// NewCollectionSpec assembles the complete probe set. The caller owns
// loading, attachment and teardown; map lifetimes are tied to the
// loaded collection, so closing it destroys all kernel state.
func NewCollectionSpec() *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		ByteOrder: binary.LittleEndian,
		Maps:      mapSpecs(),
		Programs: map[string]*ebpf.ProgramSpec{
			ProgSchedWakeup: {
				Name:         ProgSchedWakeup,
				Type:         ebpf.TracePoint,
				License:      "GPL",
				Instructions: schedWakeupProgram(),
			},
			ProgSchedSwitch: {
				Name:         ProgSchedSwitch,
				Type:         ebpf.TracePoint,
				License:      "GPL",
				Instructions: schedSwitchProgram(),
			},
			ProgTCPRecvmsg: {
				Name:         ProgTCPRecvmsg,
				Type:         ebpf.Kprobe,
				License:      "GPL",
				Instructions: tcpRecvmsgProgram(),
			},
		},
	}
}
