package bpf

import (
	"github.com/cilium/ebpf/asm"

	"github.com/yairfalse/wakelat/pkg/domain"
)

// Tracepoint context offsets. These are the versioned raw-context
// offsets the probes read the pid from; they are valid for the sched
// tracepoint layout of current 5.x/6.x kernels and are the single place
// to update on kernel drift.
const (
	// sched_wakeup: pid of the task being made runnable.
	wakeupPIDOffset = 16
	// sched_switch: pid of the incoming (next) task.
	switchNextPIDOffset = 40
)

// BPF stack layout shared by the programs. The in-flight record is
// built at eventOffset; lookup keys live below it.
const (
	dropKeyOffset int16 = -48
	keyOffset     int16 = -44
	eventOffset   int16 = -(domain.EventSize)
)

// bpfFCurrentCPU directs perf_event_output to the current CPU's ring.
const bpfFCurrentCPU = 0xffffffff

// schedWakeupProgram fires when the scheduler marks a task runnable.
// Unfiltered pids cost one hash lookup and return; for the target it
// records t2 and starts a fresh in-flight record, clearing t3/t4 so a
// stale partial record from an unfinished wake cycle cannot leak into
// the new one.
func schedWakeupProgram() asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R7, asm.R6, wakeupPIDOffset, asm.Word),
		asm.StoreMem(asm.RFP, keyOffset, asm.R7, asm.Word),

		asm.LoadMapPtr(asm.R1, 0).WithReference(MapTargetPIDs),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, int32(keyOffset)),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "wakeup_exit"),

		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.RFP, eventOffset+domain.OffsetPID, asm.R7, asm.Word),
		asm.StoreImm(asm.RFP, eventOffset+4, 0, asm.Word), // struct padding
		asm.StoreImm(asm.RFP, eventOffset+domain.OffsetNetRX, 0, asm.DWord),
		asm.StoreMem(asm.RFP, eventOffset+domain.OffsetSchedWakeup, asm.R0, asm.DWord),
		asm.StoreImm(asm.RFP, eventOffset+domain.OffsetSchedSwitch, 0, asm.DWord),
		asm.StoreImm(asm.RFP, eventOffset+domain.OffsetTCPRecvmsg, 0, asm.DWord),

		// BPF_ANY: a fresh wakeup overwrites stale partial state.
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapInflight),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, int32(keyOffset)),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, int32(eventOffset)),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnMapUpdateElem.Call(),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("wakeup_exit"),
		asm.Return(),
	}
}

// schedSwitchProgram fires when the scheduler switches execution onto a
// task. If the incoming pid has an in-flight record it stamps t3 through
// the map value pointer; a missing entry means the wakeup was never
// observed and there is nothing to measure for this cycle.
func schedSwitchProgram() asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R7, asm.R6, switchNextPIDOffset, asm.Word),
		asm.StoreMem(asm.RFP, keyOffset, asm.R7, asm.Word),

		asm.LoadMapPtr(asm.R1, 0).WithReference(MapTargetPIDs),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, int32(keyOffset)),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "switch_exit"),

		asm.LoadMapPtr(asm.R1, 0).WithReference(MapInflight),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, int32(keyOffset)),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "switch_exit"),
		asm.Mov.Reg(asm.R7, asm.R0),

		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.R7, domain.OffsetSchedSwitch, asm.R0, asm.DWord),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("switch_exit"),
		asm.Return(),
	}
}

// tcpRecvmsgProgram fires on entry to the kernel socket receive routine
// for the current task. It completes the in-flight record with t4,
// emits it on this CPU's ring and deletes the correlation entry. A full
// ring drops the event but increments drop_counts so under-sampling
// stays observable.
func tcpRecvmsgProgram() asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.FnGetCurrentPidTgid.Call(),
		// low 32 bits are the pid
		asm.StoreMem(asm.RFP, keyOffset, asm.R0, asm.Word),

		asm.LoadMapPtr(asm.R1, 0).WithReference(MapTargetPIDs),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, int32(keyOffset)),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "recv_exit"),

		asm.LoadMapPtr(asm.R1, 0).WithReference(MapInflight),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, int32(keyOffset)),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "recv_exit"),
		asm.Mov.Reg(asm.R7, asm.R0),

		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.R7, domain.OffsetTCPRecvmsg, asm.R0, asm.DWord),

		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, 0).WithReference(MapEvents),
		asm.LoadImm(asm.R3, bpfFCurrentCPU, asm.DWord),
		asm.Mov.Reg(asm.R4, asm.R7),
		asm.Mov.Imm(asm.R5, domain.EventSize),
		asm.FnPerfEventOutput.Call(),
		asm.JEq.Imm(asm.R0, 0, "recv_delete"),

		// ring full: the event is gone, count the drop
		asm.StoreImm(asm.RFP, dropKeyOffset, 0, asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapDropCounts),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, int32(dropKeyOffset)),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "recv_delete"),
		asm.LoadMem(asm.R1, asm.R0, 0, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R0, 0, asm.R1, asm.DWord),

		// the wake cycle is finished either way
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapInflight).WithSymbol("recv_delete"),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, int32(keyOffset)),
		asm.FnMapDeleteElem.Call(),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("recv_exit"),
		asm.Return(),
	}
}
