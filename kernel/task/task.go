// Package task describes the parts of a schedulable task that the trap
// handlers need: its identity, its kernel stack, its saved context and its
// signal dispositions.
package task

import (
	"golang.org/x/sys/unix"

	"arm64os/kernel/mm"
	"arm64os/kernel/unwind"
)

// Task is the trap handlers' view of a task.
type Task struct {
	Comm string
	PID  int
	CPU  int

	// Compat is set for tasks running AArch32 code.
	Compat bool

	// GlobalInit is set for the init task, whose signals are always
	// considered unhandled.
	GlobalInit bool

	// StackBase is the lowest address of the task's ThreadSize-aligned
	// kernel stack.
	StackBase uintptr

	// Saved holds the frame recorded when the task was last switched out.
	Saved unwind.Frame

	// AddrLimit is the task's active user access limit.
	AddrLimit mm.AddrLimit

	// Mem resolves the task's user mappings.
	Mem mm.AddressSpace

	// Caught is a bitmask of the signals for which the task has installed
	// a handler; bit n-1 corresponds to signal n.
	Caught uint64

	// RetKey is the key used to encode return addresses pushed to the
	// task's stack when return address encryption is enabled.
	RetKey uintptr

	// FaultAddress and FaultCode describe the last fault delivered to the
	// task as a signal.
	FaultAddress uintptr
	FaultCode    int
}

// StackLimit returns the lowest usable address of the kernel stack.
func (t *Task) StackLimit() uintptr {
	return t.StackBase
}

// StackTop returns the address right above the task's kernel stack.
func (t *Task) StackTop() uintptr {
	return t.StackBase + unwind.ThreadSize
}

// CatchSignal records that the task installed a handler for sig.
func (t *Task) CatchSignal(sig unix.Signal) {
	if sig > 0 && sig <= 64 {
		t.Caught |= 1 << uint(sig-1)
	}
}

// UnhandledSignal returns true if delivering sig would invoke the default
// action, i.e. the task has not installed a handler for it.
func (t *Task) UnhandledSignal(sig unix.Signal) bool {
	if t.GlobalInit {
		return true
	}
	if sig <= 0 || sig > 64 {
		return true
	}
	return t.Caught&(1<<uint(sig-1)) == 0
}
