// Package cpu exposes the local CPU primitives used by the trap handling code:
// the DAIF interrupt mask, cpu_relax style yielding and halting.
//
// The kernel image replaces these with the equivalent system register
// accesses. The hosted build has no per-CPU register file: every
// SaveFlagsAndDisableIRQ call opens an IRQ-masked section that stays open
// until the matching RestoreFlags call, and IRQs count as masked while any
// section is open. Sections opened by different goroutines may therefore
// close in any order without leaving IRQs masked.
package cpu

import (
	"runtime"
	"sync/atomic"
)

// DAIF mask bits as laid out in the PSTATE/DAIF system register.
const (
	FlagF = IRQFlags(1 << 6)
	FlagI = IRQFlags(1 << 7)
	FlagA = IRQFlags(1 << 8)
	FlagD = IRQFlags(1 << 9)
)

// IRQFlags holds a saved copy of the DAIF register.
type IRQFlags uint32

var (
	// daif holds the D, A and F bits. The I bit is derived from
	// maskedSections.
	daif atomic.Uint32

	// maskedSections counts the open IRQ-masked sections.
	maskedSections atomic.Int32

	// haltFn is mocked by tests.
	haltFn = func() {
		select {}
	}
)

// SaveFlagsAndDisableIRQ masks IRQs on the local CPU and returns the previous
// DAIF value so it can be restored by RestoreFlags.
func SaveFlagsAndDisableIRQ() IRQFlags {
	flags := IRQFlags(daif.Load())
	if maskedSections.Add(1) > 1 {
		flags |= FlagI
	}
	return flags
}

// RestoreFlags restores a DAIF value previously returned by
// SaveFlagsAndDisableIRQ and closes the IRQ-masked section opened by it.
func RestoreFlags(flags IRQFlags) {
	for {
		n := maskedSections.Load()
		if n == 0 || maskedSections.CompareAndSwap(n, n-1) {
			break
		}
	}
	daif.Store(uint32(flags &^ FlagI))
}

// IRQsDisabled returns true if IRQs are currently masked on the local CPU.
func IRQsDisabled() bool {
	return maskedSections.Load() != 0
}

// Relax is invoked by busy-wait loops between attempts.
func Relax() {
	runtime.Gosched()
}

// Halt stops instruction execution. It never returns.
func Halt() {
	haltFn()
}
