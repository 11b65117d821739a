// Package gate describes the state captured by the AArch64 exception entry
// code: the saved register file, the PSTATE mode bits and the exception
// syndrome classes reported through ESR_EL1.
package gate

import (
	"io"

	"arm64os/kernel/kfmt"
)

// RegistersSize is the size in bytes of the register frame that the entry
// code pushes to the kernel stack.
const RegistersSize = 36 * 8

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs. It is created by the vector entry code and must
// be treated as read-only by the trap handlers.
type Registers struct {
	// X holds the general purpose registers x0-x30. x29 is the frame
	// pointer and x30 the link register.
	X [31]uint64

	SP     uint64
	PC     uint64
	PState uint64

	// OrigX0 and Syscallno are only meaningful for syscall entries.
	OrigX0    uint64
	Syscallno uint64
}

// PSTATE mode bits.
const (
	PStateModeEL0t  = 0x0
	PStateModeEL1t  = 0x4
	PStateModeEL1h  = 0x5
	PStateModeMask  = 0xf
	PStateMode32Bit = 0x10

	// PStateThumbBit is the AArch32 T bit.
	PStateThumbBit = 0x20
)

// UserMode returns true if the snapshot was taken while executing at EL0.
func (r *Registers) UserMode() bool {
	return r.PState&PStateModeMask == PStateModeEL0t
}

// CompatMode returns true if the snapshot was taken while executing AArch32
// code.
func (r *Registers) CompatMode() bool {
	return r.PState&PStateMode32Bit != 0
}

// CompatUserMode returns true if the snapshot was taken while executing
// AArch32 code at EL0.
func (r *Registers) CompatUserMode() bool {
	return r.PState&(PStateMode32Bit|PStateModeMask) == PStateMode32Bit|PStateModeEL0t
}

// ThumbMode returns true if the snapshot was taken while executing T32 code.
func (r *Registers) ThumbMode() bool {
	return r.CompatMode() && r.PState&PStateThumbBit != 0
}

// FP returns the frame pointer (x29).
func (r *Registers) FP() uint64 { return r.X[29] }

// LR returns the link register, taking into account the AArch32 register
// mapping for compat tasks.
func (r *Registers) LR() uint64 {
	if r.CompatUserMode() {
		return r.X[14]
	}
	return r.X[30]
}

// StackPointer returns the stack pointer, taking into account the AArch32
// register mapping for compat tasks.
func (r *Registers) StackPointer() uint64 {
	if r.CompatUserMode() {
		return r.X[13]
	}
	return r.SP
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	topReg := 29
	if r.CompatUserMode() {
		topReg = 12
	}

	kfmt.Fprintf(w, "pc : [<%016x>] lr : [<%016x>] pstate: %08x\n", r.PC, r.LR(), r.PState)
	kfmt.Fprintf(w, "sp : %016x\n", r.StackPointer())

	for i := topReg; i >= 0; i-- {
		// x0-x9 get an extra space so that the columns line up
		if i < 10 {
			kfmt.Fprintf(w, "x%d : %016x ", i, r.X[i])
		} else {
			kfmt.Fprintf(w, "x%d: %016x ", i, r.X[i])
		}
		if i%2 == 0 {
			kfmt.Fprintf(w, "\n")
		}
	}
	kfmt.Fprintf(w, "\n")
}
