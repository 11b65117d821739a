// Package unwind walks AArch64 frame-pointer chains.
//
// Each frame record is a pair of 64-bit words stored at the address held in
// the frame pointer: the caller's frame pointer followed by the return
// address. Every dereference goes through a Reader so a corrupted chain ends
// the walk instead of faulting.
package unwind

import "arm64os/kernel"

const (
	// ThreadSize is the size of a kernel task stack. Stacks are ThreadSize
	// aligned.
	ThreadSize = uintptr(16 << 10)

	// DefaultMaxDepth bounds the number of frames a Walker yields unless
	// overridden with WithMaxDepth.
	DefaultMaxDepth = 64

	// frameRecordSize is the size of the {fp, lr} pair.
	frameRecordSize = 0x10
)

// Frame is a cursor into a call stack.
type Frame struct {
	FP uintptr
	SP uintptr
	PC uintptr
}

// Reader performs fallible reads of kernel memory. It is implemented by
// mm.Probe.
type Reader interface {
	TryRead(addr uintptr, width int) (uint64, *kernel.Error)
}

// Transform post-processes the return addresses produced by a Walker before
// they are handed to the caller. initial is true for the first program counter
// of a walk, which comes from the starting frame rather than from a frame
// record.
type Transform interface {
	Apply(pc uintptr, initial bool) uintptr
}

// Identity is a Transform that returns addresses unmodified.
type Identity struct{}

// Apply implements Transform.
func (Identity) Apply(pc uintptr, _ bool) uintptr { return pc }

// XORKey is a Transform that decodes return addresses which were XORed with
// a per-task key when they were pushed to the stack. The initial program
// counter is never encoded.
type XORKey uintptr

// Apply implements Transform.
func (k XORKey) Apply(pc uintptr, initial bool) uintptr {
	if initial {
		return pc
	}
	return pc ^ uintptr(k)
}

// Option configures a Walker.
type Option func(*Walker)

// WithStackTop sets the highest address (exclusive) of the stack being
// walked. Without it the top is derived from the starting stack pointer by
// rounding it up to ThreadSize.
func WithStackTop(top uintptr) Option {
	return func(w *Walker) { w.stackTop = top }
}

// WithMaxDepth bounds the number of frames returned by the Walker.
func WithMaxDepth(depth int) Option {
	return func(w *Walker) {
		if depth > 0 {
			w.maxDepth = depth
		}
	}
}

// WithTransform installs a Transform for the produced program counters.
func WithTransform(t Transform) Option {
	return func(w *Walker) {
		if t != nil {
			w.transform = t
		}
	}
}

// Walker lazily unwinds a call stack. It can only be traversed once.
type Walker struct {
	r         Reader
	frame     Frame
	stackTop  uintptr
	maxDepth  int
	transform Transform

	depth int
	done  bool
}

// NewWalker returns a Walker that starts at the supplied frame.
func NewWalker(r Reader, start Frame, opts ...Option) *Walker {
	w := &Walker{
		r:         r,
		frame:     start,
		maxDepth:  DefaultMaxDepth,
		transform: Identity{},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Next returns the next frame of the walk. The returned frame's PC is the
// (transformed) program counter of the current call level and its SP and FP
// are the values recovered by unwinding it. Next returns false once the
// chain ends; subsequent calls keep returning false.
func (w *Walker) Next() (Frame, bool) {
	if w.done || w.depth >= w.maxDepth {
		w.done = true
		return Frame{}, false
	}

	where := w.frame.PC
	if !w.step() {
		w.done = true
		return Frame{}, false
	}

	out := w.frame
	out.PC = w.transform.Apply(where, w.depth == 0)
	w.depth++

	return out, true
}

// step replaces w.frame with the caller's frame. It returns false if the
// frame pointer does not point to a plausible frame record.
func (w *Walker) step() bool {
	var (
		fp   = w.frame.FP
		low  = w.frame.SP
		high = w.stackTop
	)

	if high == 0 {
		high = (low + ThreadSize - 1) &^ (ThreadSize - 1)
	}

	// The record must live above the current stack pointer and below the
	// top of the stack; since the next stack pointer is placed right above
	// the record, successive frames strictly move towards the stack top.
	if high < frameRecordSize+8 || fp < low || fp > high-(frameRecordSize+8) || fp&0xf != 0 {
		return false
	}

	nextFP, err := w.r.TryRead(fp, 8)
	if err != nil {
		return false
	}

	nextPC, err := w.r.TryRead(fp+8, 8)
	if err != nil {
		return false
	}

	w.frame = Frame{
		FP: uintptr(nextFP),
		SP: fp + frameRecordSize,
		PC: uintptr(nextPC),
	}

	return true
}

// Capture drains w and returns up to max program counters. A max of zero
// or less drains the walker completely.
func Capture(w *Walker, max int) []uintptr {
	var pcs []uintptr

	for max <= 0 || len(pcs) < max {
		f, ok := w.Next()
		if !ok {
			break
		}
		pcs = append(pcs, f.PC)
	}

	return pcs
}
