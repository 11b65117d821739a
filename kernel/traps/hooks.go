package traps

import (
	"arm64os/kernel/gate"
	"arm64os/kernel/sync"
)

// UndefHandler emulates or otherwise consumes an undefined instruction. It
// returns true if the trap has been handled and execution may resume.
type UndefHandler func(regs *gate.Registers, instr uint32) bool

// UndefHook intercepts undefined instructions taken from user mode. A hook
// matches when (instr & InstrMask) == InstrVal and
// (pstate & PStateMask) == PStateVal.
//
// Hooks are linked into the registry intrusively: registering a hook never
// allocates and the registry only stores pointers to caller-owned hooks.
type UndefHook struct {
	InstrMask  uint32
	InstrVal   uint32
	PStateMask uint64
	PStateVal  uint64
	Fn         UndefHandler

	prev, next *UndefHook
}

func (h *UndefHook) matches(instr uint32, pstate uint64) bool {
	return instr&h.InstrMask == h.InstrVal && pstate&h.PStateMask == h.PStateVal
}

// UndefHookRegistry is an ordered collection of undef hooks. It is safe for
// concurrent use, including from interrupt context.
type UndefHookRegistry struct {
	lock sync.IRQSpinlock

	// head is the sentinel of a circular list; an unused registry has a
	// zero head which is lazily linked to itself.
	head UndefHook
}

func (r *UndefHookRegistry) init() {
	if r.head.next == nil {
		r.head.next = &r.head
		r.head.prev = &r.head
	}
}

// Register appends h to the registry. Registering a hook that is already
// linked is a no-op.
func (r *UndefHookRegistry) Register(h *UndefHook) {
	flags := r.lock.AcquireIRQSave()
	defer r.lock.ReleaseIRQRestore(flags)

	r.init()
	if h.next != nil {
		return
	}

	h.prev = r.head.prev
	h.next = &r.head
	r.head.prev.next = h
	r.head.prev = h
}

// Unregister removes h from the registry. Removing a hook that is not
// registered is a no-op.
func (r *UndefHookRegistry) Unregister(h *UndefHook) {
	flags := r.lock.AcquireIRQSave()
	defer r.lock.ReleaseIRQRestore(flags)

	if h.next == nil || h == &r.head {
		return
	}

	h.prev.next = h.next
	h.next.prev = h.prev
	h.prev, h.next = nil, nil
}

// Lookup walks the hooks in registration order and returns the handler of
// the last hook that matches instr and pstate, or nil if none matches. The
// handler must be invoked after Lookup returns, outside the registry lock.
func (r *UndefHookRegistry) Lookup(instr uint32, pstate uint64) UndefHandler {
	flags := r.lock.AcquireIRQSave()
	defer r.lock.ReleaseIRQRestore(flags)

	var fn UndefHandler
	if r.head.next == nil {
		return nil
	}

	for h := r.head.next; h != &r.head; h = h.next {
		if h.matches(instr, pstate) {
			fn = h.Fn
		}
	}

	return fn
}

// Len returns the number of registered hooks.
func (r *UndefHookRegistry) Len() int {
	flags := r.lock.AcquireIRQSave()
	defer r.lock.ReleaseIRQRestore(flags)

	var n int
	if r.head.next == nil {
		return 0
	}
	for h := r.head.next; h != &r.head; h = h.next {
		n++
	}

	return n
}
