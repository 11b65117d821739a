// Package mm provides the memory access primitives that the fault handling
// code relies on: a probe that reads possibly invalid addresses without
// faulting, the per-task address limit that the probe honours, and the
// page-table error reporters.
package mm

import (
	"encoding/binary"
	"sync/atomic"

	"arm64os/kernel"
)

// UserTop is the first address above the user portion of the address space
// (TASK_SIZE for 39-bit virtual addresses).
const UserTop = uintptr(1) << 39

var (
	// ErrUnreadable is returned when a probed address cannot be read.
	ErrUnreadable = &kernel.Error{Module: "mm", Message: "address is not readable"}

	// ErrBadWidth is returned when a probe is asked to read a word whose
	// width is not 1, 2, 4 or 8 bytes.
	ErrBadWidth = &kernel.Error{Module: "mm", Message: "unsupported access width"}
)

// AddressSpace is implemented by the virtual memory layer. ReadAt copies
// len(p) bytes starting at addr into p and fails if any of them is not
// mapped.
type AddressSpace interface {
	ReadAt(p []byte, addr uintptr) error
}

// Segment selects the range of addresses that user accessors may reach.
type Segment uint32

const (
	// UserDS restricts accesses to the user portion of the address space.
	UserDS Segment = iota

	// KernelDS allows accesses to any address.
	KernelDS
)

// AddrLimit tracks the active Segment of a task. The zero value is UserDS.
type AddrLimit struct {
	seg uint32
}

// Get returns the active segment.
func (l *AddrLimit) Get() Segment {
	return Segment(atomic.LoadUint32(&l.seg))
}

// Switch installs seg and returns a function that restores the previously
// active segment. Callers must defer the returned function so the previous
// limit is reinstated on every exit path.
func (l *AddrLimit) Switch(seg Segment) (restore func()) {
	prev := atomic.SwapUint32(&l.seg, uint32(seg))
	return func() {
		atomic.StoreUint32(&l.seg, prev)
	}
}

// Probe performs fallible reads against the kernel and user portions of the
// address space. Reads never fault: any failure, including a panic raised by
// the underlying AddressSpace, is reported as ErrUnreadable.
//
// Probe is a small value type; WithLimit derives a probe bound to a
// particular task's address limit.
type Probe struct {
	// Kernel backs addresses at or above UserTop.
	Kernel AddressSpace

	// User backs addresses below UserTop. It may be nil if the current
	// context has no user mappings.
	User AddressSpace

	// Limit is consulted before every read. A nil Limit behaves as
	// KernelDS.
	Limit *AddrLimit
}

// WithLimit returns a copy of p that honours the supplied address limit.
func (p Probe) WithLimit(l *AddrLimit) Probe {
	p.Limit = l
	return p
}

// WithUser returns a copy of p that resolves user addresses through as.
func (p Probe) WithUser(as AddressSpace) Probe {
	p.User = as
	return p
}

// Read reads a little-endian word of the supplied width from addr, subject
// to the active address limit.
func (p Probe) Read(addr uintptr, width int) (uint64, *kernel.Error) {
	var buf [8]byte

	switch width {
	case 1, 2, 4, 8:
	default:
		return 0, ErrBadWidth
	}

	if !p.accessOK(addr, width) {
		return 0, ErrUnreadable
	}

	as := p.Kernel
	if addr < UserTop {
		as = p.User
	}

	if as == nil || !readNoFault(as, buf[:width], addr) {
		return 0, ErrUnreadable
	}

	switch width {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf[:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf[:])), nil
	default:
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
}

// ReadU32 reads a 32-bit word from addr, subject to the active address limit.
func (p Probe) ReadU32(addr uintptr) (uint32, *kernel.Error) {
	v, err := p.Read(addr, 4)
	return uint32(v), err
}

// ReadU64 reads a 64-bit word from addr, subject to the active address limit.
func (p Probe) ReadU64(addr uintptr) (uint64, *kernel.Error) {
	return p.Read(addr, 8)
}

// TryRead switches the probe's address limit to KernelDS for the duration of
// a single read. The previous limit is restored whether or not the read
// succeeds.
func (p Probe) TryRead(addr uintptr, width int) (uint64, *kernel.Error) {
	if p.Limit != nil {
		restore := p.Limit.Switch(KernelDS)
		defer restore()
	}

	return p.Read(addr, width)
}

// accessOK checks that [addr, addr+width) lies below the active limit and
// does not wrap around the top of the address space.
func (p Probe) accessOK(addr uintptr, width int) bool {
	end := addr + uintptr(width)
	if end < addr {
		return false
	}

	if p.Limit == nil || p.Limit.Get() == KernelDS {
		return true
	}

	return end <= UserTop
}

// readNoFault invokes as.ReadAt and converts a panic raised by a misbehaving
// address space into a failed read, mirroring an exception table fixup.
func readNoFault(as AddressSpace, p []byte, addr uintptr) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	return as.ReadAt(p, addr) == nil
}
