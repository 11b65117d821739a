package ksym

import (
	"io"

	"arm64os/kernel/kfmt"
)

// Range is a half-open address range.
type Range struct {
	Start uintptr
	End   uintptr
}

// Contains returns true if addr lies within [Start, End).
func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

// Modules lists the names of the loaded kernel modules.
type Modules []string

// Print writes the "Modules linked in:" line to w.
func (m Modules) Print(w io.Writer) {
	kfmt.Fprintf(w, "Modules linked in:")
	for _, name := range m {
		kfmt.Fprintf(w, " %s", name)
	}
	kfmt.Fprintf(w, "\n")
}
