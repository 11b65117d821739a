// Package ksym resolves kernel text addresses to symbol names.
//
// A Table is an ordered index of symbols keyed by start address. Lookups
// return the closest symbol at or below the queried address, mirroring the
// way kallsyms attributes an address to the preceding symbol.
package ksym

import (
	"io"
	"strings"
	gosync "sync"

	"github.com/google/btree"

	"arm64os/kernel/kfmt"
)

const btreeDegree = 16

// Symbol describes a single text symbol.
type Symbol struct {
	Addr uintptr
	Size uintptr
	Name string

	// Module is empty for symbols that belong to the core kernel image.
	Module string
}

// Resolver is implemented by symbol lookup services.
type Resolver interface {
	Lookup(addr uintptr) (sym Symbol, offset uintptr, ok bool)
}

// Table is a Resolver backed by a B-tree. It is safe for concurrent use.
type Table struct {
	mu   gosync.RWMutex
	tree *btree.BTreeG[Symbol]
}

// NewTable returns an empty symbol table.
func NewTable() *Table {
	return &Table{
		tree: btree.NewG(btreeDegree, func(a, b Symbol) bool { return a.Addr < b.Addr }),
	}
}

// Add inserts sym into the table, replacing any symbol with the same start
// address.
func (t *Table) Add(sym Symbol) {
	t.mu.Lock()
	t.tree.ReplaceOrInsert(sym)
	t.mu.Unlock()
}

// Len returns the number of symbols in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// Lookup returns the symbol that contains addr and the offset of addr within
// it. Symbols with a zero size are assumed to extend up to the next symbol.
func (t *Table) Lookup(addr uintptr) (sym Symbol, offset uintptr, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	t.tree.DescendLessOrEqual(Symbol{Addr: addr}, func(s Symbol) bool {
		sym, ok = s, true
		return false
	})

	if !ok {
		return Symbol{}, 0, false
	}

	offset = addr - sym.Addr
	if sym.Size != 0 && offset >= sym.Size {
		return Symbol{}, 0, false
	}

	return sym, offset, true
}

// fillSizes assigns a size to every symbol whose size is unknown, using the
// distance to the next symbol.
func (t *Table) fillSizes() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		prev    Symbol
		havePrv bool
		fixed   []Symbol
	)

	t.tree.Ascend(func(s Symbol) bool {
		if havePrv && prev.Size == 0 {
			prev.Size = s.Addr - prev.Addr
			fixed = append(fixed, prev)
		}
		prev, havePrv = s, true
		return true
	})

	for _, s := range fixed {
		t.tree.ReplaceOrInsert(s)
	}
}

// Fprint writes the symbolic form of addr to w: "name+0xoff/0xsize" with a
// " [module]" suffix for module symbols, or "0x<addr>" if addr cannot be
// resolved. A nil resolver always yields the hex form.
func Fprint(w io.Writer, r Resolver, addr uintptr) {
	if r == nil {
		kfmt.Fprintf(w, "0x%x", addr)
		return
	}

	sym, off, ok := r.Lookup(addr)
	if !ok {
		kfmt.Fprintf(w, "0x%x", addr)
		return
	}

	kfmt.Fprintf(w, "%s+0x%x/0x%x", sym.Name, off, sym.Size)
	if sym.Module != "" {
		kfmt.Fprintf(w, " [%s]", sym.Module)
	}
}

// String returns the symbolic form of addr as produced by Fprint.
func String(r Resolver, addr uintptr) string {
	var sb strings.Builder
	Fprint(&sb, r, addr)
	return sb.String()
}
