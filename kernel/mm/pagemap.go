package mm

import (
	"encoding/binary"

	"arm64os/kernel"
)

// PageShift is equal to log2(PageSize).
const PageShift = 12

// PageSize defines the system's page size in bytes.
const PageSize = uintptr(1 << PageShift)

var errUnmapped = &kernel.Error{Module: "mm", Message: "page not mapped"}

// PageMap is a sparse, page-granular AddressSpace. It is used to model
// captured memory images (for example, the stack and text pages of a crashed
// kernel) and as the backing store for tests. Mapping pages is not safe for
// concurrent use; once populated a PageMap may be read concurrently.
type PageMap struct {
	pages map[uintptr]*[PageSize]byte
}

// NewPageMap returns an empty PageMap.
func NewPageMap() *PageMap {
	return &PageMap{pages: make(map[uintptr]*[PageSize]byte)}
}

// Map makes the pages spanning [addr, addr+size) accessible. Newly mapped
// pages are zero-filled.
func (m *PageMap) Map(addr, size uintptr) {
	for page := addr &^ (PageSize - 1); page < addr+size; page += PageSize {
		if _, ok := m.pages[page]; !ok {
			m.pages[page] = new([PageSize]byte)
		}
	}
}

// Unmap removes the page that contains addr.
func (m *PageMap) Unmap(addr uintptr) {
	delete(m.pages, addr&^(PageSize-1))
}

// Write copies data to addr, mapping any pages that are not yet present.
func (m *PageMap) Write(addr uintptr, data []byte) {
	m.Map(addr, uintptr(len(data)))
	for i := range data {
		cur := addr + uintptr(i)
		m.pages[cur&^(PageSize-1)][cur&(PageSize-1)] = data[i]
	}
}

// WriteU32 stores a little-endian 32-bit word at addr.
func (m *PageMap) WriteU32(addr uintptr, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.Write(addr, buf[:])
}

// WriteU64 stores a little-endian 64-bit word at addr.
func (m *PageMap) WriteU64(addr uintptr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.Write(addr, buf[:])
}

// ReadAt implements AddressSpace.
func (m *PageMap) ReadAt(p []byte, addr uintptr) error {
	for i := range p {
		cur := addr + uintptr(i)
		page, ok := m.pages[cur&^(PageSize-1)]
		if !ok {
			return errUnmapped
		}
		p[i] = page[cur&(PageSize-1)]
	}

	return nil
}
