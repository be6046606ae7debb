package mem

import "fmt"

// PhysMem is the backing arena for simulated physical RAM: the range
// [Base, Base+Pages) of page frames the frame allocator and page-table
// walker are allowed to address. Real firmware hands a kernel the RAM
// above its own image (ekernel) up to MEMORY_END; here that range is just
// a byte slice, which is what makes the rest of the kernel unit-testable
// without a real machine underneath it.
type PhysMem struct {
	base  PPN
	pages int
	data  []byte
}

// NewPhysMem allocates an arena of `pages` page frames starting at PPN base.
func NewPhysMem(base PPN, pages int) *PhysMem {
	return &PhysMem{base: base, pages: pages, data: make([]byte, pages*PageSize)}
}

// Base returns the first PPN owned by the arena.
func (m *PhysMem) Base() PPN { return m.base }

// End returns one past the last PPN owned by the arena.
func (m *PhysMem) End() PPN { return m.base + PPN(m.pages) }

// Contains reports whether ppn falls within the arena.
func (m *PhysMem) Contains(ppn PPN) bool {
	return ppn >= m.base && ppn < m.End()
}

func (m *PhysMem) offset(ppn PPN) int {
	if !m.Contains(ppn) {
		panic(fmt.Sprintf("mem: ppn %#x out of physical range [%#x, %#x)", ppn, m.base, m.End()))
	}
	return int(ppn-m.base) * PageSize
}

// Page returns the 4096-byte slice backing ppn. Mutations through the
// returned slice are visible to every other holder of the same PPN, just
// like a real page of RAM.
func (m *PhysMem) Page(ppn PPN) []byte {
	off := m.offset(ppn)
	return m.data[off : off+PageSize]
}

// Zero clears the page backing ppn.
func (m *PhysMem) Zero(ppn PPN) {
	p := m.Page(ppn)
	for i := range p {
		p[i] = 0
	}
}

// Bytes returns an n-byte slice of the page backing ppn, starting at
// in-page offset pageOff. It panics if the region would cross a page
// boundary.
func (m *PhysMem) Bytes(ppn PPN, pageOff uint64, n int) []byte {
	p := m.Page(ppn)
	if int(pageOff)+n > PageSize {
		panic("mem: region crosses page boundary")
	}
	return p[pageOff : int(pageOff)+n]
}
