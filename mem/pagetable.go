package mem

import "encoding/binary"

// PageTable is a Sv39 three-level page-table walker rooted at Root. It is
// deliberately small and copyable: the "satp token" a process activates is
// entirely determined by Root, and cloning a PageTable value just gives
// another handle onto the same tree (mirroring the source TopLevelEntry,
// which is Copy).
type PageTable struct {
	Root  PPN
	mem   *PhysMem
	alloc *FrameAllocator
}

// NewPageTable allocates a fresh root frame and returns an empty table.
func NewPageTable(alloc *FrameAllocator) PageTable {
	return PageTable{Root: alloc.Alloc(), mem: alloc.Mem(), alloc: alloc}
}

// FromRoot builds a PageTable handle over an already-existing root PPN,
// e.g. one recovered from a satp token.
func FromRoot(root PPN, alloc *FrameAllocator) PageTable {
	return PageTable{Root: root, mem: alloc.Mem(), alloc: alloc}
}

// Token returns the satp value this page table would be activated with:
// mode 8 (Sv39) in the top 4 bits, root PPN in the low 44.
func (pt PageTable) Token() uint64 {
	return uint64(8)<<60 | uint64(pt.Root)
}

func (pt PageTable) entries(ppn PPN) []PTE {
	raw := pt.mem.Page(ppn)
	out := make([]PTE, 512)
	for i := range out {
		out[i] = PTE(binary.LittleEndian.Uint64(raw[i*8 : i*8+8]))
	}
	return out
}

func (pt PageTable) readEntry(ppn PPN, idx uint64) PTE {
	raw := pt.mem.Page(ppn)
	return PTE(binary.LittleEndian.Uint64(raw[idx*8 : idx*8+8]))
}

func (pt PageTable) writeEntry(ppn PPN, idx uint64, e PTE) {
	raw := pt.mem.Page(ppn)
	binary.LittleEndian.PutUint64(raw[idx*8:idx*8+8], uint64(e))
}

// findLeaf walks the three levels, optionally creating missing
// intermediate tables along the way. It returns the table frame holding
// the leaf slot and the leaf's index within it, or ok=false if a missing
// intermediate was encountered and create was false.
func (pt PageTable) findLeaf(vpn VPN, create bool) (table PPN, idx uint64, ok bool) {
	idxs := vpn.Indexes()
	cur := pt.Root
	for level := 0; level < 3; level++ {
		i := idxs[level]
		if level == 2 {
			return cur, i, true
		}
		e := pt.readEntry(cur, i)
		if !e.Valid() {
			if !create {
				return 0, 0, false
			}
			frame := pt.alloc.Alloc()
			pt.writeEntry(cur, i, NewPTE(frame, PTE_V))
			cur = frame
			continue
		}
		cur = e.PPN()
	}
	panic("unreachable")
}

// Map installs a mapping from vpn to ppn with the given permission flags,
// lazily allocating intermediate tables as needed. Precondition: vpn is
// not already mapped.
func (pt PageTable) Map(vpn VPN, ppn PPN, flags PTEFlags) {
	table, idx, _ := pt.findLeaf(vpn, true)
	existing := pt.readEntry(table, idx)
	if existing.Valid() {
		panic("mem: map of an already-mapped vpn")
	}
	pt.writeEntry(table, idx, NewPTE(ppn, PTE_V|flags))
}

// Unmap clears the leaf PTE for vpn. Intermediate tables are left in
// place; they are only released by DropPageTable. Unmapping a page that
// is not mapped is a fatal kernel error.
func (pt PageTable) Unmap(vpn VPN) {
	table, idx, ok := pt.findLeaf(vpn, false)
	if !ok {
		panic("mem: unmap of an unmapped page (missing intermediate table)")
	}
	e := pt.readEntry(table, idx)
	if !e.Valid() {
		panic("mem: unmap of an unmapped page")
	}
	pt.writeEntry(table, idx, PTE(0))
}

// Translate returns the leaf PTE for vpn, or ok=false if any level of the
// walk is invalid.
func (pt PageTable) Translate(vpn VPN) (pte PTE, ok bool) {
	table, idx, found := pt.findLeaf(vpn, false)
	if !found {
		return 0, false
	}
	e := pt.readEntry(table, idx)
	if !e.Valid() {
		return 0, false
	}
	return e, true
}

// TranslateVA resolves a virtual address to a physical address, re-adding
// the in-page offset to the translated PPN.
func (pt PageTable) TranslateVA(va VA) (PA, bool) {
	pte, ok := pt.Translate(va.Floor())
	if !ok {
		return 0, false
	}
	return pte.PPN().Addr() + PA(va.PageOffset()), true
}

// TranslateBytes returns an n-byte slice view of physical memory backing
// the region [va, va+n), which the caller must guarantee lies entirely
// within one page. It gives kernel code a directly addressable window
// onto user memory without copying.
func (pt PageTable) TranslateBytes(va VA, n int) ([]byte, bool) {
	pte, ok := pt.Translate(va.Floor())
	if !ok {
		return nil, false
	}
	return pt.mem.Bytes(pte.PPN(), va.PageOffset(), n), true
}

// TranslateCString walks a NUL-terminated string starting at va,
// re-translating after crossing each page boundary.
func (pt PageTable) TranslateCString(va VA) (string, bool) {
	var out []byte
	cur := va
	for {
		pte, ok := pt.Translate(cur.Floor())
		if !ok {
			return "", false
		}
		page := pt.mem.Page(pte.PPN())
		off := cur.PageOffset()
		for ; off < PageSize; off++ {
			b := page[off]
			if b == 0 {
				return string(out), true
			}
			out = append(out, b)
		}
		cur = VPN(cur.Floor() + 1).Addr()
	}
}

// DropPageTable releases every frame owned by the table tree itself --
// the root, intermediate, and leaf table pages -- back to the frame
// allocator, walking depth-first. Frames mapped *through* the table
// belong to the VMAs that created those mappings and are not touched.
func (pt PageTable) DropPageTable() {
	pt.dropLevel(pt.Root, 0)
}

func (pt PageTable) dropLevel(ppn PPN, level int) {
	if level < 2 {
		for _, e := range pt.entries(ppn) {
			if e.Valid() {
				pt.dropLevel(e.PPN(), level+1)
			}
		}
	}
	pt.alloc.Dealloc(ppn)
}
