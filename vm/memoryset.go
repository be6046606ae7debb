package vm

import (
	"bytes"
	"debug/elf"
	"fmt"
	"sync"
	"sync/atomic"

	"yekernel/mem"
)

const (
	// UserStackPages is the number of pages reserved for a process's
	// user stack, placed one unmapped guard page above its highest
	// loaded segment.
	UserStackPages = 2
	// UserStackSize is the user stack's size in bytes.
	UserStackSize = UserStackPages * mem.PageSize
)

// MemorySet is a process (or the kernel's) address space: a page table
// plus the ordered list of VMAs mapped into it. Every address space
// carries a shared trampoline mapping at a fixed VPN at the top of the
// address space; a process address space built by FromELF also carries
// a private trap-context page one page below it.
type MemorySet struct {
	PageTable mem.PageTable
	Areas     []*VMA

	alloc *mem.FrameAllocator
	phys  *mem.PhysMem

	heapArea *VMA
	heapBtm  mem.VA
	brk      mem.VA
}

var trampolineFrames = map[*mem.FrameAllocator]mem.PPN{}
var trampolineMu sync.Mutex

// trampolinePage returns the single physical frame shared by every
// address space's trampoline mapping, allocating it on first use per
// allocator. Real kernels link this page at a fixed kernel text address
// and never move it; here it is a frame carved out once per simulated
// machine (one FrameAllocator per machine) and reused by every process
// on that machine.
func trampolinePage(alloc *mem.FrameAllocator) mem.PPN {
	trampolineMu.Lock()
	defer trampolineMu.Unlock()
	if ppn, ok := trampolineFrames[alloc]; ok {
		return ppn
	}
	ppn := alloc.Alloc()
	trampolineFrames[alloc] = ppn
	return ppn
}

func newBareSet(alloc *mem.FrameAllocator, phys *mem.PhysMem) *MemorySet {
	ms := &MemorySet{
		PageTable: mem.NewPageTable(alloc),
		alloc:     alloc,
		phys:      phys,
	}
	ms.PageTable.Map(mem.TrampolineVPN, trampolinePage(alloc), mem.PTE_R|mem.PTE_X)
	return ms
}

// NewBare creates an empty address space containing only the trampoline
// mapping.
func NewBare(alloc *mem.FrameAllocator, phys *mem.PhysMem) *MemorySet {
	return newBareSet(alloc, phys)
}

// NewKernel builds the kernel's own address space: identity maps over
// every physical range supplied, plus the trampoline. Each range becomes
// its own Identical area with its own permissions; proc.NewProcessor
// passes a single R|W range over the whole physical arena.
func NewKernel(alloc *mem.FrameAllocator, phys *mem.PhysMem, ranges []struct {
	Start, End mem.VA
	Perm       mem.Perm
}) *MemorySet {
	ms := newBareSet(alloc, phys)
	for _, r := range ranges {
		v := NewVMA(r.Start, r.End, Identical, r.Perm)
		v.Map(ms.PageTable, alloc)
		ms.Areas = append(ms.Areas, v)
	}
	return ms
}

// InsertFramed creates, maps, and records a new Framed VMA covering
// [start, end) with the given permission set.
func (ms *MemorySet) InsertFramed(start, end mem.VA, perm mem.Perm) *VMA {
	v := NewVMA(start, end, Framed, perm)
	v.Map(ms.PageTable, ms.alloc)
	ms.Areas = append(ms.Areas, v)
	return v
}

// RemoveArea unmaps v, returns its frames, and forgets it. Used for
// areas with a lifecycle of their own inside a long-lived set, like a
// process's kernel stack inside the kernel address space.
func (ms *MemorySet) RemoveArea(v *VMA) {
	for i, a := range ms.Areas {
		if a == v {
			v.Unmap(ms.PageTable, ms.alloc)
			ms.Areas = append(ms.Areas[:i], ms.Areas[i+1:]...)
			return
		}
	}
	panic("vm: RemoveArea of an area this set does not own")
}

// mapTrapContext reserves the fixed trap-context page as its own
// R|W (no U) framed area, one page below the trampoline.
func (ms *MemorySet) mapTrapContext() {
	ms.InsertFramed(mem.TrapContextVPN.Addr(), mem.TrampolineVPN.Addr(), mem.PermR|mem.PermW)
}

// TrapContextBytes returns the kernel-addressable byte slice backing
// this address space's trap context page.
func (ms *MemorySet) TrapContextBytes() []byte {
	pte, ok := ms.PageTable.Translate(mem.TrapContextVPN)
	if !ok {
		panic("vm: trap context page not mapped")
	}
	return ms.phys.Page(pte.PPN())[:TrapContextSize]
}

// FromELF parses an ELF image, maps each PT_LOAD segment into a fresh
// address space as its own Framed VMA with the segment's permissions,
// then lays out the rest of the user address space: one unmapped guard
// page above the highest segment, the user stack above that, the empty
// heap area anchored at the page past the stack base, and the trap
// context page at its fixed VPN. It returns the new set, the initial
// user stack pointer (the stack's high end), and the entry point. The
// heap's bottom and the initial program break both equal the returned
// stack pointer.
func FromELF(alloc *mem.FrameAllocator, phys *mem.PhysMem, image []byte) (ms *MemorySet, userSP mem.VA, entry mem.VA, err error) {
	f, perr := elf.NewFile(bytes.NewReader(image))
	if perr != nil {
		return nil, 0, 0, fmt.Errorf("vm: parse elf: %w", perr)
	}
	ms = newBareSet(alloc, phys)

	var maxEnd mem.VPN
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		start := mem.VA(prog.Vaddr)
		end := mem.VA(prog.Vaddr + prog.Memsz)
		var perm mem.Perm = mem.PermU
		if prog.Flags&elf.PF_R != 0 {
			perm |= mem.PermR
		}
		if prog.Flags&elf.PF_W != 0 {
			perm |= mem.PermW
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= mem.PermX
		}
		v := ms.InsertFramed(start, end, perm)
		data := make([]byte, prog.Filesz)
		if _, rerr := prog.ReadAt(data, 0); rerr != nil {
			return nil, 0, 0, fmt.Errorf("vm: read segment: %w", rerr)
		}
		v.Memcpy(phys, data)
		if end.Ceil() > maxEnd {
			maxEnd = end.Ceil()
		}
	}

	// One unmapped guard page, then the stack; overrunning the stack's
	// low end faults instead of scribbling over the loaded image.
	stackLow := maxEnd + 1
	stackHigh := stackLow + UserStackPages
	ms.InsertFramed(stackLow.Addr(), stackHigh.Addr(), mem.PermR|mem.PermW|mem.PermU)

	// The heap starts empty, anchored at the page past the stack base,
	// and grows upward from there via HeapGrow.
	heapBtm := stackHigh.Addr()
	ms.heapBtm = heapBtm
	ms.brk = heapBtm
	ms.heapArea = NewVMA(heapBtm, heapBtm, Framed, mem.PermR|mem.PermW|mem.PermU)
	ms.Areas = append(ms.Areas, ms.heapArea)

	ms.mapTrapContext()
	return ms, stackHigh.Addr(), mem.VA(f.Entry), nil
}

// HeapBottom returns the lowest address of the heap area (the initial
// program break).
func (ms *MemorySet) HeapBottom() mem.VA { return ms.heapBtm }

// Brk returns the current program break.
func (ms *MemorySet) Brk() mem.VA { return ms.brk }

// HeapGrow extends the heap area so its end is newBrk, mapping newly
// covered pages. It fails if newBrk is below the heap's bottom.
func (ms *MemorySet) HeapGrow(newBrk mem.VA) error {
	if newBrk < ms.heapBtm {
		return fmt.Errorf("vm: heap cannot shrink below its bottom")
	}
	ms.heapArea.AppendTo(ms.PageTable, ms.alloc, newBrk.Ceil())
	ms.brk = newBrk
	return nil
}

// HeapShrink shrinks the heap area so its end is newBrk, unmapping and
// freeing pages no longer covered.
func (ms *MemorySet) HeapShrink(newBrk mem.VA) error {
	if newBrk < ms.heapBtm {
		return fmt.Errorf("vm: heap cannot shrink below its bottom")
	}
	ms.heapArea.ShrinkTo(ms.PageTable, ms.alloc, newBrk.Ceil())
	ms.brk = newBrk
	return nil
}

// Translate resolves vpn against this set's page table.
func (ms *MemorySet) Translate(vpn mem.VPN) (mem.PTE, bool) {
	return ms.PageTable.Translate(vpn)
}

// Token returns the satp-style activation token for this address space.
func (ms *MemorySet) Token() uint64 { return ms.PageTable.Token() }

// activeSatp holds the token most recently written by Activate, the
// hosted stand-in for the satp CSR itself.
var activeSatp atomic.Uint64

// Activate installs this address space: on hardware this writes satp
// and issues an sfence.vma TLB flush; here the token is recorded so the
// kernel (and tests) can observe which space is live.
func (ms *MemorySet) Activate() {
	activeSatp.Store(ms.Token())
}

// ActiveToken returns the satp token of the most recently activated
// address space, or zero if none has been activated yet.
func ActiveToken() uint64 { return activeSatp.Load() }

// Clone deep-copies src into a brand new address space: every Framed
// area gets fresh frames with the same bytes, since this kernel has no
// copy-on-write (a Non-goal). Identical areas are remapped directly,
// sharing the same physical pages as src (they are kernel text/data,
// which is safe to alias).
func Clone(alloc *mem.FrameAllocator, phys *mem.PhysMem, src *MemorySet) *MemorySet {
	dst := newBareSet(alloc, phys)
	for _, area := range src.Areas {
		switch area.Type {
		case Identical:
			na := FromExisting(area)
			na.Map(dst.PageTable, alloc)
			dst.Areas = append(dst.Areas, na)
		case Framed:
			na := FromExisting(area)
			na.Map(dst.PageTable, alloc)
			for vpn := area.Range.Start; vpn < area.Range.End; vpn++ {
				srcPPN := area.Frames[vpn]
				dstPPN := na.Frames[vpn]
				copy(phys.Page(dstPPN), phys.Page(srcPPN))
			}
			dst.Areas = append(dst.Areas, na)
			if area == src.heapArea {
				dst.heapArea = na
			}
		}
	}
	dst.heapBtm = src.heapBtm
	dst.brk = src.brk
	return dst
}

// Recycle unmaps every Framed area and returns its frames (data pages,
// stack, heap, trap context) but leaves the page table itself and the
// trampoline mapping intact. A process's memory set is recycled, not
// dropped, when it exits: the table must stay walkable until the
// parent has finished reaping.
func (ms *MemorySet) Recycle() {
	for _, area := range ms.Areas {
		if area.Type == Framed {
			area.Unmap(ms.PageTable, ms.alloc)
		}
	}
	ms.Areas = nil
}

// Drop releases the page-table tree's own frames. Frames still mapped
// through the table are not freed, so callers recycle first; Drop is
// the final step once nothing will ever again reference the address
// space.
func (ms *MemorySet) Drop() {
	ms.PageTable.DropPageTable()
}
