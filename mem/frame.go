package mem

import (
	"fmt"

	"yekernel/excl"
)

// frameAllocState is the guarded state of a FrameAllocator: the ordered
// set of free PPNs plus a membership set used only to make double-free
// detection immediate, the way the source kernel's allocator panics
// instead of silently corrupting its free list.
type frameAllocState struct {
	free      []PPN
	allocated map[PPN]bool
}

// FrameAllocator owns the set of free physical page frames in
// [mem.Base(), mem.End()) and hands out or reclaims individual frames.
// It is process-wide, init-once, teardown-never state, so its free list
// lives behind an excl.Cell rather than being passed around by value.
type FrameAllocator struct {
	mem   *PhysMem
	state *excl.Cell[frameAllocState]
}

// NewFrameAllocator creates an allocator owning every frame in mem.
func NewFrameAllocator(m *PhysMem) *FrameAllocator {
	free := make([]PPN, 0, m.pages)
	allocated := make(map[PPN]bool, m.pages)
	for ppn := m.Base(); ppn < m.End(); ppn++ {
		free = append(free, ppn)
	}
	return &FrameAllocator{
		mem:   m,
		state: excl.New(frameAllocState{free: free, allocated: allocated}),
	}
}

// Mem returns the physical memory arena this allocator draws frames from.
func (a *FrameAllocator) Mem() *PhysMem { return a.mem }

// Alloc pops any free frame, zeroes its contents, and returns it. It
// panics ("out of memory") if the free set is empty: running out of
// physical frames is an unrecoverable kernel error, not a user-visible
// one.
func (a *FrameAllocator) Alloc() PPN {
	g := a.state.Access()
	defer g.Release()
	s := g.Get()
	n := len(s.free)
	if n == 0 {
		panic("mem: out of memory: no free frames")
	}
	ppn := s.free[n-1]
	s.free = s.free[:n-1]
	s.allocated[ppn] = true
	a.mem.Zero(ppn)
	return ppn
}

// Dealloc returns ppn to the free set. Double-free is fatal.
func (a *FrameAllocator) Dealloc(ppn PPN) {
	g := a.state.Access()
	defer g.Release()
	s := g.Get()
	if !s.allocated[ppn] {
		panic(fmt.Sprintf("mem: double free or bogus free of frame %#x", ppn))
	}
	delete(s.allocated, ppn)
	s.free = append(s.free, ppn)
}

// Free reports the number of currently unallocated frames, for tests and
// diagnostics.
func (a *FrameAllocator) Free() int {
	g := a.state.Access()
	defer g.Release()
	return len(g.Get().free)
}
