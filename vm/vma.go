// Package vm builds process address spaces on top of the Sv39 page
// tables and frame allocator in package mem: virtual memory areas (VMAs)
// and the MemorySet that owns a page table plus its ordered list of
// areas. Unlike the source kernel's Vmregion/Vm_t, which support lazy
// population and copy-on-write for demand paging, every mapping here is
// eager: Non-goals exclude demand paging, COW, and mmap, so a VMA simply
// owns the frames backing it for as long as it lives.
package vm

import "yekernel/mem"

// MapType selects how a VMA's virtual pages are backed.
type MapType int

const (
	// Identical maps each VPN directly to the PPN with the same number,
	// used only for kernel address-space regions.
	Identical MapType = iota
	// Framed backs each VPN with a freshly allocated, owned frame.
	Framed
)

// VMA is one contiguous virtual memory area within a MemorySet: a page
// range, how it is backed, and the permission bits every page in it
// carries. A Framed VMA owns the frames in Frames and is responsible for
// returning them to the allocator when unmapped.
type VMA struct {
	Range   mem.VPNRange
	Type    MapType
	Perm    mem.Perm
	Frames  map[mem.VPN]mem.PPN
}

// NewVMA constructs a VMA covering [startVA, endVA), rounded to page
// boundaries the way the source VmArea::new does: start floors down,
// end ceils up.
func NewVMA(startVA, endVA mem.VA, mapType MapType, perm mem.Perm) *VMA {
	return &VMA{
		Range:  mem.VPNRange{Start: startVA.Floor(), End: endVA.Ceil()},
		Type:   mapType,
		Perm:   perm,
		Frames: make(map[mem.VPN]mem.PPN),
	}
}

// FromExisting clones the VPN range, type, and permissions of other but
// starts with no frames of its own -- the caller still has to Map it.
func FromExisting(other *VMA) *VMA {
	return &VMA{Range: other.Range, Type: other.Type, Perm: other.Perm, Frames: make(map[mem.VPN]mem.PPN)}
}

func (v *VMA) mapOne(pt mem.PageTable, alloc *mem.FrameAllocator, vpn mem.VPN) mem.PPN {
	var ppn mem.PPN
	switch v.Type {
	case Identical:
		ppn = mem.PPN(vpn)
	case Framed:
		ppn = alloc.Alloc()
		v.Frames[vpn] = ppn
	default:
		panic("vm: unknown map type")
	}
	pt.Map(vpn, ppn, v.Perm.PTEFlags())
	return ppn
}

// Map installs every page of the area into pt, allocating backing frames
// for Framed areas as it goes.
func (v *VMA) Map(pt mem.PageTable, alloc *mem.FrameAllocator) {
	v.Range.Each(func(vpn mem.VPN) {
		v.mapOne(pt, alloc, vpn)
	})
}

// Unmap removes every page of the area from pt and, for Framed areas,
// returns the owned frames to alloc.
func (v *VMA) Unmap(pt mem.PageTable, alloc *mem.FrameAllocator) {
	v.Range.Each(func(vpn mem.VPN) {
		pt.Unmap(vpn)
		if v.Type == Framed {
			if ppn, ok := v.Frames[vpn]; ok {
				alloc.Dealloc(ppn)
				delete(v.Frames, vpn)
			}
		}
	})
}

// AppendTo grows the area to a new, larger end VPN, mapping the newly
// covered pages. newEnd must not be smaller than the current end.
func (v *VMA) AppendTo(pt mem.PageTable, alloc *mem.FrameAllocator, newEnd mem.VPN) {
	if newEnd < v.Range.End {
		panic("vm: AppendTo called with a smaller end")
	}
	for vpn := v.Range.End; vpn < newEnd; vpn++ {
		v.mapOne(pt, alloc, vpn)
	}
	v.Range.End = newEnd
}

// ShrinkTo shrinks the area to a smaller end VPN, unmapping and freeing
// the pages no longer covered. newEnd must not be larger than the
// current end.
func (v *VMA) ShrinkTo(pt mem.PageTable, alloc *mem.FrameAllocator, newEnd mem.VPN) {
	if newEnd > v.Range.End {
		panic("vm: ShrinkTo called with a larger end")
	}
	for vpn := newEnd; vpn < v.Range.End; vpn++ {
		pt.Unmap(vpn)
		if v.Type == Framed {
			if ppn, ok := v.Frames[vpn]; ok {
				alloc.Dealloc(ppn)
				delete(v.Frames, vpn)
			}
		}
	}
	v.Range.End = newEnd
}

// Memcpy copies data into the area's backing frames starting at its
// first page, crossing page boundaries as needed, the way the source
// MapArea::copy_data loads ELF segment bytes into freshly framed pages.
// The area must already be mapped and large enough to hold data.
func (v *VMA) Memcpy(phys *mem.PhysMem, data []byte) {
	vpn := v.Range.Start
	off := 0
	for off < len(data) {
		ppn, ok := v.Frames[vpn]
		if !ok {
			panic("vm: Memcpy over an unmapped or non-framed page")
		}
		page := phys.Page(ppn)
		n := len(data) - off
		if n > mem.PageSize {
			n = mem.PageSize
		}
		copy(page[:n], data[off:off+n])
		off += n
		vpn++
	}
}
