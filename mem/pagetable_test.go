package mem

import "testing"

func newTestTables(t *testing.T) (*FrameAllocator, PageTable) {
	t.Helper()
	phys := NewPhysMem(0x8000, 512)
	alloc := NewFrameAllocator(phys)
	return alloc, NewPageTable(alloc)
}

func TestPagingSmoke(t *testing.T) {
	alloc, pt := newTestTables(t)

	startVA := VA(0x8040_0000)
	endVA := VA(0x8050_0000)
	startFrame := alloc.Alloc()
	flags := PermR.PTEFlags() | PermW.PTEFlags()

	vpn := startVA.Floor()
	ppn := startFrame
	for v := vpn; v < endVA.Floor(); v++ {
		if v != vpn {
			ppn = alloc.Alloc()
		}
		pt.Map(v, ppn, flags)
	}

	targetVA := VA(0x8040_1000)
	bytes, ok := pt.TranslateBytes(targetVA, 1)
	if !ok {
		t.Fatal("translate of mapped page failed")
	}
	bytes[0] = 0x42

	pa, ok := pt.TranslateVA(targetVA)
	if !ok {
		t.Fatal("TranslateVA failed for mapped page")
	}
	readBack, ok2 := pt.TranslateBytes(targetVA, 1)
	if !ok2 || readBack[0] != 0x42 {
		t.Fatalf("expected to read back 0x42, got %v (pa=%#x)", readBack, pa)
	}
}

func TestMapUnmapRoundtrip(t *testing.T) {
	alloc, pt := newTestTables(t)
	vpn := VA(0x1000_0000).Floor()
	ppn := alloc.Alloc()
	pt.Map(vpn, ppn, PermR.PTEFlags())

	pte, ok := pt.Translate(vpn)
	if !ok || pte.PPN() != ppn {
		t.Fatalf("translate after map mismatched: ok=%v ppn=%#x want=%#x", ok, pte.PPN(), ppn)
	}

	pt.Unmap(vpn)
	if _, ok := pt.Translate(vpn); ok {
		t.Fatal("expected translate to fail after unmap")
	}
}

func TestMapAlreadyMappedPanics(t *testing.T) {
	_, pt := newTestTables(t)
	vpn := VA(0x2000_0000).Floor()
	pt.Map(vpn, 0x100, PermR.PTEFlags())

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic mapping an already-mapped vpn")
		}
	}()
	pt.Map(vpn, 0x101, PermR.PTEFlags())
}

func TestUnmapUnmappedPanics(t *testing.T) {
	_, pt := newTestTables(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic unmapping an unmapped page")
		}
	}()
	pt.Unmap(VA(0x3000_0000).Floor())
}

func TestTranslateCString(t *testing.T) {
	alloc, pt := newTestTables(t)
	vpn := VA(0x4000_0000).Floor()
	ppn := alloc.Alloc()
	pt.Map(vpn, ppn, PermR.PTEFlags()|PermW.PTEFlags())

	page := alloc.Mem().Page(ppn)
	copy(page[100:], []byte("hello\x00"))

	got, ok := pt.TranslateCString(VA(0x4000_0000 + 100))
	if !ok || got != "hello" {
		t.Fatalf("TranslateCString = %q, %v", got, ok)
	}
}

func TestDropPageTableReclaimsTableFrames(t *testing.T) {
	phys := NewPhysMem(0x8000, 256)
	alloc := NewFrameAllocator(phys)
	baseline := alloc.Free()
	pt := NewPageTable(alloc)

	frames := make([]PPN, 0, 10)
	for i := 0; i < 10; i++ {
		vpn := VA(0x5000_0000).Floor() + VPN(i)
		ppn := alloc.Alloc()
		frames = append(frames, ppn)
		pt.Map(vpn, ppn, PermR.PTEFlags())
	}

	// Drop frees the root and the lazily created intermediate and leaf
	// tables, but never the data frames mapped through them -- those
	// belong to whoever mapped them (a VMA, normally).
	pt.DropPageTable()
	for _, ppn := range frames {
		alloc.Dealloc(ppn)
	}
	if got := alloc.Free(); got != baseline {
		t.Fatalf("expected every frame reclaimed, free=%d baseline=%d", got, baseline)
	}
}
