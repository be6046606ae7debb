package vm

import (
	"encoding/binary"

	"yekernel/mem"
)

// WriteBytes copies data into this address space starting at va,
// re-translating at each page boundary. The destination range must be
// mapped; writing through a hole is a kernel programming error.
func (ms *MemorySet) WriteBytes(va mem.VA, data []byte) {
	for len(data) > 0 {
		n := int(mem.PageSize - va.PageOffset())
		if n > len(data) {
			n = len(data)
		}
		dst, ok := ms.PageTable.TranslateBytes(va, n)
		if !ok {
			panic("vm: WriteBytes through an unmapped page")
		}
		copy(dst, data[:n])
		data = data[n:]
		va += mem.VA(n)
	}
}

// ReadBytes copies n bytes out of this address space starting at va,
// re-translating at each page boundary.
func (ms *MemorySet) ReadBytes(va mem.VA, n int) []byte {
	out := make([]byte, 0, n)
	for n > 0 {
		chunk := int(mem.PageSize - va.PageOffset())
		if chunk > n {
			chunk = n
		}
		src, ok := ms.PageTable.TranslateBytes(va, chunk)
		if !ok {
			panic("vm: ReadBytes through an unmapped page")
		}
		out = append(out, src...)
		n -= chunk
		va += mem.VA(chunk)
	}
	return out
}

// WriteWord stores a 64-bit little-endian word at va, which may not
// cross a page boundary (the word-sized analogue of the page-table
// walker's translate_virt_mut precondition).
func (ms *MemorySet) WriteWord(va mem.VA, v uint64) {
	dst, ok := ms.PageTable.TranslateBytes(va, 8)
	if !ok {
		panic("vm: WriteWord through an unmapped page")
	}
	binary.LittleEndian.PutUint64(dst, v)
}

// ReadWord loads the 64-bit little-endian word at va.
func (ms *MemorySet) ReadWord(va mem.VA) uint64 {
	src, ok := ms.PageTable.TranslateBytes(va, 8)
	if !ok {
		panic("vm: ReadWord through an unmapped page")
	}
	return binary.LittleEndian.Uint64(src)
}
