// Package testelf builds minimal, valid 64-bit RISC-V ELF executables
// in memory, so tests and the boot harness can feed vm.FromELF a
// genuine image without shipping a prebuilt binary fixture.
package testelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Build returns a minimal ELF image with a single PT_LOAD segment
// containing code, mapped at loadAddr with entry point loadAddr.
func Build(loadAddr uint64, code []byte) []byte {
	const ehdrSize = 64
	const phdrSize = 56

	padded := make([]byte, len(code))
	copy(padded, code)

	var buf bytes.Buffer

	ehdr := make([]byte, ehdrSize)
	copy(ehdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	ehdr[4] = 2 // ELFCLASS64
	ehdr[5] = 1 // ELFDATA2LSB
	ehdr[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(ehdr[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(ehdr[18:], uint16(elf.EM_RISCV))
	binary.LittleEndian.PutUint32(ehdr[20:], 1) // EV_CURRENT
	binary.LittleEndian.PutUint64(ehdr[24:], loadAddr)
	binary.LittleEndian.PutUint64(ehdr[32:], ehdrSize) // phoff
	binary.LittleEndian.PutUint16(ehdr[52:], ehdrSize)
	binary.LittleEndian.PutUint16(ehdr[54:], phdrSize)
	binary.LittleEndian.PutUint16(ehdr[56:], 1) // phnum

	phdr := make([]byte, phdrSize)
	binary.LittleEndian.PutUint32(phdr[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(phdr[4:], uint32(elf.PF_R|elf.PF_X))
	off := uint64(ehdrSize + phdrSize)
	binary.LittleEndian.PutUint64(phdr[8:], off)
	binary.LittleEndian.PutUint64(phdr[16:], loadAddr)
	binary.LittleEndian.PutUint64(phdr[24:], loadAddr)
	binary.LittleEndian.PutUint64(phdr[32:], uint64(len(padded)))
	binary.LittleEndian.PutUint64(phdr[40:], uint64(len(padded)))
	binary.LittleEndian.PutUint64(phdr[48:], 0x1000)

	buf.Write(ehdr)
	buf.Write(phdr)
	buf.Write(padded)
	return buf.Bytes()
}
