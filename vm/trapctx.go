package vm

import (
	"encoding/binary"

	"yekernel/mem"
)

// TrapContext is the register state saved across every user<->kernel
// transition, laid out exactly as the trap-context page stores it: the
// 32 general registers, the sstatus and sepc CSRs, and the three
// kernel-side values trap entry needs before it can do anything else
// (the kernel's satp token, the process's kernel stack pointer, and
// the trap handler's entry address).
type TrapContext struct {
	X           [32]uint64
	Sstatus     uint64
	Sepc        uint64
	KernelSatp  uint64
	KernelSP    uint64
	TrapHandler uint64
}

// trapContextWords is the number of 64-bit words a TrapContext occupies
// in its page: 32 general registers plus the five trailing fields.
const trapContextWords = 32 + 5

// TrapContextSize is the byte size of a saved trap context, well inside
// the single page reserved for it at TrapContextVPN.
const TrapContextSize = trapContextWords * 8

// sstatusSPP is the "previous privilege" bit of sstatus; clear means the
// trap came from (and sret returns to) user mode.
const sstatusSPP = 1 << 8

// NewTrapContext builds the initial trap context for a process about to
// enter user mode for the first time: sepc at the program's entry point,
// sp (x2) at the top of its user stack, and sstatus marked so the
// eventual sret lands in user mode.
func NewTrapContext(entry, sp mem.VA, kernelSatp uint64, kernelSP mem.VA, trapHandler uint64) TrapContext {
	ctx := TrapContext{
		Sstatus:     0 &^ sstatusSPP,
		Sepc:        uint64(entry),
		KernelSatp:  kernelSatp,
		KernelSP:    uint64(kernelSP),
		TrapHandler: trapHandler,
	}
	ctx.SetSP(sp)
	return ctx
}

// SetSP stores sp into x2, the RISC-V stack pointer register.
func (c *TrapContext) SetSP(sp mem.VA) { c.X[2] = uint64(sp) }

// SP returns x2, the stack pointer.
func (c *TrapContext) SP() mem.VA { return mem.VA(c.X[2]) }

func (c *TrapContext) encode(buf []byte) {
	for i, x := range c.X {
		binary.LittleEndian.PutUint64(buf[i*8:], x)
	}
	binary.LittleEndian.PutUint64(buf[32*8:], c.Sstatus)
	binary.LittleEndian.PutUint64(buf[33*8:], c.Sepc)
	binary.LittleEndian.PutUint64(buf[34*8:], c.KernelSatp)
	binary.LittleEndian.PutUint64(buf[35*8:], c.KernelSP)
	binary.LittleEndian.PutUint64(buf[36*8:], c.TrapHandler)
}

func decodeTrapContext(buf []byte) TrapContext {
	var c TrapContext
	for i := range c.X {
		c.X[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	c.Sstatus = binary.LittleEndian.Uint64(buf[32*8:])
	c.Sepc = binary.LittleEndian.Uint64(buf[33*8:])
	c.KernelSatp = binary.LittleEndian.Uint64(buf[34*8:])
	c.KernelSP = binary.LittleEndian.Uint64(buf[35*8:])
	c.TrapHandler = binary.LittleEndian.Uint64(buf[36*8:])
	return c
}

// TrapContext decodes the saved trap context out of this address space's
// trap-context page. Reading it is how the kernel observes a process's
// user registers while that process is not running.
func (ms *MemorySet) TrapContext() TrapContext {
	return decodeTrapContext(ms.TrapContextBytes())
}

// SetTrapContext writes ctx into the trap-context page.
func (ms *MemorySet) SetTrapContext(ctx TrapContext) {
	ctx.encode(ms.TrapContextBytes())
}

// TrapContextPPN returns the physical page holding the trap context --
// the trap_ctx_ppn field a PCB records so the kernel can reach the
// context without walking the process's page table each time.
func (ms *MemorySet) TrapContextPPN() mem.PPN {
	pte, ok := ms.PageTable.Translate(mem.TrapContextVPN)
	if !ok {
		panic("vm: trap context page not mapped")
	}
	return pte.PPN()
}
