package proc

import (
	"fmt"

	"yekernel/mem"
	"yekernel/vm"
)

// TrapHandlerAddr stands in for the linked address of the kernel's trap
// handler, the value every fresh trap context's trap_handler field is
// pointed at. Like trapReturnAddr it only needs to be stable and
// recognizable; there is no linked image to take a real symbol from.
const TrapHandlerAddr = 0x1000_0000_1000

// loadImage replaces p's address space with one built from the ELF
// bytes in image, lays argv out on the new user stack, and writes the
// initial trap context: the exec half of both Spawn and sys_exec. The
// argv layout matches the source kernel's exactly -- a NULL-terminated
// array of argc+1 pointers at the stack base, the string bytes packed
// below it growing downward, sp left at the lowest string byte, with
// a0 = argc and a1 = the pointer-array base.
func (pr *Processor) loadImage(p *PCB, image []byte, argv []string) error {
	ms, sp, entry, err := vm.FromELF(pr.Alloc, pr.Phys, image)
	if err != nil {
		return fmt.Errorf("proc: load image: %w", err)
	}
	if p.MemSet != nil {
		p.MemSet.Recycle()
		p.MemSet.Drop()
	}
	p.MemSet = ms
	p.TrapCtxPPN = ms.TrapContextPPN()
	p.BaseSize = sp

	argc := len(argv)
	argvBase := sp - mem.VA(8*(argc+1))
	ms.WriteWord(sp-8, 0) // argv[argc] = NULL
	base := argvBase
	for i, arg := range argv {
		base -= mem.VA(len(arg) + 1)
		ms.WriteWord(argvBase+mem.VA(8*i), uint64(base))
		ms.WriteBytes(base, append([]byte(arg), 0))
	}

	ctx := vm.NewTrapContext(entry, base, pr.kernelToken(), p.KStackHigh.Addr(), TrapHandlerAddr)
	ctx.X[10] = uint64(argc)
	ctx.X[11] = uint64(argvBase)
	ms.SetTrapContext(ctx)
	p.TaskCtx = newTaskContext(uint64(p.KStackHigh.Addr()))
	return nil
}

// kernelSpace is the guarded kernel address space plus the per-pid
// kernel-stack areas carved into it.
type kernelSpace struct {
	ms     *vm.MemorySet
	stacks map[int]*vm.VMA
}

// kernelToken returns the kernel address space's satp token, the value
// every trap context's kernel_satp field carries.
func (pr *Processor) kernelToken() uint64 {
	g := pr.kspace.Access()
	defer g.Release()
	return g.Get().ms.Token()
}

// KernelMemorySet exposes the kernel's own address space, for tests and
// the boot sequence.
func (pr *Processor) KernelMemorySet() *vm.MemorySet {
	g := pr.kspace.Access()
	defer g.Release()
	return g.Get().ms
}

// allocKernelStack maps pid's kernel stack into the kernel address
// space at its fixed slot below the trampoline (see vm.KernelStackRange
// for the guard-gap arithmetic) and records the bounds on p.
func (pr *Processor) allocKernelStack(p *PCB) {
	low, high := vm.KernelStackRange(p.Pid)
	g := pr.kspace.Access()
	defer g.Release()
	s := g.Get()
	area := s.ms.InsertFramed(low.Addr(), high.Addr(), mem.PermR|mem.PermW)
	s.stacks[p.Pid] = area
	p.KStackLow, p.KStackHigh = low, high
}

// freeKernelStack returns pid's kernel stack pages to the frame
// allocator, called when the PCB itself is finally reaped.
func (pr *Processor) freeKernelStack(pid int) {
	g := pr.kspace.Access()
	defer g.Release()
	s := g.Get()
	if area, ok := s.stacks[pid]; ok {
		s.ms.RemoveArea(area)
		delete(s.stacks, pid)
	}
}
