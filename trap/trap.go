// Package trap is the kernel-side half of the user/kernel boundary:
// given the exception cause a trap delivered, it does what the trap
// handler does after the trampoline has swapped address spaces and the
// trap context is saved. Trampoline assembly and the sret/ecall
// machinery themselves are pinned external interfaces; what is
// implemented here is the dispatch the handler performs once control
// reaches it -- timer preemption, syscall servicing against the saved
// register file, and fault-to-signal conversion -- followed by the
// pending-signal sweep every trap exit runs.
package trap

import (
	"fmt"
	"log/slog"

	"yekernel/defs"
	"yekernel/mem"
	"yekernel/proc"
	"yekernel/sig"
	"yekernel/syscall"
	"yekernel/vm"
)

// Cause is the exception cause a trap was taken with, the scause values
// the handler distinguishes.
type Cause int

const (
	// TimerInterrupt is the supervisor timer firing at the end of the
	// current process's time slice.
	TimerInterrupt Cause = iota
	// UserEnvCall is an ecall from user mode: a syscall.
	UserEnvCall
	// IllegalInstruction covers undecodable or privileged instructions
	// executed in user mode.
	IllegalInstruction
	// LoadPageFault and StorePageFault are access faults against
	// unmapped or permission-denied pages.
	LoadPageFault
	StorePageFault
)

func (c Cause) String() string {
	switch c {
	case TimerInterrupt:
		return "timer interrupt"
	case UserEnvCall:
		return "user environment call"
	case IllegalInstruction:
		return "illegal instruction"
	case LoadPageFault:
		return "load page fault"
	case StorePageFault:
		return "store page fault"
	default:
		return "unknown"
	}
}

// Handle services one trap taken by p with the given cause, then runs
// the pending-signal sweep before "returning to user mode". For
// UserEnvCall the syscall number and arguments are taken from the saved
// trap context (x17 and x10..x12), sepc is advanced past the ecall
// instruction, and the return value is stored back into x10. aux
// carries whatever non-register payload the specific syscall needs
// (a fork continuation, a registered handler closure); register-only
// syscalls ignore it.
func Handle(pr *proc.Processor, p *proc.PCB, cause Cause, aux interface{}, logger *slog.Logger) {
	switch cause {
	case TimerInterrupt:
		pr.Yield(p)
	case UserEnvCall:
		handleSyscall(pr, p, aux, logger)
	case IllegalInstruction:
		p.Raise(sig.SIGILL)
	case LoadPageFault, StorePageFault:
		p.Raise(sig.SIGSEGV)
	default:
		panic(fmt.Sprintf("trap: unhandled cause %d", cause))
	}
	pr.HandleSignals(p)
}

// handleSyscall decodes the saved register file into a syscall.Call,
// translating pointer arguments through p's own page table, dispatches
// it, and writes the result (and for sys_read, the filled buffer) back
// where user code will see it.
func handleSyscall(pr *proc.Processor, p *proc.PCB, aux interface{}, logger *slog.Logger) {
	ms := p.MemSet
	ctx := ms.TrapContext()
	ctx.Sepc += 4 // step past the ecall
	ms.SetTrapContext(ctx)

	call := syscall.Call{
		No: int(ctx.X[17]),
		A0: int64(ctx.X[10]),
		A1: int64(ctx.X[11]),
		A2: int64(ctx.X[12]),
	}
	call.Aux = aux

	var readBuf []byte
	switch call.No {
	case defs.SYS_WRITE:
		call.Aux = ms.ReadBytes(mem.VA(ctx.X[11]), int(ctx.X[12]))
	case defs.SYS_READ:
		readBuf = make([]byte, int(ctx.X[12]))
		call.Aux = readBuf
	case defs.SYS_OPEN:
		path, ok := ms.PageTable.TranslateCString(mem.VA(ctx.X[10]))
		if !ok {
			p.Raise(sig.SIGSEGV)
			return
		}
		call.Aux = path
	case defs.SYS_EXEC:
		args, ok := execArgs(ms, mem.VA(ctx.X[10]), mem.VA(ctx.X[11]))
		if !ok {
			p.Raise(sig.SIGSEGV)
			return
		}
		call.Aux = args
	}

	res := syscall.Dispatch(pr.SyscallsFor(p), call, logger)

	ret := res.Value
	if res.Errno != 0 {
		ret = int64(res.Errno)
	}

	// The trap context may have been rebuilt under us (exec) or written
	// to by a handler; re-read before storing the return value.
	ctx = ms.TrapContext()
	ctx.X[10] = uint64(ret)
	ms.SetTrapContext(ctx)

	if readBuf != nil && res.Value > 0 {
		ms.WriteBytes(mem.VA(ctx.X[11]), readBuf[:res.Value])
	}
}

// execArgs walks exec's two pointer arguments in user memory: a
// NUL-terminated path string and a NULL-terminated array of pointers to
// NUL-terminated argument strings.
func execArgs(ms *vm.MemorySet, pathPtr, argvPtr mem.VA) ([]string, bool) {
	path, ok := ms.PageTable.TranslateCString(pathPtr)
	if !ok {
		return nil, false
	}
	args := []string{path}
	if argvPtr != 0 {
		for {
			ptr := ms.ReadWord(argvPtr)
			if ptr == 0 {
				break
			}
			arg, ok := ms.PageTable.TranslateCString(mem.VA(ptr))
			if !ok {
				return nil, false
			}
			args = append(args, arg)
			argvPtr += 8
		}
	}
	return args, true
}
