// Package proc implements process control blocks and the scheduler. A
// process control block (PCB) carries its identity, address space,
// file descriptors and signal state; the Processor is the per-"CPU"
// scheduler that decides which PCB runs.
//
// Design note on the execution model: the source kernel this module is
// modelled on context-switches between raw kernel stacks in hand-written
// RISC-V assembly, something this repository (a hosted Go program that
// never emits RISC-V) cannot exercise or test. Each process here is instead a real goroutine; Processor hands
// exactly one goroutine "the token" at a time over a per-PCB channel,
// giving the same single-CPU, scheduler-decides-who's-next semantics,
// built the way gvisor's sentry hosts OS-level process scheduling on
// top of the Go runtime instead of raw hardware context switches. PCB
// fields, fork/exit bookkeeping, and scheduling decisions are fully
// implemented and tested at the level that matters to callers:
// observable kernel decisions, not literal assembly trap entry.
package proc

import (
	"sync"
	"sync/atomic"

	"yekernel/accnt"
	"yekernel/fd"
	"yekernel/mem"
	"yekernel/sig"
	"yekernel/tinfo"
	"yekernel/vm"
)

// PCB is a process control block: everything the kernel tracks about one
// process between the moments it is scheduled.
type PCB struct {
	Pid int

	mu    sync.Mutex
	state tinfo.State

	MemSet *vm.MemorySet

	// TrapCtxPPN is the physical page holding this process's saved trap
	// context, recorded at load time so the kernel can reach user
	// registers without walking the process's page table.
	TrapCtxPPN mem.PPN

	// TaskCtx is the kernel-to-kernel switch state (see TaskContext).
	TaskCtx TaskContext

	// KStackLow and KStackHigh bound this process's kernel stack in the
	// kernel address space, guard-page gap included in the spacing (see
	// vm.KernelStackRange).
	KStackLow, KStackHigh mem.VPN

	// BaseSize records how much of the low address space the loaded
	// image consumes: everything below the initial user stack pointer,
	// as set at exec time.
	BaseSize mem.VA

	ExitCode int

	Parent   *PCB // non-owning back-reference; nil for initproc
	Children []*PCB

	FDTable *fd.Table

	Accnt *accnt.Accnt

	// Signal state.
	sigMask    sig.Mask // blocked signals (sigprocmask)
	pending    sig.Mask
	actions    sig.Actions
	frozen     bool
	handling   sig.Signal     // 0 means no handler currently in flight
	trapBackup vm.TrapContext // saved pre-handler trap context, restored on sigreturn
	savedMask  sig.Mask       // sigMask as of handler entry, restored on sigreturn

	// handlers backs the uintptr "handler address" carried in
	// sig.Action: since this kernel hosts no instruction stream to jump
	// into, sigaction registers a real Go closure here and hands back a
	// synthetic address (an opaque, monotonically increasing token) for
	// sig.Action.Handler to carry, the same way the rest of this kernel
	// stands in for code it cannot execute with a callable Go value.
	handlers    map[uintptr]HandlerFunc
	nextHandler uintptr

	// Scheduling plumbing. turn is buffered so a process yielding to
	// itself (the only ready process) never deadlocks; body is set
	// once, at spawn time, and run on its own goroutine. preempt is
	// raised by the timer path and honored at the next Tick.
	turn    chan struct{}
	preempt atomic.Bool
	body    func()
}

// newPCB allocates a bare PCB; callers fill in MemSet, FDTable, etc.
func newPCB(pid int) *PCB {
	return &PCB{
		Pid:      pid,
		state:    tinfo.Ready,
		Accnt:    accnt.New(),
		turn:     make(chan struct{}, 1),
		handlers: make(map[uintptr]HandlerFunc),
	}
}

// cloneSignalStateInto copies p's blocked-signal mask and registered
// dispositions into child, the way fork duplicates a parent's signal
// state verbatim. Pending signals are not inherited; a freshly forked
// child starts with none.
func (p *PCB) cloneSignalStateInto(child *PCB) {
	p.mu.Lock()
	defer p.mu.Unlock()
	child.sigMask = p.sigMask
	child.actions = p.actions
	for addr, fn := range p.handlers {
		child.handlers[addr] = fn
	}
	child.nextHandler = p.nextHandler
}

// registerHandler installs fn under a fresh synthetic address and
// returns it.
func (p *PCB) registerHandler(fn HandlerFunc) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextHandler++
	addr := p.nextHandler
	p.handlers[addr] = fn
	return addr
}

// handlerAt looks up the closure standing in for the code at addr.
func (p *PCB) handlerAt(addr uintptr) (HandlerFunc, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn, ok := p.handlers[addr]
	return fn, ok
}

// State returns the process's current scheduling state.
func (p *PCB) State() tinfo.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PCB) setState(s tinfo.State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Frozen reports whether SIGSTOP has suspended this process pending a
// SIGCONT.
func (p *PCB) Frozen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frozen
}

// SigMask returns the process's current blocked-signal mask.
func (p *PCB) SigMask() sig.Mask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigMask
}

// SetSigMask installs a new blocked-signal mask, returning the previous
// one (the sigprocmask syscall's "old" output parameter).
func (p *PCB) SetSigMask(m sig.Mask) sig.Mask {
	p.mu.Lock()
	old := p.sigMask
	p.sigMask = m
	p.mu.Unlock()
	return old
}

// Action returns the registered disposition for signo.
func (p *PCB) Action(signo sig.Signal) sig.Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.actions[signo]
}

// SetAction installs a new disposition for signo, rejecting SIGKILL and
// SIGSTOP, and returns the previous disposition.
func (p *PCB) SetAction(signo sig.Signal, act sig.Action) (sig.Action, bool) {
	if signo == sig.SIGKILL || signo == sig.SIGSTOP {
		return sig.Action{}, false
	}
	p.mu.Lock()
	old := p.actions[signo]
	p.actions[signo] = act
	p.mu.Unlock()
	return old, true
}

// Raise atomically sets signo's bit in the process's pending mask --
// the observable effect of kill(pid, signo).
func (p *PCB) Raise(signo sig.Signal) {
	p.mu.Lock()
	p.pending = p.pending.Set(signo)
	p.mu.Unlock()
}
