package proc

import (
	"fmt"
	"sync"

	"yekernel/excl"
	"yekernel/fd"
	"yekernel/fs"
	"yekernel/mem"
	"yekernel/sbi"
	"yekernel/tinfo"
	"yekernel/vm"
)

// schedState is the Processor's guarded mutable state: the ready queue,
// the pid table, and which PCB currently holds the token. It lives
// behind an excl.Cell the way the source kernel's PROCESSOR and
// PID_ALLOCATOR singletons live behind UPSafeCell.
type schedState struct {
	ready    []*PCB
	current  *PCB
	initproc *PCB
	byPid    map[int]*PCB
	nextPid  int
}

// Processor is the per-"CPU" scheduler: a FIFO ready queue plus whatever
// process currently holds the token. Unlike the source kernel's
// Processor, which switches between an idle task context and a PCB's
// task context via inline assembly, this one coordinates real goroutines
// (see the package doc for why).
type Processor struct {
	state  *excl.Cell[schedState]
	kspace *excl.Cell[kernelSpace]

	// idleCtx is the per-CPU idle task context control returns to when
	// the ready queue drains; __switch's save slot on hardware, a
	// bookkeeping record here (see TaskContext).
	idleCtx TaskContext

	// wg tracks live process goroutines so the boot sequence can block
	// until the machine goes quiescent.
	wg sync.WaitGroup

	Alloc *mem.FrameAllocator
	Phys  *mem.PhysMem
	FS    *fs.YeFs
	Con   sbi.Console

	Programs *Registry
}

// NewProcessor creates an empty scheduler bound to the given machine
// resources. It also builds and activates the kernel's own address
// space: one identity mapping over the whole physical arena (standing
// in for the .text/.rodata/.data/.bss section maps plus the free-
// memory tail a linked kernel distinguishes) with the trampoline at
// the top, into which each process's kernel stack is later carved.
func NewProcessor(alloc *mem.FrameAllocator, phys *mem.PhysMem, fsys *fs.YeFs, con sbi.Console) *Processor {
	kms := vm.NewKernel(alloc, phys, []struct {
		Start, End mem.VA
		Perm       mem.Perm
	}{
		{Start: mem.VA(phys.Base().Addr()), End: mem.VA(phys.End().Addr()), Perm: mem.PermR | mem.PermW},
	})
	kms.Activate()
	return &Processor{
		state:    excl.New(schedState{byPid: make(map[int]*PCB)}),
		kspace:   excl.New(kernelSpace{ms: kms, stacks: make(map[int]*vm.VMA)}),
		idleCtx:  newTaskContext(0),
		Alloc:    alloc,
		Phys:     phys,
		FS:       fsys,
		Con:      con,
		Programs: &Registry{progs: make(map[string]Program)},
	}
}

// Wait blocks until every process goroutine has exited: the machine's
// ready queue is empty and nothing holds the token. The boot sequence
// calls this before flushing the filesystem and shutting down.
func (pr *Processor) Wait() { pr.wg.Wait() }

// Current returns the PCB currently holding the token, or nil if the
// machine is idle.
func (pr *Processor) Current() *PCB {
	g := pr.state.Access()
	defer g.Release()
	return g.Get().current
}

// Lookup returns the PCB for pid, or nil if no such process exists.
func (pr *Processor) Lookup(pid int) *PCB {
	g := pr.state.Access()
	defer g.Release()
	return g.Get().byPid[pid]
}

// Initproc returns the singleton first process ever scheduled, the
// reparenting target for orphaned children.
func (pr *Processor) Initproc() *PCB {
	g := pr.state.Access()
	defer g.Release()
	return g.Get().initproc
}

func (pr *Processor) allocPid() int {
	g := pr.state.Access()
	defer g.Release()
	s := g.Get()
	s.nextPid++
	return s.nextPid
}

// newStdioTable builds a fresh descriptor table with slots 0/1/2 wired
// to the console, the way every PCB's fd_table starts out.
func (pr *Processor) newStdioTable() *fd.Table {
	t := fd.NewTable()
	t.Add(fd.NewStdin(pr.Con))
	t.Add(fd.NewStdout(pr.Con))
	t.Add(fd.NewStdout(pr.Con))
	return t
}

// Spawn creates a fresh process running prog with argv, builds its
// address space from the ELF bytes image (extracted from disk by the
// caller, matching exec's "open, read all bytes, build a memory set"
// sequence), and enqueues it as Ready. It returns the new PCB.
func (pr *Processor) Spawn(image []byte, prog Program, argv []string) (*PCB, error) {
	pid := pr.allocPid()
	p := newPCB(pid)
	pr.allocKernelStack(p)
	if err := pr.loadImage(p, image, argv); err != nil {
		pr.freeKernelStack(pid)
		return nil, fmt.Errorf("proc: spawn: %w", err)
	}
	p.FDTable = pr.newStdioTable()

	sc := &Syscalls{pr: pr, p: p}
	p.body = func() {
		<-p.turn
		p.Accnt.StartUser()
		code := runProgram(prog, sc, argv)
		p.Accnt.StopUser()
		pr.ExitCurrent(p, code)
	}

	pr.launch(p)
	return p, nil
}

// launch registers a freshly built PCB with the scheduler (recording it
// as initproc if it is the very first process ever launched) and starts
// its goroutine, granting it the token immediately if the machine was
// otherwise idle. Spawn and Fork both funnel through this so every path
// that brings a new PCB into existence goes through one place that
// knows how to make it runnable.
func (pr *Processor) launch(p *PCB) {
	g := pr.state.Access()
	s := g.Get()
	if s.initproc == nil {
		s.initproc = p
	}
	s.byPid[p.Pid] = p
	s.ready = append(s.ready, p)
	g.Release()

	pr.wg.Add(1)
	go func() {
		defer pr.wg.Done()
		p.body()
	}()

	pr.grantNext()
}

// grantNext hands the token to the next ready PCB, but only if no one
// currently holds it: the claim happens inside one critical section, so
// concurrent callers (a Yield finishing on one goroutine, a Spawn on
// another) can all call it safely and exactly one grant lands.
func (pr *Processor) grantNext() {
	g := pr.state.Access()
	s := g.Get()
	if s.current != nil || len(s.ready) == 0 {
		g.Release()
		return
	}
	next := s.ready[0]
	s.ready = s.ready[1:]
	s.current = next
	g.Release()

	next.setState(tinfo.Running)
	next.turn <- struct{}{}
}

// enqueueReady marks p Ready, appends it to the ready queue, and grants
// the token onward if the machine was idle (possibly straight back to
// p itself).
func (pr *Processor) enqueueReady(p *PCB) {
	g := pr.state.Access()
	s := g.Get()
	p.setState(tinfo.Ready)
	s.ready = append(s.ready, p)
	g.Release()
	pr.grantNext()
}

// Yield implements sys_yield: p gives up the token, rejoins the back of
// the ready queue, and blocks until the scheduler grants it the token
// again.
func (pr *Processor) Yield(p *PCB) {
	p.Accnt.StopUser()
	pr.enqueueReady(p)
	pr.Schedule(p)
	<-p.turn
	p.Accnt.StartUser()
}

// Schedule context-switches away from p: control leaves p's task
// context and lands back in the idle context, which immediately picks
// the next ready process. Callers must already have updated p's state
// and queue position (re-enqueued for a yield, left out for a block or
// an exit), exactly the contract the source kernel's schedule() has.
func (pr *Processor) Schedule(p *PCB) {
	p.TaskCtx = newTaskContext(uint64(p.KStackHigh.Addr()))

	g := pr.state.Access()
	s := g.Get()
	if s.current == p {
		s.current = nil
	}
	g.Release()
	pr.grantNext()
}

// BlockForIO releases the token (without re-enqueueing p: p is not
// runnable, it is about to block on a real synchronization primitive
// such as a pipe's condition variable) so some other ready process can
// run while p waits, then performs io, then re-joins the ready queue and
// waits to be granted the token again before returning.
//
// This is the hosted equivalent of yielding on an empty stdin or a
// full pipe: a hardware kernel re-queues the blocked process and
// schedules someone else; this kernel's pipes and stdin
// already block on real sync.Cond/channel primitives (so other
// goroutines make progress even without help from this function), but
// BlockForIO still brackets the call so the single-token invariant --
// at most one process's kernel-side code is "the current process" at a
// time -- holds across a real blocking wait, not just across voluntary
// yields.
func (pr *Processor) BlockForIO(p *PCB, io func()) {
	p.Accnt.StopUser()
	pr.Schedule(p)
	io()
	pr.enqueueReady(p)
	<-p.turn
	p.Accnt.StartUser()
}

const quantum = 5

// quantumState tracks each PCB's remaining compute ticks before an
// involuntary preemption, standing in for the timer interrupt firing
// every CLOCK_FREQ/100 cycles. There is no hardware
// cycle counter in a hosted build; a compute-bound Program calls Tick
// once per unit of simulated work, and Tick forces a yield once the
// quantum is exhausted, preserving round-robin fairness between
// compute-bound processes.
var quantumState sync.Map // *PCB -> *int

// Tick charges one unit of simulated compute to p and preempts it (via
// Yield) if its quantum has run out. Compute-bound Programs call this
// in their inner loop; voluntary yields and blocking I/O reset nothing
// here since they already go through Yield/BlockForIO directly.
func (pr *Processor) Tick(p *PCB) {
	if p.preempt.Swap(false) {
		pr.Yield(p)
		return
	}
	v, _ := quantumState.LoadOrStore(p, new(int))
	left := v.(*int)
	*left--
	if *left <= 0 {
		*left = quantum
		pr.Yield(p)
	}
}

// SuspendCurrent implements the timer-interrupt path: called from the
// timer goroutine (never from the current process itself), it marks
// whichever process holds the token as due for preemption. A goroutine
// cannot be interrupted mid-flight the way a CPU can, so the mark is
// honored at the holder's next Tick -- the hosted stand-in for the
// next instruction boundary at which a real timer trap would land.
func (pr *Processor) SuspendCurrent() {
	g := pr.state.Access()
	cur := g.Get().current
	g.Release()
	if cur != nil {
		cur.preempt.Store(true)
	}
}

// ExitCurrent implements exit_current: marks p Zombie, records its exit
// code, reparents its children to initproc, releases its memory set and
// fd table, and hands the token to the next ready process. p's PCB and
// accounting survive (for wait to reap) until its parent calls WaitPid.
func (pr *Processor) ExitCurrent(p *PCB, code int) {
	p.mu.Lock()
	p.state = tinfo.Zombie
	p.ExitCode = code
	p.mu.Unlock()

	g := pr.state.Access()
	s := g.Get()
	init := s.initproc
	if s.current == p {
		s.current = nil
	}
	g.Release()

	p.mu.Lock()
	orphans := p.Children
	p.Children = nil
	p.mu.Unlock()
	if init != nil && init != p && len(orphans) > 0 {
		init.mu.Lock()
		for _, c := range orphans {
			c.Parent = init
			init.Children = append(init.Children, c)
		}
		init.mu.Unlock()
	}

	p.MemSet.Recycle()
	p.FDTable.CloseAll()

	pr.grantNext()
}

// reap releases what a zombie still holds once its parent has collected
// the exit code: the page-table frames Recycle left behind, the kernel
// stack, and the pid-table entry. The PCB itself becomes garbage the
// moment the caller drops it.
func (pr *Processor) reap(p *PCB) {
	p.MemSet.Drop()
	pr.freeKernelStack(p.Pid)

	g := pr.state.Access()
	delete(g.Get().byPid, p.Pid)
	g.Release()
}
