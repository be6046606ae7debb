package proc

import (
	"time"

	"yekernel/defs"
	"yekernel/fd"
	"yekernel/fs"
	"yekernel/mem"
	"yekernel/sig"
	"yekernel/tinfo"
	"yekernel/vm"
)

// Syscalls is the per-process handle a Program calls into to exercise
// kernel functionality, the hosted stand-in for a trap into kernel mode
// via ecall. Every method here is not a simulation of a syscall, it is this kernel's
// actual implementation of one, just invoked by a direct Go call instead
// of a trap frame built on a0-a7.
type Syscalls struct {
	pr *Processor
	p  *PCB
}

// exitSignal unwinds a Program's call stack the way sys_exit never
// returning to its caller does; Spawn and Fork's body wrappers recover
// it and feed the carried code to ExitCurrent, so Exit can be called
// from anywhere in a Program without that Program having to thread an
// early-return convention through every call it makes.
type exitSignal struct{ code int }

// runProgram invokes prog with sc and argv, returning the exit code
// whether the Program returned one normally or unwound via Exit.
func runProgram(prog Program, sc *Syscalls, argv []string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(exitSignal); ok {
				code = e.code
				return
			}
			panic(r)
		}
	}()
	return prog(sc, argv)
}

// SyscallsFor returns the syscall surface bound to p, the handle the
// trap layer dispatches through on p's behalf.
func (pr *Processor) SyscallsFor(p *PCB) *Syscalls {
	return &Syscalls{pr: pr, p: p}
}

// Process returns the PCB this syscall surface is bound to.
func (sc *Syscalls) Process() *PCB { return sc.p }

// GetPid implements sys_getpid.
func (sc *Syscalls) GetPid() int { return sc.p.Pid }

// GetTime implements sys_get_time: milliseconds since an arbitrary
// epoch, monotonic for the life of one kernel instance. There is no
// mtime CSR in a hosted build, so wall-clock time stands in for it.
func (sc *Syscalls) GetTime() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// Yield implements sys_yield.
func (sc *Syscalls) Yield() {
	sc.pr.Yield(sc.p)
	sc.pr.checkSignals(sc.p)
}

// Exit implements sys_exit: it never returns to the caller.
func (sc *Syscalls) Exit(code int) {
	panic(exitSignal{code: code})
}

// Tick charges one unit of simulated compute to the calling process,
// forcing a preemptive yield once its quantum runs out. A compute-bound
// Program calls this in its inner loop in place of a timer interrupt
// firing mid-instruction-stream (see Processor.Tick's doc). Like every
// other trap-shaped boundary, it sweeps pending signals on the way
// back to "user" code, which is how a kill aimed at a compute-bound
// process lands.
func (sc *Syscalls) Tick() {
	sc.pr.Tick(sc.p)
	sc.pr.checkSignals(sc.p)
}

// Sbrk implements sys_sbrk: grows or shrinks the heap by delta bytes
// and returns the heap break as it stood before the change, or an error
// if delta would move the break below HeapBottom.
func (sc *Syscalls) Sbrk(delta int64) (int64, defs.Err_t) {
	ms := sc.p.MemSet
	old := int64(ms.Brk())
	newBrk := mem.VA(old + delta)
	var err error
	if delta >= 0 {
		err = ms.HeapGrow(newBrk)
	} else {
		err = ms.HeapShrink(newBrk)
	}
	if err != nil {
		return 0, defs.UNWRITABLE
	}
	return old, 0
}

// Read implements sys_read against fd.
func (sc *Syscalls) Read(fdnum int, buf []byte) (int, defs.Err_t) {
	f := sc.p.FDTable.Get(fdnum)
	if f == nil {
		return 0, defs.UNREADABLE
	}
	var n int
	var e defs.Err_t
	sc.pr.BlockForIO(sc.p, func() { n, e = f.Read(buf) })
	sc.pr.checkSignals(sc.p)
	return n, e
}

// Write implements sys_write against fd.
func (sc *Syscalls) Write(fdnum int, buf []byte) (int, defs.Err_t) {
	f := sc.p.FDTable.Get(fdnum)
	if f == nil {
		return 0, defs.UNWRITABLE
	}
	var n int
	var e defs.Err_t
	sc.pr.BlockForIO(sc.p, func() { n, e = f.Write(buf) })
	sc.pr.checkSignals(sc.p)
	return n, e
}

// Seek implements sys_lseek.
func (sc *Syscalls) Seek(fdnum int, offset int64, whence int) (int64, defs.Err_t) {
	f := sc.p.FDTable.Get(fdnum)
	if f == nil {
		return 0, defs.UNSEEKABLE
	}
	return f.Seek(offset, whence)
}

// Close implements sys_close.
func (sc *Syscalls) Close(fdnum int) defs.Err_t {
	f := sc.p.FDTable.Remove(fdnum)
	if f == nil {
		return defs.UNREADABLE
	}
	return f.Close()
}

// Dup implements sys_dup.
func (sc *Syscalls) Dup(fdnum int) (int, defs.Err_t) {
	return sc.p.FDTable.Dup(fdnum)
}

// Pipe implements sys_pipe: installs a connected reader/writer pair into
// two fresh descriptor slots and returns them (read end, write end).
func (sc *Syscalls) Pipe() (int, int) {
	r, w := fd.NewPipe()
	rfd := sc.p.FDTable.Add(r)
	wfd := sc.p.FDTable.Add(w)
	return rfd, wfd
}

// Open implements sys_open: resolves path against the filesystem root
// (YeFs resolves every name flat against its root; there is no nested
// path walking), optionally
// creating the entry, and installs a FileHandle into a fresh descriptor.
func (sc *Syscalls) Open(path string, flags int) (int, defs.Err_t) {
	const known = defs.O_READ | defs.O_WRITE | defs.O_CREATE | defs.O_APPEND | defs.O_TRUNC
	if flags&^known != 0 {
		return 0, defs.UNREADABLE
	}
	root := sc.pr.FS.RootVNode()
	node, err := root.Lookup(path)
	if err != nil {
		if flags&defs.O_CREATE == 0 {
			return 0, defs.UNREADABLE
		}
		node, err = root.CreateFile(path)
		if err != nil {
			return 0, defs.UNREADABLE
		}
	}
	canRead := flags&defs.O_READ != 0
	canWrite := flags&defs.O_WRITE != 0
	fh := fs.NewFileHandle(node, canRead, canWrite, flags&defs.O_APPEND != 0)
	if flags&defs.O_TRUNC != 0 && canWrite {
		node.Inode.Clear()
	}
	return sc.p.FDTable.Add(fh), 0
}

// Fork implements sys_fork: it duplicates the calling process's address
// space (copy-on-write is a Non-goal, so every Framed page is copied up
// front) and descriptor table, then launches childProg on a fresh
// goroutine as the child.
//
// The source kernel's sys_fork returns twice -- 0 in the child, the
// child's pid in the parent -- by duplicating the parent's trap context
// onto the child's kernel stack so the child resumes from the exact
// instruction after the syscall. Go has no stack-duplication primitive
// and no way to make one call return twice, so this Fork takes the
// child's continuation as an explicit argument instead of relying on
// control flow resuming twice from one call site. The call still does
// everything fork actually does to kernel state -- new address space,
// cloned descriptors, a new PCB linked into the parent's children -- the
// adaptation is in how the child's code starts running, not in what
// forking the process means.
func (sc *Syscalls) Fork(childProg Program, childArgv []string) (int, defs.Err_t) {
	pr := sc.pr
	parent := sc.p

	childMS := vm.Clone(pr.Alloc, pr.Phys, parent.MemSet)
	pid := pr.allocPid()
	child := newPCB(pid)
	child.MemSet = childMS
	child.TrapCtxPPN = childMS.TrapContextPPN()
	child.BaseSize = parent.BaseSize
	child.FDTable = parent.FDTable.Clone()
	child.Parent = parent
	parent.cloneSignalStateInto(child)
	pr.allocKernelStack(child)

	// The clone carried the parent's trap context verbatim; repoint the
	// kernel-side stack at the child's own and make the fork return 0
	// in the child's a0.
	ctx := childMS.TrapContext()
	ctx.KernelSP = uint64(child.KStackHigh.Addr())
	ctx.X[10] = 0
	childMS.SetTrapContext(ctx)
	child.TaskCtx = newTaskContext(ctx.KernelSP)

	parent.mu.Lock()
	parent.Children = append(parent.Children, child)
	parent.mu.Unlock()

	childSC := &Syscalls{pr: pr, p: child}
	child.body = func() {
		<-child.turn
		child.Accnt.StartUser()
		code := runProgram(childProg, childSC, childArgv)
		child.Accnt.StopUser()
		pr.ExitCurrent(child, code)
	}

	pr.launch(child)
	return pid, 0
}

// Exec implements sys_exec: opens path against the filesystem root,
// reads its bytes whole, builds a fresh address space from the ELF
// image, and -- in place of an instruction-level jump to the new
// entry point, which this hosted kernel has no interpreter to perform
// (see program.go's design note) -- runs the Program registered for
// path as the stand-in for "what the new image does". pid, open
// descriptors, and signal state all survive exec unchanged; only the
// address space and BaseSize are replaced.
func (sc *Syscalls) Exec(path string, argv []string) defs.Err_t {
	root := sc.pr.FS.RootVNode()
	node, lerr := root.Lookup(path)
	if lerr != nil {
		return defs.UNREADABLE
	}
	prog, ok := sc.pr.Programs.Lookup(path)
	if !ok {
		return defs.UNREADABLE
	}
	image := make([]byte, node.Inode.Size())
	node.Inode.Read(0, image)

	if ferr := sc.pr.loadImage(sc.p, image, argv); ferr != nil {
		return defs.UNREADABLE
	}
	panic(exitSignal{code: runProgram(prog, sc, argv)})
}

// WaitPid implements sys_waitpid: non-blocking, matching the source
// kernel's convention that a caller polls until a zombie child appears
// rather than the kernel parking it. pid == -1 matches any child. It
// returns ENOCHILD if no such child exists at all, ENOTYETEXITED if one
// exists but has not yet become a zombie, or the reaped child's pid and
// exit code once one has. ecPtr, if nonzero, receives the exit code as
// a 64-bit store through the calling process's own page table -- and
// that store happens before the child's remaining resources are freed,
// an ordering the source kernel relies on and which is preserved here.
func (sc *Syscalls) WaitPid(pid int, ecPtr mem.VA) (childPid int, exitCode int, errno defs.Err_t) {
	p := sc.p
	p.mu.Lock()
	found := false
	for i, c := range p.Children {
		if pid != -1 && c.Pid != pid {
			continue
		}
		found = true
		if c.State() != tinfo.Zombie {
			continue
		}
		exitCode = c.ExitCode
		childPid = c.Pid
		p.Children = append(p.Children[:i], p.Children[i+1:]...)
		p.mu.Unlock()

		if ecPtr != 0 {
			p.MemSet.WriteWord(ecPtr, uint64(int64(exitCode)))
		}
		p.Accnt.Add(c.Accnt)
		sc.pr.reap(c)
		return childPid, exitCode, 0
	}
	p.mu.Unlock()
	if !found {
		return 0, 0, defs.ENOCHILD
	}
	return 0, 0, defs.ENOTYETEXITED
}

// Kill implements sys_kill: raises signo as pending on the target
// process, identified by pid. Kernel-handled and fatal dispositions are
// not applied here -- they are resolved the next time the target passes
// through checkSignals at its own next trap-return (its next syscall, in
// this hosted kernel).
func (sc *Syscalls) Kill(pid int, signo sig.Signal) defs.Err_t {
	target := sc.pr.Lookup(pid)
	if target == nil {
		return defs.UNREADABLE
	}
	target.Raise(signo)
	if target == sc.p {
		sc.pr.checkSignals(sc.p)
	}
	return 0
}

// Sigaction implements sys_sigaction: registers handler under a fresh
// synthetic address (see signal.go's HandlerFunc doc) and installs it as
// signo's disposition. SIGKILL and SIGSTOP dispositions cannot be
// overridden.
func (sc *Syscalls) Sigaction(signo sig.Signal, handler HandlerFunc, mask sig.Mask) (sig.Action, defs.Err_t) {
	addr := sc.p.registerHandler(handler)
	old, ok := sc.p.SetAction(signo, sig.Action{Handler: addr, Mask: mask})
	if !ok {
		return sig.Action{}, defs.UNWRITABLE
	}
	return old, 0
}

// Sigprocmask implements sys_sigprocmask: installs a new blocked-signal
// mask and returns the previous one.
func (sc *Syscalls) Sigprocmask(mask sig.Mask) sig.Mask {
	return sc.p.SetSigMask(mask)
}

// SigReturn implements sys_sigreturn: restores the blocked mask saved at
// the current handler's entry. Safe to call even with no handler in
// flight.
func (sc *Syscalls) SigReturn() {
	sc.pr.sigReturn(sc.p)
}
