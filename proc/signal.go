package proc

import "yekernel/sig"

// HandlerFunc is the hosted stand-in for a user-registered signal
// handler's machine code: sigaction hands the kernel a uintptr "address"
// (matching sig.Action's field exactly) and separately registers the Go
// closure that address really means, since there is no instruction
// stream for this kernel to jump into (see program.go's design note).
type HandlerFunc func(sc *Syscalls)

// HandleSignals is the exported trap-return entry point into the
// signal sweep, for the trap layer and for tests that drive delivery
// directly.
func (pr *Processor) HandleSignals(p *PCB) { pr.checkSignals(p) }

// checkSignals implements the trap-return signal handling loop: it
// runs at every syscall return and drains p's pending signals before
// control passes back to p's own code. A fatal signal (FatalMask)
// terminates the process outright, checked against the pending set
// itself rather than the blocked mask -- a process cannot sigprocmask
// its way out of a delivered SIGSEGV or SIGKILL. Kernel-handled
// signals (SIGSTOP/SIGCONT/SIGKILL) are interpreted directly; anything
// else with a registered handler runs that handler synchronously
// before the loop continues, and anything else with no handler kills
// the process with exit code -signo, the default disposition for
// signals nothing has installed a handler for.
func (pr *Processor) checkSignals(p *PCB) {
	for {
		p.mu.Lock()
		if fatal := p.pending & sig.FatalMask; fatal != 0 {
			signo, _ := fatal.Lowest()
			p.mu.Unlock()
			// Unwind to the process body, which funnels every path out
			// of a process through exactly one ExitCurrent.
			panic(exitSignal{code: -int(signo)})
		}

		blocked := p.sigMask
		if p.handling != sig.SIGDEF {
			blocked |= p.actions[p.handling].Mask
		}
		deliverable := p.pending &^ blocked
		signo, ok := deliverable.Lowest()
		if !ok {
			frozen := p.frozen
			p.mu.Unlock()
			if !frozen {
				return
			}
			// Frozen by SIGSTOP: yield on the scheduler until a
			// SIGCONT arrives and clears it.
			pr.Yield(p)
			continue
		}
		p.pending = p.pending.Clear(signo)
		p.mu.Unlock()

		if sig.HandledByKernel.Has(signo) {
			switch signo {
			case sig.SIGSTOP:
				p.mu.Lock()
				p.frozen = true
				p.mu.Unlock()
			case sig.SIGCONT:
				p.mu.Lock()
				p.frozen = false
				p.mu.Unlock()
			default: // SIGKILL
				panic(exitSignal{code: -int(signo)})
			}
			continue
		}

		act := p.Action(signo)
		fn, ok := p.handlerAt(act.Handler)
		if act.Handler == 0 || !ok {
			panic(exitSignal{code: -int(signo)})
		}
		pr.invokeHandler(p, signo, act, fn)
	}
}

// invokeHandler runs fn as the delivery of signo: it snapshots the trap
// context into the single backup slot and the current blocked mask
// (one slot, not a stack -- a handler interrupted by a second signal
// clobbers the first handler's save area exactly as the source
// kernel's does), redirects sepc at the registered handler address,
// widens the blocked mask by the handler's own Mask field while fn
// runs, then restores everything, either when fn returns normally or
// when fn calls sc.SigReturn() itself. sigreturn is idempotent so both
// paths are safe.
func (pr *Processor) invokeHandler(p *PCB, signo sig.Signal, act sig.Action, fn HandlerFunc) {
	p.mu.Lock()
	ctx := p.MemSet.TrapContext()
	p.trapBackup = ctx
	p.savedMask = p.sigMask
	p.sigMask |= act.Mask
	p.handling = signo
	p.mu.Unlock()

	// Between here and sigreturn, user execution stands redirected at
	// the handler's address with the signal number in a0.
	ctx.Sepc = uint64(act.Handler)
	ctx.X[10] = uint64(signo)
	p.MemSet.SetTrapContext(ctx)

	sc := &Syscalls{pr: pr, p: p}
	fn(sc)

	pr.sigReturn(p)
}

// sigReturn restores the trap context and blocked mask saved at handler
// entry and clears the in-flight handler marker; a no-op if no handler
// is currently in flight, so both the automatic post-return restore and
// an explicit sigreturn syscall from within the handler are safe to
// call.
func (pr *Processor) sigReturn(p *PCB) {
	p.mu.Lock()
	if p.handling == sig.SIGDEF {
		p.mu.Unlock()
		return
	}
	backup := p.trapBackup
	p.sigMask = p.savedMask
	p.handling = sig.SIGDEF
	p.mu.Unlock()
	p.MemSet.SetTrapContext(backup)
}
