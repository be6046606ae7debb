package proc

import (
	"strings"
	"testing"

	"yekernel/defs"
	"yekernel/sig"
)

// Scenario: a process installs a SIGUSR2 handler, kills itself with
// SIGUSR2, and the handler output lands before the code after the kill.
func TestSignalHandlerRoundTrip(t *testing.T) {
	pr, con := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		sc.Sigaction(sig.SIGUSR2, func(hsc *Syscalls) {
			hsc.Write(1, []byte("from signal handler\n"))
			hsc.SigReturn()
		}, 0)
		sc.Kill(sc.GetPid(), sig.SIGUSR2)
		sc.Write(1, []byte("hello world\n"))
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	if !strings.HasSuffix(con.String(), "from signal handler\nhello world\n") {
		t.Fatalf("console = %q", con.String())
	}
}

func TestHandlerRedirectsAndRestoresTrapContext(t *testing.T) {
	pr, _ := newMachine(t)
	var sepcDuring, handlerAddr uint64
	var sepcBefore, sepcAfter uint64

	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		p := sc.Process()
		sepcBefore = p.MemSet.TrapContext().Sepc
		_, errno := sc.Sigaction(sig.SIGUSR1, func(hsc *Syscalls) {
			ctx := hsc.Process().MemSet.TrapContext()
			sepcDuring = ctx.Sepc
			if ctx.X[10] != uint64(sig.SIGUSR1) {
				t.Errorf("handler a0 = %d, want the signal number", ctx.X[10])
			}
		}, 0)
		if errno != 0 {
			t.Errorf("sigaction: %v", errno)
		}
		handlerAddr = uint64(p.Action(sig.SIGUSR1).Handler)
		sc.Kill(sc.GetPid(), sig.SIGUSR1)
		sepcAfter = p.MemSet.TrapContext().Sepc
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	if sepcDuring != handlerAddr {
		t.Fatalf("sepc during handler = %#x, want handler address %#x", sepcDuring, handlerAddr)
	}
	if sepcAfter != sepcBefore {
		t.Fatalf("sepc after sigreturn = %#x, want restored %#x", sepcAfter, sepcBefore)
	}
}

func TestSigactionRejectsKillAndStop(t *testing.T) {
	pr, _ := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		if _, errno := sc.Sigaction(sig.SIGKILL, func(*Syscalls) {}, 0); errno == 0 {
			t.Error("sigaction(SIGKILL) should be rejected")
		}
		if _, errno := sc.Sigaction(sig.SIGSTOP, func(*Syscalls) {}, 0); errno == 0 {
			t.Error("sigaction(SIGSTOP) should be rejected")
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()
}

func TestKillTerminatesWithNegativeSigno(t *testing.T) {
	pr, _ := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		pid, _ := sc.Fork(func(csc *Syscalls, _ []string) int {
			for {
				csc.Yield()
			}
		}, nil)
		sc.Kill(pid, sig.SIGKILL)
		for {
			got, code, errno := sc.WaitPid(pid, 0)
			if errno == defs.ENOTYETEXITED {
				sc.Yield()
				continue
			}
			if got != pid || code != -int(sig.SIGKILL) {
				t.Errorf("reaped pid=%d code=%d, want code %d", got, code, -int(sig.SIGKILL))
			}
			break
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()
}

// An unhandled user signal falls through to the default disposition:
// the process dies with -signo.
func TestDefaultDispositionKills(t *testing.T) {
	pr, _ := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		pid, _ := sc.Fork(func(csc *Syscalls, _ []string) int {
			for {
				csc.Yield()
			}
		}, nil)
		sc.Kill(pid, sig.SIGUSR1)
		for {
			_, code, errno := sc.WaitPid(pid, 0)
			if errno == defs.ENOTYETEXITED {
				sc.Yield()
				continue
			}
			if code != -int(sig.SIGUSR1) {
				t.Errorf("exit code = %d, want %d", code, -int(sig.SIGUSR1))
			}
			break
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()
}

func TestStopAndContinue(t *testing.T) {
	pr, _ := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		var progress int
		pid, _ := sc.Fork(func(csc *Syscalls, _ []string) int {
			for i := 0; i < 100; i++ {
				progress++
				csc.Yield()
			}
			return 0
		}, nil)
		target := pr.Lookup(pid)

		sc.Kill(pid, sig.SIGSTOP)
		for !target.Frozen() {
			sc.Yield()
		}
		frozenAt := progress
		for i := 0; i < 10; i++ {
			sc.Yield()
		}
		if progress != frozenAt {
			t.Errorf("frozen child advanced from %d to %d", frozenAt, progress)
		}

		sc.Kill(pid, sig.SIGCONT)
		for {
			if _, _, errno := sc.WaitPid(pid, 0); errno == defs.ENOTYETEXITED {
				sc.Yield()
				continue
			}
			break
		}
		if progress != 100 {
			t.Errorf("child finished at %d, want 100", progress)
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()
}

func TestSigprocmaskDefersDelivery(t *testing.T) {
	pr, _ := newMachine(t)
	var order []string
	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		sc.Sigaction(sig.SIGUSR1, func(hsc *Syscalls) {
			order = append(order, "handler")
		}, 0)

		sc.Sigprocmask(sig.Bit(sig.SIGUSR1))
		sc.Kill(sc.GetPid(), sig.SIGUSR1)
		order = append(order, "masked")

		sc.Sigprocmask(0)
		sc.Yield() // next trap-return sweep delivers it
		order = append(order, "after")
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	want := []string{"masked", "handler", "after"}
	if len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

// A handler's own mask blocks a second arrival of the same signal until
// sigreturn; the single backup slot is restored regardless.
func TestHandlerMaskBlocksNestedDelivery(t *testing.T) {
	pr, _ := newMachine(t)
	var events []string
	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		sc.Sigaction(sig.SIGUSR1, func(hsc *Syscalls) {
			events = append(events, "enter")
			if len(events) == 1 { // re-raise on the first delivery only
				hsc.Kill(hsc.GetPid(), sig.SIGUSR1) // blocked by the handler mask
			}
			events = append(events, "exit")
		}, sig.Bit(sig.SIGUSR1))
		sc.Kill(sc.GetPid(), sig.SIGUSR1)
		events = append(events, "resumed")
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	// Delivery: enter/exit, then the re-raised signal lands after
	// sigreturn unblocks it: enter/exit again, then the main flow.
	want := []string{"enter", "exit", "enter", "exit", "resumed"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}
