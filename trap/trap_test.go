package trap_test

import (
	"bytes"
	"sync"
	"testing"

	"yekernel/defs"
	"yekernel/fs"
	"yekernel/internal/testelf"
	"yekernel/mem"
	"yekernel/proc"
	"yekernel/sig"
	"yekernel/trap"
)

type testConsole struct {
	mu  sync.Mutex
	out bytes.Buffer
}

func (c *testConsole) PutChar(b byte) {
	c.mu.Lock()
	c.out.WriteByte(b)
	c.mu.Unlock()
}

func (c *testConsole) GetChar() (byte, bool) { return 0, false }

func (c *testConsole) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

var userImage = testelf.Build(0x10000, []byte{0x73, 0x00, 0x00, 0x00})

func newMachine(t *testing.T) (*proc.Processor, *testConsole) {
	t.Helper()
	phys := mem.NewPhysMem(0x80000, 4096)
	alloc := mem.NewFrameAllocator(phys)
	yefs, err := fs.Format(fs.NewMemBlockDevice(4096), 64)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	con := &testConsole{}
	return proc.NewProcessor(alloc, phys, yefs, con), con
}

// An ecall trap: the handler advances sepc past the ecall, dispatches
// on x17, and leaves the result in x10. This drives sys_write with the
// buffer pointer/length pair in x11/x12, translated out of the user
// address space the way the real handler reads user memory.
func TestEnvCallDispatchesWrite(t *testing.T) {
	pr, con := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *proc.Syscalls, argv []string) int {
		p := sc.Process()
		ms := p.MemSet

		msg := []byte("via trap\n")
		bufVA := ms.Brk()
		if _, errno := sc.Sbrk(mem.PageSize); errno != 0 {
			t.Errorf("sbrk: %v", errno)
		}
		ms.WriteBytes(bufVA, msg)

		ctx := ms.TrapContext()
		sepc := ctx.Sepc
		ctx.X[17] = defs.SYS_WRITE
		ctx.X[10] = 1 // stdout
		ctx.X[11] = uint64(bufVA)
		ctx.X[12] = uint64(len(msg))
		ms.SetTrapContext(ctx)

		trap.Handle(pr, p, trap.UserEnvCall, nil, nil)

		ctx = ms.TrapContext()
		if ctx.Sepc != sepc+4 {
			t.Errorf("sepc = %#x, want advanced to %#x", ctx.Sepc, sepc+4)
		}
		if ctx.X[10] != uint64(len(msg)) {
			t.Errorf("a0 = %d, want write count %d", ctx.X[10], len(msg))
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	if con.String() != "via trap\n" {
		t.Fatalf("console = %q", con.String())
	}
}

func TestEnvCallReadCopiesBackToUserBuffer(t *testing.T) {
	pr, _ := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *proc.Syscalls, argv []string) int {
		p := sc.Process()
		ms := p.MemSet

		// A file with known contents, then a register-level read into a
		// heap buffer.
		fdnum, errno := sc.Open("data", defs.O_CREATE|defs.O_WRITE|defs.O_READ)
		if errno != 0 {
			t.Errorf("open: %v", errno)
		}
		sc.Write(fdnum, []byte("payload"))
		sc.Seek(fdnum, 0, defs.SEEK_SET)

		bufVA := ms.Brk()
		sc.Sbrk(mem.PageSize)

		ctx := ms.TrapContext()
		ctx.X[17] = defs.SYS_READ
		ctx.X[10] = uint64(fdnum)
		ctx.X[11] = uint64(bufVA)
		ctx.X[12] = 7
		ms.SetTrapContext(ctx)
		trap.Handle(pr, p, trap.UserEnvCall, nil, nil)

		ctx = ms.TrapContext()
		if ctx.X[10] != 7 {
			t.Errorf("a0 = %d, want 7", ctx.X[10])
		}
		if got := string(ms.ReadBytes(bufVA, 7)); got != "payload" {
			t.Errorf("user buffer = %q", got)
		}
		sc.Close(fdnum)
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()
}

func TestEnvCallOpenTranslatesPath(t *testing.T) {
	pr, _ := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *proc.Syscalls, argv []string) int {
		p := sc.Process()
		ms := p.MemSet

		pathVA := ms.Brk()
		sc.Sbrk(mem.PageSize)
		ms.WriteBytes(pathVA, []byte("newfile\x00"))

		ctx := ms.TrapContext()
		ctx.X[17] = defs.SYS_OPEN
		ctx.X[10] = uint64(pathVA)
		ctx.X[11] = defs.O_CREATE | defs.O_WRITE
		ms.SetTrapContext(ctx)
		trap.Handle(pr, p, trap.UserEnvCall, nil, nil)

		fdnum := int(int64(ms.TrapContext().X[10]))
		if fdnum < 3 {
			t.Errorf("open returned fd %d", fdnum)
		}
		if _, err := pr.FS.RootVNode().Lookup("newfile"); err != nil {
			t.Errorf("open did not create the file: %v", err)
		}
		sc.Close(fdnum)
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()
}

// Faults become signals, and the default disposition kills the process
// with -signo.
func TestFaultsRaiseSignals(t *testing.T) {
	cases := []struct {
		name  string
		cause trap.Cause
		signo sig.Signal
	}{
		{"illegal instruction", trap.IllegalInstruction, sig.SIGILL},
		{"load fault", trap.LoadPageFault, sig.SIGSEGV},
		{"store fault", trap.StorePageFault, sig.SIGSEGV},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pr, _ := newMachine(t)
			p, err := pr.Spawn(userImage, func(sc *proc.Syscalls, argv []string) int {
				trap.Handle(pr, sc.Process(), tc.cause, nil, nil)
				t.Errorf("%s: execution continued past a fatal fault", tc.name)
				return 0
			}, nil)
			if err != nil {
				t.Fatalf("Spawn: %v", err)
			}
			pr.Wait()
			if p.ExitCode != -int(tc.signo) {
				t.Fatalf("exit code = %d, want %d", p.ExitCode, -int(tc.signo))
			}
		})
	}
}

func TestTimerInterruptYields(t *testing.T) {
	pr, _ := newMachine(t)
	var order []int
	var mu sync.Mutex
	note := func(pid int) {
		mu.Lock()
		order = append(order, pid)
		mu.Unlock()
	}

	a, err := pr.Spawn(userImage, func(sc *proc.Syscalls, argv []string) int {
		for i := 0; i < 3; i++ {
			note(sc.GetPid())
			trap.Handle(pr, sc.Process(), trap.TimerInterrupt, nil, nil)
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	b, err := pr.Spawn(userImage, func(sc *proc.Syscalls, argv []string) int {
		for i := 0; i < 3; i++ {
			note(sc.GetPid())
			trap.Handle(pr, sc.Process(), trap.TimerInterrupt, nil, nil)
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	mu.Lock()
	defer mu.Unlock()
	sawSwitch := false
	for i := 1; i < len(order); i++ {
		if order[i] != order[i-1] {
			sawSwitch = true
		}
	}
	if !sawSwitch {
		t.Fatalf("timer interrupts never interleaved pids %d and %d: %v", a.Pid, b.Pid, order)
	}
}
