package proc

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"yekernel/defs"
	"yekernel/fs"
	"yekernel/internal/testelf"
	"yekernel/mem"
	"yekernel/tinfo"
)

// testConsole is an in-memory firmware console: writes accumulate,
// reads drain a preloaded input buffer.
type testConsole struct {
	mu  sync.Mutex
	out bytes.Buffer
	in  []byte
}

func (c *testConsole) PutChar(b byte) {
	c.mu.Lock()
	c.out.WriteByte(b)
	c.mu.Unlock()
}

func (c *testConsole) GetChar() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.in) == 0 {
		return 0, false
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, true
}

func (c *testConsole) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

// newMachine assembles a little machine: a physical arena, a formatted
// in-memory filesystem, a console, and a processor on top of them.
func newMachine(t *testing.T) (*Processor, *testConsole) {
	t.Helper()
	phys := mem.NewPhysMem(0x80000, 4096)
	alloc := mem.NewFrameAllocator(phys)
	dev := fs.NewMemBlockDevice(4096)
	yefs, err := fs.Format(dev, 64)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	con := &testConsole{}
	return NewProcessor(alloc, phys, yefs, con), con
}

var userImage = testelf.Build(0x10000, []byte{0x73, 0x00, 0x00, 0x00})

// seedExecutable puts an ELF image on the filesystem and registers the
// Program standing in for it, the two halves exec needs.
func seedExecutable(t *testing.T, pr *Processor, name string, prog Program) {
	t.Helper()
	node, err := pr.FS.RootVNode().CreateFile(name)
	if err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	if _, err := node.Inode.WriteMayGrow(0, userImage); err != nil {
		t.Fatalf("write %s image: %v", name, err)
	}
	pr.Programs.Register(name, prog)
}

func TestSpawnRunsAndExits(t *testing.T) {
	pr, con := newMachine(t)
	p, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		sc.Write(1, []byte("up\n"))
		return 3
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	if got := con.String(); got != "up\n" {
		t.Fatalf("console = %q", got)
	}
	if p.State() != tinfo.Zombie || p.ExitCode != 3 {
		t.Fatalf("state=%v code=%d after exit", p.State(), p.ExitCode)
	}
	if pr.Initproc() != p {
		t.Fatal("first spawned process should be initproc")
	}
}

func TestSpawnInitializesTrapContext(t *testing.T) {
	pr, _ := newMachine(t)
	hold := make(chan struct{})
	p, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		<-hold
		return 0
	}, []string{"prog", "arg1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() {
		close(hold)
		pr.Wait()
	}()
	ctx := p.MemSet.TrapContext()
	if ctx.Sepc != 0x10000 {
		t.Fatalf("sepc = %#x, want entry 0x10000", ctx.Sepc)
	}
	if ctx.KernelSatp != pr.KernelMemorySet().Token() {
		t.Fatal("kernel_satp does not carry the kernel token")
	}
	if ctx.KernelSP != uint64(p.KStackHigh.Addr()) {
		t.Fatalf("kernel_sp = %#x, want kernel stack top %#x", ctx.KernelSP, p.KStackHigh.Addr())
	}
	if ctx.TrapHandler != TrapHandlerAddr {
		t.Fatalf("trap_handler = %#x", ctx.TrapHandler)
	}
	if ctx.X[10] != 2 {
		t.Fatalf("a0 = %d, want argc 2", ctx.X[10])
	}

	// a1 points at a NULL-terminated pointer array; each entry at a
	// NUL-terminated string; sp rests at the lowest string byte.
	argvBase := mem.VA(ctx.X[11])
	var got []string
	for i := mem.VA(0); ; i += 8 {
		ptr := p.MemSet.ReadWord(argvBase + i)
		if ptr == 0 {
			break
		}
		s, ok := p.MemSet.PageTable.TranslateCString(mem.VA(ptr))
		if !ok {
			t.Fatalf("argv[%d] does not translate", i/8)
		}
		got = append(got, s)
	}
	if len(got) != 2 || got[0] != "prog" || got[1] != "arg1" {
		t.Fatalf("argv = %q", got)
	}
	if ctx.SP() >= argvBase {
		t.Fatalf("sp %#x should sit below the argv array %#x", ctx.SP(), argvBase)
	}
	if p.TrapCtxPPN != p.MemSet.TrapContextPPN() {
		t.Fatal("recorded trap context PPN is stale")
	}
}

func TestForkChildSeesZeroReturn(t *testing.T) {
	pr, _ := newMachine(t)
	var childA0 uint64 = 999
	var childPid, forkRet int
	var mu sync.Mutex

	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		pid, errno := sc.Fork(func(csc *Syscalls, _ []string) int {
			mu.Lock()
			childA0 = csc.Process().MemSet.TrapContext().X[10]
			childPid = csc.GetPid()
			mu.Unlock()
			return 0
		}, nil)
		if errno != 0 {
			t.Errorf("fork: %v", errno)
		}
		forkRet = pid
		for {
			_, _, errno := sc.WaitPid(pid, 0)
			if errno == defs.ENOTYETEXITED {
				sc.Yield()
				continue
			}
			break
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	mu.Lock()
	defer mu.Unlock()
	if childA0 != 0 {
		t.Fatalf("child a0 = %d, want 0", childA0)
	}
	if forkRet != childPid {
		t.Fatalf("fork returned %d in parent, child saw pid %d", forkRet, childPid)
	}
}

// Scenario: initproc forks, the child execs "hello" with argv
// ["hello"], hello prints and exits 0, the parent reaps it and observes
// the exit code through a pointer in its own address space.
func TestForkExecWait(t *testing.T) {
	pr, con := newMachine(t)
	seedExecutable(t, pr, "hello", func(sc *Syscalls, argv []string) int {
		if len(argv) != 1 || argv[0] != "hello" {
			t.Errorf("hello argv = %q", argv)
		}
		sc.Write(1, []byte("Hello, world!\n"))
		return 0
	})

	var waited, wrote int64 = -100, -100
	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		pid, _ := sc.Fork(func(csc *Syscalls, _ []string) int {
			if e := csc.Exec("hello", []string{"hello"}); e != 0 {
				return int(e)
			}
			return 0
		}, nil)

		// Land the exit code in this process's own heap page.
		old, errno := sc.Sbrk(int64(mem.PageSize))
		if errno != 0 {
			t.Errorf("sbrk: %v", errno)
		}
		ecPtr := mem.VA(old)
		for {
			got, _, errno := sc.WaitPid(pid, ecPtr)
			if errno == defs.ENOTYETEXITED {
				sc.Yield()
				continue
			}
			if errno != 0 {
				t.Errorf("waitpid: %v", errno)
			}
			waited = int64(got)
			wrote = int64(sc.Process().MemSet.ReadWord(ecPtr))
			break
		}
		if waited != int64(pid) {
			t.Errorf("waitpid returned %d, want %d", waited, pid)
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	if !strings.Contains(con.String(), "Hello, world!\n") {
		t.Fatalf("console = %q", con.String())
	}
	if wrote != 0 {
		t.Fatalf("exit code written through parent page table = %d, want 0", wrote)
	}
}

func TestWaitPidErrors(t *testing.T) {
	pr, _ := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		if _, _, errno := sc.WaitPid(42, 0); errno != defs.ENOCHILD {
			t.Errorf("waitpid with no children = %v, want ENOCHILD", errno)
		}
		pid, _ := sc.Fork(func(csc *Syscalls, _ []string) int {
			for i := 0; i < 3; i++ {
				csc.Yield()
			}
			return 7
		}, nil)
		if _, _, errno := sc.WaitPid(pid, 0); errno != defs.ENOTYETEXITED {
			t.Errorf("waitpid on live child = %v, want ENOTYETEXITED", errno)
		}
		for {
			got, code, errno := sc.WaitPid(pid, 0)
			if errno == defs.ENOTYETEXITED {
				sc.Yield()
				continue
			}
			if got != pid || code != 7 {
				t.Errorf("reaped pid=%d code=%d", got, code)
			}
			break
		}
		if _, _, errno := sc.WaitPid(pid, 0); errno != defs.ENOCHILD {
			t.Errorf("waitpid after reap = %v, want ENOCHILD", errno)
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()
}

func TestReapReleasesChildResources(t *testing.T) {
	pr, _ := newMachine(t)
	free := func() int { return pr.Alloc.Free() }
	var before, after int

	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		before = free()
		pid, _ := sc.Fork(func(csc *Syscalls, _ []string) int { return 0 }, nil)
		for {
			if _, _, errno := sc.WaitPid(pid, 0); errno == defs.ENOTYETEXITED {
				sc.Yield()
				continue
			}
			break
		}
		after = free()
		if pr.Lookup(pid) != nil {
			t.Errorf("reaped pid %d still in the pid table", pid)
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	if after != before {
		t.Fatalf("fork+reap leaked %d frames", before-after)
	}
}

func TestExitReparentsChildrenToInitproc(t *testing.T) {
	pr, _ := newMachine(t)
	grandchildDone := make(chan int, 1)

	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		// init: fork a middle process which forks a grandchild and then
		// exits first, orphaning it.
		mid, _ := sc.Fork(func(msc *Syscalls, _ []string) int {
			msc.Fork(func(gsc *Syscalls, _ []string) int {
				for i := 0; i < 5; i++ {
					gsc.Yield()
				}
				return 11
			}, nil)
			return 0
		}, nil)

		for {
			if _, _, errno := sc.WaitPid(mid, 0); errno == defs.ENOTYETEXITED {
				sc.Yield()
				continue
			}
			break
		}
		// The orphan is now init's child; reap it too.
		for {
			_, code, errno := sc.WaitPid(-1, 0)
			if errno == defs.ENOTYETEXITED {
				sc.Yield()
				continue
			}
			if errno == defs.ENOCHILD {
				t.Errorf("orphan was not reparented to initproc")
				break
			}
			grandchildDone <- code
			break
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	select {
	case code := <-grandchildDone:
		if code != 11 {
			t.Fatalf("orphan exit code = %d", code)
		}
	default:
		t.Fatal("orphan never reaped")
	}
}

// Scenario: two compute-bound processes share the CPU; round-robin
// preemption must interleave them, every run burst bounded by the
// quantum, with both making comparable progress.
func TestPreemptionInterleavesComputeBoundPids(t *testing.T) {
	pr, _ := newMachine(t)
	var mu sync.Mutex
	var observed []int
	const perProcess = 300

	worker := func(sc *Syscalls, argv []string) int {
		pid := sc.GetPid()
		for i := 0; i < perProcess; i++ {
			mu.Lock()
			observed = append(observed, pid)
			mu.Unlock()
			sc.Tick()
		}
		return 0
	}
	a, err := pr.Spawn(userImage, worker, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	b, err := pr.Spawn(userImage, worker, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	counts := map[int]int{}
	for _, pid := range observed {
		counts[pid]++
	}
	if counts[a.Pid] < 40 || counts[b.Pid] < 40 {
		t.Fatalf("starvation: counts=%v", counts)
	}

	// While both are live, no pid may run longer than its quantum in
	// one stretch. The head before the second process starts and the
	// tail after the first one finishes are exempt.
	firstA, firstB, lastA, lastB := -1, -1, -1, -1
	for i, pid := range observed {
		if pid == a.Pid {
			if firstA < 0 {
				firstA = i
			}
			lastA = i
		} else if pid == b.Pid {
			if firstB < 0 {
				firstB = i
			}
			lastB = i
		}
	}
	start := firstA
	if firstB > start {
		start = firstB
	}
	both := lastA
	if lastB < both {
		both = lastB
	}
	burst, maxBurst, last := 0, 0, 0
	for _, pid := range observed[start : both+1] {
		if pid == last {
			burst++
		} else {
			burst = 1
			last = pid
		}
		if burst > maxBurst {
			maxBurst = burst
		}
	}
	if maxBurst > quantum {
		t.Fatalf("a pid ran %d consecutive slots, quantum is %d", maxBurst, quantum)
	}
}

// Scenario: a pipe carries 3000 bytes from a forked child to its
// parent through a 32-byte ring, both sides closing their unused ends.
func TestPipeAcrossFork(t *testing.T) {
	pr, _ := newMachine(t)
	const n = 3000
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	var got []byte

	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		rfd, wfd := sc.Pipe()
		pid, _ := sc.Fork(func(csc *Syscalls, _ []string) int {
			csc.Close(rfd)
			sent := 0
			for sent < n {
				m, errno := csc.Write(wfd, payload[sent:])
				if errno != 0 {
					t.Errorf("child write: %v", errno)
					return 1
				}
				sent += m
			}
			csc.Close(wfd)
			return 0
		}, nil)

		sc.Close(wfd)
		buf := make([]byte, 512)
		for {
			m, errno := sc.Read(rfd, buf)
			if errno != 0 {
				t.Errorf("parent read: %v", errno)
				break
			}
			if m == 0 {
				break // EOF: writer closed and ring drained
			}
			got = append(got, buf[:m]...)
		}
		sc.Close(rfd)
		for {
			if _, _, errno := sc.WaitPid(pid, 0); errno == defs.ENOTYETEXITED {
				sc.Yield()
				continue
			}
			break
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()

	if !bytes.Equal(got, payload) {
		t.Fatalf("pipe carried %d bytes, want %d intact", len(got), n)
	}
}

func TestSbrkMovesBreak(t *testing.T) {
	pr, _ := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		start, errno := sc.Sbrk(0)
		if errno != 0 {
			t.Errorf("sbrk(0): %v", errno)
		}
		old, errno := sc.Sbrk(3 * mem.PageSize)
		if errno != 0 || old != start {
			t.Errorf("grow returned %d (%v), want %d", old, errno, start)
		}
		ms := sc.Process().MemSet
		ms.WriteWord(mem.VA(start), 0xfeed)
		if ms.ReadWord(mem.VA(start)) != 0xfeed {
			t.Error("heap page not writable after sbrk")
		}
		if _, errno := sc.Sbrk(-3 * mem.PageSize); errno != 0 {
			t.Errorf("shrink: %v", errno)
		}
		if _, errno := sc.Sbrk(-mem.PageSize); errno == 0 {
			t.Error("expected error shrinking below heap bottom")
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()
}

func TestOpenRejectsUnknownFlagBits(t *testing.T) {
	pr, _ := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *Syscalls, argv []string) int {
		if _, errno := sc.Open("x", 0x40); errno == 0 {
			t.Error("open with an unknown flag bit should fail")
		}
		fdnum, errno := sc.Open("x", defs.O_CREATE|defs.O_WRITE|defs.O_READ)
		if errno != 0 {
			t.Errorf("open create: %v", errno)
		}
		sc.Write(fdnum, []byte("abc"))
		sc.Seek(fdnum, 0, defs.SEEK_SET)
		buf := make([]byte, 3)
		if m, _ := sc.Read(fdnum, buf); m != 3 || string(buf) != "abc" {
			t.Errorf("file roundtrip read %q", buf[:m])
		}
		sc.Close(fdnum)
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()
}
