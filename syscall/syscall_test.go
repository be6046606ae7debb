package syscall_test

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
	"yekernel/syscall"
)

func TestNameCoversEveryAssignedNumber(t *testing.T) {
	known := []int{
		defs.SYS_DUP, defs.SYS_OPEN, defs.SYS_CLOSE, defs.SYS_PIPE,
		defs.SYS_SEEK, defs.SYS_READ, defs.SYS_WRITE, defs.SYS_EXIT,
		defs.SYS_YIELD, defs.SYS_KILL, defs.SYS_SIGACTION,
		defs.SYS_SIGPROCMASK, defs.SYS_SIGRET, defs.SYS_GET_TIME,
		defs.SYS_GETPID, defs.SYS_SBRK, defs.SYS_FORK, defs.SYS_EXEC,
		defs.SYS_WAITPID,
	}
	seen := map[string]bool{}
	for _, no := range known {
		name := syscall.Name(no)
		if name == "unknown" {
			t.Fatalf("no name for syscall %d", no)
		}
		if seen[name] {
			t.Fatalf("duplicate name %q", name)
		}
		seen[name] = true
	}
	if syscall.Name(999) != "unknown" {
		t.Fatal("expected unknown for an unassigned number")
	}
}

type nullConsole struct {
	mu  sync.Mutex
	out bytes.Buffer
}

func (c *nullConsole) PutChar(b byte) {
	c.mu.Lock()
	c.out.WriteByte(b)
	c.mu.Unlock()
}
func (c *nullConsole) GetChar() (byte, bool) { return 0, false }

var userImage = testelf.Build(0x10000, []byte{0x73, 0x00, 0x00, 0x00})

func newMachine(t *testing.T) *proc.Processor {
	t.Helper()
	phys := mem.NewPhysMem(0x80000, 4096)
	alloc := mem.NewFrameAllocator(phys)
	yefs, err := fs.Format(fs.NewMemBlockDevice(4096), 64)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	return proc.NewProcessor(alloc, phys, yefs, &nullConsole{})
}

// Every register-shaped call goes through the numbered table; this
// drives a representative set end to end from inside a process.
func TestDispatchTable(t *testing.T) {
	pr := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *proc.Syscalls, argv []string) int {
		dispatch := func(c syscall.Call) syscall.Result {
			return syscall.Dispatch(sc, c, nil)
		}

		if res := dispatch(syscall.Call{No: defs.SYS_GETPID}); res.Value != int64(sc.GetPid()) {
			t.Errorf("getpid = %d", res.Value)
		}
		if res := dispatch(syscall.Call{No: defs.SYS_GET_TIME}); res.Value <= 0 {
			t.Errorf("get_time = %d", res.Value)
		}

		res := dispatch(syscall.Call{No: defs.SYS_PIPE})
		rfd, wfd := int(res.Value&0xffffffff), int(res.Value>>32)
		if rfd == wfd {
			t.Errorf("pipe returned %d/%d", rfd, wfd)
		}
		dispatch(syscall.Call{No: defs.SYS_WRITE, A0: int64(wfd), Aux: []byte("xy")})
		buf := make([]byte, 2)
		if res := dispatch(syscall.Call{No: defs.SYS_READ, A0: int64(rfd), Aux: buf}); res.Value != 2 || string(buf) != "xy" {
			t.Errorf("pipe read = %d %q", res.Value, buf)
		}

		res = dispatch(syscall.Call{No: defs.SYS_DUP, A0: int64(wfd)})
		if res.Errno != 0 || int(res.Value) == wfd {
			t.Errorf("dup = %d (%v)", res.Value, res.Errno)
		}
		dispatch(syscall.Call{No: defs.SYS_CLOSE, A0: res.Value})
		dispatch(syscall.Call{No: defs.SYS_CLOSE, A0: int64(rfd)})
		dispatch(syscall.Call{No: defs.SYS_CLOSE, A0: int64(wfd)})

		res = dispatch(syscall.Call{No: defs.SYS_OPEN, A1: defs.O_CREATE | defs.O_WRITE | defs.O_READ, Aux: "f"})
		if res.Errno != 0 {
			t.Errorf("open: %v", res.Errno)
		}
		fdnum := res.Value
		dispatch(syscall.Call{No: defs.SYS_WRITE, A0: fdnum, Aux: []byte("hello")})
		if res := dispatch(syscall.Call{No: defs.SYS_SEEK, A0: fdnum, A1: 0, A2: defs.SEEK_SET}); res.Errno != 0 {
			t.Errorf("seek: %v", res.Errno)
		}
		five := make([]byte, 5)
		if res := dispatch(syscall.Call{No: defs.SYS_READ, A0: fdnum, Aux: five}); res.Value != 5 || string(five) != "hello" {
			t.Errorf("file read = %d %q", res.Value, five)
		}
		dispatch(syscall.Call{No: defs.SYS_CLOSE, A0: fdnum})

		if res := dispatch(syscall.Call{No: defs.SYS_SBRK, A0: int64(mem.PageSize)}); res.Errno != 0 {
			t.Errorf("sbrk: %v", res.Errno)
		}

		var handled bool
		dispatch(syscall.Call{
			No: defs.SYS_SIGACTION, A0: int64(sig.SIGUSR2),
			Aux: proc.HandlerFunc(func(*proc.Syscalls) { handled = true }),
		})
		dispatch(syscall.Call{No: defs.SYS_KILL, A0: int64(sc.GetPid()), A1: int64(sig.SIGUSR2)})
		if !handled {
			t.Error("registered handler never ran")
		}

		// fork via the table, then reap it via the table.
		res = dispatch(syscall.Call{
			No:  defs.SYS_FORK,
			Aux: proc.Program(func(csc *proc.Syscalls, _ []string) int { return 5 }),
		})
		childPid := res.Value
		for {
			res = dispatch(syscall.Call{No: defs.SYS_WAITPID, A0: childPid})
			if res.Value == int64(defs.ENOTYETEXITED) {
				dispatch(syscall.Call{No: defs.SYS_YIELD})
				continue
			}
			break
		}
		if res.Value != childPid || res.ExitCode != 5 {
			t.Errorf("waitpid = %d code %d", res.Value, res.ExitCode)
		}
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()
}

func TestDispatchPanicsOnUnknownID(t *testing.T) {
	pr := newMachine(t)
	_, err := pr.Spawn(userImage, func(sc *proc.Syscalls, argv []string) int {
		defer func() {
			if recover() == nil {
				t.Error("expected panic on an unknown syscall id")
			}
		}()
		syscall.Dispatch(sc, syscall.Call{No: 9999}, nil)
		return 0
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pr.Wait()
}
