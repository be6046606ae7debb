// Package userland holds the hosted Programs registered against this
// kernel's Processor: stand-ins for compiled ELF user binaries. Real
// user-space programs (a shell, coreutils) live outside the kernel;
// these are the minimal workloads the kernel's own tests drive exec,
// fork, pipes and signals through.
package userland

import (
	"fmt"
	"strconv"

	"yekernel/defs"
	"yekernel/proc"
	"yekernel/sig"
)

// Init is the first process: for each name in argv it forks a child
// that execs that program (with the program's own name as its argv[0]),
// then polls waitpid until the child is reaped, yielding between polls
// the way the real initproc's wait loop does.
func Init(sc *proc.Syscalls, argv []string) int {
	for _, name := range argv {
		name := name
		pid, errno := sc.Fork(func(sc *proc.Syscalls, _ []string) int {
			if e := sc.Exec(name, []string{name}); e != 0 {
				return int(e)
			}
			return 0
		}, nil)
		if errno != 0 {
			return int(errno)
		}
		for {
			_, _, errno := sc.WaitPid(pid, 0)
			if errno == defs.ENOTYETEXITED {
				sc.Yield()
				continue
			}
			break
		}
	}
	return 0
}

// Hello prints a greeting and exits 0, the stand-in for scenario 2's
// "hello\0" ELF.
func Hello(sc *proc.Syscalls, argv []string) int {
	sc.Write(1, []byte("Hello, world!\n"))
	return 0
}

// Compute loops, charging one unit of simulated work to the scheduler's
// quantum accounting per iteration, recording its own pid into observed
// on every iteration -- the workload scenario 3 drives to
// verify round-robin fairness under preemption. It runs forever until
// killed, the way a compute-bound user process never voluntarily exits.
func Compute(observed *[]int, mu Locker) proc.Program {
	return func(sc *proc.Syscalls, argv []string) int {
		pid := sc.GetPid()
		for {
			mu.Lock()
			*observed = append(*observed, pid)
			mu.Unlock()
			sc.Tick()
		}
	}
}

// Locker is the subset of sync.Mutex Compute needs, kept as an
// interface so callers can swap in any equivalent guard.
type Locker interface {
	Lock()
	Unlock()
}

// PipeWriter writes payload to fd in one call and returns its length,
// the stand-in for scenario 4's pipe-writing child.
func PipeWriter(fd int, payload []byte) proc.Program {
	return func(sc *proc.Syscalls, argv []string) int {
		n, _ := sc.Write(fd, payload)
		return n
	}
}

// PipeReader reads up to want bytes from fd into *out, stopping early
// when a read returns no bytes (EOF), and exits 0, the stand-in for scenario 4's pipe-reading parent continuation.
func PipeReader(fd int, want int, out *[]byte) proc.Program {
	return func(sc *proc.Syscalls, argv []string) int {
		buf := make([]byte, want)
		total := 0
		for total < want {
			n, errno := sc.Read(fd, buf[total:])
			if n == 0 {
				break
			}
			total += n
			_ = errno
		}
		*out = buf[:total]
		return 0
	}
}

// SignalDemo installs a SIGUSR2 handler that prints "from signal
// handler", raises SIGUSR2 against itself, then prints "hello world" --
// scenario 7 verbatim: observed output ends with "from signal
// handler\nhello world\n".
func SignalDemo(sc *proc.Syscalls, argv []string) int {
	sc.Sigaction(sig.SIGUSR2, func(sc *proc.Syscalls) {
		sc.Write(1, []byte("from signal handler\n"))
	}, 0)
	sc.Kill(sc.GetPid(), sig.SIGUSR2)
	sc.Write(1, []byte("hello world\n"))
	return 0
}

// Cat writes argv[0]'s file contents to stdout, a minimal coreutils
// stand-in useful for exercising Open/Read/Write/Close together.
func Cat(sc *proc.Syscalls, argv []string) int {
	if len(argv) == 0 {
		return -1
	}
	fdnum, errno := sc.Open(argv[0], 0x1)
	if errno != 0 {
		fmt.Fprintf(discard{}, "cat: %s: %d\n", argv[0], errno)
		return 1
	}
	buf := make([]byte, 512)
	for {
		n, _ := sc.Read(fdnum, buf)
		if n == 0 {
			break
		}
		sc.Write(1, buf[:n])
	}
	sc.Close(fdnum)
	return 0
}

// Echo writes its arguments, space-separated, followed by a newline.
func Echo(sc *proc.Syscalls, argv []string) int {
	for i, a := range argv {
		if i > 0 {
			sc.Write(1, []byte(" "))
		}
		sc.Write(1, []byte(a))
	}
	sc.Write(1, []byte("\n"))
	return 0
}

// ExitWith exits with the integer code given as argv[0], used by tests
// that need a Program whose exit status they control directly.
func ExitWith(sc *proc.Syscalls, argv []string) int {
	if len(argv) == 0 {
		return 0
	}
	code, _ := strconv.Atoi(argv[0])
	sc.Exit(code)
	return code
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
