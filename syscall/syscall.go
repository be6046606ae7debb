// Package syscall is the numbered dispatch table standing between the
// trap handler and proc.Syscalls: every syscall has a
// fixed number carried in register x[17] with up to three arguments in
// x[10..13]; this package switches on that same number (defs.SYS_*)
// and calls through to the typed proc.Syscalls method that does the
// real work.
//
// A literal a0-a3 register ABI cannot carry a fork continuation, an
// open path, or a signal handler closure, so Call's Aux field is the
// hosted adaptation: integer arguments ride in the register-width
// fields as they would in registers, and Aux carries
// whichever single non-integer argument a given call needs (a []byte
// buffer, a string path, a proc.Program, a proc.HandlerFunc). Dispatch
// panics if Aux is missing or the wrong type for the call being made --
// a programming error in the caller, not a recoverable syscall failure.
package syscall

import (
	"fmt"
	"log/slog"

	"yekernel/defs"
	"yekernel/mem"
	"yekernel/proc"
	"yekernel/sig"
)

// Call packs one syscall invocation: the number plus up to three
// register-width arguments and one auxiliary value for whatever this
// call needs that doesn't fit in a register.
type Call struct {
	No  int
	A0  int64
	A1  int64
	A2  int64
	Aux interface{}
}

// Result is what a0 would hold on return: either the plain return value
// or a defs.Err_t cast to int64, whichever the call produces. ExitCode
// is set only by SYS_WAITPID, carrying what would otherwise be written
// through the caller's exit_code_ptr.
type Result struct {
	Value    int64
	Errno    defs.Err_t
	ExitCode int
}

// Name returns the conventional name for a syscall number, for tracing.
func Name(no int) string {
	switch no {
	case defs.SYS_DUP:
		return "dup"
	case defs.SYS_OPEN:
		return "open"
	case defs.SYS_CLOSE:
		return "close"
	case defs.SYS_PIPE:
		return "pipe"
	case defs.SYS_SEEK:
		return "seek"
	case defs.SYS_READ:
		return "read"
	case defs.SYS_WRITE:
		return "write"
	case defs.SYS_EXIT:
		return "exit"
	case defs.SYS_YIELD:
		return "yield"
	case defs.SYS_KILL:
		return "kill"
	case defs.SYS_SIGACTION:
		return "sigaction"
	case defs.SYS_SIGPROCMASK:
		return "sigprocmask"
	case defs.SYS_SIGRET:
		return "sigreturn"
	case defs.SYS_GET_TIME:
		return "get_time"
	case defs.SYS_GETPID:
		return "getpid"
	case defs.SYS_SBRK:
		return "sbrk"
	case defs.SYS_FORK:
		return "fork"
	case defs.SYS_EXEC:
		return "exec"
	case defs.SYS_WAITPID:
		return "waitpid"
	default:
		return "unknown"
	}
}

// Dispatch runs one Call against sc and logs it at debug level via
// logger, the way a trap handler would trace every syscall it serviced
// before returning to user code.
func Dispatch(sc *proc.Syscalls, c Call, logger *slog.Logger) Result {
	if logger != nil {
		logger.Debug("syscall", "pid", sc.GetPid(), "no", c.No, "name", Name(c.No))
	}
	switch c.No {
	case defs.SYS_GETPID:
		return Result{Value: int64(sc.GetPid())}
	case defs.SYS_GET_TIME:
		return Result{Value: sc.GetTime()}
	case defs.SYS_YIELD:
		sc.Yield()
		return Result{}
	case defs.SYS_EXIT:
		sc.Exit(int(c.A0))
		return Result{}
	case defs.SYS_SBRK:
		old, errno := sc.Sbrk(c.A0)
		return Result{Value: old, Errno: errno}
	case defs.SYS_READ:
		buf := c.Aux.([]byte)
		n, errno := sc.Read(int(c.A0), buf)
		return Result{Value: int64(n), Errno: errno}
	case defs.SYS_WRITE:
		buf := c.Aux.([]byte)
		n, errno := sc.Write(int(c.A0), buf)
		return Result{Value: int64(n), Errno: errno}
	case defs.SYS_SEEK:
		off, errno := sc.Seek(int(c.A0), c.A1, int(c.A2))
		return Result{Value: off, Errno: errno}
	case defs.SYS_CLOSE:
		return Result{Errno: sc.Close(int(c.A0))}
	case defs.SYS_DUP:
		fdnum, errno := sc.Dup(int(c.A0))
		return Result{Value: int64(fdnum), Errno: errno}
	case defs.SYS_PIPE:
		r, w := sc.Pipe()
		return Result{Value: int64(r) | int64(w)<<32}
	case defs.SYS_OPEN:
		path := c.Aux.(string)
		fdnum, errno := sc.Open(path, int(c.A1))
		return Result{Value: int64(fdnum), Errno: errno}
	case defs.SYS_FORK:
		prog := c.Aux.(proc.Program)
		pid, errno := sc.Fork(prog, nil)
		return Result{Value: int64(pid), Errno: errno}
	case defs.SYS_EXEC:
		// Aux is the target path, optionally followed by argv.
		args := c.Aux.([]string)
		return Result{Errno: sc.Exec(args[0], args[1:])}
	case defs.SYS_WAITPID:
		childPid, exitCode, errno := sc.WaitPid(int(c.A0), mem.VA(c.A1))
		if errno != 0 {
			return Result{Value: int64(errno)}
		}
		return Result{Value: int64(childPid), ExitCode: exitCode}
	case defs.SYS_KILL:
		errno := sc.Kill(int(c.A0), sig.Signal(c.A1))
		return Result{Errno: errno}
	case defs.SYS_SIGPROCMASK:
		old := sc.Sigprocmask(sig.Mask(c.A0))
		return Result{Value: int64(old)}
	case defs.SYS_SIGRET:
		sc.SigReturn()
		return Result{}
	case defs.SYS_SIGACTION:
		handler := c.Aux.(proc.HandlerFunc)
		_, errno := sc.Sigaction(sig.Signal(c.A0), handler, sig.Mask(c.A1))
		return Result{Errno: errno}
	default:
		// An unknown syscall number is a broken or hostile binary, not a
		// recoverable request; the kernel halts rather than guessing.
		panic(fmt.Sprintf("syscall: unsupported syscall id %d", c.No))
	}
}
