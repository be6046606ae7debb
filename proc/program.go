package proc

// Program is the hosted stand-in for a compiled user-mode ELF binary's
// entry point. User-space programs themselves (the shell, hello,
// ls/cat) live outside this kernel, and this repository neither builds
// nor runs on real RISC-V hardware, so there is no instruction
// interpreter to execute a loaded image's machine code against. exec
// still does the real kernel-side work -- opening the path
// through YeFs, reading its bytes, building a fresh address space from
// the ELF program headers via vm.FromELF, laying out argv on the new
// user stack -- and then runs the Program registered for that path as
// the observable stand-in for "what the loaded image does when the CPU
// reaches its entry point". Programs are plain Go functions so the
// scheduler, signals, pipes and file descriptors a program exercises
// are the real kernel code under test, not a simulation of it.
type Program func(sc *Syscalls, argv []string) int

// Registry maps an executable path to the Program that simulates it,
// the hosted substitute for "the CPU starts executing the bytes at the
// ELF entry point".
type Registry struct {
	progs map[string]Program
}

// Register installs prog as the stand-in for path.
func (r *Registry) Register(path string, prog Program) {
	r.progs[path] = prog
}

// Lookup returns the Program registered for path, and whether one was
// found.
func (r *Registry) Lookup(path string) (Program, bool) {
	p, ok := r.progs[path]
	return p, ok
}
