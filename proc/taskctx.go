package proc

// TaskContext is the register state saved across a kernel-to-kernel
// context switch: the return address the switched-in task resumes at,
// its kernel stack pointer, and the twelve callee-saved registers. On
// hardware, __switch spills the outgoing task's values into one of
// these and reloads the incoming task's; in this hosted kernel the Go
// runtime performs the actual stack switch between process goroutines,
// so the context records the scheduling facts the switch would have
// saved -- which kernel stack the task owns and where it re-enters --
// and tests assert against them instead of raw register contents.
type TaskContext struct {
	Ra uint64
	Sp uint64
	S  [12]uint64
}

// newTaskContext builds the context a freshly created task would be
// switched into: ra pointing at the trap-return path and sp at the top
// of its kernel stack, the same shape the source kernel gives a new
// PCB before its first ever schedule.
func newTaskContext(kernelSP uint64) TaskContext {
	return TaskContext{Ra: trapReturnAddr, Sp: kernelSP}
}

// trapReturnAddr stands in for the linked address of the trap-return
// routine a new task's ra is pointed at. There is no linked kernel
// image to take a real address from; the value only needs to be
// recognizable and stable.
const trapReturnAddr = 0x1000_0000_0000
