package vm

import "yekernel/mem"

// KernelStackPages is the number of pages reserved for one process's
// kernel stack, not counting its guard page.
const KernelStackPages = 2

// KernelStackRange returns the [bottom, top) VPN range of the kernel
// stack reserved for pid, one guard page below the next-lower pid's
// stack: top = TRAMPOLINE_VPN - (KernelStackPages+1)*pid - 1, bottom =
// TRAMPOLINE_VPN - (KernelStackPages+1)*(pid+1).
//
// proc maps these pages into the kernel address space for each process
// (see its allocKernelStack), but nothing executes on them: each
// process's kernel-side code runs on the Go runtime's own goroutine
// stack (see proc's design note on why), so there is no assembly trap
// entry that lands on them. The range is still computed and mapped
// so the guard-page invariant -- that a
// stack overflow lands in an unmapped hole rather than the next
// process's stack -- is a checkable fact about this kernel's address-
// space layout, exercised by vm's own tests.
func KernelStackRange(pid int) (bottom, top mem.VPN) {
	span := mem.VPN(KernelStackPages + 1)
	top = mem.TrampolineVPN - span*mem.VPN(pid) - 1
	bottom = mem.TrampolineVPN - span*mem.VPN(pid+1)
	return bottom, top
}
