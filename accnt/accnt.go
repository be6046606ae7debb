// Package accnt tracks per-process CPU-time accounting: nanoseconds of
// user-mode and system-mode time consumed, the way the source kernel's
// Accnt_t does for every PCB. This hosted kernel has no hardware cycle
// counter or mode-switch trap to measure against, so time is measured
// with the wall clock (time.Now) across the interval a process actually
// holds the scheduler's token; which interval counts as user vs. system
// time is simply which one the caller is in at the moment it stops the
// clock, the same distinction the source draws at its own trap
// boundaries.
package accnt

import (
	"sync"
	"time"
)

// Accnt accumulates one process's CPU-time usage.
type Accnt struct {
	mu      sync.Mutex
	userns  int64
	sysns   int64
	started time.Time
}

// New returns a zeroed accounting record.
func New() *Accnt {
	return &Accnt{}
}

// StartUser marks the beginning of a user-mode interval, recorded
// against the wall clock.
func (a *Accnt) StartUser() {
	a.mu.Lock()
	a.started = time.Now()
	a.mu.Unlock()
}

// StopUser charges the time elapsed since the last StartUser to user
// time.
func (a *Accnt) StopUser() {
	a.mu.Lock()
	if !a.started.IsZero() {
		a.userns += int64(time.Since(a.started))
		a.started = time.Time{}
	}
	a.mu.Unlock()
}

// AddSys charges d directly to system time, for kernel-side work done
// on a process's behalf outside any StartUser/StopUser bracket (syscall
// dispatch, page-fault handling).
func (a *Accnt) AddSys(d time.Duration) {
	a.mu.Lock()
	a.sysns += int64(d)
	a.mu.Unlock()
}

// Snapshot is a consistent point-in-time read of both counters.
type Snapshot struct {
	User time.Duration
	Sys  time.Duration
}

// Snapshot returns the current usage totals.
func (a *Accnt) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{User: time.Duration(a.userns), Sys: time.Duration(a.sysns)}
}

// Add merges n's totals into a, for reparenting a reaped child's usage
// onto its parent the way a real wait(2) accumulates rusage.
func (a *Accnt) Add(n *Accnt) {
	snap := n.Snapshot()
	a.mu.Lock()
	a.userns += int64(snap.User)
	a.sysns += int64(snap.Sys)
	a.mu.Unlock()
}
