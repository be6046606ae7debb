// Package fd implements the per-process file descriptor table and the
// File objects it holds: pipes, console stdio, and (via the fs package)
// regular files and directories. The table itself is a plain growable
// slice of slots the way the source ProcessControlBlock.fd_table is,
// with empty slots reused before the table grows.
package fd

import (
	"sync"

	"yekernel/defs"
)

// File is anything that can sit behind a file descriptor. Regular files,
// pipes, and stdio all implement it; seeking on a non-seekable file
// returns defs.UNSEEKABLE.
type File interface {
	Read(buf []byte) (int, defs.Err_t)
	Write(buf []byte) (int, defs.Err_t)
	Seek(offset int64, whence int) (int64, defs.Err_t)
	Close() defs.Err_t
}

// Reopener is implemented by Files that care how many descriptor slots
// reference them -- pipe ends, whose close-side bookkeeping must fire
// only when the last referencing slot goes away, not the first. Dup and
// fork-time table cloning call Reopen once per new slot; Close is then
// expected to undo one reference at a time.
type Reopener interface {
	Reopen()
}

// Table is a process's file descriptor table: a slice of slots, empty
// ones available for reuse by the next open or dup.
type Table struct {
	mu    sync.Mutex
	slots []File
}

// NewTable returns an empty descriptor table.
func NewTable() *Table {
	return &Table{}
}

// Add installs f in the first empty slot, or appends a new one, and
// returns its descriptor number. The source ProcessControlBlock.add_fd
// returns fd_table.len() immediately after pushing, which is the index
// one past the element just pushed -- an off-by-one this table does not
// reproduce.
func (t *Table) Add(f File) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.slots {
		if slot == nil {
			t.slots[i] = f
			return i
		}
	}
	t.slots = append(t.slots, f)
	return len(t.slots) - 1
}

// Get returns the file at fd, or nil if fd is out of range or empty.
func (t *Table) Get(fdnum int) File {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fdnum < 0 || fdnum >= len(t.slots) {
		return nil
	}
	return t.slots[fdnum]
}

// Remove clears the slot at fd, making it available for reuse, and
// returns the File that was there (nil if the slot was already empty or
// out of range).
func (t *Table) Remove(fdnum int) File {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fdnum < 0 || fdnum >= len(t.slots) {
		return nil
	}
	f := t.slots[fdnum]
	t.slots[fdnum] = nil
	return f
}

// Dup duplicates fd into a new slot referring to the same File, the way
// the source Copyfd reopens a descriptor onto a fresh slot sharing the
// same underlying fops.
func (t *Table) Dup(fdnum int) (int, defs.Err_t) {
	f := t.Get(fdnum)
	if f == nil {
		return 0, defs.UNREADABLE
	}
	if r, ok := f.(Reopener); ok {
		r.Reopen()
	}
	return t.Add(f), 0
}

// Clone returns a new table referring to the same Files as t, for use
// when a process forks: descriptors are shared between parent and
// child, not deep-copied. Reference-counted files are reopened once per
// cloned slot so a close in either process only drops that process's
// reference.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := &Table{slots: make([]File, len(t.slots))}
	copy(nt.slots, t.slots)
	for _, f := range nt.slots {
		if r, ok := f.(Reopener); ok {
			r.Reopen()
		}
	}
	return nt
}

// CloseAll closes every open slot, used when a process exits.
func (t *Table) CloseAll() {
	t.mu.Lock()
	slots := t.slots
	t.slots = nil
	t.mu.Unlock()
	for _, f := range slots {
		if f != nil {
			f.Close()
		}
	}
}
