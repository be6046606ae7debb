package fs

import (
	"sync"

	"yekernel/defs"
)

// FileHandle adapts a VNode plus an open-time cursor and flags to the
// fd.File interface (Read/Write/Seek/Close), so a YeFs file can be
// installed directly into a process's descriptor table.
type FileHandle struct {
	mu       sync.Mutex
	node     *VNode
	offset   uint32
	append_  bool
	canRead  bool
	canWrite bool
}

// NewFileHandle opens node with the given read/write/append permissions,
// positioned at the start of the file (or the end, if append is set).
func NewFileHandle(node *VNode, canRead, canWrite, append_ bool) *FileHandle {
	fh := &FileHandle{node: node, canRead: canRead, canWrite: canWrite, append_: append_}
	if append_ {
		fh.offset = node.Inode.Size()
	}
	return fh
}

// Read reads into buf starting at the handle's current cursor, advancing
// it by the number of bytes actually read.
func (fh *FileHandle) Read(buf []byte) (int, defs.Err_t) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if !fh.canRead {
		return 0, defs.UNREADABLE
	}
	n := fh.node.Inode.Read(fh.offset, buf)
	fh.offset += uint32(n)
	return n, 0
}

// Write writes buf at the handle's current cursor (or at the file's end,
// if opened with append), growing the file as needed, and advances the
// cursor by the number of bytes written.
func (fh *FileHandle) Write(buf []byte) (int, defs.Err_t) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if !fh.canWrite {
		return 0, defs.UNWRITABLE
	}
	off := fh.offset
	if fh.append_ {
		off = fh.node.Inode.Size()
	}
	n, err := fh.node.Inode.WriteMayGrow(off, buf)
	if err != nil {
		return 0, defs.UNWRITABLE
	}
	fh.offset = off + uint32(n)
	return n, 0
}

// Seek repositions the handle's cursor per whence (SEEK_SET/CUR/END).
func (fh *FileHandle) Seek(offset int64, whence int) (int64, defs.Err_t) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	var base int64
	switch whence {
	case defs.SEEK_SET:
		base = 0
	case defs.SEEK_CUR:
		base = int64(fh.offset)
	case defs.SEEK_END:
		base = int64(fh.node.Inode.Size())
	default:
		return 0, defs.UNSEEKABLE
	}
	newOff := base + offset
	if newOff < 0 {
		return 0, defs.SEEK_OUT_OF_RANGE
	}
	fh.offset = uint32(newOff)
	return newOff, 0
}

// Close is a no-op beyond releasing the handle: YeFs has no per-open
// state to flush besides what the block cache already owns.
func (fh *FileHandle) Close() defs.Err_t { return 0 }

// Node returns the handle's underlying VNode, for directory-specific
// syscalls (readdir-style listing) that need more than Read/Write/Seek.
func (fh *FileHandle) Node() *VNode { return fh.node }
