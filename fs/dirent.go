package fs

import "encoding/binary"

// DirEntrySize is the fixed on-disk size of one directory entry: a
// validity byte, a 27-byte NUL-terminated name, and a 4-byte inode
// index -- 1 + 27 + 4 = 32 bytes. An invalid (tombstoned) entry is never
// compacted out of a directory's data blocks; it is simply skipped by
// lookup and reused by a later insert.
const DirEntrySize = 32

// MaxNameLen is the longest name (excluding the NUL terminator) a
// directory entry can hold.
const MaxNameLen = 26

// DirEntry is the decoded form of one 32-byte directory record.
type DirEntry struct {
	Valid bool
	Name  string
	Inode uint32
}

func decodeDirEntry(buf []byte) DirEntry {
	valid := buf[0] != 0
	nameEnd := 0
	for nameEnd < MaxNameLen+1 && buf[1+nameEnd] != 0 {
		nameEnd++
	}
	return DirEntry{
		Valid: valid,
		Name:  string(buf[1 : 1+nameEnd]),
		Inode: binary.LittleEndian.Uint32(buf[28:]),
	}
}

func (e DirEntry) encode(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	if e.Valid {
		buf[0] = 1
	}
	copy(buf[1:1+MaxNameLen+1], e.Name)
	binary.LittleEndian.PutUint32(buf[28:], e.Inode)
}

// dirFind scans the inode's entries for name, returning the inode index
// it refers to. Lookup is a flat linear scan against entries in
// insertion order; YeFs has no directory index or hashing. It returns
// errNotFound if no live entry matches.
func (ino *Inode) dirFind(name string) (uint32, error) {
	if !ino.IsDir() {
		return 0, errNotDir
	}
	size := ino.Size()
	count := size / DirEntrySize
	buf := make([]byte, DirEntrySize)
	for i := uint32(0); i < count; i++ {
		ino.Read(i*DirEntrySize, buf)
		e := decodeDirEntry(buf)
		if e.Valid && e.Name == name {
			return e.Inode, nil
		}
	}
	return 0, errNotFound
}

// dirInsert adds name -> inodeIdx to the directory, reusing the first
// tombstoned (invalid) slot it finds instead of always appending, and
// growing the directory by one entry only when no such slot exists.
func (ino *Inode) dirInsert(name string, inodeIdx uint32) error {
	if !ino.IsDir() {
		return errNotDir
	}
	if len(name) > MaxNameLen {
		return errNameTooLong
	}
	if _, err := ino.dirFind(name); err == nil {
		return errExists
	}

	size := ino.Size()
	count := size / DirEntrySize
	buf := make([]byte, DirEntrySize)
	for i := uint32(0); i < count; i++ {
		ino.Read(i*DirEntrySize, buf)
		e := decodeDirEntry(buf)
		if !e.Valid {
			entry := DirEntry{Valid: true, Name: name, Inode: inodeIdx}
			entry.encode(buf)
			ino.Write(i*DirEntrySize, buf)
			return nil
		}
	}

	entry := DirEntry{Valid: true, Name: name, Inode: inodeIdx}
	entry.encode(buf)
	_, err := ino.Append(buf)
	return err
}

// dirDelete removes the entry named name by clearing its Valid bit. It
// does not guard against removing "." or ".." -- callers are expected to
// do that at the syscall layer if they want that protection, the same
// gap the source directory-remove routine leaves open.
func (ino *Inode) dirDelete(name string) error {
	if !ino.IsDir() {
		return errNotDir
	}
	size := ino.Size()
	count := size / DirEntrySize
	buf := make([]byte, DirEntrySize)
	for i := uint32(0); i < count; i++ {
		ino.Read(i*DirEntrySize, buf)
		e := decodeDirEntry(buf)
		if e.Valid && e.Name == name {
			e.Valid = false
			e.encode(buf)
			ino.Write(i*DirEntrySize, buf)
			return nil
		}
	}
	return errNotFound
}

// dirEntries returns every live entry in the directory, in on-disk
// order.
func (ino *Inode) dirEntries() ([]DirEntry, error) {
	if !ino.IsDir() {
		return nil, errNotDir
	}
	size := ino.Size()
	count := size / DirEntrySize
	buf := make([]byte, DirEntrySize)
	var out []DirEntry
	for i := uint32(0); i < count; i++ {
		ino.Read(i*DirEntrySize, buf)
		e := decodeDirEntry(buf)
		if e.Valid {
			out = append(out, e)
		}
	}
	return out, nil
}
