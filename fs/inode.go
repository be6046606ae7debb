package fs

import (
	"encoding/binary"

	"yekernel/util"
)

// InodeType distinguishes a regular file from a directory on disk.
type InodeType uint32

const (
	TypeFile InodeType = 0
	TypeDir  InodeType = 1
)

// NDirect is the number of direct block pointers a disk inode carries.
const NDirect = 28

// IndirectEntries is how many 32-bit block pointers fit in one indirect
// block.
const IndirectEntries = BlockSize / 4

// DiskInodeSize is the on-disk size of one inode: a 4-byte size field, a
// 4-byte type field, 28 direct pointers, and two indirect pointers, all
// 32-bit -- (2+28+2)*4 = 128 bytes.
const DiskInodeSize = (2 + NDirect + 2) * 4

// MaxFileBlocks is the largest number of data blocks one inode can
// address: 28 direct, 128 single-indirect, 128*128 double-indirect.
const MaxFileBlocks = NDirect + IndirectEntries + IndirectEntries*IndirectEntries

// MaxFileSize is the largest file size in bytes representable by one
// inode.
const MaxFileSize = MaxFileBlocks * BlockSize

// diskInode is the decoded, in-memory form of the 128-byte on-disk inode
// record.
type diskInode struct {
	Size      uint32
	Type      InodeType
	Direct    [NDirect]uint32
	Indirect1 uint32
	Indirect2 uint32
}

func decodeDiskInode(buf []byte) diskInode {
	var d diskInode
	d.Size = binary.LittleEndian.Uint32(buf[0:])
	d.Type = InodeType(binary.LittleEndian.Uint32(buf[4:]))
	for i := 0; i < NDirect; i++ {
		d.Direct[i] = binary.LittleEndian.Uint32(buf[8+i*4:])
	}
	d.Indirect1 = binary.LittleEndian.Uint32(buf[8+NDirect*4:])
	d.Indirect2 = binary.LittleEndian.Uint32(buf[8+NDirect*4+4:])
	return d
}

func (d diskInode) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], d.Size)
	binary.LittleEndian.PutUint32(buf[4:], uint32(d.Type))
	for i := 0; i < NDirect; i++ {
		binary.LittleEndian.PutUint32(buf[8+i*4:], d.Direct[i])
	}
	binary.LittleEndian.PutUint32(buf[8+NDirect*4:], d.Indirect1)
	binary.LittleEndian.PutUint32(buf[8+NDirect*4+4:], d.Indirect2)
}

func (d diskInode) blocksForSize(size uint32) uint32 {
	return util.CeilDiv(size, BlockSize)
}

// Inode is a counted, in-memory handle to an on-disk inode, serialized
// through the block cache. Idx identifies its slot in the inode
// area; every read or mutation goes through fs's BlockCache, so two
// Inode handles for the same Idx always see the same bytes.
type Inode struct {
	fs  *YeFs
	Idx uint32
}

func (ino *Inode) blockAndOffset() (block uint32, off int) {
	sb := ino.fs.sb
	perBlock := InodesPerBlock
	block = sb.InodeAreaStart() + ino.Idx/uint32(perBlock)
	off = int(ino.Idx%uint32(perBlock)) * DiskInodeSize
	return
}

func (ino *Inode) read(f func(d *diskInode)) {
	block, off := ino.blockAndOffset()
	ino.fs.cache.Read(block, func(data []byte) {
		d := decodeDiskInode(data[off : off+DiskInodeSize])
		f(&d)
	})
}

func (ino *Inode) modify(f func(d *diskInode)) {
	block, off := ino.blockAndOffset()
	ino.fs.cache.Modify(block, func(data []byte) {
		d := decodeDiskInode(data[off : off+DiskInodeSize])
		f(&d)
		d.encode(data[off : off+DiskInodeSize])
	})
}

// Size returns the inode's current byte size.
func (ino *Inode) Size() uint32 {
	var sz uint32
	ino.read(func(d *diskInode) { sz = d.Size })
	return sz
}

// Type returns whether the inode is a file or a directory.
func (ino *Inode) Type() InodeType {
	var t InodeType
	ino.read(func(d *diskInode) { t = d.Type })
	return t
}

// IsDir reports whether the inode is a directory.
func (ino *Inode) IsDir() bool { return ino.Type() == TypeDir }

// initInode formats a freshly allocated inode slot as empty, of the
// given type.
func (ino *Inode) initInode(t InodeType) {
	ino.modify(func(d *diskInode) {
		*d = diskInode{Type: t}
	})
}

// nthBlock resolves the nth data block of the inode to a device block
// number, allocating nothing: n must already be within the inode's
// current block count. A NULL pointer anywhere on the path is a hole
// no code path can legitimately create, so it is fatal rather than an
// error the caller could meaningfully handle.
func (ino *Inode) nthBlock(d *diskInode, n uint32) uint32 {
	if n >= MaxFileBlocks {
		panic("fs: data block index beyond maximum file size")
	}
	var no uint32
	switch {
	case n < NDirect:
		no = d.Direct[n]
	case n < NDirect+IndirectEntries:
		no = ino.indirectEntry(d.Indirect1, n-NDirect)
	default:
		n2 := n - NDirect - IndirectEntries
		outer := n2 / IndirectEntries
		inner := n2 % IndirectEntries
		mid := ino.indirectEntry(d.Indirect2, outer)
		if mid == 0 {
			panic("fs: hole in double-indirect index block")
		}
		no = ino.indirectEntry(mid, inner)
	}
	if no == 0 {
		panic("fs: hole in inode block map")
	}
	return no
}

func (ino *Inode) indirectEntry(block uint32, idx uint32) uint32 {
	var v uint32
	ino.fs.cache.Read(block, func(data []byte) {
		v = binary.LittleEndian.Uint32(data[idx*4:])
	})
	return v
}

func (ino *Inode) setIndirectEntry(block uint32, idx uint32, val uint32) {
	ino.fs.cache.Modify(block, func(data []byte) {
		binary.LittleEndian.PutUint32(data[idx*4:], val)
	})
}

// Read copies min(len(buf), Size()-offset) bytes starting at offset into
// buf and returns the count actually read.
func (ino *Inode) Read(offset uint32, buf []byte) int {
	var size uint32
	var total int
	ino.read(func(d *diskInode) {
		size = d.Size
		if offset >= size {
			return
		}
		end := offset + uint32(len(buf))
		if end > size {
			end = size
		}
		pos := offset
		for pos < end {
			blkIdx := pos / BlockSize
			blkOff := pos % BlockSize
			n := BlockSize - blkOff
			if remain := end - pos; n > remain {
				n = remain
			}
			devBlock := ino.nthBlock(d, blkIdx)
			ino.fs.cache.Read(devBlock, func(data []byte) {
				copy(buf[total:total+int(n)], data[blkOff:blkOff+n])
			})
			total += int(n)
			pos += n
		}
	})
	return total
}

// Write overwrites min(len(buf), Size()-offset) bytes starting at
// offset; it never grows the inode. Callers that want to grow the file
// must call Grow first (see WriteMayGrow), matching the source
// distinction between a plain write and one that extends the file.
func (ino *Inode) Write(offset uint32, buf []byte) int {
	var total int
	ino.modify(func(d *diskInode) {
		size := d.Size
		if offset >= size {
			return
		}
		end := offset + uint32(len(buf))
		if end > size {
			end = size
		}
		pos := offset
		for pos < end {
			blkIdx := pos / BlockSize
			blkOff := pos % BlockSize
			n := BlockSize - blkOff
			if remain := end - pos; n > remain {
				n = remain
			}
			devBlock := ino.nthBlock(d, blkIdx)
			ino.fs.cache.Modify(devBlock, func(data []byte) {
				copy(data[blkOff:blkOff+n], buf[total:total+int(n)])
			})
			total += int(n)
			pos += n
		}
	})
	return total
}

// WriteMayGrow grows the inode to cover offset+len(buf) if necessary,
// then writes buf at offset -- the "append or overwrite, extending the
// file as needed" primitive append() and directory insertion build on.
func (ino *Inode) WriteMayGrow(offset uint32, buf []byte) (int, error) {
	needSize := offset + uint32(len(buf))
	if ino.Size() < needSize {
		if err := ino.Grow(needSize); err != nil {
			return 0, err
		}
	}
	return ino.Write(offset, buf), nil
}

// Append writes buf at the current end of the file, growing it by
// exactly len(buf) bytes.
func (ino *Inode) Append(buf []byte) (int, error) {
	return ino.WriteMayGrow(ino.Size(), buf)
}

// Grow extends the inode to newSize bytes, allocating whatever new data
// and indirect blocks are required. It fails if newSize exceeds
// MaxFileSize.
func (ino *Inode) Grow(newSize uint32) error {
	if newSize > MaxFileSize {
		return errFileTooLarge
	}
	var failed error
	ino.modify(func(d *diskInode) {
		oldBlocks := d.blocksForSize(d.Size)
		newBlocks := d.blocksForSize(newSize)
		for n := oldBlocks; n < newBlocks; n++ {
			if err := ino.allocNthBlock(d, n); err != nil {
				failed = err
				return
			}
		}
		d.Size = newSize
	})
	return failed
}

func (ino *Inode) allocNthBlock(d *diskInode, n uint32) error {
	alloc := func() (uint32, error) {
		b, ok := ino.fs.dataAlloc.alloc()
		if !ok {
			return 0, errNoSpace
		}
		no := ino.fs.sb.DataAreaStart() + b
		ino.fs.cache.Modify(no, func(data []byte) {
			for i := range data {
				data[i] = 0
			}
		})
		return no, nil
	}

	switch {
	case n < NDirect:
		no, err := alloc()
		if err != nil {
			return err
		}
		d.Direct[n] = no
		return nil
	case n < NDirect+IndirectEntries:
		if d.Indirect1 == 0 {
			no, err := alloc()
			if err != nil {
				return err
			}
			d.Indirect1 = no
		}
		no, err := alloc()
		if err != nil {
			return err
		}
		ino.setIndirectEntry(d.Indirect1, n-NDirect, no)
		return nil
	default:
		if d.Indirect2 == 0 {
			no, err := alloc()
			if err != nil {
				return err
			}
			d.Indirect2 = no
		}
		n2 := n - NDirect - IndirectEntries
		outer := n2 / IndirectEntries
		inner := n2 % IndirectEntries
		mid := ino.indirectEntry(d.Indirect2, outer)
		if mid == 0 {
			no, err := alloc()
			if err != nil {
				return err
			}
			mid = no
			ino.setIndirectEntry(d.Indirect2, outer, mid)
		}
		no, err := alloc()
		if err != nil {
			return err
		}
		ino.setIndirectEntry(mid, inner, no)
		return nil
	}
}

// Clear truncates the inode to zero bytes, freeing every data and
// index block it owned, but leaves the inode slot itself allocated.
// Clearing an already-empty inode is a no-op.
func (ino *Inode) Clear() { ino.Trunc(0) }

// Trunc shrinks the inode to newSize bytes (newSize must be <= current
// Size), releasing blocks from the high end downward and writing NULL
// over each released pointer. Index blocks are returned to the
// allocator as soon as their last live entry is released.
func (ino *Inode) Trunc(newSize uint32) {
	ino.modify(func(d *diskInode) {
		if newSize > d.Size {
			panic("fs: Trunc to a larger size")
		}
		oldBlocks := d.blocksForSize(d.Size)
		newBlocks := d.blocksForSize(newSize)
		for n := oldBlocks; n > newBlocks; n-- {
			ino.freeNthBlock(d, n-1)
		}
		d.Size = newSize
	})
}

func (ino *Inode) freeBlock(no uint32) {
	ino.fs.dataAlloc.free(no - ino.fs.sb.DataAreaStart())
}

// freeNthBlock releases the inode's logical block n and whatever index
// blocks become empty once it is gone. Callers free strictly from the
// high end down, so an index block is empty exactly when its slot 0 is
// the one being released.
func (ino *Inode) freeNthBlock(d *diskInode, n uint32) {
	switch {
	case n < NDirect:
		ino.freeBlock(d.Direct[n])
		d.Direct[n] = 0
	case n < NDirect+IndirectEntries:
		i := n - NDirect
		ino.freeBlock(ino.indirectEntry(d.Indirect1, i))
		ino.setIndirectEntry(d.Indirect1, i, 0)
		if i == 0 {
			ino.freeBlock(d.Indirect1)
			d.Indirect1 = 0
		}
	default:
		n2 := n - NDirect - IndirectEntries
		outer := n2 / IndirectEntries
		inner := n2 % IndirectEntries
		mid := ino.indirectEntry(d.Indirect2, outer)
		ino.freeBlock(ino.indirectEntry(mid, inner))
		ino.setIndirectEntry(mid, inner, 0)
		if inner == 0 {
			ino.freeBlock(mid)
			ino.setIndirectEntry(d.Indirect2, outer, 0)
			if outer == 0 {
				ino.freeBlock(d.Indirect2)
				d.Indirect2 = 0
			}
		}
	}
}

// DiskBlocksFor returns the total number of device blocks an inode of
// the given byte size occupies: its data blocks plus the index blocks
// the addressing tiers need to reach them.
func DiskBlocksFor(size uint32) uint32 {
	data := util.CeilDiv(size, BlockSize)
	total := data
	if data > NDirect {
		total++ // the single-indirect index block
	}
	if data > NDirect+IndirectEntries {
		total++ // the double-indirect root
		total += util.CeilDiv(data-NDirect-IndirectEntries, IndirectEntries)
	}
	return total
}
