package fs

import (
	"fmt"

	"yekernel/util"
)

// RootInodeIdx is the fixed inode index of the filesystem root
// directory, always allocated first at format time.
const RootInodeIdx = 0

// CacheBlocks is the default number of blocks the block cache holds
// resident at once.
const CacheBlocks = 64

// YeFs is a mounted YeFs filesystem: the superblock plus the allocators
// and block cache layered over a single BlockDevice. The root is always
// a flat directory of files -- there is no nested-path resolution layer
// here, matching the way the filesystem this module is modelled on only
// ever looks entries up directly against its root directory rather than
// walking a general path.
type YeFs struct {
	dev   BlockDevice
	cache *BlockCache
	sb    *SuperBlock

	inodeAlloc *bitmap
	dataAlloc  *bitmap
}

// Format lays out a brand new YeFs filesystem across dev: a superblock,
// an inode bitmap and area sized to hold inodeCount inodes, and a data
// bitmap and area covering the remaining blocks. It returns the mounted
// filesystem with the root directory already created.
func Format(dev BlockDevice, inodeCount uint32) (*YeFs, error) {
	total := dev.NumBlocks()
	inodeAreaBlks := util.CeilDiv(inodeCount, InodesPerBlock)
	inodeBitmapBlks := util.CeilDiv(inodeCount, bitsPerBlock)
	if inodeBitmapBlks == 0 {
		inodeBitmapBlks = 1
	}

	used := uint32(1) + inodeBitmapBlks + inodeAreaBlks
	if used >= total {
		return nil, fmt.Errorf("fs: device too small for %d inodes", inodeCount)
	}
	remaining := total - used
	// Reserve one data-bitmap block per ~bitsPerBlock data blocks.
	dataBitmapBlks := (remaining + bitsPerBlock) / (bitsPerBlock + 1)
	if dataBitmapBlks == 0 {
		dataBitmapBlks = 1
	}
	dataAreaBlks := remaining - dataBitmapBlks

	sb := &SuperBlock{
		TotalBlocks:     total,
		InodeBitmapBlks: inodeBitmapBlks,
		InodeAreaBlks:   inodeAreaBlks,
		DataBitmapBlks:  dataBitmapBlks,
		DataAreaBlks:    dataAreaBlks,
	}

	cache := NewBlockCache(dev, CacheBlocks)
	cache.Modify(0, func(buf []byte) { sb.encode(buf) })
	for b := sb.InodeBitmapStart(); b < sb.InodeBitmapStart()+sb.InodeBitmapBlks; b++ {
		cache.Modify(b, zeroBlock)
	}
	for b := sb.DataBitmapStart(); b < sb.DataBitmapStart()+sb.DataBitmapBlks; b++ {
		cache.Modify(b, zeroBlock)
	}

	fs := &YeFs{
		dev:        dev,
		cache:      cache,
		sb:         sb,
		inodeAlloc: newBitmap(sb.InodeBitmapStart(), sb.InodeBitmapBlks, cache),
		dataAlloc:  newBitmap(sb.DataBitmapStart(), sb.DataBitmapBlks, cache),
	}

	rootIdx, ok := fs.inodeAlloc.alloc()
	if !ok || rootIdx != RootInodeIdx {
		return nil, fmt.Errorf("fs: could not allocate root inode")
	}
	root := &Inode{fs: fs, Idx: rootIdx}
	root.initInode(TypeDir)
	if err := root.dirInsert(".", rootIdx); err != nil {
		return nil, fmt.Errorf("fs: seed root directory: %w", err)
	}

	fs.cache.Sync()
	return fs, nil
}

func zeroBlock(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Mount loads an existing YeFs filesystem from dev, checking the
// superblock magic. A bad magic is a fatal kernel error: booting from a
// device that isn't YeFs-formatted is not recoverable.
func Mount(dev BlockDevice) *YeFs {
	cache := NewBlockCache(dev, CacheBlocks)
	var sb *SuperBlock
	cache.Read(0, func(buf []byte) {
		var ok bool
		sb, ok = decodeSuperBlock(buf)
		if !ok {
			panic("fs: bad superblock magic, not a YeFs device")
		}
	})
	return &YeFs{
		dev:        dev,
		cache:      cache,
		sb:         sb,
		inodeAlloc: newBitmap(sb.InodeBitmapStart(), sb.InodeBitmapBlks, cache),
		dataAlloc:  newBitmap(sb.DataBitmapStart(), sb.DataBitmapBlks, cache),
	}
}

// SuperBlock exposes the mounted filesystem's layout, mostly for tests
// and diagnostics.
func (fs *YeFs) SuperBlock() *SuperBlock { return fs.sb }

// Root returns the inode handle for the root directory.
func (fs *YeFs) Root() *Inode {
	return &Inode{fs: fs, Idx: RootInodeIdx}
}

// RootVNode returns a VNode handle for the root directory, the entry
// point every open/create/mkdir/unlink syscall resolves names against
// (YeFs has no nested path resolution).
func (fs *YeFs) RootVNode() *VNode {
	return vnodeOf(fs, fs.Root())
}

// Sync flushes every dirty cached block to the device.
func (fs *YeFs) Sync() { fs.cache.Sync() }

// allocInode allocates a fresh inode slot of the given type.
func (fs *YeFs) allocInode(t InodeType) (*Inode, error) {
	idx, ok := fs.inodeAlloc.alloc()
	if !ok {
		return nil, errNoInodes
	}
	ino := &Inode{fs: fs, Idx: idx}
	ino.initInode(t)
	return ino, nil
}

// freeInode clears an inode's data and returns its slot to the
// allocator. The caller is responsible for having already removed every
// directory entry referring to it.
func (fs *YeFs) freeInode(ino *Inode) {
	ino.Clear()
	fs.inodeAlloc.free(ino.Idx)
}

// Get returns a handle to the inode at idx.
func (fs *YeFs) Get(idx uint32) *Inode {
	return &Inode{fs: fs, Idx: idx}
}
