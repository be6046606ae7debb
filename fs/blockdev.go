package fs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BlockSize is the size in bytes of one YeFs block. All on-disk offsets
// are multiples of BlockSize.
const BlockSize = 512

// BlockDevice is the minimum a storage backend must support: positioned,
// whole-block reads and writes. A real kernel reaches its block device
// through a VirtIO MMIO transport; that transport, and the VirtIO queue
// protocol itself, are pinned external interfaces this module does not
// implement. FileBlockDevice is the hosted stand-in used everywhere a
// VirtIO block device would otherwise sit.
type BlockDevice interface {
	ReadBlock(no uint32, buf []byte) error
	WriteBlock(no uint32, buf []byte) error
	Sync() error
	NumBlocks() uint32
}

// FileBlockDevice backs a BlockDevice with a regular host file, using
// positioned pread/pwrite so concurrent block requests never race on a
// shared file offset -- the host analogue of a disk's native command
// queue.
type FileBlockDevice struct {
	f      *os.File
	nblock uint32
}

// OpenFileBlockDevice opens (or creates) path as a block device image of
// the given size in blocks.
func OpenFileBlockDevice(path string, nblocks uint32) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("fs: open block device %s: %w", path, err)
	}
	size := int64(nblocks) * BlockSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("fs: truncate block device %s: %w", path, err)
	}
	return &FileBlockDevice{f: f, nblock: nblocks}, nil
}

// NumBlocks reports the device's capacity in blocks.
func (d *FileBlockDevice) NumBlocks() uint32 { return d.nblock }

func (d *FileBlockDevice) checkBounds(no uint32, buf []byte) error {
	if len(buf) != BlockSize {
		return fmt.Errorf("fs: block buffer must be exactly %d bytes, got %d", BlockSize, len(buf))
	}
	if no >= d.nblock {
		return fmt.Errorf("fs: block %d out of range [0, %d)", no, d.nblock)
	}
	return nil
}

// ReadBlock reads block no into buf, which must be BlockSize bytes long.
func (d *FileBlockDevice) ReadBlock(no uint32, buf []byte) error {
	if err := d.checkBounds(no, buf); err != nil {
		return err
	}
	n, err := unix.Pread(int(d.f.Fd()), buf, int64(no)*BlockSize)
	if err != nil {
		return fmt.Errorf("fs: pread block %d: %w", no, err)
	}
	if n != BlockSize {
		return fmt.Errorf("fs: short read of block %d: got %d bytes", no, n)
	}
	return nil
}

// WriteBlock writes buf, which must be BlockSize bytes long, to block no.
func (d *FileBlockDevice) WriteBlock(no uint32, buf []byte) error {
	if err := d.checkBounds(no, buf); err != nil {
		return err
	}
	n, err := unix.Pwrite(int(d.f.Fd()), buf, int64(no)*BlockSize)
	if err != nil {
		return fmt.Errorf("fs: pwrite block %d: %w", no, err)
	}
	if n != BlockSize {
		return fmt.Errorf("fs: short write of block %d: wrote %d bytes", no, n)
	}
	return nil
}

// Sync flushes pending writes to the backing file.
func (d *FileBlockDevice) Sync() error {
	return d.f.Sync()
}

// Close releases the backing file.
func (d *FileBlockDevice) Close() error {
	return d.f.Close()
}

// MemBlockDevice is an in-memory BlockDevice, used by tests that want a
// filesystem without touching the host filesystem.
type MemBlockDevice struct {
	blocks [][]byte
}

// NewMemBlockDevice returns a zeroed in-memory block device of nblocks
// blocks.
func NewMemBlockDevice(nblocks uint32) *MemBlockDevice {
	blocks := make([][]byte, nblocks)
	for i := range blocks {
		blocks[i] = make([]byte, BlockSize)
	}
	return &MemBlockDevice{blocks: blocks}
}

func (d *MemBlockDevice) NumBlocks() uint32 { return uint32(len(d.blocks)) }

func (d *MemBlockDevice) ReadBlock(no uint32, buf []byte) error {
	if no >= uint32(len(d.blocks)) {
		return fmt.Errorf("fs: block %d out of range", no)
	}
	copy(buf, d.blocks[no])
	return nil
}

func (d *MemBlockDevice) WriteBlock(no uint32, buf []byte) error {
	if no >= uint32(len(d.blocks)) {
		return fmt.Errorf("fs: block %d out of range", no)
	}
	copy(d.blocks[no], buf)
	return nil
}

func (d *MemBlockDevice) Sync() error { return nil }
