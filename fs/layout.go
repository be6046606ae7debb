package fs

import "yekernel/util"

// Magic identifies a YeFs-formatted device. It is written to block 0 at
// format time and checked on every mount; a mismatch is a fatal kernel
// error (the image is not a YeFs filesystem, or is corrupt).
const Magic uint32 = 0x54321234

// The superblock's on-disk field offsets within block 0.
// All fields are 32-bit little-endian.
const (
	sbMagicOff           = 0
	sbTotalBlocksOff     = 4
	sbInodeBitmapBlksOff = 8
	sbInodeAreaBlksOff   = 12
	sbDataBitmapBlksOff  = 16
	sbDataAreaBlksOff    = 20
)

// SuperBlock is the in-memory mirror of block 0: the region layout of a
// mounted YeFs image.
type SuperBlock struct {
	TotalBlocks     uint32
	InodeBitmapBlks uint32
	InodeAreaBlks   uint32
	DataBitmapBlks  uint32
	DataAreaBlks    uint32
}

func (sb *SuperBlock) encode(buf []byte) {
	util.Writen(buf, 4, sbMagicOff, int(Magic))
	util.Writen(buf, 4, sbTotalBlocksOff, int(sb.TotalBlocks))
	util.Writen(buf, 4, sbInodeBitmapBlksOff, int(sb.InodeBitmapBlks))
	util.Writen(buf, 4, sbInodeAreaBlksOff, int(sb.InodeAreaBlks))
	util.Writen(buf, 4, sbDataBitmapBlksOff, int(sb.DataBitmapBlks))
	util.Writen(buf, 4, sbDataAreaBlksOff, int(sb.DataAreaBlks))
}

func decodeSuperBlock(buf []byte) (*SuperBlock, bool) {
	if uint32(util.Readn(buf, 4, sbMagicOff)) != Magic {
		return nil, false
	}
	return &SuperBlock{
		TotalBlocks:     uint32(util.Readn(buf, 4, sbTotalBlocksOff)),
		InodeBitmapBlks: uint32(util.Readn(buf, 4, sbInodeBitmapBlksOff)),
		InodeAreaBlks:   uint32(util.Readn(buf, 4, sbInodeAreaBlksOff)),
		DataBitmapBlks:  uint32(util.Readn(buf, 4, sbDataBitmapBlksOff)),
		DataAreaBlks:    uint32(util.Readn(buf, 4, sbDataAreaBlksOff)),
	}, true
}

// InodeBitmapStart is the first block of the inode bitmap region.
func (sb *SuperBlock) InodeBitmapStart() uint32 { return 1 }

// InodeAreaStart is the first block of the inode area.
func (sb *SuperBlock) InodeAreaStart() uint32 {
	return sb.InodeBitmapStart() + sb.InodeBitmapBlks
}

// DataBitmapStart is the first block of the data bitmap region.
func (sb *SuperBlock) DataBitmapStart() uint32 {
	return sb.InodeAreaStart() + sb.InodeAreaBlks
}

// DataAreaStart is the first block of the data area.
func (sb *SuperBlock) DataAreaStart() uint32 {
	return sb.DataBitmapStart() + sb.DataBitmapBlks
}

// InodesPerBlock is how many on-disk inodes fit in one block.
const InodesPerBlock = BlockSize / DiskInodeSize

// MaxInodes returns the total number of inodes the image has room for.
func (sb *SuperBlock) MaxInodes() uint32 {
	return sb.InodeAreaBlks * InodesPerBlock
}
