package fs

// VNode is a counted, in-memory handle onto a disk inode -- the unit
// syscalls like open, mkdir, and unlink operate on. Every VNode method
// reads and writes through the owning YeFs's block cache, so multiple
// VNodes over the same inode index always observe the same state.
type VNode struct {
	FS    *YeFs
	Inode *Inode
}

func vnodeOf(fs *YeFs, ino *Inode) *VNode {
	return &VNode{FS: fs, Inode: ino}
}

// Lookup resolves name as an entry of the directory v, returning a VNode
// for the inode it names.
func (v *VNode) Lookup(name string) (*VNode, error) {
	idx, err := v.Inode.dirFind(name)
	if err != nil {
		return nil, err
	}
	return vnodeOf(v.FS, v.FS.Get(idx)), nil
}

// CreateFile allocates a new, empty regular-file inode and links it into
// directory v under name.
func (v *VNode) CreateFile(name string) (*VNode, error) {
	if !v.Inode.IsDir() {
		return nil, errNotDir
	}
	child, err := v.FS.allocInode(TypeFile)
	if err != nil {
		return nil, err
	}
	if err := v.Inode.dirInsert(name, child.Idx); err != nil {
		v.FS.freeInode(child)
		return nil, err
	}
	return vnodeOf(v.FS, child), nil
}

// Mkdir allocates a new, empty directory inode and links it into
// directory v under name. Unlike a general filesystem, entries created
// this way are not given "." or ".." records -- the syscall layer above
// this module never looks a name up through anything but the root, so
// no code ever relies on them.
func (v *VNode) Mkdir(name string) (*VNode, error) {
	if !v.Inode.IsDir() {
		return nil, errNotDir
	}
	child, err := v.FS.allocInode(TypeDir)
	if err != nil {
		return nil, err
	}
	if err := v.Inode.dirInsert(name, child.Idx); err != nil {
		v.FS.freeInode(child)
		return nil, err
	}
	return vnodeOf(v.FS, child), nil
}

// Unlink removes name from directory v and frees the inode it named.
// YeFs has no hard links, so one directory entry is the only reference
// an inode ever has; removing the entry and reclaiming the inode happen
// together. It does not special-case "." or ".." -- Format gives the
// root a "." entry naming the root itself, and unlinking it frees the
// root inode, silently corrupting the directory.
func (v *VNode) Unlink(name string) error {
	idx, err := v.Inode.dirFind(name)
	if err != nil {
		return err
	}
	if err := v.Inode.dirDelete(name); err != nil {
		return err
	}
	v.FS.freeInode(v.FS.Get(idx))
	return nil
}

// Entries lists the live directory entries of v.
func (v *VNode) Entries() ([]DirEntry, error) {
	return v.Inode.dirEntries()
}

// Stat is the subset of file metadata YeFs tracks.
type Stat struct {
	Inode uint32
	Type  InodeType
	Size  uint32
}

// Stat returns v's metadata.
func (v *VNode) Stat() Stat {
	return Stat{Inode: v.Inode.Idx, Type: v.Inode.Type(), Size: v.Inode.Size()}
}
