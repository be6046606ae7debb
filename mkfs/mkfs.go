// Command mkfs builds a YeFs disk image from a skeleton directory on the
// host, the same way the source kernel's mkfs populates a fresh disk
// image before first boot: walk a directory tree and copy every regular
// file it contains into the new filesystem under its base name (YeFs's
// root is a flat directory, so nested skeleton paths collapse to their
// final path element).
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"yekernel/fs"
)

const (
	defaultBlocks = 65536
	defaultInodes = 4096
	copyBufBlocks = 64
)

func main() {
	out := flag.String("out", "yefs.img", "path of the disk image to create")
	skel := flag.String("skel", "", "host directory whose files are copied into the image root")
	blocks := flag.Uint("blocks", defaultBlocks, "total blocks in the image")
	inodes := flag.Uint("inodes", defaultInodes, "inode count to reserve")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dev, err := fs.OpenFileBlockDevice(*out, uint32(*blocks))
	if err != nil {
		logger.Error("open block device", "path", *out, "err", err)
		os.Exit(1)
	}

	yefs, err := fs.Format(dev, uint32(*inodes))
	if err != nil {
		logger.Error("format", "err", err)
		os.Exit(1)
	}

	if *skel != "" {
		if err := addfiles(yefs, *skel, logger); err != nil {
			logger.Error("populate image", "err", err)
			os.Exit(1)
		}
	}

	yefs.Sync()
	logger.Info("image written", "path", *out, "blocks", *blocks, "inodes", *inodes)
}

// addfiles walks skeldir on the host and copies every regular file it
// finds into yefs's root directory, under its base name.
func addfiles(yefs *fs.YeFs, skeldir string, logger *slog.Logger) error {
	root := yefs.RootVNode()
	return filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("mkfs: walk %s: %w", path, err)
		}
		if d.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		logger.Info("adding file", "src", path, "name", name)
		return copydata(path, root, name)
	})
}

// copydata streams src's contents into a new file called name in the
// root directory, reading it copyBufBlocks blocks at a time so the host
// file never has to be read into memory whole.
func copydata(src string, root *fs.VNode, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("mkfs: open %s: %w", src, err)
	}
	defer f.Close()

	node, err := root.CreateFile(name)
	if err != nil {
		return fmt.Errorf("mkfs: create %s: %w", name, err)
	}

	buf := make([]byte, fs.BlockSize*copyBufBlocks)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := node.Inode.WriteMayGrow(node.Inode.Size(), buf[:n]); werr != nil {
				return fmt.Errorf("mkfs: write %s: %w", name, werr)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("mkfs: read %s: %w", src, rerr)
		}
	}
}
