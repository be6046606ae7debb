package fs

import "errors"

var (
	errFileTooLarge = errors.New("fs: file would exceed maximum size")
	errNoSpace      = errors.New("fs: device has no free blocks")
	errNoInodes     = errors.New("fs: device has no free inodes")
	errNotDir       = errors.New("fs: not a directory")
	errNotFound     = errors.New("fs: name not found in directory")
	errExists       = errors.New("fs: name already exists in directory")
	errNameTooLong  = errors.New("fs: name longer than 26 bytes")
)
