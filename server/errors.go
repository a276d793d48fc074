package server

import (
	"errors"
	"syscall"

	"github.com/brettbedarf/layerfs"
)

// errno translates tree and store errors to FUSE status codes.
func errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	switch {
	case errors.Is(err, layerfs.ErrNotFound), errors.Is(err, layerfs.ErrInvalidState):
		return syscall.ENOENT
	case errors.Is(err, layerfs.ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, layerfs.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, layerfs.ErrAlreadyLocked):
		return syscall.EBUSY
	case errors.Is(err, layerfs.ErrVetoed):
		return syscall.EPERM
	}

	var no syscall.Errno
	if errors.As(err, &no) {
		return no
	}
	return syscall.EIO
}
