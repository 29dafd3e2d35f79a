package fsops

import (
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/galanin/zipfuse/internal/archive"
	"github.com/galanin/zipfuse/internal/bigbuffer"
	"github.com/galanin/zipfuse/internal/tree"
)

// toErrno classifies a package-level error into the POSIX status the kernel
// expects back on the wire, the same job internal/core/fuse.go's call sites
// do inline with literal fuse.Status values.
func toErrno(err error) fuse.Status {
	switch {
	case err == nil:
		return fuse.OK
	case errors.Is(err, tree.ErrNotFound):
		return fuse.ENOENT
	case errors.Is(err, tree.ErrExists):
		return fuse.Status(syscall.EEXIST)
	case errors.Is(err, tree.ErrNotDir):
		return fuse.ENOTDIR
	case errors.Is(err, tree.ErrIsDir):
		return fuse.EISDIR
	case errors.Is(err, tree.ErrNotEmpty):
		return fuse.Status(syscall.ENOTEMPTY)
	case errors.Is(err, tree.ErrCircularMove):
		return fuse.EINVAL
	case errors.Is(err, tree.ErrPseudoReadOnly):
		return fuse.EROFS
	case errors.Is(err, archive.ErrReadOnly):
		return fuse.EROFS
	case errors.Is(err, bigbuffer.ErrTruncated), errors.Is(err, bigbuffer.ErrOverrun):
		return fuse.EIO
	default:
		return fuse.EIO
	}
}
