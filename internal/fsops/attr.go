package fsops

import (
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/galanin/zipfuse/internal/tree"
)

// typeBits returns the S_IFMT bits for a node's kind, mirroring
// internal/core/fs.go's newDefaultAttr pattern of composing Mode from
// syscall.S_IF* constants plus permission bits. KindDevice nodes are reported
// as S_IFREG: the tree does not record whether a device is block or char.
func typeBits(n *tree.Node) uint32 {
	switch n.Kind() {
	case tree.KindDirectory:
		return syscall.S_IFDIR
	case tree.KindSymlink:
		return syscall.S_IFLNK
	case tree.KindFIFO:
		return syscall.S_IFIFO
	case tree.KindSocket:
		return syscall.S_IFSOCK
	default:
		return syscall.S_IFREG
	}
}

func fillAttr(attr *fuse.Attr, ino uint64, n *tree.Node) {
	uid, gid := n.Owner()
	atime, mtime, ctime := n.Times()

	attr.Ino = ino
	attr.Size = n.Size()
	attr.Blocks = (attr.Size + 511) / 512
	attr.Mode = typeBits(n) | n.Mode()
	attr.Nlink = n.Nlink()
	attr.Owner = fuse.Owner{Uid: uid, Gid: gid}
	attr.Blksize = 4096

	setAttrTime(&attr.Atime, &attr.Atimensec, atime)
	setAttrTime(&attr.Mtime, &attr.Mtimensec, mtime)
	setAttrTime(&attr.Ctime, &attr.Ctimensec, ctime)
}

func setAttrTime(sec *uint64, nsec *uint32, t time.Time) {
	*sec = uint64(t.Unix())
	*nsec = uint32(t.Nanosecond())
}

func (fs *FS) fillEntryOut(out *fuse.EntryOut, ino uint64, n *tree.Node) {
	out.NodeId = ino
	out.Generation = 1
	fillAttr(&out.Attr, ino, n)
	out.SetEntryTimeout(mountTimeout(fs.cfg.EntryTimeout))
	out.SetAttrTimeout(mountTimeout(fs.cfg.AttrTimeout))
}

func (fs *FS) fillAttrOut(out *fuse.AttrOut, ino uint64, n *tree.Node) {
	fillAttr(&out.Attr, ino, n)
	out.SetTimeout(mountTimeout(fs.cfg.AttrTimeout))
}

// timesFromSetAttr decodes a SetAttrIn's requested atime/mtime, honoring the
// *_NOW flags the kernel sets when the caller passed UTIME_NOW instead of an
// explicit timestamp. A zero time.Time for either return tells Node.Utimens
// to leave that field untouched (per its own "zero leaves field unchanged"
// contract). Unless forcePrecise is set, both timestamps are truncated to
// one-second resolution: ZIP's stored mtime has no sub-second field, so
// preserving nanoseconds by default would make a round trip through the
// archive silently lose precision the mount had claimed to keep.
func timesFromSetAttr(input *fuse.SetAttrIn, forcePrecise bool) (atime, mtime time.Time) {
	now := time.Now()
	if input.Valid&fuse.FATTR_ATIME_NOW != 0 {
		atime = now
	} else if input.Valid&fuse.FATTR_ATIME != 0 {
		atime = time.Unix(int64(input.Atime), int64(input.Atimensec))
	}
	if input.Valid&fuse.FATTR_MTIME_NOW != 0 {
		mtime = now
	} else if input.Valid&fuse.FATTR_MTIME != 0 {
		mtime = time.Unix(int64(input.Mtime), int64(input.Mtimensec))
	}
	if !forcePrecise {
		if !atime.IsZero() {
			atime = atime.Truncate(time.Second)
		}
		if !mtime.IsZero() {
			mtime = mtime.Truncate(time.Second)
		}
	}
	return atime, mtime
}
