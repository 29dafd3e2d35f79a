package fsops

import (
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/galanin/zipfuse/internal/tree"
)

func (fs *FS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	parent, ok := fs.nodeFromIno(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	child, ok := parent.GetChild(name)
	if !ok {
		return fuse.ENOENT
	}
	ino := fs.registerNode(child)
	fs.fillEntryOut(out, ino, child)
	return fuse.OK
}

func (fs *FS) Forget(nodeid, nlookup uint64) {
	// Entries stay registered for the life of the mount; the tree itself
	// tracks liveness via open-handle counts and deletion state (I4), so
	// there is nothing additional to release here beyond what Release does.
}

func (fs *FS) Access(cancel <-chan struct{}, input *fuse.AccessIn) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	_, ok := fs.nodeFromIno(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	return fuse.OK
}

func (fs *FS) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	n, ok := fs.nodeFromIno(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	fs.fillAttrOut(out, input.NodeId, n)
	return fuse.OK
}

func (fs *FS) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	if fs.cfg.ReadOnly {
		return fuse.EROFS
	}

	n, ok := fs.nodeFromIno(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}

	if input.Valid&fuse.FATTR_MODE != 0 {
		n.Chmod(input.Mode & 0o7777)
	}
	if input.Valid&(fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		uid, gid := int64(-1), int64(-1)
		if input.Valid&fuse.FATTR_UID != 0 {
			uid = int64(input.Owner.Uid)
		}
		if input.Valid&fuse.FATTR_GID != 0 {
			gid = int64(input.Owner.Gid)
		}
		n.Chown(uid, gid)
	}
	if input.Valid&fuse.FATTR_SIZE != 0 {
		if err := fs.truncateNode(n, input.Size); err != nil {
			return toErrno(err)
		}
	}
	if input.Valid&(fuse.FATTR_ATIME|fuse.FATTR_MTIME) != 0 {
		atime, mtime := timesFromSetAttr(input, fs.cfg.ForcePreciseTime)
		n.Utimens(atime, mtime)
	}

	fs.fillAttrOut(out, input.NodeId, n)
	return fuse.OK
}

// truncateNode materializes n's buffer if needed and resizes it, the same
// path a write() past EOF or an explicit ftruncate() takes.
func (fs *FS) truncateNode(n *tree.Node, size uint64) error {
	if err := fs.ensureMaterialized(n); err != nil {
		return err
	}
	n.Buffer().Truncate(size)
	n.SetDeclaredSize(size)
	n.MarkDirty()
	return nil
}
