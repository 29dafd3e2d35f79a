package fsops

import (
	"github.com/hanwen/go-fuse/v2/fuse"
)

func (fs *FS) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	n, ok := fs.nodeFromIno(header.NodeId)
	if !ok {
		return 0, fuse.ENOENT
	}
	value, ok := n.Xattr(attr)
	if !ok {
		return 0, fuse.ENOATTR
	}
	if len(dest) < len(value) {
		return uint32(len(value)), fuse.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), fuse.OK
}

func (fs *FS) SetXAttr(cancel <-chan struct{}, input *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	if fs.cfg.ReadOnly {
		return fuse.EROFS
	}
	n, ok := fs.nodeFromIno(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	n.SetXattr(attr, data)
	return fuse.OK
}

func (fs *FS) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	n, ok := fs.nodeFromIno(header.NodeId)
	if !ok {
		return 0, fuse.ENOENT
	}
	names := n.ListXattrs()
	var size int
	for _, name := range names {
		size += len(name) + 1
	}
	if len(dest) < size {
		return uint32(size), fuse.ERANGE
	}
	pos := 0
	for _, name := range names {
		pos += copy(dest[pos:], name)
		dest[pos] = 0
		pos++
	}
	return uint32(size), fuse.OK
}

func (fs *FS) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	if fs.cfg.ReadOnly {
		return fuse.EROFS
	}
	n, ok := fs.nodeFromIno(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	if !n.RemoveXattr(attr) {
		return fuse.ENOATTR
	}
	return fuse.OK
}
