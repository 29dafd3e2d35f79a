package fsops

import (
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/galanin/zipfuse/internal/tree"
)

func (fs *FS) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	n, ok := fs.nodeFromIno(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	if n.IsDir() {
		return fuse.EISDIR
	}
	if fs.cfg.ReadOnly && writeRequested(input.Flags) {
		return fuse.EROFS
	}
	if n.Kind() == tree.KindRegular {
		if err := fs.ensureMaterialized(n); err != nil {
			return toErrno(err)
		}
	} else {
		n.Open(nil) // symlinks/devices/fifos never need a buffer loader
	}

	fh := fs.allocFh()
	fs.handles.Store(fh, &handle{node: n})
	out.Fh = fh
	return fuse.OK
}

func writeRequested(flags uint32) bool {
	const accMode = 0x3 // O_ACCMODE
	const wronly, rdwr = 1, 2
	mode := flags & accMode
	return mode == wronly || mode == rdwr
}

func (fs *FS) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	if fs.cfg.ReadOnly {
		return fuse.EROFS
	}

	parent, ok := fs.nodeFromIno(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	if !parent.IsDir() {
		return fuse.ENOTDIR
	}

	parentPath, err := fs.tree.Path(parent)
	if err != nil {
		return toErrno(err)
	}

	child := tree.NewRegular(name, input.Mode&0o7777)
	child.Chown(int64(input.Caller.Uid), int64(input.Caller.Gid))

	if _, err := fs.tree.Create(parentPath, name, child); err != nil {
		return toErrno(err)
	}
	if err := fs.ensureMaterialized(child); err != nil {
		return toErrno(err)
	}
	fs.stampSession(child)

	ino := fs.registerNode(child)
	fh := fs.allocFh()
	fs.handles.Store(fh, &handle{node: child})

	fs.fillEntryOut(&out.EntryOut, ino, child)
	out.Fh = fh
	return fuse.OK
}

func (fs *FS) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	h, ok := fs.handles.Load(input.Fh)
	if !ok {
		return nil, fuse.EBADF
	}
	n := h.node
	if n.Kind() != tree.KindRegular {
		return nil, fuse.EIO
	}
	if err := fs.ensureMaterialized(n); err != nil {
		return nil, toErrno(err)
	}

	count := n.Buffer().Read(buf, input.Offset)
	return fuse.ReadResultData(buf[:count]), fuse.OK
}

func (fs *FS) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	if fs.cfg.ReadOnly {
		return 0, fuse.EROFS
	}

	h, ok := fs.handles.Load(input.Fh)
	if !ok {
		return 0, fuse.EBADF
	}
	n := h.node
	if n.Kind() != tree.KindRegular {
		return 0, fuse.EIO
	}
	if err := fs.ensureMaterialized(n); err != nil {
		return 0, toErrno(err)
	}

	written := n.Buffer().Write(data, input.Offset)
	n.MarkDirty()
	return uint32(written), fuse.OK
}

func (fs *FS) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	h, ok := fs.handles.LoadAndDelete(input.Fh)
	if !ok {
		return
	}
	fs.tree.Release(h.node)
}

func (fs *FS) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	return fuse.OK
}

func (fs *FS) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	// Content lives in memory until commit; there is no per-file durability
	// step to perform here beyond what the eventual archive rewrite gives.
	return fuse.OK
}

