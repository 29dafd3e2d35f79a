package fsops

import (
	"sort"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/galanin/zipfuse/internal/tree"
)

func (fs *FS) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	n, ok := fs.nodeFromIno(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	if !n.IsDir() {
		return fuse.ENOTDIR
	}
	fh := fs.allocFh()
	fs.handles.Store(fh, &handle{node: n, isDir: true})
	out.Fh = fh
	return fuse.OK
}

func (fs *FS) ReleaseDir(input *fuse.ReleaseIn) {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()
	fs.handles.Delete(input.Fh)
}

func (fs *FS) FsyncDir(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

// dirEntryName pairs a synthesized "."/".." pseudo-entry or a real child's
// name with the node to report it under, keeping ReadDir's ordering stable
// across repeated calls at increasing offsets.
type dirEntryName struct {
	name string
	node *tree.Node
}

func (fs *FS) listDir(n *tree.Node) []dirEntryName {
	parent := n.Parent()
	if parent == nil {
		parent = n
	}
	children := n.Children()
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	out := make([]dirEntryName, 0, len(children)+2)
	out = append(out, dirEntryName{".", n}, dirEntryName{"..", parent})
	for _, c := range children {
		out = append(out, dirEntryName{c.Name(), c})
	}
	return out
}

func (fs *FS) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	h, ok := fs.handles.Load(input.Fh)
	if !ok {
		return fuse.EBADF
	}
	entries := fs.listDir(h.node)

	for idx := int(input.Offset); idx < len(entries); idx++ {
		e := entries[idx]
		ino := fs.registerNode(e.node)
		mode := typeBits(e.node) | e.node.Mode()
		if !out.AddDirEntry(fuse.DirEntry{Name: e.name, Mode: mode, Ino: ino}) {
			return fuse.OK
		}
	}
	return fuse.OK
}

func (fs *FS) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	if fs.cfg.ReadOnly {
		return fuse.EROFS
	}
	parent, ok := fs.nodeFromIno(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	parentPath, err := fs.tree.Path(parent)
	if err != nil {
		return toErrno(err)
	}

	child := tree.NewDir(name, input.Mode&0o7777)
	child.Chown(int64(input.Caller.Uid), int64(input.Caller.Gid))
	if _, err := fs.tree.Create(parentPath, name, child); err != nil {
		return toErrno(err)
	}
	fs.stampSession(child)

	ino := fs.registerNode(child)
	fs.fillEntryOut(out, ino, child)
	return fuse.OK
}

func (fs *FS) Mknod(cancel <-chan struct{}, input *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
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

	switch input.Mode & syscall.S_IFMT {
	case syscall.S_IFREG:
		child := tree.NewRegular(name, input.Mode&0o7777)
		child.Chown(int64(input.Caller.Uid), int64(input.Caller.Gid))
		if _, err := fs.tree.Create(parentPath, name, child); err != nil {
			return toErrno(err)
		}
		if err := fs.ensureMaterialized(child); err != nil {
			return toErrno(err)
		}
		fs.tree.Release(child)
		fs.stampSession(child)
		ino := fs.registerNode(child)
		fs.fillEntryOut(out, ino, child)
		return fuse.OK
	default:
		// Device/socket/fifo nodes are read-only archive citizens (spec
		// Non-goal): creating new ones has no sensible archive representation.
		return fuse.ENOSYS
	}
}

func (fs *FS) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	if fs.cfg.ReadOnly {
		return fuse.EROFS
	}
	parent, ok := fs.nodeFromIno(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	child, ok := parent.GetChild(name)
	if !ok {
		return fuse.ENOENT
	}
	if child.IsDir() {
		return fuse.EISDIR
	}
	parentPath, err := fs.tree.Path(parent)
	if err != nil {
		return toErrno(err)
	}
	if err := fs.tree.Remove(joinPath(parentPath, name)); err != nil {
		return toErrno(err)
	}
	return fuse.OK
}

func (fs *FS) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	if fs.cfg.ReadOnly {
		return fuse.EROFS
	}
	parent, ok := fs.nodeFromIno(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	child, ok := parent.GetChild(name)
	if !ok {
		return fuse.ENOENT
	}
	if !child.IsDir() {
		return fuse.ENOTDIR
	}
	parentPath, err := fs.tree.Path(parent)
	if err != nil {
		return toErrno(err)
	}
	if err := fs.tree.Remove(joinPath(parentPath, name)); err != nil {
		return toErrno(err)
	}
	return fuse.OK
}

func (fs *FS) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName, newName string) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	if fs.cfg.ReadOnly {
		return fuse.EROFS
	}
	oldParent, ok := fs.nodeFromIno(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	newParent, ok := fs.nodeFromIno(input.Newdir)
	if !ok {
		return fuse.ENOENT
	}
	oldParentPath, err := fs.tree.Path(oldParent)
	if err != nil {
		return toErrno(err)
	}
	newParentPath, err := fs.tree.Path(newParent)
	if err != nil {
		return toErrno(err)
	}
	if err := fs.tree.Rename(joinPath(oldParentPath, oldName), joinPath(newParentPath, newName)); err != nil {
		return toErrno(err)
	}
	return fuse.OK
}

func (fs *FS) Symlink(cancel <-chan struct{}, header *fuse.InHeader, target, name string, out *fuse.EntryOut) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	if fs.cfg.ReadOnly {
		return fuse.EROFS
	}
	parent, ok := fs.nodeFromIno(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	parentPath, err := fs.tree.Path(parent)
	if err != nil {
		return toErrno(err)
	}

	child := tree.NewSymlink(name, target)
	child.Chown(int64(header.Caller.Uid), int64(header.Caller.Gid))
	if _, err := fs.tree.Create(parentPath, name, child); err != nil {
		return toErrno(err)
	}
	fs.stampSession(child)

	ino := fs.registerNode(child)
	fs.fillEntryOut(out, ino, child)
	return fuse.OK
}

func (fs *FS) Readlink(cancel <-chan struct{}, header *fuse.InHeader) (out []byte, code fuse.Status) {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	n, ok := fs.nodeFromIno(header.NodeId)
	if !ok {
		return nil, fuse.ENOENT
	}
	if n.Kind() != tree.KindSymlink {
		return nil, fuse.EINVAL
	}
	return []byte(n.LinkTarget()), fuse.OK
}

// statfsBlockSize matches the Blksize fillAttr reports per node.
const statfsBlockSize = 4096

// statfsInodeBudget is a large static inode count: an archive mount has no
// real inode table to exhaust, so this is reported as headroom rather than
// derived from anything.
const statfsInodeBudget = 1 << 20

// statfsFreeBlocks is synthetic free-space headroom reported alongside the
// blocks actually used by live content, since an in-memory archive mount has
// no real backing device to query for free space.
const statfsFreeBlocks = 1 << 24

func (fs *FS) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	fs.opLock.Lock()
	defer fs.opLock.Unlock()

	var totalSize, nodeCount uint64
	fs.tree.WalkLive(func(_ string, n *tree.Node) {
		nodeCount++
		if n.Kind() == tree.KindRegular {
			totalSize += n.Size()
		}
	})
	usedBlocks := (totalSize + statfsBlockSize - 1) / statfsBlockSize

	out.Bsize = statfsBlockSize
	out.Frsize = statfsBlockSize
	out.NameLen = 255
	out.Blocks = usedBlocks + statfsFreeBlocks
	out.Bfree = statfsFreeBlocks
	out.Bavail = statfsFreeBlocks
	out.Files = statfsInodeBudget
	if nodeCount < statfsInodeBudget {
		out.Ffree = statfsInodeBudget - nodeCount
	}
	return fuse.OK
}

func joinPath(dir, name string) string {
	if dir == "" || dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
