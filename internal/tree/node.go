// Package tree reconstructs a hierarchical directory structure from a ZIP
// archive's flat entry list, and tracks every mutation made to it during a
// mount so the Committer can later map them back to archive operations.
package tree

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/galanin/zipfuse/internal/bigbuffer"
)

// Kind identifies what a Node represents on disk.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
	KindDevice
	KindFIFO
	KindSocket
)

// State tracks a Node's relationship to the archive it came from.
type State int

const (
	// StateClean nodes are unmodified since mount (or since the last commit);
	// regular files in this state may still be unmaterialized (buffer == nil).
	StateClean State = iota
	// StateDirty nodes existed in the archive but have been modified (content,
	// name, or metadata) since mount.
	StateDirty
	// StateNew nodes were created during the mount and have no archive entry.
	StateNew
	// StateDeletedHeld nodes were unlinked/rmdir'd while still open; they are
	// evicted from the tree once their open count drops to zero (I4).
	StateDeletedHeld
)

// NoArchiveIndex marks a Node with no corresponding archive entry (it is new).
const NoArchiveIndex = -1

// Node is one filesystem object: metadata plus, once materialized, a BigBuffer
// of content. Structural fields (name, parent, children) and metadata fields
// are each protected by mu; see the locking note on Tree for why a single
// per-node RWMutex is sufficient here.
type Node struct {
	mu sync.RWMutex

	name     string
	parent   *Node
	children *xsync.Map[string, *Node]

	kind  Kind
	mode  uint32 // permission bits only, no S_IFMT
	uid   uint32
	gid   uint32
	atime time.Time
	mtime time.Time
	ctime time.Time
	nlink uint32

	// size is authoritative only while buffer == nil (clean, unmaterialized
	// regular file); once buffer is non-nil, buffer.Len() is authoritative (I6).
	size uint64

	xattrs map[string][]byte

	archiveIndex int // NoArchiveIndex if this node has no archive entry
	buffer       *bigbuffer.BigBuffer

	// linkTarget holds a symlink's target text, stored verbatim.
	linkTarget string
	// rdev is nonzero only for KindDevice nodes.
	rdev uint64

	openCount int
	state     State

	ino atomic.Uint64 // stable FUSE inode number, assigned on first lookup
}

// NewDir returns a freshly allocated, unattached directory node.
func NewDir(name string, mode uint32) *Node {
	n := newBareNode(name, KindDirectory, mode)
	n.nlink = 2
	return n
}

// NewRegular returns a freshly allocated, unattached regular-file node.
func NewRegular(name string, mode uint32) *Node {
	return newBareNode(name, KindRegular, mode)
}

// NewSymlink returns a freshly allocated, unattached symlink node whose body
// is target, stored verbatim per spec.md §4.4.
func NewSymlink(name, target string) *Node {
	n := newBareNode(name, KindSymlink, 0o777)
	n.linkTarget = target
	n.size = uint64(len(target))
	return n
}

func newBareNode(name string, kind Kind, mode uint32) *Node {
	now := time.Now()
	return &Node{
		name:         name,
		children:     xsync.NewMap[string, *Node](),
		kind:         kind,
		mode:         mode,
		atime:        now,
		mtime:        now,
		ctime:        now,
		nlink:        1,
		xattrs:       make(map[string][]byte),
		archiveIndex: NoArchiveIndex,
		state:        StateNew,
	}
}

// Name returns the node's leaf name.
func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

// Parent returns the node's parent, or nil if detached/root.
func (n *Node) Parent() *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent
}

// Kind returns the node's filesystem object type.
func (n *Node) Kind() Kind {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.kind
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool {
	return n.Kind() == KindDirectory
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// ArchiveIndex returns the node's source archive entry index, or
// NoArchiveIndex if it has none.
func (n *Node) ArchiveIndex() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.archiveIndex
}

// SetArchiveIndex updates the node's archive entry index, e.g. after a
// Committer add assigns a fresh one.
func (n *Node) SetArchiveIndex(idx int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.archiveIndex = idx
}

// LinkTarget returns a symlink node's stored target text.
func (n *Node) LinkTarget() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.linkTarget
}

// Ino returns the node's stable inode number, assigning one on first call.
func (n *Node) Ino(next func() uint64) uint64 {
	if ino := n.ino.Load(); ino != 0 {
		return ino
	}
	newIno := next()
	if n.ino.CompareAndSwap(0, newIno) {
		return newIno
	}
	return n.ino.Load()
}

// Size returns the node's current byte size: the buffer's length once
// materialized, otherwise the archive-declared size (I6).
func (n *Node) Size() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.buffer != nil {
		return n.buffer.Len()
	}
	return n.size
}

// SetDeclaredSize sets the archive-declared size for an unmaterialized node.
func (n *Node) SetDeclaredSize(sz uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.size = sz
}

// Buffer returns the node's BigBuffer, or nil if unmaterialized.
func (n *Node) Buffer() *bigbuffer.BigBuffer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.buffer
}

// Nlink returns the node's hard-link count (2 + child dirs, for directories).
func (n *Node) Nlink() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nlink
}

// Mode returns the node's permission bits (no S_IFMT).
func (n *Node) Mode() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mode
}

// Owner returns the node's uid/gid.
func (n *Node) Owner() (uid, gid uint32) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.uid, n.gid
}

// Times returns atime, mtime, ctime.
func (n *Node) Times() (atime, mtime, ctime time.Time) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.atime, n.mtime, n.ctime
}

// Chmod updates the node's permission bits and marks it dirty if clean.
func (n *Node) Chmod(mode uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mode = mode
	n.ctime = time.Now()
	n.markDirtyLocked()
}

// Chown updates uid/gid (-1 leaves a field unchanged) and marks the node dirty.
func (n *Node) Chown(uid, gid int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if uid >= 0 {
		n.uid = uint32(uid)
	}
	if gid >= 0 {
		n.gid = uint32(gid)
	}
	n.ctime = time.Now()
	n.markDirtyLocked()
}

// Utimens updates atime/mtime and marks the node dirty. A zero time.Time
// value leaves the corresponding field unchanged.
func (n *Node) Utimens(atime, mtime time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !atime.IsZero() {
		n.atime = atime
	}
	if !mtime.IsZero() {
		n.mtime = mtime
	}
	n.ctime = time.Now()
	n.markDirtyLocked()
}

// Xattr returns the named extended attribute and whether it is set.
func (n *Node) Xattr(name string) ([]byte, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.xattrs[name]
	return v, ok
}

// ListXattrs returns all extended attribute names.
func (n *Node) ListXattrs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.xattrs))
	for k := range n.xattrs {
		names = append(names, k)
	}
	return names
}

// SetXattr sets an extended attribute and marks the node dirty.
func (n *Node) SetXattr(name string, value []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.xattrs[name] = value
	n.markDirtyLocked()
}

// RemoveXattr deletes an extended attribute, reporting whether it existed.
func (n *Node) RemoveXattr(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.xattrs[name]; !ok {
		return false
	}
	delete(n.xattrs, name)
	n.markDirtyLocked()
	return true
}

// markDirtyLocked transitions a clean node to dirty. Caller must hold n.mu.
func (n *Node) markDirtyLocked() {
	if n.state == StateClean {
		n.state = StateDirty
	}
}

// MarkDirty is the exported form of markDirtyLocked, used by callers (tree,
// bigbuffer integration in Open/Write) that mutate a node from outside its
// own methods.
func (n *Node) MarkDirty() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.markDirtyLocked()
}

// AttachBuffer installs buf as the node's content store. Used both at
// materialization (ReadFromCodec result) and at creation (empty new buffer).
func (n *Node) AttachBuffer(buf *bigbuffer.BigBuffer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buffer = buf
}

// GetChild looks up a named child.
func (n *Node) GetChild(name string) (*Node, bool) {
	return n.children.Load(name)
}

// Children returns a snapshot slice of child nodes.
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, n.children.Size())
	n.children.Range(func(_ string, ch *Node) bool {
		out = append(out, ch)
		return true
	})
	return out
}

// addChild links child under n, setting child's parent and, if child is a
// directory, incrementing n's nlink (I3).
func (n *Node) addChild(child *Node) {
	n.children.Store(child.name, child)

	child.mu.Lock()
	child.parent = n
	child.mu.Unlock()

	if child.Kind() == KindDirectory {
		n.mu.Lock()
		n.nlink++
		n.mu.Unlock()
	}
}

// removeChild unlinks the named child, decrementing nlink if it was a
// directory, and reports the removed node.
func (n *Node) removeChild(name string) (*Node, bool) {
	child, ok := n.children.LoadAndDelete(name)
	if !ok {
		return nil, false
	}

	child.mu.Lock()
	child.parent = nil
	child.mu.Unlock()

	if child.Kind() == KindDirectory {
		n.mu.Lock()
		n.nlink--
		n.mu.Unlock()
	}
	return child, true
}

// Open increments the open count and, if the node is a regular file with no
// buffer yet, triggers materialization via the supplied loader. It returns
// EISDIR-equivalent behavior by refusing directories with ErrIsDir.
func (n *Node) Open(load func() (*bigbuffer.BigBuffer, error)) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.kind == KindDirectory {
		return ErrIsDir
	}
	n.openCount++
	if n.buffer == nil && n.kind == KindRegular {
		buf, err := load()
		if err != nil {
			n.openCount--
			return err
		}
		n.buffer = buf
	}
	return nil
}

// OpenCount returns the current open handle count.
func (n *Node) OpenCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.openCount
}

// Release decrements the open count and reports whether the node should now
// be evicted from the tree (state was StateDeletedHeld and the count hit 0).
func (n *Node) Release() (evict bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.openCount--
	if n.openCount <= 0 {
		n.openCount = 0
		return n.state == StateDeletedHeld
	}
	return false
}

// MarkDeleted transitions the node to StateDeletedHeld (if still open) and
// reports whether it is safe to evict immediately (open count already zero).
func (n *Node) MarkDeleted() (evictNow bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = StateDeletedHeld
	return n.openCount == 0
}
