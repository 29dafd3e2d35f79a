// Package fsops dispatches the FUSE wire protocol onto a tree.Tree, the way
// internal/core/fuse.go's FuseRaw dispatches onto a WebFs: it embeds
// fuse.RawFileSystem and implements the subset of operations the archive
// filesystem actually supports.
//
// The whole package serializes behind one coarse mutex (opLock), matching
// the codec's non-reentrancy: the kernel may issue requests in parallel,
// but every op that touches the tree or the archive session runs one at a
// time, for as long as spec.md §5's scheduling model requires.
package fsops

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/galanin/zipfuse/internal/archive"
	"github.com/galanin/zipfuse/internal/config"
	"github.com/galanin/zipfuse/internal/tree"
)

// handle is what a FUSE file handle (Fh) resolves to.
type handle struct {
	node  *tree.Node
	isDir bool
}

// FS implements fuse.RawFileSystem over a tree.Tree backed by an
// archive.Session.
type FS struct {
	fuse.RawFileSystem

	tree      *tree.Tree
	sess      *archive.Session
	cfg       *config.Config
	log       zerolog.Logger
	sessionID string

	opLock sync.Mutex

	inodes  *xsync.Map[uint64, *tree.Node]
	nextFh  atomic.Uint64
	handles *xsync.Map[uint64, *handle]

	server *fuse.Server
}

// New builds an FS over an already-built tree and open archive session.
// sessionID tags the synthesized user.zipfuse.session xattr stamped on every
// node created during this mount, so a later `getfattr` can tell which
// mount session produced a given file.
func New(t *tree.Tree, sess *archive.Session, cfg *config.Config, log zerolog.Logger, sessionID string) *FS {
	fs := &FS{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		tree:          t,
		sess:          sess,
		cfg:           cfg,
		log:           log,
		sessionID:     sessionID,
		inodes:        xsync.NewMap[uint64, *tree.Node](),
		handles:       xsync.NewMap[uint64, *handle](),
	}
	fs.nextFh.Store(1)
	root := t.Root()
	ino := root.Ino(t.NextIno)
	fs.inodes.Store(ino, root)
	return fs
}

func (fs *FS) String() string {
	return "zipfuse"
}

func (fs *FS) Init(s *fuse.Server) {
	fs.server = s
	fs.log.Info().Msg("fuse session initialized")
}

func (fs *FS) OnUnmount() {
	fs.log.Info().Msg("fuse session unmounted")
}

// nodeFromIno resolves a stable inode number back to its live node. The
// root is always registered; every other node is registered at Lookup time.
func (fs *FS) nodeFromIno(ino uint64) (*tree.Node, bool) {
	return fs.inodes.Load(ino)
}

func (fs *FS) registerNode(n *tree.Node) uint64 {
	ino := n.Ino(fs.tree.NextIno)
	fs.inodes.Store(ino, n)
	return ino
}

func (fs *FS) allocFh() uint64 {
	return fs.nextFh.Add(1)
}

// stampSession sets the session xattr on a freshly created node. Best-effort
// provenance only; nothing reads it back except an operator's xattr tool.
func (fs *FS) stampSession(n *tree.Node) {
	n.SetXattr("user.zipfuse.session", []byte(fs.sessionID))
}

func mountTimeout(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
