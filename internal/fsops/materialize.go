package fsops

import (
	"io"

	"github.com/galanin/zipfuse/internal/bigbuffer"
	"github.com/galanin/zipfuse/internal/tree"
)

// archiveEntrySource adapts a (*archive.Session, index) pair to the
// entrySource bigbuffer.ReadFromCodec expects: a single no-arg Open.
type archiveEntrySource struct {
	fs    *FS
	index int
}

func (a archiveEntrySource) Open() (io.ReadCloser, error) {
	return a.fs.sess.OpenEntry(a.index)
}

// ensureMaterialized guarantees n.Buffer() is non-nil, pulling the node's
// content from the archive the first time a clean regular file is touched
// (I6: Size() authority switches to the buffer once this has run).
func (fs *FS) ensureMaterialized(n *tree.Node) error {
	return n.Open(func() (*bigbuffer.BigBuffer, error) {
		if n.State() == tree.StateClean && n.ArchiveIndex() != tree.NoArchiveIndex {
			return bigbuffer.ReadFromCodec(archiveEntrySource{fs: fs, index: n.ArchiveIndex()}, n.Size())
		}
		return bigbuffer.New(), nil
	})
}
