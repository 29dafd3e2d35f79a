// Package commit implements the save-back-to-archive protocol run once, at
// unmount: gather what changed in the tree since mount, then replay it
// against the archive codec in the order that keeps every intermediate
// state valid (spec.md §4.5).
package commit

import (
	"fmt"

	"github.com/galanin/zipfuse/internal/archive"
	"github.com/galanin/zipfuse/internal/bigbuffer"
	"github.com/galanin/zipfuse/internal/logging"
	"github.com/galanin/zipfuse/internal/tree"
)

// writerAdapter narrows an *archive.Session to the exact method set
// bigbuffer.SaveToCodec expects, so BigBuffer content reaches the codec
// through its own pull-based Cursor protocol rather than the Committer
// reading buffer bytes itself.
type writerAdapter struct {
	sess *archive.Session
}

func (w writerAdapter) Add(name string, cursor *bigbuffer.Cursor) (int, error) {
	return w.sess.Add(name, cursor)
}

func (w writerAdapter) Replace(index int, cursor *bigbuffer.Cursor) error {
	return w.sess.Replace(index, cursor)
}

// entryName is the ZIP-stored form of a node's tree path: no leading slash,
// a trailing slash for directories.
func entryName(path string, n *tree.Node) string {
	name := path
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	if n.IsDir() && (len(name) == 0 || name[len(name)-1] != '/') {
		name += "/"
	}
	return name
}

// Run gathers the three lists spec.md §4.5 describes and applies them to
// sess in the mandated four-phase order. On any codec error it discards
// sess's pending state and returns the error without touching the source
// archive; the caller (cmd/zipfuse) is expected to exit non-zero.
func Run(t *tree.Tree, sess *archive.Session) error {
	log := logging.For("commit")

	type liveEntry struct {
		path string
		node *tree.Node
	}
	var live []liveEntry
	t.WalkLive(func(path string, n *tree.Node) {
		if n == t.Root() {
			return
		}
		live = append(live, liveEntry{path, n})
	})

	// Phase 0 (gather): deletions are archive indices with no surviving
	// live node; everything else is classified by state below.
	var deletions []int
	for i := 0; i < sess.NumEntries(); i++ {
		if !t.LiveArchiveIndex(i) {
			deletions = append(deletions, i)
		}
	}

	writer := writerAdapter{sess: sess}

	// Phase 1: content writes (state new or dirty, materialized regular
	// files). Add for new nodes, replace for dirty archive-backed ones.
	for _, le := range live {
		n := le.node
		if n.Kind() != tree.KindRegular || n.Buffer() == nil {
			continue
		}
		switch n.State() {
		case tree.StateNew:
			_, mtime, _ := n.Times()
			idx, err := bigbuffer.SaveToCodec(n.Buffer(), writer, entryName(le.path, n), true, mtime, tree.NoArchiveIndex)
			if err != nil {
				return fail(sess, fmt.Errorf("commit: add %q: %w", le.path, err))
			}
			n.SetArchiveIndex(idx)
		case tree.StateDirty:
			if n.ArchiveIndex() == tree.NoArchiveIndex {
				continue
			}
			_, mtime, _ := n.Times()
			if _, err := bigbuffer.SaveToCodec(n.Buffer(), writer, entryName(le.path, n), false, mtime, n.ArchiveIndex()); err != nil {
				return fail(sess, fmt.Errorf("commit: replace %q: %w", le.path, err))
			}
		}
	}

	// Non-regular new nodes (dirs, symlinks) have no BigBuffer to stream;
	// stage them directly.
	for _, le := range live {
		n := le.node
		if n.State() != tree.StateNew || n.Kind() == tree.KindRegular {
			continue
		}
		_, mtime, _ := n.Times()
		uid, gid := n.Owner()
		var idx int
		switch n.Kind() {
		case tree.KindDirectory:
			idx = sess.AddDir(entryName(le.path, n), n.Mode(), uid, gid, mtime)
		case tree.KindSymlink:
			idx = sess.AddSymlink(entryName(le.path, n), n.LinkTarget(), uid, gid, mtime)
		default:
			log.Warn().Str("path", le.path).Msg("skipping unsupported new node kind at commit")
			continue
		}
		n.SetArchiveIndex(idx)
	}

	// Phase 2: renames of existing entries to their current full path.
	for _, le := range live {
		n := le.node
		idx := n.ArchiveIndex()
		if idx == tree.NoArchiveIndex || idx >= sess.NumEntries() {
			continue
		}
		orig, err := sess.Entry(idx)
		if err != nil {
			return fail(sess, fmt.Errorf("commit: read original entry %d: %w", idx, err))
		}
		want := entryName(le.path, n)
		if orig.Name != want {
			if err := sess.Rename(idx, want); err != nil {
				return fail(sess, fmt.Errorf("commit: rename %q: %w", le.path, err))
			}
		}
	}

	// Phase 3: metadata (timestamps, permissions, uid/gid) for every dirty
	// archive-backed node.
	for _, le := range live {
		n := le.node
		idx := n.ArchiveIndex()
		if idx == tree.NoArchiveIndex || idx >= sess.NumEntries() || n.State() != tree.StateDirty {
			continue
		}
		uid, gid := n.Owner()
		_, mtime, _ := n.Times()
		if err := sess.SetMetadata(idx, n.Mode(), uid, gid, mtime); err != nil {
			return fail(sess, fmt.Errorf("commit: set metadata %q: %w", le.path, err))
		}
	}

	// Phase 4: delete orphaned original entries.
	for _, idx := range deletions {
		if err := sess.Delete(idx); err != nil {
			return fail(sess, fmt.Errorf("commit: delete entry %d: %w", idx, err))
		}
	}

	if err := sess.Commit(); err != nil {
		return fail(sess, fmt.Errorf("commit: %w", err))
	}

	log.Info().
		Int("deleted", len(deletions)).
		Int("live", len(live)).
		Msg("archive committed")
	return nil
}

func fail(sess *archive.Session, err error) error {
	logger := logging.For("commit")
	logger.Error().Err(err).Msg("commit failed, discarding")
	sess.Discard()
	return err
}
