package tree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galanin/zipfuse/internal/bigbuffer"
)

func mustResolve(t *testing.T, tr *Tree, path string) *Node {
	t.Helper()
	n, err := tr.Resolve(path)
	require.NoError(t, err)
	return n
}

func TestBuildFromArchiveSynthesizesIntermediateDirectories(t *testing.T) {
	tr := New()
	err := tr.BuildFromArchive([]ArchiveEntrySpec{
		{Index: 0, Name: "a/b/c.txt", Kind: KindRegular, Mode: 0o644, Size: 5, ModTime: time.Unix(100, 0)},
	})
	require.NoError(t, err)

	a := mustResolve(t, tr, "a")
	assert.True(t, a.IsDir())
	assert.EqualValues(t, 0o755, a.Mode())
	assert.Equal(t, StateClean, a.State())
	assert.Equal(t, NoArchiveIndex, a.ArchiveIndex())

	b := mustResolve(t, tr, "a/b")
	assert.True(t, b.IsDir())

	c := mustResolve(t, tr, "a/b/c.txt")
	assert.False(t, c.IsDir())
	assert.EqualValues(t, 0, c.ArchiveIndex())
	assert.EqualValues(t, 5, c.Size())
}

func TestBuildFromArchiveDirectoryMarker(t *testing.T) {
	tr := New()
	err := tr.BuildFromArchive([]ArchiveEntrySpec{
		{Index: 0, Name: "logs/", Kind: KindRegular, Mode: 0o755},
	})
	require.NoError(t, err)

	n := mustResolve(t, tr, "logs")
	assert.True(t, n.IsDir())
	assert.EqualValues(t, 0, n.ArchiveIndex())
}

// Duplicate normalized paths resolve last-wins: the later entry's node is
// what Resolve returns.
func TestBuildFromArchiveLastWins(t *testing.T) {
	tr := New()
	err := tr.BuildFromArchive([]ArchiveEntrySpec{
		{Index: 0, Name: "f.txt", Kind: KindRegular, Size: 1},
		{Index: 1, Name: "f.txt", Kind: KindRegular, Size: 99},
	})
	require.NoError(t, err)

	n := mustResolve(t, tr, "f.txt")
	assert.EqualValues(t, 1, n.ArchiveIndex())
	assert.EqualValues(t, 99, n.Size())
	assert.False(t, tr.LiveArchiveIndex(0))
	assert.True(t, tr.LiveArchiveIndex(1))
}

// S6 — entries whose stored name escapes the archive root (leading "/", or
// a ".." component) attach under the pseudo-root: reachable by exact name,
// invisible from the true root's directory listing.
func TestBuildFromArchiveRoutesEscapingEntriesToPseudoRoot(t *testing.T) {
	tr := New()
	err := tr.BuildFromArchive([]ArchiveEntrySpec{
		{Index: 0, Name: "a/b.txt", Kind: KindRegular, Size: 1},
		{Index: 1, Name: "/etc/passwd", Kind: KindRegular, Size: 2},
		{Index: 2, Name: "../escape", Kind: KindRegular, Size: 3},
	})
	require.NoError(t, err)

	_, err = tr.Resolve("a/b.txt")
	require.NoError(t, err)

	_, err = tr.Resolve("/etc/passwd")
	assert.Error(t, err, "escaping entries must not be reachable from the true root")

	root := tr.Root()
	for _, child := range root.Children() {
		assert.NotEqual(t, "etc", child.Name())
	}

	passwd, err := tr.ResolvePseudo("/etc/passwd")
	require.NoError(t, err)
	assert.EqualValues(t, 2, passwd.Size())

	escape, err := tr.ResolvePseudo("../escape")
	require.NoError(t, err)
	assert.EqualValues(t, 3, escape.Size())
}

func TestResolveRootIsEmptyPath(t *testing.T) {
	tr := New()
	n, err := tr.Resolve("/")
	require.NoError(t, err)
	assert.Equal(t, tr.Root(), n)

	n2, err := tr.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, tr.Root(), n2)
}

func TestResolveNotFound(t *testing.T) {
	tr := New()
	_, err := tr.Resolve("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	tr := New()
	_, err := tr.Create("/", "f.txt", NewRegular("f.txt", 0o644))
	require.NoError(t, err)

	_, err = tr.Create("/", "f.txt", NewRegular("f.txt", 0o644))
	assert.ErrorIs(t, err, ErrExists)
}

func TestCreateUnderNonDirectoryFails(t *testing.T) {
	tr := New()
	_, err := tr.Create("/", "f.txt", NewRegular("f.txt", 0o644))
	require.NoError(t, err)

	_, err = tr.Create("/f.txt", "g.txt", NewRegular("g.txt", 0o644))
	assert.ErrorIs(t, err, ErrNotDir)
}

func TestRemoveNonEmptyDirFails(t *testing.T) {
	tr := New()
	_, err := tr.Create("/", "d", NewDir("d", 0o755))
	require.NoError(t, err)
	_, err = tr.Create("/d", "f.txt", NewRegular("f.txt", 0o644))
	require.NoError(t, err)

	err = tr.Remove("/d")
	assert.ErrorIs(t, err, ErrNotEmpty)
}

func TestRemoveEvictsImmediatelyWhenNotOpen(t *testing.T) {
	tr := New()
	_, err := tr.Create("/", "f.txt", NewRegular("f.txt", 0o644))
	require.NoError(t, err)

	require.NoError(t, tr.Remove("/f.txt"))
	_, err = tr.Resolve("/f.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

// I4 — removing an open file keeps it StateDeletedHeld until Release.
func TestRemoveKeepsOpenNodeUntilRelease(t *testing.T) {
	tr := New()
	n := NewRegular("f.txt", 0o644)
	_, err := tr.Create("/", "f.txt", n)
	require.NoError(t, err)
	require.NoError(t, n.Open(func() (*bigbuffer.BigBuffer, error) { return bigbuffer.New(), nil }))

	require.NoError(t, tr.Remove("/f.txt"))
	assert.Equal(t, StateDeletedHeld, n.State())

	_, err = tr.Resolve("/f.txt")
	assert.ErrorIs(t, err, ErrNotFound, "unlinked node must vanish from the path index immediately")

	tr.Release(n)
	assert.Equal(t, 0, n.OpenCount())
}

func TestRenameMovesNodeAndUpdatesIndex(t *testing.T) {
	tr := New()
	_, err := tr.Create("/", "a.txt", NewRegular("a.txt", 0o644))
	require.NoError(t, err)
	_, err = tr.Create("/", "dir", NewDir("dir", 0o755))
	require.NoError(t, err)

	require.NoError(t, tr.Rename("/a.txt", "/dir/b.txt"))

	_, err = tr.Resolve("/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	moved := mustResolve(t, tr, "/dir/b.txt")
	assert.Equal(t, "b.txt", moved.Name())
	assert.Equal(t, StateNew, moved.State())
}

func TestRenameReplacesExistingFile(t *testing.T) {
	tr := New()
	_, err := tr.Create("/", "a.txt", NewRegular("a.txt", 0o644))
	require.NoError(t, err)
	_, err = tr.Create("/", "b.txt", NewRegular("b.txt", 0o644))
	require.NoError(t, err)

	require.NoError(t, tr.Rename("/a.txt", "/b.txt"))
	_, err = tr.Resolve("/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tr.Resolve("/b.txt")
	assert.NoError(t, err)
}

func TestRenameOntoNonEmptyDirFails(t *testing.T) {
	tr := New()
	_, err := tr.Create("/", "src", NewDir("src", 0o755))
	require.NoError(t, err)
	_, err = tr.Create("/", "dst", NewDir("dst", 0o755))
	require.NoError(t, err)
	_, err = tr.Create("/dst", "f.txt", NewRegular("f.txt", 0o644))
	require.NoError(t, err)

	err = tr.Rename("/src", "/dst")
	assert.ErrorIs(t, err, ErrNotEmpty)
}

// EINVAL-equivalent: a directory may not be renamed into its own subtree.
func TestRenameCircularFails(t *testing.T) {
	tr := New()
	_, err := tr.Create("/", "a", NewDir("a", 0o755))
	require.NoError(t, err)
	_, err = tr.Create("/a", "b", NewDir("b", 0o755))
	require.NoError(t, err)

	err = tr.Rename("/a", "/a/b/c")
	assert.ErrorIs(t, err, ErrCircularMove)
}

// Descendants of a renamed directory must resolve under the new prefix; no
// per-node field stores a full path, so this exercises the index rewrite.
func TestRenameReindexesDescendants(t *testing.T) {
	tr := New()
	_, err := tr.Create("/", "src", NewDir("src", 0o755))
	require.NoError(t, err)
	_, err = tr.Create("/src", "nested", NewDir("nested", 0o755))
	require.NoError(t, err)
	leaf := NewRegular("leaf.txt", 0o644)
	_, err = tr.Create("/src/nested", "leaf.txt", leaf)
	require.NoError(t, err)

	require.NoError(t, tr.Rename("/src", "/renamed"))

	got := mustResolve(t, tr, "/renamed/nested/leaf.txt")
	assert.Equal(t, leaf, got)
	assert.Equal(t, StateDirty, leaf.State())

	_, err = tr.Resolve("/src/nested/leaf.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	path, err := tr.Path(got)
	require.NoError(t, err)
	assert.Equal(t, "renamed/nested/leaf.txt", path)
}

func TestPathOfRoot(t *testing.T) {
	tr := New()
	path, err := tr.Path(tr.Root())
	require.NoError(t, err)
	assert.Equal(t, "", path)
}

func TestWalkLiveVisitsEveryNode(t *testing.T) {
	tr := New()
	_, err := tr.Create("/", "a", NewDir("a", 0o755))
	require.NoError(t, err)
	_, err = tr.Create("/a", "b.txt", NewRegular("b.txt", 0o644))
	require.NoError(t, err)

	var paths []string
	tr.WalkLive(func(path string, n *Node) {
		paths = append(paths, path)
	})
	assert.Contains(t, paths, "")
	assert.Contains(t, paths, "a")
	assert.Contains(t, paths, "a/b.txt")
}
