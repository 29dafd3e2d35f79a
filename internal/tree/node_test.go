package tree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galanin/zipfuse/internal/bigbuffer"
)

func TestNewDirDefaults(t *testing.T) {
	d := NewDir("etc", 0o755)
	assert.True(t, d.IsDir())
	assert.EqualValues(t, 2, d.Nlink())
	assert.Equal(t, StateNew, d.State())
	assert.Equal(t, NoArchiveIndex, d.ArchiveIndex())
}

func TestNewSymlinkStoresTargetVerbatim(t *testing.T) {
	s := NewSymlink("link", "../escape/target")
	assert.Equal(t, KindSymlink, s.Kind())
	assert.Equal(t, "../escape/target", s.LinkTarget())
	assert.EqualValues(t, len("../escape/target"), s.Size())
}

// I3 — a directory's nlink tracks its live child-directory count (plus the
// base 2 for "." and the parent's entry pointing back at it).
func TestAddRemoveChildUpdatesNlink(t *testing.T) {
	parent := NewDir("parent", 0o755)
	childA := NewDir("a", 0o755)
	childB := NewRegular("b.txt", 0o644)

	parent.addChild(childA)
	parent.addChild(childB)
	assert.EqualValues(t, 3, parent.Nlink()) // 2 + one child dir
	assert.Equal(t, parent, childA.Parent())

	parent.removeChild("a")
	assert.EqualValues(t, 2, parent.Nlink())
	assert.Nil(t, childA.Parent())

	_, ok := parent.GetChild("b.txt")
	assert.True(t, ok)
}

func TestChmodMarksDirty(t *testing.T) {
	n := NewRegular("f", 0o644)
	n.state = StateClean
	n.Chmod(0o600)
	assert.Equal(t, StateClean, StateClean) // sanity for the constant itself
	assert.Equal(t, StateDirty, n.State())
	assert.EqualValues(t, 0o600, n.Mode())
}

func TestChownNegativeLeavesFieldUnchanged(t *testing.T) {
	n := NewRegular("f", 0o644)
	n.uid, n.gid = 10, 20
	n.state = StateClean

	n.Chown(-1, 99)
	uid, gid := n.Owner()
	assert.EqualValues(t, 10, uid)
	assert.EqualValues(t, 99, gid)
}

func TestUtimensZeroLeavesFieldUnchanged(t *testing.T) {
	n := NewRegular("f", 0o644)
	base := time.Unix(1000, 0)
	n.atime, n.mtime = base, base

	newMtime := time.Unix(2000, 0)
	n.Utimens(time.Time{}, newMtime)

	atime, mtime, _ := n.Times()
	assert.Equal(t, base, atime)
	assert.Equal(t, newMtime, mtime)
}

func TestXattrLifecycle(t *testing.T) {
	n := NewRegular("f", 0o644)
	n.state = StateClean

	_, ok := n.Xattr("user.foo")
	assert.False(t, ok)

	n.SetXattr("user.foo", []byte("bar"))
	v, ok := n.Xattr("user.foo")
	require.True(t, ok)
	assert.Equal(t, []byte("bar"), v)
	assert.Equal(t, StateDirty, n.State())

	assert.True(t, n.RemoveXattr("user.foo"))
	assert.False(t, n.RemoveXattr("user.foo"))
}

// I6 — Size() reads from the materialized buffer once attached, not the
// archive-declared size.
func TestSizeAuthoritySwitchesOnMaterialization(t *testing.T) {
	n := NewRegular("f", 0o644)
	n.SetDeclaredSize(500)
	assert.EqualValues(t, 500, n.Size())

	buf := bigbuffer.New()
	buf.Write([]byte("hi"), 0)
	n.AttachBuffer(buf)
	assert.EqualValues(t, 2, n.Size())
}

// I4 — a node deleted while open stays reachable by handle until the last
// release, then reports evictNow.
func TestOpenDeleteReleaseLifecycle(t *testing.T) {
	n := NewRegular("f", 0o644)
	require.NoError(t, n.Open(func() (*bigbuffer.BigBuffer, error) { return bigbuffer.New(), nil }))
	require.NoError(t, n.Open(func() (*bigbuffer.BigBuffer, error) { return bigbuffer.New(), nil }))
	assert.Equal(t, 2, n.OpenCount())

	evictNow := n.MarkDeleted()
	assert.False(t, evictNow)
	assert.Equal(t, StateDeletedHeld, n.State())

	assert.False(t, n.Release())
	assert.True(t, n.Release())
	assert.Equal(t, 0, n.OpenCount())
}

func TestOpenMaterializesCleanRegularFileOnce(t *testing.T) {
	n := NewRegular("f", 0o644)
	n.state = StateClean
	calls := 0
	loader := func() (*bigbuffer.BigBuffer, error) {
		calls++
		return bigbuffer.New(), nil
	}

	require.NoError(t, n.Open(loader))
	require.NoError(t, n.Open(loader))
	assert.Equal(t, 1, calls)
}

func TestOpenLoadFailureDoesNotLeakOpenCount(t *testing.T) {
	n := NewRegular("f", 0o644)
	n.state = StateClean
	err := n.Open(func() (*bigbuffer.BigBuffer, error) {
		return nil, assert.AnError
	})
	assert.Error(t, err)
	assert.Equal(t, 0, n.OpenCount())
}

func TestInoAssignedOnceAndStable(t *testing.T) {
	n := NewRegular("f", 0o644)
	var counter uint64
	next := func() uint64 {
		counter++
		return counter
	}

	first := n.Ino(next)
	second := n.Ino(next)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, counter)
}
