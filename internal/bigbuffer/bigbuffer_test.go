package bigbuffer

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkMathLaws(t *testing.T) {
	assert.EqualValues(t, 0, chunksCount(0))
	assert.EqualValues(t, 1, chunksCount(1))
	assert.EqualValues(t, 1, chunksCount(ChunkSize))
	assert.EqualValues(t, 1, chunksCount(ChunkSize-1))
	assert.EqualValues(t, 2, chunksCount(ChunkSize+1))
	assert.EqualValues(t, 2, chunksCount(ChunkSize*2-1))

	assert.EqualValues(t, 0, chunkNumber(ChunkSize-1))
	assert.EqualValues(t, 1, chunkNumber(ChunkSize))

	assert.EqualValues(t, 0, chunkOffset(ChunkSize))
	assert.EqualValues(t, 1, chunkOffset(ChunkSize+1))
	assert.EqualValues(t, ChunkSize-1, chunkOffset(2*ChunkSize-1))
}

func TestReadEmptyBuffer(t *testing.T) {
	b := New()
	buf := make([]byte, 100)

	assert.Equal(t, 0, b.Read(buf, 0))
	assert.Equal(t, 0, b.Read(buf, 100))
}

func TestTruncateThenRead(t *testing.T) {
	b := New()
	b.Truncate(22)
	assert.EqualValues(t, 22, b.Len())

	b.Truncate(2)
	assert.EqualValues(t, 2, b.Len())

	b.Truncate(ChunkSize)
	assert.EqualValues(t, ChunkSize, b.Len())

	buf := make([]byte, ChunkSize)
	n := b.Read(buf, 0)
	assert.Equal(t, ChunkSize, n)
	assert.True(t, bytes.Equal(buf, make([]byte, ChunkSize)))

	b.Truncate(0)
	assert.EqualValues(t, 0, b.Len())
}

func TestReadAtEOFReturnsZero(t *testing.T) {
	b := New()
	b.Truncate(10)
	buf := make([]byte, 5)
	assert.Equal(t, 0, b.Read(buf, 10))
	assert.Equal(t, 0, b.Read(buf, 11))
}

func TestReadStraddlingChunkBoundary(t *testing.T) {
	b := New()
	data := []byte("0123456789")
	b.Write(data, ChunkSize-5)
	buf := make([]byte, 10)
	n := b.Read(buf, ChunkSize-5)
	assert.Equal(t, 10, n)
	assert.Equal(t, data, buf[:n])
}

func TestWriteReadRoundTrip(t *testing.T) {
	b := New()
	data := []byte("hello, zipfuse")

	nw := b.Write(data, 0)
	assert.Equal(t, len(data), nw)
	assert.EqualValues(t, len(data), b.Len())

	out := make([]byte, len(data)+10)
	nr := b.Read(out, 0)
	assert.Equal(t, len(data), nr)
	assert.Equal(t, data, out[:nr])
}

// S3 — sparse expansion: write 10 bytes at 0, 10 bytes at C+10, then read
// [0, 2C) and confirm the gap reads as zero.
func TestSparseExpansion(t *testing.T) {
	b := New()
	a := bytes.Repeat([]byte{'a'}, 10)
	z := bytes.Repeat([]byte{'z'}, 10)

	b.Write(a, 0)
	b.Write(z, ChunkSize+10)
	assert.EqualValues(t, ChunkSize+20, b.Len())

	out := make([]byte, 2*ChunkSize)
	n := b.Read(out, 0)
	assert.Equal(t, ChunkSize+20, n)
	assert.Equal(t, a, out[:10])
	assert.True(t, bytes.Equal(out[10:ChunkSize+10], make([]byte, ChunkSize)))
	assert.Equal(t, z, out[ChunkSize+10:ChunkSize+20])
}

// S2 — two-chunk stream via the callback cursor.
func TestCursorTwoChunkStream(t *testing.T) {
	b := New()
	data := bytes.Repeat([]byte{'f'}, 2*ChunkSize)
	b.Write(data, 0)

	c := NewCursor(b, time.Unix(0, 0))
	require.NoError(t, c.Open())

	buf := make([]byte, ChunkSize)
	n1, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, ChunkSize, n1)

	n2, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, ChunkSize, n2)

	n3, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n3)
}

// S1 — empty callback stat.
func TestCursorEmptyStat(t *testing.T) {
	b := New()
	c := NewCursor(b, time.Unix(12345, 0))

	size, mtime := c.Stat()
	assert.EqualValues(t, 0, size)
	assert.Equal(t, int64(12345), mtime.Unix())

	require.NoError(t, c.Open())
	buf := make([]byte, 0xff)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, c.Close())
	c.Free()
}

// fakeEntry is a minimal archive entry double for ReadFromCodec tests.
type fakeEntry struct {
	data      []byte
	openErr   error
	readErr   error
	closeErr  error
	shortRead bool // truncate data by one byte when streaming
}

type fakeStream struct {
	r        *bytes.Reader
	readErr  error
	closeErr error
}

func (s *fakeStream) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	return s.r.Read(p)
}

func (s *fakeStream) Close() error {
	return s.closeErr
}

func (e *fakeEntry) Open() (io.ReadCloser, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	data := e.data
	if e.shortRead && len(data) > 0 {
		data = data[:len(data)-1]
	}
	return &fakeStream{r: bytes.NewReader(data), readErr: e.readErr, closeErr: e.closeErr}, nil
}

func TestReadFromCodecNormal(t *testing.T) {
	data := bytes.Repeat([]byte{'X'}, 100)
	entry := &fakeEntry{data: data}

	b, err := ReadFromCodec(entry, uint64(len(data)))
	require.NoError(t, err)
	assert.EqualValues(t, len(data), b.Len())

	out := make([]byte, len(data))
	n := b.Read(out, 0)
	assert.Equal(t, data, out[:n])
}

func TestReadFromCodecOpenError(t *testing.T) {
	entry := &fakeEntry{openErr: errors.New("boom")}
	_, err := ReadFromCodec(entry, 10)
	assert.Error(t, err)
}

func TestReadFromCodecReadError(t *testing.T) {
	entry := &fakeEntry{data: []byte("hi"), readErr: errors.New("boom")}
	_, err := ReadFromCodec(entry, 2)
	assert.Error(t, err)
}

func TestReadFromCodecTruncated(t *testing.T) {
	entry := &fakeEntry{data: []byte("hello"), shortRead: true}
	_, err := ReadFromCodec(entry, 5)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadFromCodecOverrun(t *testing.T) {
	entry := &fakeEntry{data: []byte("hello world")}
	_, err := ReadFromCodec(entry, 5)
	assert.ErrorIs(t, err, ErrOverrun)
}

func TestReadFromCodecCloseError(t *testing.T) {
	entry := &fakeEntry{data: []byte("hi"), closeErr: errors.New("close boom")}
	_, err := ReadFromCodec(entry, 2)
	assert.Error(t, err)
}

// fakeWriter records Add/Replace calls for SaveToCodec tests.
type fakeWriter struct {
	addErr     error
	replaceErr error
	nextID     int
}

func (w *fakeWriter) Add(name string, cursor *Cursor) (int, error) {
	if w.addErr != nil {
		return -1, w.addErr
	}
	id := w.nextID
	w.nextID++
	return id, nil
}

func (w *fakeWriter) Replace(index int, cursor *Cursor) error {
	return w.replaceErr
}

func TestSaveToCodecNewSuccess(t *testing.T) {
	b := New()
	w := &fakeWriter{}
	id, err := SaveToCodec(b, w, "new.txt", true, time.Now(), -1)
	require.NoError(t, err)
	assert.Equal(t, 0, id)
}

func TestSaveToCodecNewFailure(t *testing.T) {
	b := New()
	w := &fakeWriter{addErr: errors.New("alloc failed")}
	_, err := SaveToCodec(b, w, "new.txt", true, time.Now(), -1)
	assert.ErrorIs(t, err, ErrSourceAlloc)
}

func TestSaveToCodecReplaceSuccessKeepsID(t *testing.T) {
	b := New()
	w := &fakeWriter{}
	id, err := SaveToCodec(b, w, "existing.txt", false, time.Now(), 11)
	require.NoError(t, err)
	assert.Equal(t, 11, id)
}

func TestSaveToCodecReplaceFailureKeepsID(t *testing.T) {
	b := New()
	w := &fakeWriter{replaceErr: errors.New("replace failed")}
	id, err := SaveToCodec(b, w, "existing.txt", false, time.Now(), 11)
	assert.ErrorIs(t, err, ErrSourceAlloc)
	assert.Equal(t, 11, id)
}
