// Package bigbuffer implements the sparse, chunked, copy-on-write byte store
// that backs every materialized file in a zipfuse mount.
//
// A BigBuffer never preallocates: growing Len past a chunk boundary costs
// nothing until bytes actually land in that chunk. Reads of unmapped chunks
// return zero bytes, matching the semantics of a sparse file.
package bigbuffer

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// ChunkSize is the fixed allocation unit. The spec requires any implementation
// to pick one value and honor it for the lifetime of a round trip; 4 KiB
// matches a typical page size and original_source/bigBuffer.h's default.
const ChunkSize = 4096

// Errors surfaced while materializing a buffer from an archive entry. fsops
// classifies both as EIO at the dispatch boundary.
var (
	ErrTruncated = errors.New("bigbuffer: archive entry read fewer bytes than its declared size")
	ErrOverrun   = errors.New("bigbuffer: archive entry read more bytes than its declared size")
)

// BigBuffer is a sparse byte container addressed by logical offset. The zero
// value is an empty, zero-length buffer ready for use.
type BigBuffer struct {
	chunks map[uint64][]byte // chunk index -> exactly ChunkSize bytes
	len    uint64
}

// New returns an empty BigBuffer.
func New() *BigBuffer {
	return &BigBuffer{chunks: make(map[uint64][]byte)}
}

// Len returns the buffer's logical length.
func (b *BigBuffer) Len() uint64 {
	return b.len
}

// chunksCount returns ceil(length / ChunkSize), with chunksCount(0) == 0.
func chunksCount(length uint64) uint64 {
	if length == 0 {
		return 0
	}
	return (length-1)/ChunkSize + 1
}

// chunkNumber returns the chunk index that offset o falls in.
func chunkNumber(o uint64) uint64 {
	return o / ChunkSize
}

// chunkOffset returns the in-chunk byte offset of o.
func chunkOffset(o uint64) uint64 {
	return o % ChunkSize
}

// Truncate sets the logical length to newLen. It never allocates; chunks
// fully beyond newLen are dropped, and the boundary chunk (if any) is kept
// as-is rather than zeroed past newLen — readers honor len, not chunk
// contents, past the logical end.
func (b *BigBuffer) Truncate(newLen uint64) {
	if newLen < b.len {
		keep := chunksCount(newLen)
		for idx := range b.chunks {
			if idx >= keep {
				delete(b.chunks, idx)
			}
		}
	}
	b.len = newLen
}

// Read copies into out starting at offset, returning the number of bytes
// copied. It returns 0 if offset is at or past Len. Unmapped chunks
// contribute zero bytes; reads never fail and never come up short within
// [offset, offset+nread).
func (b *BigBuffer) Read(out []byte, offset uint64) int {
	if offset >= b.len {
		return 0
	}
	n := uint64(len(out))
	if remain := b.len - offset; n > remain {
		n = remain
	}

	var done uint64
	for done < n {
		abs := offset + done
		idx := chunkNumber(abs)
		off := chunkOffset(abs)
		chunkRemain := ChunkSize - off
		want := n - done
		if want > chunkRemain {
			want = chunkRemain
		}

		if chunk, ok := b.chunks[idx]; ok {
			copy(out[done:done+want], chunk[off:off+want])
		} else {
			clear(out[done : done+want])
		}
		done += want
	}
	return int(n)
}

// Write copies len(in) bytes into the buffer at offset, allocating any
// touched chunks that don't yet exist, and grows Len to offset+len(in) if
// that extends past the current length. Write never partially succeeds.
func (b *BigBuffer) Write(in []byte, offset uint64) int {
	n := uint64(len(in))
	if n == 0 {
		return 0
	}
	if b.chunks == nil {
		b.chunks = make(map[uint64][]byte)
	}

	var done uint64
	for done < n {
		abs := offset + done
		idx := chunkNumber(abs)
		off := chunkOffset(abs)
		chunkRemain := ChunkSize - off
		want := n - done
		if want > chunkRemain {
			want = chunkRemain
		}

		chunk, ok := b.chunks[idx]
		if !ok {
			chunk = make([]byte, ChunkSize)
			b.chunks[idx] = chunk
		}
		copy(chunk[off:off+want], in[done:done+want])
		done += want
	}

	if end := offset + n; end > b.len {
		b.len = end
	}
	return int(n)
}

// entrySource is the minimal view of an archive entry BigBuffer needs to
// materialize from it: a streamed reader. The declared uncompressed size is
// passed to ReadFromCodec separately.
type entrySource interface {
	Open() (io.ReadCloser, error)
}

// ReadFromCodec populates a new BigBuffer by streaming declaredSize bytes out
// of entry. It is used the first time a clean archive-backed file is read.
func ReadFromCodec(entry entrySource, declaredSize uint64) (*BigBuffer, error) {
	stream, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("bigbuffer: open archive entry: %w", err)
	}

	b := New()
	remaining := declaredSize
	buf := make([]byte, ChunkSize)

	var readErr error
readLoop:
	for remaining > 0 {
		want := buf
		if remaining < ChunkSize {
			want = buf[:remaining]
		}
		n, err := stream.Read(want)
		if n > 0 {
			b.Write(want[:n], declaredSize-remaining)
			remaining -= uint64(n)
		}
		switch {
		case err == io.EOF:
			if remaining > 0 {
				readErr = ErrTruncated
			}
			break readLoop
		case err != nil:
			readErr = fmt.Errorf("bigbuffer: read archive entry: %w", err)
			break readLoop
		}
	}

	if readErr == nil && remaining == 0 {
		// confirm the entry doesn't have more data than declared
		var extra [1]byte
		if n, err := stream.Read(extra[:]); n > 0 || (err != nil && err != io.EOF) {
			readErr = ErrOverrun
		}
	}

	if closeErr := stream.Close(); closeErr != nil && readErr == nil {
		readErr = fmt.Errorf("bigbuffer: close archive entry: %w", closeErr)
	}

	if readErr != nil {
		return nil, readErr
	}
	b.len = declaredSize
	return b, nil
}

// source is the codec-side contract a Cursor satisfies: enough for a zip
// writer to pull a file's bytes without ever touching BigBuffer directly.
type source interface {
	Stat() (size int64, mtime time.Time)
	Open() error
	Read(p []byte) (int, error)
	Close() error
	Free()
}

var _ source = (*Cursor)(nil)

// Cursor is the pull-based callback cursor the archive codec drives during
// save: a small state machine binding a BigBuffer, a reported mtime, and a
// read position. Calling any verb concurrently with a BigBuffer mutation is
// the caller's responsibility to prevent (zipfuse runs the whole commit on
// one goroutine, after the filesystem is unmounted).
type Cursor struct {
	buf   *BigBuffer
	mtime time.Time
	pos   uint64
}

// NewCursor returns a Cursor over buf reporting mtime on STAT.
func NewCursor(buf *BigBuffer, mtime time.Time) *Cursor {
	return &Cursor{buf: buf, mtime: mtime}
}

// Stat answers the STAT verb: the buffer's current length and the bound mtime.
func (c *Cursor) Stat() (size int64, mtime time.Time) {
	return int64(c.buf.Len()), c.mtime
}

// Open answers the OPEN verb, resetting the read position.
func (c *Cursor) Open() error {
	c.pos = 0
	return nil
}

// Read answers the READ verb: up to len(p) bytes starting at pos, advancing
// pos; returns (0, nil) at EOF rather than io.EOF, matching the zero-ack
// convention of the underlying callback protocol.
func (c *Cursor) Read(p []byte) (int, error) {
	n := c.buf.Read(p, c.pos)
	c.pos += uint64(n)
	return n, nil
}

// Close answers the CLOSE verb; it is a no-op since Cursor holds no OS handle.
func (c *Cursor) Close() error {
	return nil
}

// Free answers the FREE verb. The codec calls this once it is done pulling
// from the cursor, after which the Cursor (and its back-reference to buf)
// may be discarded.
func (c *Cursor) Free() {
	c.buf = nil
}
