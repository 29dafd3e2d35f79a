package bigbuffer

import (
	"errors"
	"fmt"
	"time"
)

// ErrSourceAlloc marks a failure to turn a Cursor into a codec-writable
// source (the Go analogue of libzip's zip_source_function/zip_file_add
// allocation failures, surfaced by the spec as ENOMEM).
var ErrSourceAlloc = errors.New("bigbuffer: failed to hand buffer to archive codec")

// Writer is the slice of the archive codec's write side BigBuffer needs: add
// a brand-new entry, or replace an existing one by index, both pulling bytes
// from the given Cursor on demand.
type Writer interface {
	Add(name string, cursor *Cursor) (index int, err error)
	Replace(index int, cursor *Cursor) error
}

// SaveToCodec streams buf's contents into the archive codec under
// storedName. When isNew is true a fresh entry is added and its assigned
// index returned; otherwise the existing entry at id is replaced in place
// and id is returned unchanged. On any failure the returned index equals
// the caller's id (unchanged) and the error wraps ErrSourceAlloc.
//
// The Cursor constructed here outlives the call: archive.Session's Add and
// Replace only stage it, and it is drained (via Open/Read/Close/Free) when
// the session commits, so buf must stay alive and unchanged until then.
func SaveToCodec(buf *BigBuffer, w Writer, storedName string, isNew bool, mtime time.Time, id int) (int, error) {
	cursor := NewCursor(buf, mtime)

	if isNew {
		newID, err := w.Add(storedName, cursor)
		if err != nil {
			return id, fmt.Errorf("%w: add %q: %v", ErrSourceAlloc, storedName, err)
		}
		return newID, nil
	}

	if err := w.Replace(id, cursor); err != nil {
		return id, fmt.Errorf("%w: replace %q (id %d): %v", ErrSourceAlloc, storedName, id, err)
	}
	return id, nil
}
