package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrReadOnly is returned by Add, Replace, Rename, SetMetadata, Delete and
// Commit on a session opened with readOnly set (I5-equivalent at the codec
// boundary). AddDir and AddSymlink stage without checking; Commit then
// fails with ErrReadOnly.
var ErrReadOnly = errors.New("archive: session is read-only")

func (s *Session) checkWritable() error {
	if s.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (s *Session) pendingFor(index int) *pendingOp {
	p, ok := s.pending[index]
	if !ok {
		p = &pendingOp{}
		s.pending[index] = p
	}
	return p
}

// Add stages a brand-new entry under name, streaming its content from
// source when Commit runs. It returns the entry's index within this session
// (NumEntries plus its position among staged additions), stable for the rest
// of the session; the rewritten archive numbers its entries afresh, so the
// index there differs once earlier entries are deleted.
func (s *Session) Add(name string, source Source) (int, error) {
	if err := s.checkWritable(); err != nil {
		return -1, err
	}
	_, mtime := source.Stat()
	s.added = append(s.added, addedEntry{
		name:   name,
		source: source,
		mtime:  mtime,
	})
	return len(s.entries) + len(s.added) - 1, nil
}

// AddDir stages a brand-new directory entry (no content source).
func (s *Session) AddDir(name string, mode uint32, uid, gid uint32, mtime time.Time) int {
	s.added = append(s.added, addedEntry{
		name:  ensureTrailingSlash(name),
		isDir: true,
		mode:  mode,
		uid:   uid,
		gid:   gid,
		mtime: mtime,
	})
	return len(s.entries) + len(s.added) - 1
}

// AddSymlink stages a brand-new symlink entry whose content is target,
// stored verbatim (spec.md §4.4).
func (s *Session) AddSymlink(name, target string, uid, gid uint32, mtime time.Time) int {
	s.added = append(s.added, addedEntry{
		name:      name,
		source:    &fixedSource{data: []byte(target), mtime: mtime},
		uid:       uid,
		gid:       gid,
		mtime:     mtime,
		isSymlink: true,
	})
	return len(s.entries) + len(s.added) - 1
}

// fixedSource is a minimal in-package Source for content known up front
// (symlink targets), sparing callers from wiring a bigbuffer.Cursor for
// something that is never itself editable as a regular file's bytes are.
type fixedSource struct {
	data  []byte
	pos   int
	mtime time.Time
}

func (f *fixedSource) Stat() (int64, time.Time) { return int64(len(f.data)), f.mtime }
func (f *fixedSource) Open() error              { f.pos = 0; return nil }
func (f *fixedSource) Read(p []byte) (int, error) {
	if f.pos >= len(f.data) {
		return 0, nil
	}
	n := copy(p, f.data[f.pos:])
	f.pos += n
	return n, nil
}
func (f *fixedSource) Close() error { return nil }
func (f *fixedSource) Free()        {}

func ensureTrailingSlash(name string) string {
	if len(name) == 0 || name[len(name)-1] == '/' {
		return name
	}
	return name + "/"
}

// Replace stages new content for an existing entry, streamed from source
// when Commit runs. The entry's index and name are unchanged unless Rename
// is also called for the same index.
func (s *Session) Replace(index int, source Source) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.entries) {
		return fmt.Errorf("archive: replace: index %d out of range", index)
	}
	p := s.pendingFor(index)
	p.kind = opReplace
	p.source = source
	return nil
}

// Rename stages a new stored name for an existing entry.
func (s *Session) Rename(index int, newName string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.entries) {
		return fmt.Errorf("archive: rename: index %d out of range", index)
	}
	p := s.pendingFor(index)
	p.newName = newName
	return nil
}

// SetMetadata stages updated mode/uid/gid/mtime for an existing entry,
// applied whether or not its content or name also changed.
func (s *Session) SetMetadata(index int, mode, uid, gid uint32, mtime time.Time) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.entries) {
		return fmt.Errorf("archive: set metadata: index %d out of range", index)
	}
	p := s.pendingFor(index)
	p.mode, p.uid, p.gid, p.mtime = mode, uid, gid, mtime
	p.metaSet = true
	return nil
}

// Delete stages removal of an existing entry.
func (s *Session) Delete(index int) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if index < 0 || index >= len(s.entries) {
		return fmt.Errorf("archive: delete: index %d out of range", index)
	}
	p := s.pendingFor(index)
	p.kind = opDeleteOnly
	p.source = nil
	return nil
}

// Commit applies every staged Add/Replace/Rename/SetMetadata/Delete by
// rewriting the whole archive to a temporary file in the same directory and
// atomically renaming it over the original. On any error the temporary file
// is removed and the original is left untouched — Discard should then be
// called so the session releases its handle without a second write attempt.
func (s *Session) Commit() (err error) {
	if err := s.checkWritable(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".zipfuse-*.tmp")
	if err != nil {
		return fmt.Errorf("archive: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)

	for i, zf := range s.entries {
		p := s.pending[i]
		if p != nil && p.kind == opDeleteOnly {
			continue
		}
		if err = s.writeExistingEntry(zw, i, zf, p); err != nil {
			return fmt.Errorf("archive: write entry %q: %w", zf.Name, err)
		}
	}

	for _, a := range s.added {
		if err = writeNewEntry(zw, a); err != nil {
			return fmt.Errorf("archive: write new entry %q: %w", a.name, err)
		}
	}

	if err = zw.Close(); err != nil {
		return fmt.Errorf("archive: finalize zip writer: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("archive: close temp file: %w", err)
	}

	if err = os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("archive: replace %q: %w", s.path, err)
	}

	s.closed = true
	return s.file.Close()
}

func (s *Session) writeExistingEntry(zw *zip.Writer, index int, zf *zip.File, p *pendingOp) error {
	header := zf.FileHeader
	if p != nil && p.newName != "" {
		header.Name = p.newName
	}
	if p != nil && p.metaSet {
		applyMeta(&header, p.mode, p.uid, p.gid, p.mtime)
	}

	if p != nil && p.kind == opReplace {
		return streamSource(zw, header, p.source)
	}

	// Content untouched (possibly renamed and/or metadata-changed): raw-copy
	// the still-compressed bytes so no decompress/recompress round trip is
	// paid for entries nobody rewrote.
	raw, err := zf.OpenRaw()
	if err != nil {
		return err
	}
	w, err := zw.CreateRaw(&header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, raw)
	return err
}

func writeNewEntry(zw *zip.Writer, a addedEntry) error {
	header := &zip.FileHeader{
		Name:     a.name,
		Method:   zip.Deflate,
		Modified: a.mtime,
	}
	if a.isDir || a.isSymlink {
		header.Method = zip.Store
	}

	fm := os.FileMode(a.mode & 0o7777)
	switch {
	case a.isDir:
		fm |= os.ModeDir
	case a.isSymlink:
		fm |= os.ModeSymlink | 0o777
	}
	header.SetMode(fm)
	header.Extra = buildUnixExtra(a.uid, a.gid)

	if a.isDir {
		_, err := zw.CreateHeader(header)
		return err
	}
	return streamSource(zw, *header, a.source)
}

func streamSource(zw *zip.Writer, header zip.FileHeader, source Source) error {
	if source == nil {
		return fmt.Errorf("archive: missing content source for %q", header.Name)
	}
	defer source.Free()

	w, err := zw.CreateHeader(&header)
	if err != nil {
		return err
	}
	if err := source.Open(); err != nil {
		return err
	}
	defer source.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := source.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if n == 0 {
			return rerr
		}
		if rerr != nil {
			return rerr
		}
	}
}

func applyMeta(h *zip.FileHeader, mode, uid, gid uint32, mtime time.Time) {
	fm := os.FileMode(mode & 0o7777)
	if h.Mode().IsDir() || ensureTrailingSlash(h.Name) == h.Name {
		fm |= os.ModeDir
	}
	h.SetMode(fm)
	if !mtime.IsZero() {
		h.Modified = mtime
	}
	h.Extra = append(trimUnixExtra(h.Extra), buildUnixExtra(uid, gid)...)
}

// trimUnixExtra strips any existing Info-ZIP UNIX3 field so applyMeta never
// appends a duplicate uid/gid record onto an entry it touches twice.
func trimUnixExtra(extra []byte) []byte {
	out := make([]byte, 0, len(extra))
	for len(extra) >= 4 {
		tag := uint16(extra[0]) | uint16(extra[1])<<8
		size := int(uint16(extra[2]) | uint16(extra[3])<<8)
		if len(extra) < 4+size {
			break
		}
		if tag != unixModeExtraTag {
			out = append(out, extra[:4+size]...)
		}
		extra = extra[4+size:]
	}
	return out
}
