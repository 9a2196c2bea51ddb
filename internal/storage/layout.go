// Package storage turns a torrent's file list into a flat byte-address
// space and writes pieces into it, generalizing the teacher's StartDownload
// offset arithmetic (torrent/p2p.go) into a file layout that can straddle
// more than one file.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gobt/internal/logging"
	"gobt/internal/metainfo"
)

var log = logging.For("storage")

// FileEntry is one file's placement in the flat address space spanning
// every file in the torrent, in metainfo order.
type FileEntry struct {
	Path         string // absolute, joined with the download root
	Length       int64
	GlobalOffset int64 // sum of all previous entries' Length
}

// Layout is the ordered file table a piece's global byte offset is
// mapped against to find which file(s) it lands in.
type Layout struct {
	root    string
	entries []FileEntry
	total   int64
}

// NewLayout builds the flat layout for info, rooted at downloadDir. A
// single-file torrent's Name is the file itself; a multi-file torrent's
// Name is the top-level directory each File.Path is joined under.
func NewLayout(info *metainfo.Info, downloadDir string) *Layout {
	l := &Layout{root: downloadDir}

	switch info.Mode {
	case metainfo.ModeSingle:
		l.entries = append(l.entries, FileEntry{
			Path:         filepath.Join(downloadDir, info.Single.Name),
			Length:       info.Single.Length,
			GlobalOffset: 0,
		})
		l.total = info.Single.Length

	case metainfo.ModeMulti:
		var offset int64
		for _, f := range info.Multi.Files {
			parts := append([]string{downloadDir, info.Multi.DirName}, f.Path...)
			l.entries = append(l.entries, FileEntry{
				Path:         filepath.Join(parts...),
				Length:       f.Length,
				GlobalOffset: offset,
			})
			offset += f.Length
		}
		l.total = offset
	}

	return l
}

// TotalSize returns the sum of every file's length.
func (l *Layout) TotalSize() int64 { return l.total }

// Prepare creates every file's parent directory and pre-truncates the
// file to its full length (sparse where the filesystem supports it), so
// later positional writes never fail with "file too short" (spec.md
// §4.9). Directory/file creation is idempotent.
func (l *Layout) Prepare() error {
	for _, e := range l.entries {
		if err := os.MkdirAll(filepath.Dir(e.Path), 0o755); err != nil {
			return fmt.Errorf("storage: creating directory for %q: %w", e.Path, err)
		}

		f, err := os.OpenFile(e.Path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("storage: creating %q: %w", e.Path, err)
		}

		info, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("storage: stat %q: %w", e.Path, err)
		}
		if info.Size() < e.Length {
			if err := f.Truncate(e.Length); err != nil {
				f.Close()
				return fmt.Errorf("storage: truncating %q to %d: %w", e.Path, e.Length, err)
			}
		}
		f.Close()
	}

	log.WithField("files", len(l.entries)).WithField("bytes", l.total).Info("storage layout prepared")
	return nil
}

// span is one (file, local-offset, length) slice of a write that the
// global range [start, start+length) intersects.
type span struct {
	entry  *FileEntry
	offset int64 // offset within entry
	length int64
}

// locate splits the global range [start, start+length) into the file
// spans it straddles, via binary search over GlobalOffset (spec.md
// §4.9: "found by binary search for the file whose
// [global_offset, global_offset+length) contains the absolute byte").
func (l *Layout) locate(start, length int64) ([]span, error) {
	if start < 0 || length < 0 || start+length > l.total {
		return nil, fmt.Errorf("storage: range [%d,%d) out of bounds (total %d)", start, start+length, l.total)
	}

	// Find the first entry whose range could contain start: the last
	// entry with GlobalOffset <= start.
	idx := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].GlobalOffset > start
	}) - 1
	if idx < 0 {
		return nil, fmt.Errorf("storage: no file covers offset %d", start)
	}

	var spans []span
	remaining := length
	cursor := start

	for remaining > 0 {
		if idx >= len(l.entries) {
			return nil, fmt.Errorf("storage: range extends past last file at offset %d", cursor)
		}
		e := &l.entries[idx]
		localOff := cursor - e.GlobalOffset
		avail := e.Length - localOff
		if avail <= 0 {
			idx++
			continue
		}

		take := remaining
		if take > avail {
			take = avail
		}

		spans = append(spans, span{entry: e, offset: localOff, length: take})
		cursor += take
		remaining -= take
		idx++
	}

	return spans, nil
}

// WriteAt writes data at global offset start, splitting across file
// boundaries as needed (spec.md §4.9: "a single piece may straddle file
// boundaries, requiring multiple positioned writes").
func (l *Layout) WriteAt(start int64, data []byte) error {
	spans, err := l.locate(start, int64(len(data)))
	if err != nil {
		return err
	}

	consumed := int64(0)
	for _, sp := range spans {
		f, err := os.OpenFile(sp.entry.Path, os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("storage: opening %q for write: %w", sp.entry.Path, err)
		}

		_, err = f.WriteAt(data[consumed:consumed+sp.length], sp.offset)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("storage: writing to %q at %d: %w", sp.entry.Path, sp.offset, err)
		}
		if closeErr != nil {
			return fmt.Errorf("storage: closing %q: %w", sp.entry.Path, closeErr)
		}

		consumed += sp.length
	}

	return nil
}

// ReadAt reads length bytes starting at global offset start, assembling
// across file boundaries if needed. The download path itself never reads
// back from disk; tests use ReadAt to check what WriteAt stored.
func (l *Layout) ReadAt(start, length int64) ([]byte, error) {
	spans, err := l.locate(start, length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, length)
	for _, sp := range spans {
		f, err := os.Open(sp.entry.Path)
		if err != nil {
			return nil, fmt.Errorf("storage: opening %q for read: %w", sp.entry.Path, err)
		}

		buf := make([]byte, sp.length)
		_, err = f.ReadAt(buf, sp.offset)
		closeErr := f.Close()
		if err != nil {
			return nil, fmt.Errorf("storage: reading %q at %d: %w", sp.entry.Path, sp.offset, err)
		}
		if closeErr != nil {
			return nil, closeErr
		}

		out = append(out, buf...)
	}

	return out, nil
}
