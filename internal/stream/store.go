// Package stream holds the per-session append-only record store and the
// index map that drives filtered rendering. Records get a monotonic,
// gap-free position; readers never block the writer.
package stream

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vlaube/sessiond/internal/cerror"
	"github.com/vlaube/sessiond/internal/model"
)

// Record is one indexable unit handed to Append.
type Record struct {
	Content string
	Raw     []byte
}

type row struct {
	source     uint16
	contentOff uint64
	contentLen uint32
	rawOff     uint64
	rawLen     uint32
}

// Store is the session stream. Content lines go to one file (newline
// terminated, one per position), the exact source bytes of every record to
// a second file for raw export. Separate read handles let Grab run while
// an append is in flight.
type Store struct {
	mu sync.RWMutex

	rows        []row
	contentSize uint64
	rawSize     uint64

	contentPath string
	rawPath     string
	contentW    *os.File
	rawW        *os.File
	contentBuf  *bufio.Writer
	rawBuf      *bufio.Writer
	contentR    *os.File
	rawR        *os.File
}

// NewStore creates the backing files under dir. The files are removed on
// Close.
func NewStore(dir, id string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create stream dir: %w", err)
	}
	s := &Store{
		contentPath: filepath.Join(dir, id+".stream"),
		rawPath:     filepath.Join(dir, id+".raw"),
	}
	var err error
	if s.contentW, err = os.OpenFile(s.contentPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err != nil {
		return nil, fmt.Errorf("create stream file: %w", err)
	}
	if s.rawW, err = os.OpenFile(s.rawPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err != nil {
		s.contentW.Close()
		return nil, fmt.Errorf("create raw file: %w", err)
	}
	if s.contentR, err = os.Open(s.contentPath); err != nil {
		s.contentW.Close()
		s.rawW.Close()
		return nil, fmt.Errorf("open stream file: %w", err)
	}
	if s.rawR, err = os.Open(s.rawPath); err != nil {
		s.contentW.Close()
		s.rawW.Close()
		s.contentR.Close()
		return nil, fmt.Errorf("open raw file: %w", err)
	}
	s.contentBuf = bufio.NewWriter(s.contentW)
	s.rawBuf = bufio.NewWriter(s.rawW)
	return s, nil
}

// sanitize keeps the one-line-per-position invariant of the content file.
func sanitize(content string) string {
	if !strings.ContainsAny(content, "\r\n") {
		return content
	}
	content = strings.ReplaceAll(content, "\r", " ")
	return strings.ReplaceAll(content, "\n", " ")
}

// Append writes records under the given source id and returns the position
// range they occupy. Positions become visible to readers only after the
// flush, so a reader never sees a half written line.
func (s *Store) Append(source uint16, records []Record) (model.Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contentBuf == nil {
		return model.Range{}, cerror.ErrSessionUnavailable
	}
	if len(records) == 0 {
		return model.Range{}, nil
	}
	start := uint64(len(s.rows))
	contentSize := s.contentSize
	rawSize := s.rawSize
	added := make([]row, 0, len(records))
	for _, rec := range records {
		content := sanitize(rec.Content)
		if _, err := s.contentBuf.WriteString(content); err != nil {
			return model.Range{}, fmt.Errorf("append content: %w", err)
		}
		if err := s.contentBuf.WriteByte('\n'); err != nil {
			return model.Range{}, fmt.Errorf("append content: %w", err)
		}
		if _, err := s.rawBuf.Write(rec.Raw); err != nil {
			return model.Range{}, fmt.Errorf("append raw: %w", err)
		}
		added = append(added, row{
			source:     source,
			contentOff: contentSize,
			contentLen: uint32(len(content)),
			rawOff:     rawSize,
			rawLen:     uint32(len(rec.Raw)),
		})
		contentSize += uint64(len(content)) + 1
		rawSize += uint64(len(rec.Raw))
	}
	if err := s.contentBuf.Flush(); err != nil {
		return model.Range{}, fmt.Errorf("flush content: %w", err)
	}
	if err := s.rawBuf.Flush(); err != nil {
		return model.Range{}, fmt.Errorf("flush raw: %w", err)
	}
	s.rows = append(s.rows, added...)
	s.contentSize = contentSize
	s.rawSize = rawSize
	return model.Range{Start: start, End: uint64(len(s.rows)) - 1}, nil
}

// Len returns the number of indexed records.
func (s *Store) Len() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.rows))
}

// Watermark reports the visible extent of the content file: indexed rows
// and the byte size covering exactly those rows.
func (s *Store) Watermark() (rows uint64, bytes uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.rows)), s.contentSize
}

// ContentPath exposes the content file for sequential scanners. The file
// must only be read up to the byte watermark.
func (s *Store) ContentPath() string {
	return s.contentPath
}

// Grab reads the records of rng. The range is clipped against the current
// stream tail; a range fully past the tail yields an empty slice.
func (s *Store) Grab(rng model.Range) ([]model.GrabbedElement, error) {
	s.mu.RLock()
	rows, err := s.clip(rng)
	if err != nil || len(rows) == 0 {
		s.mu.RUnlock()
		return nil, err
	}
	first := rows[0]
	last := rows[len(rows)-1]
	offset := first.contentOff
	length := last.contentOff + uint64(last.contentLen) + 1 - offset
	start := rng.Start
	reader := s.contentR
	s.mu.RUnlock()

	buf := make([]byte, length)
	if _, err := reader.ReadAt(buf, int64(offset)); err != nil {
		return nil, cerror.New(cerror.KindGrabber, "read stream content: %v", err)
	}
	elements := make([]model.GrabbedElement, 0, len(rows))
	for i, r := range rows {
		from := r.contentOff - offset
		elements = append(elements, model.GrabbedElement{
			SourceID: r.source,
			Content:  string(buf[from : from+uint64(r.contentLen)]),
			Pos:      start + uint64(i),
		})
	}
	return elements, nil
}

// clip returns the row metadata covered by rng after tail truncation.
// Callers must hold at least the read lock.
func (s *Store) clip(rng model.Range) ([]row, error) {
	if rng.End < rng.Start {
		return nil, cerror.New(cerror.KindGrabber, "invalid range: [%d..%d]", rng.Start, rng.End)
	}
	total := uint64(len(s.rows))
	if total == 0 || rng.Start >= total {
		return nil, nil
	}
	end := rng.End
	if end >= total {
		end = total - 1
	}
	return s.rows[rng.Start : end+1], nil
}

// ExportRaw copies the exact source bytes of the given ranges into dest,
// in order. Exporting the full stream of a single file source reproduces
// the input byte for byte.
func (s *Store) ExportRaw(dest string, ranges []model.Range) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return cerror.New(cerror.KindIo, "create export file: %v", err)
	}
	defer out.Close()
	w := bufio.NewWriter(out)
	for _, rng := range ranges {
		s.mu.RLock()
		rows, err := s.clip(rng)
		reader := s.rawR
		s.mu.RUnlock()
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}
		first := rows[0]
		last := rows[len(rows)-1]
		offset := first.rawOff
		length := last.rawOff + uint64(last.rawLen) - offset
		buf := make([]byte, length)
		if _, err := reader.ReadAt(buf, int64(offset)); err != nil {
			return cerror.New(cerror.KindIo, "read raw bytes: %v", err)
		}
		if _, err := w.Write(buf); err != nil {
			return cerror.New(cerror.KindIo, "write export: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		return cerror.New(cerror.KindIo, "flush export: %v", err)
	}
	return nil
}

// Export writes the processed content lines of the given ranges into dest.
func (s *Store) Export(dest string, ranges []model.Range) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return cerror.New(cerror.KindIo, "create export file: %v", err)
	}
	defer out.Close()
	w := bufio.NewWriter(out)
	for _, rng := range ranges {
		elements, err := s.Grab(rng)
		if err != nil {
			return err
		}
		for _, el := range elements {
			if _, err := w.WriteString(el.Content); err != nil {
				return cerror.New(cerror.KindIo, "write export: %v", err)
			}
			if err := w.WriteByte('\n'); err != nil {
				return cerror.New(cerror.KindIo, "write export: %v", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return cerror.New(cerror.KindIo, "flush export: %v", err)
	}
	return nil
}

// Close releases the handles and removes the backing files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contentBuf == nil {
		return nil
	}
	s.contentBuf.Flush()
	s.rawBuf.Flush()
	s.contentBuf = nil
	s.rawBuf = nil
	var first error
	for _, c := range []*os.File{s.contentW, s.rawW, s.contentR, s.rawR} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, p := range []string{s.contentPath, s.rawPath} {
		if err := os.Remove(p); err != nil && first == nil {
			first = err
		}
	}
	return first
}
