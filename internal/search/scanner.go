package search

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/vlaube/sessiond/internal/cerror"
)

const (
	scanBufSize    = 64 * 1024
	scanMaxLine    = 16 * 1024 * 1024
	cancelCheckLen = 1024
)

// Scanner walks the stream content file incrementally. Each pass resumes
// at the byte offset where the previous pass stopped, so appended rows are
// scanned exactly once.
type Scanner struct {
	path      string
	bytesRead uint64
	linesRead uint64
}

func NewScanner(path string) *Scanner {
	return &Scanner{path: path}
}

// Watermark reports how far the file has been consumed.
func (s *Scanner) Watermark() (rows, bytes uint64) {
	return s.linesRead, s.bytesRead
}

// Reset forgets the watermark, the next pass starts from the beginning.
func (s *Scanner) Reset() {
	s.bytesRead = 0
	s.linesRead = 0
}

// Scan feeds every line between the previous watermark and the given
// limits to fn along with its stream row. The limits come from the store
// watermark, so the slice ends on a line boundary. The watermark only
// advances when the pass completes; a failed or canceled pass leaves it
// untouched and the caller discards partial results.
func (s *Scanner) Scan(ctx context.Context, rows, bytes uint64, fn func(row uint64, line string)) error {
	if bytes == s.bytesRead {
		return nil
	}
	if bytes < s.bytesRead {
		return cerror.New(cerror.KindOperationSearch, "content shrank below watermark: have %d, limit %d", s.bytesRead, bytes)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return cerror.Wrap(cerror.KindIo, err)
	}
	defer f.Close()
	if _, err := f.Seek(int64(s.bytesRead), io.SeekStart); err != nil {
		return cerror.Wrap(cerror.KindIo, err)
	}
	sc := bufio.NewScanner(io.LimitReader(f, int64(bytes-s.bytesRead)))
	sc.Buffer(make([]byte, scanBufSize), scanMaxLine)
	row := s.linesRead
	for sc.Scan() {
		if (row-s.linesRead)%cancelCheckLen == 0 && ctx.Err() != nil {
			return fmt.Errorf("scan %s: %w", s.path, cerror.ErrCancelled)
		}
		fn(row, sc.Text())
		row++
	}
	if err := sc.Err(); err != nil {
		return cerror.Wrap(cerror.KindIo, err)
	}
	s.linesRead = rows
	s.bytesRead = bytes
	return nil
}
