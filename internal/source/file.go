package source

import (
	"context"
	"fmt"
	"io"
	"os"
)

type fileSource struct {
	file *os.File
	buf  []byte
}

// OpenFile opens a regular file for sequential ingestion.
func OpenFile(path string) (ByteSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	return &fileSource{file: f, buf: make([]byte, readChunkSize)}, nil
}

func (s *fileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.file.Read(s.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		return chunk, nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

func (s *fileSource) Close() error {
	return s.file.Close()
}
