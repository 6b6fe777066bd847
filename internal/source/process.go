package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/observe"
)

// processSource captures the combined stdout/stderr of a spawned command.
// The process lifetime is tied to the source: Close kills the process group
// and reaps it before returning.
type processSource struct {
	cmd   *exec.Cmd
	out   io.ReadCloser
	stdin io.WriteCloser
	buf   []byte

	mu     sync.Mutex
	closed bool
	waitCh chan error
}

func SpawnProcess(cfg observe.ProcessTransport) (ByteSource, error) {
	cmd := exec.Command("/bin/sh", "-c", cfg.Command)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.Env = os.Environ()
	for k, v := range cfg.Envs {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %q: %w", cfg.Command, err)
	}

	s := &processSource{
		cmd:    cmd,
		out:    stdout,
		stdin:  stdin,
		buf:    make([]byte, readChunkSize),
		waitCh: make(chan error, 1),
	}
	go func() {
		s.waitCh <- cmd.Wait()
	}()
	return s, nil
}

func (s *processSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.out.Read(s.buf)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		return chunk, nil
	}
	if err == nil || errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	return nil, err
}

func (s *processSource) Income(ctx context.Context, req model.SdeRequest) (model.SdeResponse, error) {
	payload := req.Payload()
	if len(payload) == 0 {
		return model.SdeResponse{}, nil
	}
	if err := ctx.Err(); err != nil {
		return model.SdeResponse{}, err
	}
	n, err := s.stdin.Write(payload)
	if err != nil {
		return model.SdeResponse{Bytes: n}, fmt.Errorf("write to stdin: %w", err)
	}
	return model.SdeResponse{Bytes: n}, nil
}

func (s *processSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.waitCh
	return s.out.Close()
}

// Pid exposes the child pid for lifecycle tests.
func (s *processSource) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
