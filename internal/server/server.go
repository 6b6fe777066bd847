// Package server exposes the session core over a unix-domain-socket HTTP
// API. One daemon owns one socket; a lock file next to the socket keeps a
// second instance from stealing it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vlaube/sessiond/internal/api"
	"github.com/vlaube/sessiond/internal/cerror"
	"github.com/vlaube/sessiond/internal/config"
	"github.com/vlaube/sessiond/internal/metric"
	"github.com/vlaube/sessiond/internal/model"
	"github.com/vlaube/sessiond/internal/session"
	"github.com/vlaube/sessiond/internal/source"
)

type Server struct {
	cfg      config.Config
	log      *slog.Logger
	registry *session.Registry

	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File

	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func New(cfg config.Config, registry *session.Registry, metrics *metric.Metrics, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.Handle("/v1/metrics", metrics.Handler())
	mux.HandleFunc("/v1/serial/ports", s.serialPortsHandler)
	mux.HandleFunc("/v1/dlt/scan", s.dltScanHandler)
	mux.HandleFunc("/v1/dlt/extract", s.dltExtractHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionHandler)
	return s
}

// Start binds the socket and serves until ctx is canceled or the listener
// fails. The socket directory is created on demand; a stale socket left by
// a crashed daemon is removed once the lock is held.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("listening", "socket", s.cfg.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		s.registry.Close()
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// Handler exposes the route table for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running (lock %s held)", lockPath)
	}
	s.lockFile = f
	return nil
}

func (s *Server) releaseLock() error {
	if s.lockFile == nil {
		return nil
	}
	f := s.lockFile
	s.lockFile = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("unlock: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(f.Name())
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) serialPortsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	ports, err := source.ListPorts()
	if err != nil {
		s.writeOpError(w, cerror.KindIo, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SerialPortsResponse{Ports: ports})
}

func (s *Server) dltScanHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.DltScanRequest
	if !s.decode(w, r, &req) {
		return
	}
	infos, err := s.registry.Extractor().Scan(r.Context(), req.File, req.WithStorageHeader)
	if err != nil {
		s.writeOpError(w, cerror.KindIo, err)
		return
	}
	files := make([]api.FileInfo, 0, len(infos))
	for _, fi := range infos {
		files = append(files, api.FileInfo{
			ID:       fi.ID,
			Name:     fi.Name,
			Size:     fi.Size,
			Created:  fi.Created,
			Packets:  fi.Packets,
			Messages: fi.Messages,
			Complete: fi.Complete,
		})
	}
	s.writeJSON(w, http.StatusOK, api.DltScanResponse{Files: files})
}

func (s *Server) dltExtractHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.DltExtractRequest
	if !s.decode(w, r, &req) {
		return
	}
	var atts []model.Attachment
	var err error
	if len(req.IDs) == 0 {
		atts, err = s.registry.Extractor().ExtractAll(r.Context(), req.File, req.WithStorageHeader, req.Output)
	} else {
		atts, err = s.registry.Extractor().ExtractSelected(r.Context(), req.File, req.WithStorageHeader, req.Output, req.IDs)
	}
	if err != nil {
		s.writeOpError(w, cerror.KindIo, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DltExtractResponse{Attachments: atts})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeError(w, http.StatusBadRequest, cerror.CodeInvalidData, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error:         api.Error{Code: code, Message: msg},
	})
}

// writeOpError classifies an operation failure under the given kind while
// keeping precondition sentinels mapped to their own statuses.
func (s *Server) writeOpError(w http.ResponseWriter, kind cerror.Kind, err error) {
	if errors.Is(err, cerror.ErrSessionUnavailable) || errors.Is(err, cerror.ErrBusy) {
		s.writeNativeError(w, err)
		return
	}
	s.writeNativeError(w, cerror.Wrap(kind, err))
}

// writeNativeError maps a core error onto HTTP status and error code.
func (s *Server) writeNativeError(w http.ResponseWriter, err error) {
	if errors.Is(err, cerror.ErrSessionUnavailable) {
		s.writeError(w, http.StatusNotFound, cerror.CodeSessionUnavailable, err.Error())
		return
	}
	if errors.Is(err, cerror.ErrBusy) {
		s.writeError(w, http.StatusConflict, cerror.CodeIoOperation, err.Error())
		return
	}
	var ne *cerror.NativeError
	if !errors.As(err, &ne) {
		s.writeError(w, http.StatusInternalServerError, cerror.CodeCommunication, err.Error())
		return
	}
	status, code := http.StatusInternalServerError, cerror.CodeCommunication
	switch ne.Kind {
	case cerror.KindConfiguration:
		status, code = http.StatusBadRequest, cerror.CodeInvalidArgs
	case cerror.KindFileNotFound:
		status, code = http.StatusNotFound, cerror.CodeIoOperation
	case cerror.KindUnsupportedFileType:
		status, code = http.StatusBadRequest, cerror.CodeInvalidData
	case cerror.KindIo:
		status, code = http.StatusInternalServerError, cerror.CodeIoOperation
	case cerror.KindOperationSearch:
		status, code = http.StatusInternalServerError, cerror.CodeSearchError
	case cerror.KindChannelError:
		status, code = http.StatusBadRequest, cerror.CodeSde
	case cerror.KindGrabber:
		status, code = http.StatusBadRequest, cerror.CodeGrabbing
	case cerror.KindInterrupted:
		status, code = http.StatusNotFound, cerror.CodeOperationNotSupported
	}
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error:         api.FromNative(code, ne),
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, cerror.CodeInvalidArgs, "method not allowed")
}
