package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vlaube/sessiond/internal/cerror"
	"github.com/vlaube/sessiond/internal/dltft"
	"github.com/vlaube/sessiond/internal/fibex"
	"github.com/vlaube/sessiond/internal/metric"
	"github.com/vlaube/sessiond/internal/workspace"
)

// Registry owns all live sessions. It is constructed once and injected
// into every handler; there is no process-wide session state.
type Registry struct {
	dir       string
	ws        *workspace.Store
	fibex     *fibex.Cache
	extractor *dltft.Extractor
	metrics   *metric.Metrics
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(dir string, ws *workspace.Store, metrics *metric.Metrics, log *slog.Logger) *Registry {
	return &Registry{
		dir:       dir,
		ws:        ws,
		fibex:     fibex.NewCache(),
		extractor: dltft.NewExtractor(),
		metrics:   metrics,
		log:       log,
		sessions:  map[string]*Session{},
	}
}

// Extractor exposes the shared DLT file-transfer extractor used by the
// session-independent scan/extract operations.
func (r *Registry) Extractor() *dltft.Extractor {
	return r.extractor
}

// Create builds a new session with a fresh uuid.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	if err := r.ws.CreateSession(ctx, id); err != nil {
		return nil, err
	}
	s, err := newSession(id, r.dir, r.ws, r.fibex, r.extractor, r.metrics, r.log)
	if err != nil {
		_ = r.ws.DeleteSession(ctx, id)
		return nil, err
	}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.metrics.ActiveSessions.Inc()
	r.log.Info("session created", "session", id)
	return s, nil
}

// Get resolves a session id. Unknown or destroyed ids yield
// ErrSessionUnavailable.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, cerror.ErrSessionUnavailable
	}
	return s, nil
}

// Destroy tears one session down and forgets it.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return cerror.ErrSessionUnavailable
	}
	return s.Destroy()
}

// Close destroys every remaining session, used on daemon shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, s := range all {
		if err := s.Destroy(); err != nil {
			r.log.Warn("session destroy on shutdown failed", "session", s.ID(), "err", err)
		}
	}
}
