package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/vlaube/sessiond/internal/cerror"
)

// job is one tracked cancelable operation.
type job struct {
	id     string
	kind   string
	cancel context.CancelFunc
	done   chan struct{}
}

// tracker keys the session's running jobs by operation id. Every long
// operation (observe, search, values, scan, extract) registers here so it
// can be canceled individually and awaited on destroy.
type tracker struct {
	mu   sync.Mutex
	jobs map[string]*job
}

func newTracker() *tracker {
	return &tracker{jobs: map[string]*job{}}
}

// start registers a new job derived from parent. The returned finish func
// must be called exactly once when the job ends.
func (t *tracker) start(parent context.Context, kind string) (id string, ctx context.Context, finish func()) {
	id = uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	j := &job{id: id, kind: kind, cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.jobs[id] = j
	t.mu.Unlock()
	var once sync.Once
	finish = func() {
		once.Do(func() {
			cancel()
			t.mu.Lock()
			delete(t.jobs, id)
			t.mu.Unlock()
			close(j.done)
		})
	}
	return id, ctx, finish
}

// cancel aborts one job and waits for it to finish.
func (t *tracker) cancel(id string) error {
	t.mu.Lock()
	j, ok := t.jobs[id]
	t.mu.Unlock()
	if !ok {
		return cerror.New(cerror.KindInterrupted, "unknown operation: %s", id)
	}
	j.cancel()
	<-j.done
	return nil
}

// cancelAll aborts every running job and waits for all of them.
func (t *tracker) cancelAll() {
	t.mu.Lock()
	jobs := make([]*job, 0, len(t.jobs))
	for _, j := range t.jobs {
		jobs = append(jobs, j)
	}
	t.mu.Unlock()
	for _, j := range jobs {
		j.cancel()
	}
	for _, j := range jobs {
		<-j.done
	}
}

// running reports whether the job is still registered.
func (t *tracker) running(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.jobs[id]
	return ok
}

// wait blocks until the job finishes. Unknown ids return immediately.
func (t *tracker) wait(id string) {
	t.mu.Lock()
	j, ok := t.jobs[id]
	t.mu.Unlock()
	if ok {
		<-j.done
	}
}
