package indexing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ava-labs/wallet-indexer/pkg/worker"
)

var ErrWorkerAlreadyBound = errors.New("worker already bound to job")

// Registry maps running job ids to their workers. A job has at most one
// worker at a time.
type Registry struct {
	mu      sync.Mutex
	workers map[string]worker.Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]worker.Worker)}
}

func (r *Registry) Bind(jobID string, w worker.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[jobID]; ok {
		return fmt.Errorf("%w: %s", ErrWorkerAlreadyBound, jobID)
	}
	r.workers[jobID] = w
	return nil
}

func (r *Registry) Unbind(jobID string) {
	r.mu.Lock()
	delete(r.workers, jobID)
	r.mu.Unlock()
}

func (r *Registry) Get(jobID string) (worker.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[jobID]
	return w, ok
}

// Stop asks the job's worker to halt. It reports whether one was bound.
func (r *Registry) Stop(jobID string) bool {
	w, ok := r.Get(jobID)
	if ok {
		w.Stop()
	}
	return ok
}

// StopAll asks every bound worker to halt.
func (r *Registry) StopAll() {
	r.mu.Lock()
	ws := make([]worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		ws = append(ws, w)
	}
	r.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}
