package orchestrator

import (
	"sync"

	"github.com/lexeval/lexeval/internal/model"
)

// Registry owns every evaluation record. All mutation goes through Update
// under the registry lock; readers get value snapshots, never live pointers.
// The writer set enforces that at most one run works on an ID at a time.
type Registry struct {
	mu      sync.RWMutex
	evals   map[string]*model.Evaluation
	order   []string
	writers map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		evals:   make(map[string]*model.Evaluation),
		writers: make(map[string]struct{}),
	}
}

// Add registers a new evaluation record. Re-adding an existing ID is a no-op.
func (r *Registry) Add(ev *model.Evaluation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.evals[ev.ID]; ok {
		return
	}
	r.evals[ev.ID] = ev
	r.order = append(r.order, ev.ID)
}

// Get returns a snapshot of the evaluation with the given ID.
func (r *Registry) Get(id string) (model.Evaluation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.evals[id]
	if !ok {
		return model.Evaluation{}, false
	}
	return *ev, true
}

// List returns snapshots of all evaluations in registration order.
func (r *Registry) List() []model.Evaluation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Evaluation, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.evals[id])
	}
	return out
}

// Update applies fn to the evaluation under the registry lock and reports
// whether the ID was found. Terminal evaluations are immutable.
func (r *Registry) Update(id string, fn func(*model.Evaluation)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.evals[id]
	if !ok || ev.Status.Terminal() {
		return ok
	}
	fn(ev)
	return true
}

// TryAcquire claims exclusive run ownership of an evaluation ID.
func (r *Registry) TryAcquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.writers[id]; busy {
		return false
	}
	r.writers[id] = struct{}{}
	return true
}

// Release gives up run ownership of an evaluation ID.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.writers, id)
}
