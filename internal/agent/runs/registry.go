// Package runs owns run identity: which runs are in flight, how to cancel
// them and where their latest state snapshot lives.
package runs

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrRunActive is returned by Begin when the id already has a run in flight.
var ErrRunActive = errors.New("a run with this id is already in progress")

type activeRun struct {
	cancel context.CancelFunc
}

// Registry tracks in-flight runs by id.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*activeRun
}

func NewRegistry() *Registry {
	return &Registry{runs: map[string]*activeRun{}}
}

// Begin registers a run and returns its cancellable context. done must be
// called when the run stops; it is safe to call more than once.
func (r *Registry) Begin(ctx context.Context, id string) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; ok {
		return nil, nil, ErrRunActive
	}

	runCtx, cancel := context.WithCancel(ctx)
	ar := &activeRun{cancel: cancel}
	r.runs[id] = ar

	var once sync.Once
	done := func() {
		once.Do(func() {
			r.mu.Lock()
			if r.runs[id] == ar {
				delete(r.runs, id)
			}
			r.mu.Unlock()
			cancel()
		})
	}
	return runCtx, done, nil
}

// Cancel stops the run with the given id. It reports false when no such
// run is in flight.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	ar, ok := r.runs[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ar.cancel()
	return true
}

func (r *Registry) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[id]
	return ok
}

// Active lists the ids of in-flight runs in sorted order.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
