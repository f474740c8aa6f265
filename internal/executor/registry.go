package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps backend names to executors. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Executor)}
}

// Register adds an executor under its Name. Re-registering replaces.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[e.Name()] = e
}

// Get returns the named executor, or an error wrapping ErrNotFound.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e, nil
}

// Names lists registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
