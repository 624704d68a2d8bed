// Package jobs manages repeatable background jobs: idempotent registration
// in the store, a static name-to-callable registry, and a cron-driven
// runner that fires registered jobs on their interval.
package jobs

import (
	"context"
	"fmt"
	"sync"
)

// Callable names known to the registry. Registration rows reference these
// strings; the binding to a function happens once at startup.
const (
	CallableCheckWaitingBuilds = "check_waiting_builds"
	CallableRunScheduledPlans  = "run_scheduled_plans"
)

// Callable is a task function invoked by the runner.
type Callable func(ctx context.Context) error

// Registry maps job callable names to statically bound functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Callable
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Callable)}
}

// Register binds a callable name to a function. Re-registering a name
// replaces the previous binding.
func (r *Registry) Register(name string, fn Callable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Resolve returns the function bound to name.
func (r *Registry) Resolve(name string) (Callable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("no callable registered for %q", name)
	}
	return fn, nil
}
