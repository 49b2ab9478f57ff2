// Package entity implements the job-entity runtime: one mailbox-driven
// actor per entity id, a durable execution envelope around every job, and
// the manager that activates, passivates, and drains those actors.
package entity

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jobmesh/jobmesh/internal/domain"
)

// Registry maps job types to their handlers. Resolve reads an atomic
// snapshot so the hot path never contends with registration.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]domain.Handler]
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	r := &Registry{}
	m := map[string]domain.Handler{}
	r.snapshot.Store(&m)
	return r
}

// Register binds a handler to a job type. Registering the same type again
// replaces the previous handler.
func (r *Registry) Register(jobType string, h domain.Handler) error {
	if jobType == "" {
		return fmt.Errorf("op=entity.Register: %w: empty job type", domain.ErrValidation)
	}
	if h == nil {
		return fmt.Errorf("op=entity.Register: %w: nil handler for type %q", domain.ErrValidation, jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.snapshot.Load()
	next := make(map[string]domain.Handler, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[jobType] = h
	r.snapshot.Store(&next)
	return nil
}

// Resolve implements domain.HandlerResolver.
func (r *Registry) Resolve(jobType string) (domain.Handler, bool) {
	h, ok := (*r.snapshot.Load())[jobType]
	return h, ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	m := *r.snapshot.Load()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
