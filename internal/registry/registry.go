// Package registry maps (kind, name) pairs to executable handlers.
// Tasks and pipelines register here; workflow definitions live in
// their own registry since they are declarative, not executable.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/strandkit/strand/pkg/errors"
	"github.com/strandkit/strand/pkg/workflow"
)

// Meta describes a registered handler for introspection.
type Meta struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type entry struct {
	meta    Meta
	handler workflow.Handler
}

// Registry is a concurrency-safe handler table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func key(kind, name string) string {
	return kind + ":" + name
}

// Register adds a handler under (kind, name). Duplicate registration
// is a conflict; handlers are process-lifetime bindings, not config.
func (r *Registry) Register(kind, name, description string, h workflow.Handler) error {
	if kind == "" || name == "" {
		return &errors.ValidationError{
			Field:   "name",
			Message: "kind and name must not be empty",
		}
	}
	if h == nil {
		return &errors.ValidationError{
			Field:   "handler",
			Message: fmt.Sprintf("nil handler for %s:%s", kind, name),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(kind, name)
	if _, exists := r.entries[k]; exists {
		return &errors.ConflictError{
			Resource: "handler",
			ID:       k,
			Reason:   "already registered",
		}
	}
	r.entries[k] = entry{
		meta:    Meta{Kind: kind, Name: name, Description: description},
		handler: h,
	}
	return nil
}

// Get returns the handler for (kind, name).
func (r *Registry) Get(kind, name string) (workflow.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key(kind, name)]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "handler", ID: key(kind, name)}
	}
	return e.handler, nil
}

// List returns metadata for all handlers, sorted by kind then name.
func (r *Registry) List() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meta, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}
