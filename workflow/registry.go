package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/jobflow/storage"
)

// Registry maps workflow names to built definitions. When a store is set,
// each registration is also persisted for discovery by name.
type Registry struct {
	defs  map[string]*Definition
	store storage.WorkflowStore
	mu    sync.RWMutex
}

// NewRegistry creates a registry. store may be nil.
func NewRegistry(store storage.WorkflowStore) *Registry {
	return &Registry{
		defs:  make(map[string]*Definition),
		store: store,
	}
}

// Add registers a built definition, replacing any previous one with the same name.
func (r *Registry) Add(ctx context.Context, def *Definition) error {
	if !def.Built() {
		return fmt.Errorf("%w: %s", ErrNotBuilt, def.Name())
	}
	if r.store != nil {
		rec := def.Record()
		rec.RegisteredAt = time.Now()
		if err := r.store.RegisterWorkflow(ctx, rec); err != nil {
			return fmt.Errorf("failed to persist workflow %s: %w", def.Name(), err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name()] = def
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return def, nil
}

// Names lists registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register builds the definition and adds it to reg.
func (d *Definition) Register(ctx context.Context, reg *Registry) error {
	if err := d.Build(); err != nil {
		return err
	}
	return reg.Add(ctx, d)
}
