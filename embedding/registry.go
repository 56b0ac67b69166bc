package embedding

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Loader acquires the resources of a model variant.
type Loader interface {
	Load(ctx context.Context, v Variant) (Model, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, v Variant) (Model, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, v Variant) (Model, error) {
	return f(ctx, v)
}

// HashBackend is the registry name of the built-in hash model.
const HashBackend = "hash"

// Registry maps backend names to Loaders. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewRegistry returns a registry holding the hash backend.
func NewRegistry() *Registry {
	r := &Registry{loaders: make(map[string]Loader)}
	r.Register(HashBackend, LoaderFunc(func(_ context.Context, v Variant) (Model, error) {
		return NewHashModel(v.Dim), nil
	}))
	return r
}

// Register adds or replaces the loader for a backend.
func (r *Registry) Register(backend string, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[backend] = l
}

// Backends returns the registered backend names, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.loaders))
}

// Load creates the model for v.
func (r *Registry) Load(ctx context.Context, v Variant) (Model, error) {
	r.mu.RLock()
	l, ok := r.loaders[v.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, v.Backend)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.Load(ctx, v)
}
