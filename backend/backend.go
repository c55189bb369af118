// Package backend defines the RuntimeBackend contract the engine depends
// on (spec.md §6.3): sandboxing mechanics (Linux user namespaces +
// fuse-overlayfs, OCI via crun/runc, an in-memory mock) are deliberately
// out of core scope, but the engine must still compile and test against a
// concrete interface. Grounded on the teacher's hypervisor.Hypervisor
// interface — one contract, several concrete implementations — narrowed
// from VM-lifecycle verbs to the resolve/build/enter/exec/destroy/status
// verbs spec.md names.
package backend

import (
	"context"

	"github.com/karapace-project/karapace/types"
)

// RuntimeBackend is implemented by each sandboxing mechanism the engine can
// drive. Exactly one backend is selected per environment via
// NormalizedManifest.RuntimeBackend.
type RuntimeBackend interface {
	Name() string
	Available() bool
	Resolve(ctx context.Context, spec types.RuntimeSpec) (types.ResolutionResult, error)
	Build(ctx context.Context, spec types.RuntimeSpec) error
	Enter(ctx context.Context, spec types.RuntimeSpec) error
	Exec(ctx context.Context, spec types.RuntimeSpec, cmd []string) (types.ExecOutput, error)
	Destroy(ctx context.Context, spec types.RuntimeSpec) error
	Status(ctx context.Context, envID string) (types.RuntimeStatus, error)
}

// Registry resolves a backend by name, the way the engine selects one per
// NormalizedManifest.RuntimeBackend. Grounded on the teacher's pattern of
// a small name-keyed map rather than a reflective plugin system.
type Registry struct {
	backends map[string]RuntimeBackend
}

// NewRegistry builds a Registry from the given backends, keyed by Name().
func NewRegistry(backends ...RuntimeBackend) *Registry {
	r := &Registry{backends: make(map[string]RuntimeBackend, len(backends))}
	for _, b := range backends {
		r.backends[b.Name()] = b
	}
	return r
}

// Get returns the backend registered under name, or (nil, false).
func (r *Registry) Get(name string) (RuntimeBackend, bool) {
	b, ok := r.backends[name]
	return b, ok
}
