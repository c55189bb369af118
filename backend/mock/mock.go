// Package mock implements an in-memory RuntimeBackend for tests and for
// hosts with no real sandboxing mechanism available — spec.md §1 lists "an
// in-memory mock" as one of the three backend implementations the core
// depends on through the RuntimeBackend contract but does not prescribe.
package mock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/karapace-project/karapace/errors"
	"github.com/karapace-project/karapace/identity"
	"github.com/karapace-project/karapace/types"
)

// Backend is a RuntimeBackend that never spawns a real sandbox: Build
// writes a marker file recording the env_id and base image into the overlay
// upper dir, Enter/Exec are no-ops that report success, Status is tracked
// purely in memory. Useful for exercising the engine's state machine and
// WAL discipline without a working namespace/overlayfs host.
type Backend struct {
	mu      sync.Mutex
	running map[string]int
}

// New returns a ready Backend.
func New() *Backend {
	return &Backend{running: make(map[string]int)}
}

func (b *Backend) Name() string     { return "mock" }
func (b *Backend) Available() bool { return true }

// Resolve validates the base image as an OCI reference (via
// go-containerregistry's name package — the same validation a real
// registry-backed backend performs before it ever contacts a registry),
// then derives a deterministic fake digest and package versions purely
// from the manifest, so the same manifest always resolves identically —
// required for the identity computation to stay reproducible in tests.
func (b *Backend) Resolve(_ context.Context, spec types.RuntimeSpec) (types.ResolutionResult, error) {
	if _, err := name.ParseReference(spec.Manifest.BaseImage); err != nil {
		return types.ResolutionResult{}, &errors.RuntimeError{Kind: "invalid_base_image", Cause: err.Error()}
	}
	hash := v1.Hash{Algorithm: "blake3", Hex: identity.HashBytes([]byte("mock-base:" + spec.Manifest.BaseImage))}
	packages := make([]types.PackageRef, 0, len(spec.Manifest.Packages))
	for _, name := range spec.Manifest.Packages {
		packages = append(packages, types.PackageRef{
			Name:    name,
			Version: identity.HashBytes([]byte("mock-pkg:" + name))[:8],
		})
	}
	return types.ResolutionResult{BaseImageDigest: hash.String(), ResolvedPackages: packages}, nil
}

// Build writes a small marker file into the overlay path so LayerStore.Pack
// has something to capture, faithfully exercising the real build pipeline
// without needing a namespace or filesystem mount.
func (b *Backend) Build(_ context.Context, spec types.RuntimeSpec) error {
	marker := filepath.Join(spec.OverlayPath, ".karapace-mock-build")
	content := fmt.Sprintf("env_id=%s\nbase_image=%s\n", spec.EnvID, spec.Manifest.BaseImage)
	return os.WriteFile(marker, []byte(content), 0o644) //nolint:gosec,mnd
}

func (b *Backend) Enter(_ context.Context, spec types.RuntimeSpec) error {
	b.mu.Lock()
	b.running[spec.EnvID] = os.Getpid()
	b.mu.Unlock()
	return nil
}

func (b *Backend) Exec(_ context.Context, spec types.RuntimeSpec, cmd []string) (types.ExecOutput, error) {
	if len(cmd) == 0 {
		return types.ExecOutput{}, &errors.RuntimeError{Kind: "exec_failed", Cause: "empty command"}
	}
	b.mu.Lock()
	b.running[spec.EnvID] = os.Getpid()
	b.mu.Unlock()
	return types.ExecOutput{Stdout: []byte(""), ExitCode: 0}, nil
}

func (b *Backend) Destroy(_ context.Context, spec types.RuntimeSpec) error {
	b.mu.Lock()
	delete(b.running, spec.EnvID)
	b.mu.Unlock()
	return nil
}

func (b *Backend) Status(_ context.Context, envID string) (types.RuntimeStatus, error) {
	b.mu.Lock()
	pid, running := b.running[envID]
	b.mu.Unlock()
	return types.RuntimeStatus{EnvID: envID, Running: running, PID: pid}, nil
}
