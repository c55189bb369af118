// Package core provides shared command-handler plumbing: config access,
// engine construction, and manifest loading used by every karapace
// subcommand package. Grounded on the teacher's cmd/core/helpers.go
// BaseHandler/Init/Conf/CommandContext pattern, with InitBackends/
// InitHypervisor narrowed to a single InitEngine that wires the one
// RuntimeBackend registry the engine needs.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/karapace-project/karapace/backend"
	"github.com/karapace-project/karapace/backend/mock"
	"github.com/karapace-project/karapace/config"
	"github.com/karapace-project/karapace/engine"
	"github.com/karapace-project/karapace/types"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitEngine initializes the store at conf.StoreRoot and wires the
// RuntimeBackend registry. Only the mock backend ships with this build —
// namespace/overlayfs and OCI-via-crun backends are out of scope (spec.md
// Non-goals) but slot into the same Registry the moment they exist.
func InitEngine(_ context.Context, conf *config.Config) (*engine.Engine, error) {
	registry := backend.NewRegistry(mock.New())
	e, err := engine.New(conf.StoreRoot, registry)
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return e, nil
}

// LoadManifest reads a pre-normalized manifest from a JSON file. TOML
// manifest parsing and normalization are deliberately out of core scope
// (spec.md §1 Non-goals): callers hand karapace an already-normalized
// manifest, typically produced by a separate authoring tool, and this
// build only consumes it.
func LoadManifest(path string) (types.NormalizedManifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied manifest path
	if err != nil {
		return types.NormalizedManifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m types.NormalizedManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return types.NormalizedManifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// FormatSize renders a byte count in human-readable units. No command calls it.
func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}

// IsURL reports whether ref looks like a remote HTTP(S) endpoint. No command
// calls it; push/pull take the remote URL from a flag as given.
func IsURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
