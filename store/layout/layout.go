// Package layout fixes the on-disk directory structure of a Karapace store
// root and owns the versioned format marker, grounded on the teacher's
// config.EnsureDirs + utils.EnsureDirs/AtomicWriteFile idiom (cocoon
// config/config.go, utils/file.go, utils/atomic.go).
package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/core/log"

	karaerrors "github.com/karapace-project/karapace/errors"
	"github.com/karapace-project/karapace/utils"
)

// CurrentFormatVersion is the store format this build understands.
const CurrentFormatVersion = 2

// Layout resolves every path under a store root (spec.md §4.1).
type Layout struct {
	Root string
}

// New returns a Layout rooted at root.
func New(root string) *Layout { return &Layout{Root: root} }

func (l *Layout) StoreDir() string      { return filepath.Join(l.Root, "store") }
func (l *Layout) VersionFile() string   { return filepath.Join(l.StoreDir(), "version") }
func (l *Layout) ObjectsDir() string    { return filepath.Join(l.StoreDir(), "objects") }
func (l *Layout) LayersDir() string     { return filepath.Join(l.StoreDir(), "layers") }
func (l *Layout) MetadataDir() string   { return filepath.Join(l.StoreDir(), "metadata") }
func (l *Layout) StagingDir() string    { return filepath.Join(l.StoreDir(), "staging") }
func (l *Layout) WALDir() string        { return filepath.Join(l.StoreDir(), "wal") }
func (l *Layout) LockFile() string      { return filepath.Join(l.StoreDir(), "lock") }
func (l *Layout) EnvBaseDir() string    { return filepath.Join(l.Root, "env") }
func (l *Layout) ImagesBaseDir() string { return filepath.Join(l.Root, "images") }

// EnvDir returns <root>/env/<envID>.
func (l *Layout) EnvDir(envID string) string { return filepath.Join(l.EnvBaseDir(), envID) }

func (l *Layout) EnvLower(envID string) string  { return filepath.Join(l.EnvDir(envID), "lower") }
func (l *Layout) EnvUpper(envID string) string  { return filepath.Join(l.EnvDir(envID), "upper") }
func (l *Layout) EnvWork(envID string) string   { return filepath.Join(l.EnvDir(envID), "work") }
func (l *Layout) EnvMerged(envID string) string { return filepath.Join(l.EnvDir(envID), "merged") }
func (l *Layout) EnvRunningMarker(envID string) string {
	return filepath.Join(l.EnvDir(envID), ".running")
}
func (l *Layout) EnvBuiltMarker(envID string) string {
	return filepath.Join(l.EnvDir(envID), ".built")
}

// versionMarker is the JSON shape of store/version.
type versionMarker struct {
	FormatVersion int `json:"format_version"`
}

// Initialize creates all directories idempotently, then writes store/version
// atomically iff it does not exist. If it exists, it must read
// CurrentFormatVersion or Initialize fails with a StoreError of kind
// "version_mismatch" (spec.md §4.1).
func (l *Layout) Initialize() error {
	if err := utils.EnsureDirs(
		l.StoreDir(), l.ObjectsDir(), l.LayersDir(), l.MetadataDir(),
		l.StagingDir(), l.WALDir(), l.EnvBaseDir(), l.ImagesBaseDir(),
	); err != nil {
		return fmt.Errorf("initialize store layout: %w", err)
	}

	raw, err := os.ReadFile(l.VersionFile()) //nolint:gosec // store-internal path
	if err != nil {
		if os.IsNotExist(err) {
			return utils.AtomicWriteJSON(l.VersionFile(), versionMarker{FormatVersion: CurrentFormatVersion})
		}
		return fmt.Errorf("read version file: %w", err)
	}

	var v versionMarker
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("parse version file: %w", err)
	}
	if v.FormatVersion != CurrentFormatVersion {
		return karaerrors.VersionMismatch(v.FormatVersion, CurrentFormatVersion)
	}
	return nil
}

// ReadVersion returns the store's recorded format version without creating
// any directories. Used by migrate.MigrateStore before Initialize runs.
func (l *Layout) ReadVersion() (int, error) {
	raw, err := os.ReadFile(l.VersionFile()) //nolint:gosec // store-internal path
	if err != nil {
		return 0, err
	}
	var v versionMarker
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("parse version file: %w", err)
	}
	return v.FormatVersion, nil
}

// EnsureEnvDir creates the lower/upper/work/merged directories for envID.
func (l *Layout) EnsureEnvDir(envID string) error {
	return utils.EnsureDirs(l.EnvDir(envID), l.EnvLower(envID), l.EnvUpper(envID), l.EnvWork(envID), l.EnvMerged(envID))
}

// RemoveEnvDir removes <root>/env/<envID> entirely, not failing on an
// already-absent directory (teacher's "no error is silently swallowed
// except fs::remove_file of an already-absent path" rule, spec.md §7).
func (l *Layout) RemoveEnvDir(envID string) error {
	if err := os.RemoveAll(l.EnvDir(envID)); err != nil {
		return fmt.Errorf("remove env dir %s: %w", envID, err)
	}
	return nil
}

// LogRemoveIfExists removes path if present, logging the outcome. Non-fatal
// by design: callers of RollbackStep.RemoveDir/RemoveFile treat errors as
// logged, not fatal (spec.md §4.5).
func LogRemoveIfExists(ctx context.Context, path string, dir bool) {
	var err error
	if dir {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil && !os.IsNotExist(err) {
		log.WithFunc("layout.LogRemoveIfExists").Warnf(ctx, "remove %s: %v", path, err)
	}
}
