// Package migrate upgrades an on-disk store in place from an older format
// version to the current one (spec.md §4.14). Grounded on the teacher's
// atomic temp+rename discipline (utils/atomic.go) and storage/json's
// tolerant-read-skip-on-corruption idiom, applied to a one-shot batch
// transform instead of a live store.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/projecteru2/core/log"

	karaerrors "github.com/karapace-project/karapace/errors"
	"github.com/karapace-project/karapace/store/layout"
	"github.com/karapace-project/karapace/utils"
)

// Result describes a completed migration.
type Result struct {
	FromVersion          int
	ToVersion            int
	EnvironmentsMigrated int
	BackupPath           string
}

// versionMarker mirrors store/layout's on-disk version file shape.
type versionMarker struct {
	FormatVersion int `json:"format_version"`
}

// MigrateStore reads l's version marker and, if it is older than
// layout.CurrentFormatVersion, backs it up, upgrades every metadata file
// in place by injecting missing v2 defaults, then writes the new version
// marker last so a crash mid-migration never leaves a valid-looking v2
// store with partially migrated metadata. Returns nil if the store is
// already current. Fails with a StoreError of kind "version_mismatch" if
// the store is newer than this build understands.
func MigrateStore(ctx context.Context, l *layout.Layout) (*Result, error) {
	found, err := l.ReadVersion()
	if err != nil {
		return nil, fmt.Errorf("read store version: %w", err)
	}
	if found == layout.CurrentFormatVersion {
		return nil, nil
	}
	if found > layout.CurrentFormatVersion {
		return nil, karaerrors.VersionMismatch(found, layout.CurrentFormatVersion)
	}

	backupPath := fmt.Sprintf("%s.backup-%s", l.VersionFile(), time.Now().UTC().Format("20060102150405"))
	raw, err := os.ReadFile(l.VersionFile()) //nolint:gosec // store-internal path
	if err != nil {
		return nil, fmt.Errorf("read version file for backup: %w", err)
	}
	if err := utils.AtomicWriteFile(backupPath, raw, 0o644); err != nil { //nolint:mnd
		return nil, fmt.Errorf("write version backup: %w", err)
	}

	migrated, err := migrateMetadataDir(ctx, l.MetadataDir())
	if err != nil {
		return nil, err
	}

	if err := utils.AtomicWriteJSON(l.VersionFile(), versionMarker{FormatVersion: layout.CurrentFormatVersion}); err != nil {
		return nil, fmt.Errorf("write upgraded version file: %w", err)
	}

	return &Result{
		FromVersion:          found,
		ToVersion:            layout.CurrentFormatVersion,
		EnvironmentsMigrated: migrated,
		BackupPath:           backupPath,
	}, nil
}

// v2Defaults are injected into any metadata record missing them.
var v2Defaults = map[string]any{
	"name":         nil,
	"checksum":     nil,
	"policy_layer": nil,
}

func migrateMetadataDir(ctx context.Context, dir string) (int, error) {
	logger := log.WithFunc("migrate.migrateMetadataDir")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("list metadata dir: %w", err)
	}

	migrated := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path) //nolint:gosec // store-internal path
		if err != nil {
			logger.Warnf(ctx, "migrate: skip unreadable metadata %s: %v", e.Name(), err)
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(raw, &record); err != nil {
			logger.Warnf(ctx, "migrate: skip non-object metadata %s: %v", e.Name(), err)
			continue
		}
		changed := false
		for key, def := range v2Defaults {
			if _, present := record[key]; !present {
				record[key] = def
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := utils.AtomicWriteJSON(path, record); err != nil {
			return migrated, fmt.Errorf("rewrite migrated metadata %s: %w", e.Name(), err)
		}
		migrated++
	}
	return migrated, nil
}
