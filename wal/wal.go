// Package wal implements the write-ahead log driving crash recovery of
// every mutating lifecycle operation (spec.md §4.5): one JSON file per
// in-flight operation under <store>/wal, rollback steps recorded before
// their side-effect occurs and replayed in reverse on recovery. Grounded
// on the teacher's atomic temp+rename+fsync discipline (utils/atomic.go)
// and storage/oci's idempotent-operation-log idiom, generalized from a
// single mutation log to a directory of per-operation entries.
package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/karapace-project/karapace/identity"
	"github.com/karapace-project/karapace/store/layout"
	"github.com/karapace-project/karapace/store/metadata"
	"github.com/karapace-project/karapace/types"
	"github.com/karapace-project/karapace/utils"
)

// newOpID builds <utc_yyyymmddhhmmssSSS>-<blake3(env_id)[..8]>. A bare
// counter-free millisecond timestamp is sufficient ordering precision for
// recovery (entries are also sorted by CreatedAt); the env_id suffix keeps
// concurrent operations on different envs from colliding within the same
// millisecond.
func newOpID(envID string) string {
	ts := time.Now().UTC().Format("20060102150405.000")
	ts = strings.ReplaceAll(ts, ".", "")
	suffix := identity.HashBytes([]byte(envID))[:8]
	return ts + "-" + suffix
}

// Log is the write-ahead log rooted at dir.
type Log struct {
	dir  string
	meta *metadata.Store
}

// New returns a Log rooted at dir (typically layout.WALDir()), using meta
// to apply ResetState rollback steps.
func New(dir string, meta *metadata.Store) *Log {
	return &Log{dir: dir, meta: meta}
}

func (l *Log) path(opID string) string { return filepath.Join(l.dir, opID+".json") }

// Begin generates an op_id of the form <utc_yyyymmddhhmmssSSS>-<blake3(env_id)[..8]>
// (spec.md §3 WalEntry), writes the initial entry with no rollback steps,
// and returns the op_id.
func (l *Log) Begin(kind types.WalKind, envID string) (string, error) {
	opID := newOpID(envID)
	entry := types.WalEntry{
		OpID:          opID,
		Kind:          kind,
		EnvID:         envID,
		CreatedAt:     time.Now().UTC(),
		RollbackSteps: []types.RollbackStep{},
	}
	if err := utils.AtomicWriteJSON(l.path(opID), &entry); err != nil {
		return "", fmt.Errorf("wal begin %s: %w", opID, err)
	}
	return opID, nil
}

// AddRollbackStep reads the entry for opID, appends step, and rewrites it
// atomically. Callers must register a step before performing the
// side-effect it undoes (spec.md §4.5).
func (l *Log) AddRollbackStep(opID string, step types.RollbackStep) error {
	entry, err := l.read(opID)
	if err != nil {
		return err
	}
	entry.RollbackSteps = append(entry.RollbackSteps, step)
	if err := utils.AtomicWriteJSON(l.path(opID), entry); err != nil {
		return fmt.Errorf("wal add rollback step %s: %w", opID, err)
	}
	return nil
}

// Commit deletes the entry file for opID, marking the operation complete.
// Committing an already-absent entry is not an error.
func (l *Log) Commit(opID string) error {
	if err := os.Remove(l.path(opID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wal commit %s: %w", opID, err)
	}
	return nil
}

func (l *Log) read(opID string) (*types.WalEntry, error) {
	data, err := os.ReadFile(l.path(opID)) //nolint:gosec // op_id is internally generated
	if err != nil {
		return nil, fmt.Errorf("read wal entry %s: %w", opID, err)
	}
	var entry types.WalEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parse wal entry %s: %w", opID, err)
	}
	return &entry, nil
}

// ListIncomplete enumerates *.json entries under dir, oldest CreatedAt
// first. Corrupt entries are deleted silently with a warning logged —
// they cannot be rolled back safely (spec.md §4.5).
func (l *Log) ListIncomplete(ctx context.Context) ([]types.WalEntry, error) {
	dirEntries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list wal: %w", err)
	}
	logger := log.WithFunc("wal.ListIncomplete")
	var out []types.WalEntry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		opID := strings.TrimSuffix(name, ".json")
		entry, err := l.read(opID)
		if err != nil {
			logger.Warnf(ctx, "dropping corrupt wal entry %s: %v", opID, err)
			if rmErr := os.Remove(l.path(opID)); rmErr != nil && !os.IsNotExist(rmErr) {
				logger.Warnf(ctx, "remove corrupt wal entry %s: %v", opID, rmErr)
			}
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Recover runs ListIncomplete and, for each entry in ascending timestamp
// order, executes its rollback steps in reverse insertion order, then
// deletes the entry. Returns the count of entries rolled back (spec.md
// §4.5, CI-WAL).
func (l *Log) Recover(ctx context.Context) (int, error) {
	incomplete, err := l.ListIncomplete(ctx)
	if err != nil {
		return 0, err
	}
	logger := log.WithFunc("wal.Recover")
	for _, entry := range incomplete {
		for i := len(entry.RollbackSteps) - 1; i >= 0; i-- {
			l.execStep(ctx, entry.RollbackSteps[i])
		}
		if err := l.Commit(entry.OpID); err != nil {
			logger.Errorf(ctx, "commit recovered wal entry %s: %v", entry.OpID, err)
		}
	}
	return len(incomplete), nil
}

func (l *Log) execStep(ctx context.Context, step types.RollbackStep) {
	logger := log.WithFunc("wal.execStep")
	switch step.Kind {
	case types.StepRemoveDir:
		layout.LogRemoveIfExists(ctx, step.Path, true)
	case types.StepRemoveFile:
		layout.LogRemoveIfExists(ctx, step.Path, false)
	case types.StepResetState:
		target := types.EnvState(step.Target)
		switch target {
		case types.EnvDefined, types.EnvBuilt, types.EnvRunning, types.EnvFrozen, types.EnvArchived:
		default:
			logger.Warnf(ctx, "unknown reset_state target %q for env %s, skipping", step.Target, step.EnvID)
			return
		}
		m, err := l.meta.Get(step.EnvID)
		if err != nil {
			logger.Warnf(ctx, "reset_state: metadata for %s missing, skipping: %v", step.EnvID, err)
			return
		}
		m.State = target
		m.Checksum = ""
		m.UpdatedAt = time.Now().UTC()
		if err := l.meta.Put(m); err != nil {
			logger.Errorf(ctx, "reset_state: put metadata for %s: %v", step.EnvID, err)
		}
	default:
		logger.Warnf(ctx, "unknown rollback step kind %q, skipping", step.Kind)
	}
}
