// Package engine orchestrates an environment's lifecycle over its formal
// state machine (spec.md §4.9): build, enter/exec, stop, destroy, freeze,
// archive, commit, restore, gc, rename. Every mutating operation holds the
// store lock for its full duration and wraps its side effects in a WAL
// entry so a crash mid-operation rolls back cleanly on the next Engine
// start. Grounded on the teacher's hypervisor.Hypervisor orchestrator
// (lock-acquire, WAL-scoped mutation, unconditional state reset around a
// backend call), narrowed to the verbs spec.md names and generalized from
// VM lifecycle to environment lifecycle.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/karapace-project/karapace/backend"
	"github.com/karapace-project/karapace/drift"
	karaerrors "github.com/karapace-project/karapace/errors"
	"github.com/karapace-project/karapace/gc"
	"github.com/karapace-project/karapace/identity"
	"github.com/karapace-project/karapace/lock"
	"github.com/karapace-project/karapace/lock/flock"
	"github.com/karapace-project/karapace/lockfile"
	"github.com/karapace-project/karapace/store/layer"
	"github.com/karapace-project/karapace/store/layout"
	"github.com/karapace-project/karapace/store/metadata"
	"github.com/karapace-project/karapace/store/object"
	"github.com/karapace-project/karapace/types"
	"github.com/karapace-project/karapace/wal"
)

// Engine ties every store primitive together behind the lifecycle verbs.
type Engine struct {
	Layout    *layout.Layout
	Meta      *metadata.Store
	Layers    *layer.Store
	Objects   *object.Store
	WAL       *wal.Log
	Backends  *backend.Registry
	StoreLock lock.Locker
	GC        *gc.Collector
}

// New initializes the store layout at root (idempotent) and recovers any
// incomplete WAL entries left by a prior crash, so that by the time New
// returns, list_incomplete() is empty on the non-concurrent path (CI-WAL).
func New(root string, backends *backend.Registry) (*Engine, error) {
	l := layout.New(root)
	if err := l.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}
	meta := metadata.New(l.MetadataDir())
	layers := layer.New(l.LayersDir())
	objs := object.New(l.ObjectsDir())
	walLog := wal.New(l.WALDir(), meta)

	e := &Engine{
		Layout:    l,
		Meta:      meta,
		Layers:    layers,
		Objects:   objs,
		WAL:       walLog,
		Backends:  backends,
		StoreLock: flock.New(l.LockFile()),
		GC:        gc.New(l, meta, layers, objs),
	}

	if _, err := walLog.Recover(context.Background()); err != nil {
		return nil, fmt.Errorf("recover wal: %w", err)
	}
	return e, nil
}

// BuildOptions controls Build's validation and locked-mode behavior
// (spec.md §4.9).
type BuildOptions struct {
	Locked             bool
	Offline            bool
	RequirePinnedImage bool
}

// lockPathFor returns the karapace.lock path sibling to manifestPath.
func lockPathFor(manifestPath string) string {
	return filepath.Join(filepath.Dir(manifestPath), "karapace.lock")
}

// Build realizes manifest into a new environment (spec.md §4.9 build).
// manifestPath locates the sibling karapace.lock; manifest is the
// already-normalized value (manifest TOML parsing is external to the
// engine). The manifest is persisted as a JSON object so enter/exec/
// destroy can reload it without re-parsing any external format.
func (e *Engine) Build(ctx context.Context, manifestPath string, manifest types.NormalizedManifest, opts BuildOptions) (*types.EnvMetadata, error) {
	if err := e.StoreLock.Lock(ctx); err != nil {
		return nil, err
	}
	defer e.StoreLock.Unlock(ctx) //nolint:errcheck

	if opts.Offline && len(manifest.Packages) > 0 {
		return nil, &karaerrors.ManifestError{Cause: "offline build requested but manifest declares system packages"}
	}
	if opts.RequirePinnedImage && !strings.HasPrefix(manifest.BaseImage, "http://") && !strings.HasPrefix(manifest.BaseImage, "https://") {
		return nil, &karaerrors.ManifestError{Cause: fmt.Sprintf("base_image %q is not pinned to http(s)://", manifest.BaseImage)}
	}

	lockPath := lockPathFor(manifestPath)
	var lockedEnvID string
	if opts.Locked {
		existing, err := lockfile.Read(lockPath)
		if err != nil {
			return nil, err
		}
		if _, err := existing.VerifyIntegrity(); err != nil {
			return nil, err
		}
		if err := existing.VerifyManifestIntent(manifest); err != nil {
			return nil, err
		}
		lockedEnvID = existing.EnvID
	}

	// Security policy (mount prefix whitelist, device policy, resource
	// limits) is an external collaborator; the engine only carries the
	// already-normalized manifest through to the backend.

	rb, ok := e.Backends.Get(manifest.RuntimeBackend)
	if !ok {
		return nil, &karaerrors.RuntimeError{Kind: "backend_unavailable", Cause: manifest.RuntimeBackend}
	}

	resolution, err := rb.Resolve(ctx, types.RuntimeSpec{StoreRoot: e.Layout.Root, Manifest: manifest, Offline: opts.Offline})
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}

	lf := lockfile.FromResolved(manifest, resolution)
	if opts.Locked && lockedEnvID != "" && lockedEnvID != lf.EnvID {
		return nil, karaerrors.ManifestDrift(fmt.Sprintf("locked env_id %s does not match recomputed %s", lockedEnvID, lf.EnvID))
	}
	envID := lf.EnvID

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal normalized manifest: %w", err)
	}
	manifestHash, err := e.Objects.Put(manifestJSON)
	if err != nil {
		return nil, fmt.Errorf("store manifest object: %w", err)
	}

	envDir := e.Layout.EnvDir(envID)
	opID, err := e.WAL.Begin(types.WalBuild, envID)
	if err != nil {
		return nil, fmt.Errorf("begin build wal: %w", err)
	}
	if err := e.WAL.AddRollbackStep(opID, types.RemoveDirStep(envDir)); err != nil {
		return nil, fmt.Errorf("register build rollback: %w", err)
	}
	if err := e.Layout.EnsureEnvDir(envID); err != nil {
		return nil, e.abortBuild(ctx, opID, envDir, fmt.Errorf("create env dir: %w", err))
	}

	spec := types.RuntimeSpec{
		EnvID:       envID,
		RootPath:    envDir,
		OverlayPath: e.Layout.EnvUpper(envID),
		StoreRoot:   e.Layout.Root,
		Manifest:    manifest,
		Offline:     opts.Offline,
	}
	if err := rb.Build(ctx, spec); err != nil {
		return nil, e.abortBuild(ctx, opID, envDir, fmt.Errorf("backend build: %w", err))
	}

	tarBytes, err := layer.PackLayer(spec.OverlayPath)
	if err != nil {
		return nil, e.abortBuild(ctx, opID, envDir, fmt.Errorf("pack base layer: %w", err))
	}
	tarHash, err := e.Objects.Put(tarBytes)
	if err != nil {
		return nil, e.abortBuild(ctx, opID, envDir, fmt.Errorf("store base layer tar: %w", err))
	}
	baseLayerHash, err := e.Layers.Put(&types.LayerManifest{
		Kind:       types.LayerBase,
		ObjectRefs: []string{tarHash},
		TarHash:    tarHash,
		ReadOnly:   true,
	})
	if err != nil {
		return nil, e.abortBuild(ctx, opID, envDir, fmt.Errorf("store base layer manifest: %w", err))
	}

	now := time.Now().UTC()
	refCount := uint32(1)
	if existing, err := e.Meta.Get(envID); err == nil {
		if !types.CanTransition(existing.State, types.EnvBuilt) {
			return nil, e.abortBuild(ctx, opID, envDir, &karaerrors.InvalidTransitionError{From: string(existing.State), To: string(types.EnvBuilt)})
		}
		refCount = existing.RefCount
	}

	em := &types.EnvMetadata{
		EnvID:        envID,
		ShortID:      lf.ShortID,
		State:        types.EnvBuilt,
		ManifestHash: manifestHash,
		BaseLayer:    baseLayerHash,
		CreatedAt:    now,
		UpdatedAt:    now,
		RefCount:     refCount,
	}
	if err := e.Meta.Put(em); err != nil {
		return nil, e.abortBuild(ctx, opID, envDir, fmt.Errorf("put metadata: %w", err))
	}

	if !opts.Locked {
		if err := lockfile.Write(lockPath, lf); err != nil {
			return nil, e.abortBuild(ctx, opID, envDir, fmt.Errorf("write lock file: %w", err))
		}
	}

	if err := e.WAL.Commit(opID); err != nil {
		return nil, fmt.Errorf("commit build wal: %w", err)
	}
	return em, nil
}

// abortBuild removes envDir directly (rather than relying on recovery) and
// commits the WAL entry, since the rollback has already been performed
// synchronously (spec.md §4.9 build steps 10/13).
func (e *Engine) abortBuild(ctx context.Context, opID, envDir string, cause error) error {
	logger := log.WithFunc("engine.abortBuild")
	if err := os.RemoveAll(envDir); err != nil {
		logger.Warnf(ctx, "cleanup env dir %s: %v", envDir, err)
	}
	if err := e.WAL.Commit(opID); err != nil {
		logger.Warnf(ctx, "commit aborted build wal %s: %v", opID, err)
	}
	return cause
}

// Rebuild collects the env_id of the environment currently locked by
// manifestPath's sibling karapace.lock (if any), calls Build, and only on
// build success destroys the prior environment when it differs from the
// new one — preserving the old environment across a failing rebuild
// (spec.md §4.9 rebuild).
func (e *Engine) Rebuild(ctx context.Context, manifestPath string, manifest types.NormalizedManifest, opts BuildOptions) (*types.EnvMetadata, error) {
	var oldEnvID string
	if existing, err := lockfile.Read(lockPathFor(manifestPath)); err == nil {
		oldEnvID = existing.EnvID
	}

	// Rebuild gets its own WAL entry wrapping the whole operation, distinct
	// from the Build/Destroy entries nested inside it: it has no rollback
	// steps of its own (Build and Destroy each register and unwind their
	// own), it just marks "a rebuild was in flight" for recovery/audit.
	opID, err := e.WAL.Begin(types.WalRebuild, oldEnvID)
	if err != nil {
		return nil, fmt.Errorf("begin rebuild wal: %w", err)
	}

	newMeta, err := e.Build(ctx, manifestPath, manifest, opts)
	if err != nil {
		if commitErr := e.WAL.Commit(opID); commitErr != nil {
			log.WithFunc("engine.Rebuild").Warnf(ctx, "commit rebuild wal %s after build failure: %v", opID, commitErr)
		}
		return nil, err
	}

	if oldEnvID != "" && oldEnvID != newMeta.EnvID {
		if err := e.Destroy(ctx, oldEnvID); err != nil {
			log.WithFunc("engine.Rebuild").Warnf(ctx, "destroy superseded env %s: %v", oldEnvID, err)
		}
	}
	if commitErr := e.WAL.Commit(opID); commitErr != nil {
		log.WithFunc("engine.Rebuild").Warnf(ctx, "commit rebuild wal %s: %v", opID, commitErr)
	}
	return newMeta, nil
}

// loadManifest reloads the NormalizedManifest persisted at build time from
// its content-addressed object.
func (e *Engine) loadManifest(hash string) (types.NormalizedManifest, error) {
	raw, err := e.Objects.Get(hash)
	if err != nil {
		return types.NormalizedManifest{}, fmt.Errorf("load manifest object %s: %w", hash, err)
	}
	var m types.NormalizedManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return types.NormalizedManifest{}, fmt.Errorf("parse manifest object %s: %w", hash, err)
	}
	return m, nil
}

// runtimeSpecFor builds the RuntimeSpec used to drive a backend for envID.
func (e *Engine) runtimeSpecFor(envID string, manifest types.NormalizedManifest) types.RuntimeSpec {
	return types.RuntimeSpec{
		EnvID:       envID,
		RootPath:    e.Layout.EnvDir(envID),
		OverlayPath: e.Layout.EnvUpper(envID),
		StoreRoot:   e.Layout.Root,
		Manifest:    manifest,
	}
}

// Enter attaches to envID, wrapping the backend call in a WAL entry that
// unconditionally resets state back to Built even if the backend fails
// (spec.md §4.9 enter/exec).
func (e *Engine) Enter(ctx context.Context, envID string) error {
	_, err := e.enterOrExec(ctx, types.WalEnter, envID, nil)
	return err
}

// Exec runs cmd inside envID the same way Enter attaches, returning the
// backend's captured output. A non-zero exit or a signal is reported as
// *errors.ExecFailedError.
func (e *Engine) Exec(ctx context.Context, envID string, cmd []string) (types.ExecOutput, error) {
	out, err := e.enterOrExec(ctx, types.WalExec, envID, cmd)
	return out, err
}

func (e *Engine) enterOrExec(ctx context.Context, kind types.WalKind, envID string, cmd []string) (types.ExecOutput, error) {
	if err := e.StoreLock.Lock(ctx); err != nil {
		return types.ExecOutput{}, err
	}
	defer e.StoreLock.Unlock(ctx) //nolint:errcheck

	m, err := e.Meta.Get(envID)
	if err != nil {
		return types.ExecOutput{}, err
	}
	if m.State == types.EnvRunning {
		return types.ExecOutput{}, karaerrors.AlreadyRunning(envID)
	}
	if m.State != types.EnvBuilt {
		return types.ExecOutput{}, &karaerrors.InvalidTransitionError{From: string(m.State), To: string(types.EnvRunning)}
	}

	manifest, err := e.loadManifest(m.ManifestHash)
	if err != nil {
		return types.ExecOutput{}, err
	}
	rb, ok := e.Backends.Get(manifest.RuntimeBackend)
	if !ok {
		return types.ExecOutput{}, &karaerrors.RuntimeError{Kind: "backend_unavailable", Cause: manifest.RuntimeBackend}
	}

	opID, err := e.WAL.Begin(kind, envID)
	if err != nil {
		return types.ExecOutput{}, fmt.Errorf("begin %s wal: %w", kind, err)
	}
	if err := e.WAL.AddRollbackStep(opID, types.ResetStateStep(envID, types.EnvBuilt)); err != nil {
		return types.ExecOutput{}, fmt.Errorf("register %s rollback: %w", kind, err)
	}
	if err := e.Meta.UpdateState(envID, types.EnvRunning); err != nil {
		return types.ExecOutput{}, fmt.Errorf("mark running: %w", err)
	}

	spec := e.runtimeSpecFor(envID, manifest)
	var out types.ExecOutput
	var opErr error
	if kind == types.WalExec {
		out, opErr = rb.Exec(ctx, spec, cmd)
	} else {
		opErr = rb.Enter(ctx, spec)
	}

	logger := log.WithFunc("engine.enterOrExec")
	if err := e.Meta.UpdateState(envID, types.EnvBuilt); err != nil {
		logger.Errorf(ctx, "reset state to built for %s: %v", envID, err)
	}
	if err := e.WAL.Commit(opID); err != nil {
		logger.Errorf(ctx, "commit %s wal %s: %v", kind, opID, err)
	}

	if opErr != nil {
		return out, opErr
	}
	if kind == types.WalExec && (out.ExitCode != 0 || out.Signal != "") {
		return out, &karaerrors.ExecFailedError{ExitCode: out.ExitCode, Signal: out.Signal}
	}
	return out, nil
}

// Stop signals a still-Running environment's backend process (SIGTERM,
// then SIGKILL after a grace period if it survives), removes the running
// marker, and resets state to Built (spec.md §4.9 stop).
func (e *Engine) Stop(ctx context.Context, envID string) error {
	if err := e.StoreLock.Lock(ctx); err != nil {
		return err
	}
	defer e.StoreLock.Unlock(ctx) //nolint:errcheck

	m, err := e.Meta.Get(envID)
	if err != nil {
		return err
	}
	if m.State != types.EnvRunning {
		return &karaerrors.InvalidTransitionError{From: string(m.State), To: string(types.EnvBuilt)}
	}

	manifest, err := e.loadManifest(m.ManifestHash)
	if err != nil {
		return err
	}
	rb, ok := e.Backends.Get(manifest.RuntimeBackend)
	if !ok {
		return &karaerrors.RuntimeError{Kind: "backend_unavailable", Cause: manifest.RuntimeBackend}
	}

	status, err := rb.Status(ctx, envID)
	if err != nil {
		return fmt.Errorf("query backend status: %w", err)
	}
	if status.PID != 0 {
		if err := signalAndWait(status.PID); err != nil {
			return err
		}
	}

	marker := e.Layout.EnvRunningMarker(envID)
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		log.WithFunc("engine.Stop").Warnf(ctx, "remove running marker %s: %v", marker, err)
	}
	return e.Meta.UpdateState(envID, types.EnvBuilt)
}

// signalAndWait sends SIGTERM to pid, waits briefly, and escalates to
// SIGKILL if the process is still alive. ESRCH (already exited) at any
// point is treated as success.
func signalAndWait(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("sigterm %d: %w", pid, err)
	}
	time.Sleep(500 * time.Millisecond) //nolint:mnd

	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); os.IsNotExist(err) {
		return nil
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("sigkill %d: %w", pid, err)
	}
	return nil
}

// Destroy tears down envID: backend.destroy, remove env_dir, decrement
// ref_count, removing metadata once it reaches zero (spec.md §4.9 destroy).
func (e *Engine) Destroy(ctx context.Context, envID string) error {
	if err := e.StoreLock.Lock(ctx); err != nil {
		return err
	}
	defer e.StoreLock.Unlock(ctx) //nolint:errcheck

	m, err := e.Meta.Get(envID)
	if err != nil {
		return err
	}
	if m.State == types.EnvRunning {
		return &karaerrors.InvalidTransitionError{From: string(m.State), To: "Destroyed"}
	}

	manifest, err := e.loadManifest(m.ManifestHash)
	if err != nil {
		return err
	}
	rb, ok := e.Backends.Get(manifest.RuntimeBackend)
	if !ok {
		return &karaerrors.RuntimeError{Kind: "backend_unavailable", Cause: manifest.RuntimeBackend}
	}

	envDir := e.Layout.EnvDir(envID)
	opID, err := e.WAL.Begin(types.WalDestroy, envID)
	if err != nil {
		return fmt.Errorf("begin destroy wal: %w", err)
	}
	if err := e.WAL.AddRollbackStep(opID, types.RemoveDirStep(envDir)); err != nil {
		return fmt.Errorf("register destroy rollback: %w", err)
	}

	if err := rb.Destroy(ctx, e.runtimeSpecFor(envID, manifest)); err != nil {
		if commitErr := e.WAL.Commit(opID); commitErr != nil {
			log.WithFunc("engine.Destroy").Warnf(ctx, "commit destroy wal %s after backend failure: %v", opID, commitErr)
		}
		return fmt.Errorf("backend destroy: %w", err)
	}

	if err := e.Layout.RemoveEnvDir(envID); err != nil {
		return fmt.Errorf("remove env dir: %w", err)
	}

	metaPath := filepath.Join(e.Layout.MetadataDir(), envID)
	if err := e.WAL.AddRollbackStep(opID, types.RemoveFileStep(metaPath)); err != nil {
		return fmt.Errorf("register metadata rollback: %w", err)
	}
	if err := e.Meta.DecrementRef(envID); err != nil {
		return fmt.Errorf("decrement ref: %w", err)
	}
	if refreshed, err := e.Meta.Get(envID); err == nil && refreshed.RefCount == 0 {
		if err := e.Meta.Remove(envID); err != nil {
			return fmt.Errorf("remove metadata: %w", err)
		}
	}

	return e.WAL.Commit(opID)
}

// Freeze validates Built→Frozen and persists the new state.
func (e *Engine) Freeze(ctx context.Context, envID string) error {
	return e.transitionState(ctx, envID, types.EnvFrozen)
}

// Archive validates Built→Archived or Frozen→Archived and persists the new
// state.
func (e *Engine) Archive(ctx context.Context, envID string) error {
	return e.transitionState(ctx, envID, types.EnvArchived)
}

func (e *Engine) transitionState(ctx context.Context, envID string, to types.EnvState) error {
	if err := e.StoreLock.Lock(ctx); err != nil {
		return err
	}
	defer e.StoreLock.Unlock(ctx) //nolint:errcheck

	m, err := e.Meta.Get(envID)
	if err != nil {
		return err
	}
	if !types.CanTransition(m.State, to) {
		return &karaerrors.InvalidTransitionError{From: string(m.State), To: string(to)}
	}
	return e.Meta.UpdateState(envID, to)
}

// Commit packs the upper overlay directory into a new Snapshot layer and
// returns its content hash (spec.md §4.9 commit).
func (e *Engine) Commit(ctx context.Context, envID string) (string, error) {
	if err := e.StoreLock.Lock(ctx); err != nil {
		return "", err
	}
	defer e.StoreLock.Unlock(ctx) //nolint:errcheck

	m, err := e.Meta.Get(envID)
	if err != nil {
		return "", err
	}
	if m.State != types.EnvBuilt && m.State != types.EnvFrozen {
		return "", &karaerrors.InvalidTransitionError{From: string(m.State), To: "Snapshot"}
	}

	opID, err := e.WAL.Begin(types.WalCommit, envID)
	if err != nil {
		return "", fmt.Errorf("begin commit wal: %w", err)
	}

	tarBytes, err := layer.PackLayer(e.Layout.EnvUpper(envID))
	if err != nil {
		_ = e.WAL.Commit(opID)
		return "", fmt.Errorf("pack upper: %w", err)
	}
	tarHash, err := e.Objects.Put(tarBytes)
	if err != nil {
		_ = e.WAL.Commit(opID)
		return "", fmt.Errorf("store snapshot tar: %w", err)
	}

	// snapshot_identity is folded into the manifest's opaque Hash field so
	// two environments sharing a base layer and producing byte-identical
	// upper tars still serialize to distinct JSON (and thus distinct
	// content-addressed filenames) rather than colliding on one stored
	// snapshot.
	snapshotIdentity := identity.HashBytes([]byte(fmt.Sprintf("snapshot:%s:%s:%s", envID, m.BaseLayer, tarHash)))

	manifest := &types.LayerManifest{
		Hash:       snapshotIdentity,
		Kind:       types.LayerSnapshot,
		Parent:     m.BaseLayer,
		ObjectRefs: []string{tarHash},
		TarHash:    tarHash,
		ReadOnly:   true,
	}
	contentHash, err := e.Layers.ComputeHash(manifest)
	if err != nil {
		_ = e.WAL.Commit(opID)
		return "", fmt.Errorf("compute snapshot hash: %w", err)
	}
	if err := e.WAL.AddRollbackStep(opID, types.RemoveFileStep(filepath.Join(e.Layout.LayersDir(), contentHash))); err != nil {
		return "", fmt.Errorf("register commit rollback: %w", err)
	}
	if _, err := e.Layers.Put(manifest); err != nil {
		_ = e.WAL.Commit(opID)
		return "", fmt.Errorf("store snapshot manifest: %w", err)
	}

	if err := e.WAL.Commit(opID); err != nil {
		return "", fmt.Errorf("commit snapshot wal: %w", err)
	}
	return contentHash, nil
}

// Restore replaces envID's upper directory with the contents of
// snapshotHash via a durable staging rename, so a crash between removing
// the old upper and renaming staging into place is recoverable (spec.md
// §4.9 restore).
func (e *Engine) Restore(ctx context.Context, envID, snapshotHash string) error {
	if err := e.StoreLock.Lock(ctx); err != nil {
		return err
	}
	defer e.StoreLock.Unlock(ctx) //nolint:errcheck

	m, err := e.Meta.Get(envID)
	if err != nil {
		return err
	}
	if m.State != types.EnvBuilt && m.State != types.EnvFrozen {
		return &karaerrors.InvalidTransitionError{From: string(m.State), To: "Restored"}
	}

	snapshot, err := e.Layers.Get(snapshotHash)
	if err != nil {
		return err
	}
	if snapshot.Kind != types.LayerSnapshot || snapshot.TarHash == "" {
		return &karaerrors.StoreError{Kind: "invalid_snapshot", Cause: fmt.Sprintf("%s is not a restorable snapshot layer", snapshotHash)}
	}
	tarBytes, err := e.Objects.Get(snapshot.TarHash)
	if err != nil {
		return err
	}

	opID, err := e.WAL.Begin(types.WalRestore, envID)
	if err != nil {
		return fmt.Errorf("begin restore wal: %w", err)
	}
	stagingDir := filepath.Join(e.Layout.StagingDir(), "restore-"+envID)
	if err := e.WAL.AddRollbackStep(opID, types.RemoveDirStep(stagingDir)); err != nil {
		return fmt.Errorf("register restore rollback: %w", err)
	}
	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	if err := layer.UnpackLayer(tarBytes, stagingDir); err != nil {
		return fmt.Errorf("unpack snapshot: %w", err)
	}

	upperDir := e.Layout.EnvUpper(envID)
	if err := os.RemoveAll(upperDir); err != nil {
		return fmt.Errorf("remove existing upper: %w", err)
	}
	if err := os.Rename(stagingDir, upperDir); err != nil {
		return fmt.Errorf("rename staging to upper: %w", err)
	}

	return e.WAL.Commit(opID)
}

// ListSnapshots returns every Snapshot layer whose parent is envID's base
// layer, sorted by hash.
func (e *Engine) ListSnapshots(envID string) ([]*types.LayerManifest, error) {
	m, err := e.Meta.Get(envID)
	if err != nil {
		return nil, err
	}
	hashes, err := e.Layers.List()
	if err != nil {
		return nil, err
	}
	var snapshots []*types.LayerManifest
	for _, h := range hashes {
		lm, err := e.Layers.Get(h)
		if err != nil {
			continue
		}
		if lm.Kind == types.LayerSnapshot && lm.Parent == m.BaseLayer {
			snapshots = append(snapshots, lm)
		}
	}
	return snapshots, nil
}

// Rename delegates to MetadataStore.UpdateName.
func (e *Engine) Rename(envID, newName string) error {
	return e.Meta.UpdateName(envID, newName)
}

// Diff reports drift between envID's upper overlay directory and its base
// layer (spec.md §4.10), a read-only operation that does not require the
// store lock.
func (e *Engine) Diff(envID string) (*drift.Report, error) {
	return drift.DiffOverlay(e.Layout.EnvLower(envID), e.Layout.EnvUpper(envID))
}

// RunGC executes one garbage-collection cycle while holding the store lock
// for its full duration; gc.Collector.Run takes no lock itself, so the
// engine holds it (spec.md §4.9 gc, §7 shared-resource policy).
func (e *Engine) RunGC(ctx context.Context, dryRun bool, shouldStop gc.ShouldStop) (*gc.Report, error) {
	if err := e.StoreLock.Lock(ctx); err != nil {
		return nil, err
	}
	defer e.StoreLock.Unlock(ctx) //nolint:errcheck

	opID, err := e.WAL.Begin(types.WalGc, "")
	if err != nil {
		return nil, fmt.Errorf("begin gc wal: %w", err)
	}
	// Gc has no rollback steps (spec.md §4.11): it only removes content
	// already proven unreachable, so the WAL entry exists purely to mark
	// the run in-flight for crash recovery, not to undo anything.
	report, runErr := e.GC.Run(ctx, dryRun, shouldStop)
	if commitErr := e.WAL.Commit(opID); commitErr != nil {
		log.WithFunc("engine.RunGC").Warnf(ctx, "commit gc wal %s: %v", opID, commitErr)
	}
	return report, runErr
}

// List returns every environment's metadata, sorted by env_id.
func (e *Engine) List() ([]*types.EnvMetadata, error) {
	return e.Meta.List()
}

// Inspect returns metadata, the lock file (if present), and a drift report
// for envID.
func (e *Engine) Inspect(manifestPath, envID string) (*types.EnvMetadata, *lockfile.LockFile, *drift.Report, error) {
	m, err := e.Meta.Get(envID)
	if err != nil {
		return nil, nil, nil, err
	}
	lf, lfErr := lockfile.Read(lockPathFor(manifestPath))
	if lfErr != nil {
		lf = nil
	}
	report, err := e.Diff(envID)
	if err != nil {
		return m, lf, nil, err
	}
	return m, lf, report, nil
}

// ResolveEnvRef resolves a user-supplied reference (exact env_id, name, or
// env_id prefix) to a full env_id. Resolution order: exact ID → name → ID
// prefix (≥3 chars), the same order and ambiguity guard as the teacher's
// hypervisor/db.go ResolveVMRef, generalized from VM IDs to env_ids.
func (e *Engine) ResolveEnvRef(ref string) (string, error) {
	if _, err := e.Meta.Get(ref); err == nil {
		return ref, nil
	}
	if m, err := e.Meta.GetByName(ref); err == nil {
		return m.EnvID, nil
	}
	if len(ref) >= 3 { //nolint:mnd
		all, err := e.Meta.List()
		if err != nil {
			return "", err
		}
		var match string
		for _, m := range all {
			if strings.HasPrefix(m.EnvID, ref) {
				if match != "" {
					return "", fmt.Errorf("ambiguous ref %q: matches both %s and %s", ref, match, m.EnvID)
				}
				match = m.EnvID
			}
		}
		if match != "" {
			return match, nil
		}
	}
	return "", karaerrors.NotFound("env", ref)
}
