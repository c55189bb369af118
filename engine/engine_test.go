package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/karapace-project/karapace/backend"
	"github.com/karapace-project/karapace/backend/mock"
	karaerrors "github.com/karapace-project/karapace/errors"
	"github.com/karapace-project/karapace/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	root := t.TempDir()
	registry := backend.NewRegistry(mock.New())
	e, err := New(root, registry)
	require.NoError(t, err)
	return e
}

func testManifest() types.NormalizedManifest {
	return types.NormalizedManifest{
		BaseImage:      "alpine:rolling",
		Packages:       []string{"git"},
		RuntimeBackend: "mock",
	}
}

// TestBuildCommitRestore pins S1: build, mutate the upper dir, commit,
// mutate again, restore — the upper dir must end up exactly as it was at
// commit time.
func TestBuildCommitRestore(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	manifestPath := filepath.Join(t.TempDir(), "karapace.toml")

	meta, err := e.Build(ctx, manifestPath, testManifest(), BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, types.EnvBuilt, meta.State)
	require.Len(t, meta.EnvID, 64)

	upper := e.Layout.EnvUpper(meta.EnvID)
	require.NoError(t, os.WriteFile(filepath.Join(upper, "user_file.txt"), []byte("snapshot content"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(upper, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(upper, "data", "config.json"), []byte(`{"key":"val"}`), 0o644))

	snapshotHash, err := e.Commit(ctx, meta.EnvID)
	require.NoError(t, err)
	require.NotEmpty(t, snapshotHash)

	snaps, err := e.ListSnapshots(meta.EnvID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	require.NoError(t, os.WriteFile(filepath.Join(upper, "user_file.txt"), []byte("MODIFIED"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(upper, "extra.txt"), []byte("extra"), 0o644))

	require.NoError(t, e.Restore(ctx, meta.EnvID, snapshotHash))

	content, err := os.ReadFile(filepath.Join(upper, "user_file.txt"))
	require.NoError(t, err)
	require.Equal(t, "snapshot content", string(content))
	_, err = os.Stat(filepath.Join(upper, "extra.txt"))
	require.True(t, os.IsNotExist(err), "extra.txt should not survive restore")
}

// TestRebuildFailurePreservesOld pins S2: a failing rebuild must leave the
// previously built environment untouched and still inspectable.
func TestRebuildFailurePreservesOld(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	manifestPath := filepath.Join(t.TempDir(), "karapace.toml")

	first, err := e.Build(ctx, manifestPath, testManifest(), BuildOptions{})
	require.NoError(t, err)

	badManifest := testManifest()
	badManifest.BaseImage = "not a valid oci ref!!"
	_, err = e.Rebuild(ctx, manifestPath, badManifest, BuildOptions{})
	require.Error(t, err)

	still, err := e.Meta.Get(first.EnvID)
	require.NoError(t, err)
	require.Equal(t, types.EnvBuilt, still.State)
}

// TestStateMachineRejection pins S3: build -> enter -> freeze -> enter
// (rejected) -> archive -> enter (rejected).
func TestStateMachineRejection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	manifestPath := filepath.Join(t.TempDir(), "karapace.toml")

	meta, err := e.Build(ctx, manifestPath, testManifest(), BuildOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Enter(ctx, meta.EnvID))
	after, err := e.Meta.Get(meta.EnvID)
	require.NoError(t, err)
	require.Equal(t, types.EnvBuilt, after.State, "Enter must leave state Built once it returns")

	require.NoError(t, e.Freeze(ctx, meta.EnvID))

	err = e.Enter(ctx, meta.EnvID)
	require.Error(t, err)
	var transErr *karaerrors.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)

	require.NoError(t, e.Archive(ctx, meta.EnvID))

	err = e.Enter(ctx, meta.EnvID)
	require.Error(t, err)
	require.ErrorAs(t, err, &transErr)
}

// TestArchivedIsTerminal confirms the reviewed fix: building against a
// manifest whose deterministic env_id already names an Archived
// environment must be rejected, not silently resurrect it. Archived can
// only be left behind by destroy+rebuild under a fresh env_id, never by a
// second Build call (spec.md §3).
func TestArchivedIsTerminal(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	manifestPath := filepath.Join(t.TempDir(), "karapace.toml")
	manifest := testManifest()

	meta, err := e.Build(ctx, manifestPath, manifest, BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Archive(ctx, meta.EnvID))

	// Same manifest -> same content-addressed env_id -> Build must refuse
	// to transition Archived -> Built.
	_, err = e.Build(ctx, manifestPath, manifest, BuildOptions{})
	require.Error(t, err)
	var transErr *karaerrors.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	require.Equal(t, string(types.EnvArchived), transErr.From)

	still, err := e.Meta.Get(meta.EnvID)
	require.NoError(t, err)
	require.Equal(t, types.EnvArchived, still.State)
}

// TestRunGCWrapsWalEntry confirms RunGC leaves no incomplete WAL entry
// behind once it returns, whether or not it found anything to collect.
func TestRunGCWrapsWalEntry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	report, err := e.RunGC(ctx, true, nil)
	require.NoError(t, err)
	require.NotNil(t, report)

	incomplete, err := e.WAL.ListIncomplete(ctx)
	require.NoError(t, err)
	require.Empty(t, incomplete)
}
