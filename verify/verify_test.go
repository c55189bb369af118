package verify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/karapace-project/karapace/store/layer"
	"github.com/karapace-project/karapace/store/metadata"
	"github.com/karapace-project/karapace/store/object"
)

// TestVerifyStoreIntegrityDetectsOneBitFlip pins S5: with three stored
// objects and one byte flipped in one of them, the report must count
// checked==3, passed==2, and failed naming exactly that hash.
func TestVerifyStoreIntegrityDetectsOneBitFlip(t *testing.T) {
	root := t.TempDir()
	objDir := filepath.Join(root, "objects")
	require.NoError(t, os.MkdirAll(objDir, 0o755))
	objs := object.New(objDir)
	layers := layer.New(filepath.Join(root, "layers"))
	meta := metadata.New(filepath.Join(root, "metadata"))

	var corrupted string
	for i, content := range []string{"alpha", "bravo", "charlie"} {
		h, err := objs.Put([]byte(content))
		require.NoError(t, err)
		if i == 1 {
			corrupted = h
		}
	}

	path := filepath.Join(objDir, corrupted)
	raw, err := os.ReadFile(path) //nolint:gosec
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644)) //nolint:gosec

	report, err := VerifyStoreIntegrity(objs, layers, meta)
	require.NoError(t, err)
	require.Equal(t, 3, report.Checked)
	require.Equal(t, 2, report.Passed)
	require.Len(t, report.Failed, 1)
	require.Equal(t, corrupted, report.Failed[0].Hash)

	_, err = objs.Get(corrupted)
	require.Error(t, err)
}

func TestVerifyStoreIntegrityEmptyStore(t *testing.T) {
	root := t.TempDir()
	objs := object.New(filepath.Join(root, "objects"))
	layers := layer.New(filepath.Join(root, "layers"))
	meta := metadata.New(filepath.Join(root, "metadata"))

	report, err := VerifyStoreIntegrity(objs, layers, meta)
	require.NoError(t, err)
	require.Zero(t, report.Checked)
	require.Empty(t, report.Failed)
}
