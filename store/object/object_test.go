package object

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	karaerrors "github.com/karapace-project/karapace/errors"
	"github.com/karapace-project/karapace/identity"
)

// TestPutIsIdempotent pins P5: repeated Put of the same bytes returns the
// same hash and does not duplicate the file.
func TestPutIsIdempotent(t *testing.T) {
	s := New(t.TempDir())
	data := []byte("hello karapace")

	h1, err := s.Put(data)
	require.NoError(t, err)
	h2, err := s.Put(data)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Equal(t, identity.HashBytes(data), h1)

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

// TestGetDetectsTampering pins P6: a bit flip on a stored blob makes Get
// return IntegrityFailureError for that hash alone.
func TestGetDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	hOK, err := s.Put([]byte("untouched"))
	require.NoError(t, err)
	hBad, err := s.Put([]byte("will be corrupted"))
	require.NoError(t, err)

	path := filepath.Join(dir, hBad)
	raw, err := os.ReadFile(path) //nolint:gosec
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644)) //nolint:gosec

	_, err = s.Get(hBad)
	var integrityErr *karaerrors.IntegrityFailureError
	require.ErrorAs(t, err, &integrityErr)
	require.Equal(t, hBad, integrityErr.Expected)

	untouched, err := s.Get(hOK)
	require.NoError(t, err)
	require.Equal(t, "untouched", string(untouched))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Get("deadbeef")
	var notFound *karaerrors.StoreError
	require.ErrorAs(t, err, &notFound)
}

func TestRemoveMissingIsNotError(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Remove("does-not-exist"))
}

func TestListSkipsDotfiles(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	_, err := s.Put([]byte("real"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-abc"), []byte("x"), 0o644)) //nolint:gosec

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
