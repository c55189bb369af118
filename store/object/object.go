// Package object implements the content-addressed blob store (spec.md §4.2):
// blake3-keyed immutable byte blobs, atomic temp+rename+fsync writes,
// read-time hash verification. Grounded on the teacher's
// utils.AtomicWriteFile and storage/oci's blob-directory conventions
// (skip dotfile temps, idempotent put).
package object

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	karaerrors "github.com/karapace-project/karapace/errors"
	"github.com/karapace-project/karapace/identity"
	"github.com/karapace-project/karapace/utils"
)

// Store is a content-addressed blob store rooted at dir.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (typically layout.ObjectsDir()).
func New(dir string) *Store { return &Store{dir: dir} }

// Put computes h = blake3(bytes) and stores the blob at <dir>/<h>. If the
// file already exists, Put is a no-op (content-addressed writes are
// idempotent) and returns the existing hash.
func (s *Store) Put(data []byte) (string, error) {
	h := identity.HashBytes(data)
	path := filepath.Join(s.dir, h)
	if fileExists(path) {
		return h, nil
	}
	if err := utils.AtomicWriteFile(path, data, 0o444); err != nil { //nolint:mnd
		return "", fmt.Errorf("put object %s: %w", h, err)
	}
	return h, nil
}

// Get reads the blob at hash and re-verifies its content hash. A mismatch
// yields *errors.IntegrityFailureError (CI-OBJ).
func (s *Store) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, hash)) //nolint:gosec // content-addressed path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, karaerrors.NotFound("object", hash)
		}
		return nil, fmt.Errorf("read object %s: %w", hash, err)
	}
	actual := identity.HashBytes(data)
	if actual != hash {
		return nil, &karaerrors.IntegrityFailureError{Expected: hash, Actual: actual}
	}
	return data, nil
}

// Exists reports whether a blob with the given hash is stored.
func (s *Store) Exists(hash string) bool {
	return fileExists(filepath.Join(s.dir, hash))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes the blob at hash. Removing an already-absent blob is not
// an error (spec.md §7 silent-swallow exception #1).
func (s *Store) Remove(hash string) error {
	if err := os.Remove(filepath.Join(s.dir, hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object %s: %w", hash, err)
	}
	return nil
}

// List returns every stored hash, sorted lexicographically, skipping
// dotfile entries reserved for in-flight atomic-write temps (CI-NO-HIDDEN-TMP).
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list objects: %w", err)
	}
	var hashes []string
	for _, e := range entries {
		n := e.Name()
		if strings.HasPrefix(n, ".") || e.IsDir() {
			continue
		}
		hashes = append(hashes, n)
	}
	sort.Strings(hashes)
	return hashes, nil
}
