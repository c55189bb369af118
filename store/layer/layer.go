// Package layer implements the layer manifest store (spec.md §4.3): small
// JSON records addressed by blake3(serialized_json), plus deterministic tar
// packing/unpacking of directory trees for overlay upper layers and
// snapshots. Grounded on the teacher's atomic-write discipline and
// storage/oci's layer-processing idiom (sorted, content-addressed,
// idempotent).
package layer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	karaerrors "github.com/karapace-project/karapace/errors"
	"github.com/karapace-project/karapace/identity"
	"github.com/karapace-project/karapace/types"
	"github.com/karapace-project/karapace/utils"
)

// Store is a content-addressed layer manifest store rooted at dir.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (typically layout.LayersDir()).
func New(dir string) *Store { return &Store{dir: dir} }

// serialize pretty-JSON-encodes a manifest the same way on every call —
// Go's encoding/json is deterministic for a fixed struct shape and key
// order, which is all CI-LAY requires.
func serialize(m *types.LayerManifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal layer manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// ComputeHash returns blake3(serialized_json) without writing anything.
// Callers use this to pre-register a WAL rollback before Put.
func (s *Store) ComputeHash(m *types.LayerManifest) (string, error) {
	data, err := serialize(m)
	if err != nil {
		return "", err
	}
	return identity.HashBytes(data), nil
}

// Put serializes m, computes its content hash, and atomically writes it if
// absent (content-addressed writes are idempotent). Returns the hash.
func (s *Store) Put(m *types.LayerManifest) (string, error) {
	data, err := serialize(m)
	if err != nil {
		return "", err
	}
	h := identity.HashBytes(data)
	path := filepath.Join(s.dir, h)
	if _, statErr := os.Stat(path); statErr == nil {
		return h, nil
	}
	if err := utils.AtomicWriteFile(path, data, 0o444); err != nil { //nolint:mnd
		return "", fmt.Errorf("put layer %s: %w", h, err)
	}
	return h, nil
}

// Get reads the manifest at hash and re-verifies blake3(serialized_json) ==
// hash (CI-LAY).
func (s *Store) Get(hash string) (*types.LayerManifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, hash)) //nolint:gosec // content-addressed path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, karaerrors.NotFound("layer", hash)
		}
		return nil, fmt.Errorf("read layer %s: %w", hash, err)
	}
	actual := identity.HashBytes(data)
	if actual != hash {
		return nil, &karaerrors.IntegrityFailureError{Expected: hash, Actual: actual}
	}
	var m types.LayerManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse layer %s: %w", hash, err)
	}
	return &m, nil
}

// Exists reports whether a layer manifest with the given hash is stored.
func (s *Store) Exists(hash string) bool {
	info, err := os.Stat(filepath.Join(s.dir, hash))
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes the layer manifest at hash. Removing an already-absent
// file is not an error.
func (s *Store) Remove(hash string) error {
	if err := os.Remove(filepath.Join(s.dir, hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove layer %s: %w", hash, err)
	}
	return nil
}

// List returns every stored layer hash, sorted, skipping dotfiles.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list layers: %w", err)
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
