// Package metadata implements the per-environment metadata store (spec.md
// §4.4): one JSON file per env_id, each carrying an embedded blake3
// checksum, atomic writes, and name-uniqueness enforcement. Grounded on the
// teacher's storage/json generic Store[T] locking discipline, generalized
// from "one JSON document" to "one JSON document per key" the way
// hypervisor/db.go's VMIndex keeps one record per VM but here each record
// is its own file rather than a map entry, matching spec.md's literal
// <store>/metadata/<env_id> layout.
package metadata

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

	karaerrors "github.com/karapace-project/karapace/errors"
	"github.com/karapace-project/karapace/identity"
	"github.com/karapace-project/karapace/types"
	"github.com/karapace-project/karapace/utils"
)

// Store is the per-environment metadata store rooted at dir.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (typically layout.MetadataDir()).
func New(dir string) *Store { return &Store{dir: dir} }

func (s *Store) path(envID string) string { return filepath.Join(s.dir, envID) }

// checksumOf serializes m with Checksum cleared and returns its blake3 hash.
func checksumOf(m types.EnvMetadata) (string, error) {
	m.Checksum = ""
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata for checksum: %w", err)
	}
	return identity.HashBytes(data), nil
}

// Put clones meta, sets checksum=nil, serializes, computes blake3, assigns
// the checksum, re-serializes, and atomically writes (spec.md §4.4).
func (s *Store) Put(meta *types.EnvMetadata) error {
	clone := meta.Clone()
	sum, err := checksumOf(*clone)
	if err != nil {
		return err
	}
	clone.Checksum = sum
	if err := utils.AtomicWriteJSON(s.path(clone.EnvID), clone); err != nil {
		return fmt.Errorf("put metadata %s: %w", clone.EnvID, err)
	}
	*meta = *clone
	return nil
}

// Get reads and parses metadata for envID. If a checksum is present it is
// re-verified (CI-MET); legacy records with an empty checksum pass
// unconditionally.
func (s *Store) Get(envID string) (*types.EnvMetadata, error) {
	data, err := os.ReadFile(s.path(envID)) //nolint:gosec // content keyed by env_id
	if err != nil {
		if os.IsNotExist(err) {
			return nil, karaerrors.NotFound("environment", envID)
		}
		return nil, fmt.Errorf("read metadata %s: %w", envID, err)
	}
	var m types.EnvMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata %s: %w", envID, err)
	}
	if m.Checksum != "" {
		want := m.Checksum
		got, err := checksumOf(m)
		if err != nil {
			return nil, err
		}
		if got != want {
			return nil, &karaerrors.IntegrityFailureError{Expected: want, Actual: got}
		}
	}
	return &m, nil
}

// UpdateState performs a read-modify-write setting State and refreshing
// UpdatedAt to now (UTC).
func (s *Store) UpdateState(envID string, newState types.EnvState) error {
	m, err := s.Get(envID)
	if err != nil {
		return err
	}
	m.State = newState
	m.UpdatedAt = time.Now().UTC()
	return s.Put(m)
}

// UpdateName validates name (if non-empty) against types.NameRE, enforces
// uniqueness across all metadata by scanning List, then performs a
// read-modify-write.
func (s *Store) UpdateName(envID, name string) error {
	if name != "" {
		if !types.NameRE.MatchString(name) {
			return karaerrors.InvalidName(name)
		}
		all, err := s.List()
		if err != nil {
			return err
		}
		for _, other := range all {
			if other.EnvID != envID && other.Name == name {
				return karaerrors.NameConflict(name)
			}
		}
	}
	m, err := s.Get(envID)
	if err != nil {
		return err
	}
	m.Name = name
	m.UpdatedAt = time.Now().UTC()
	return s.Put(m)
}

// IncrementRef increments RefCount by one.
func (s *Store) IncrementRef(envID string) error {
	m, err := s.Get(envID)
	if err != nil {
		return err
	}
	m.RefCount++
	return s.Put(m)
}

// DecrementRef decrements RefCount by one, saturating at zero.
func (s *Store) DecrementRef(envID string) error {
	m, err := s.Get(envID)
	if err != nil {
		return err
	}
	if m.RefCount > 0 {
		m.RefCount--
	}
	return s.Put(m)
}

// GetByName resolves name to its EnvMetadata via List, returning NotFound
// if no entry carries that name.
func (s *Store) GetByName(name string) (*types.EnvMetadata, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.Name == name {
			return m, nil
		}
	}
	return nil, karaerrors.NotFound("environment name", name)
}

// Remove deletes the metadata file for envID. Removing an already-absent
// file is not an error.
func (s *Store) Remove(envID string) error {
	if err := os.Remove(s.path(envID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove metadata %s: %w", envID, err)
	}
	return nil
}

// List enumerates the metadata directory (skipping dotfiles), reading each
// entry. A single unreadable or corrupt entry is skipped and logged so it
// cannot mask the rest of the store.
func (s *Store) List() ([]*types.EnvMetadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	logger := log.WithFunc("metadata.List")
	var out []*types.EnvMetadata
	names := entryNames(entries)
	sort.Strings(names)
	for _, n := range names {
		m, err := s.Get(n)
		if err != nil {
			logger.Warnf(context.Background(), "skip corrupt metadata entry %s: %v", n, err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Entry pairs an env_id with the Get error for that entry, used by
// ListWithErrors for integrity reporting.
type Entry struct {
	EnvID string
	Meta  *types.EnvMetadata
	Err   error
}

// ListWithErrors mirrors List but surfaces per-entry errors instead of
// skipping them, for verify.VerifyStoreIntegrity.
func (s *Store) ListWithErrors() ([]Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	names := entryNames(entries)
	sort.Strings(names)
	out := make([]Entry, 0, len(names))
	for _, n := range names {
		m, getErr := s.Get(n)
		out = append(out, Entry{EnvID: n, Meta: m, Err: getErr})
	}
	return out, nil
}

func entryNames(entries []os.DirEntry) []string {
	var names []string
	for _, e := range entries {
		n := e.Name()
		if strings.HasPrefix(n, ".") || e.IsDir() {
			continue
		}
		names = append(names, n)
	}
	return names
}
