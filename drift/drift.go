// Package drift classifies overlay upper-dir entries against the lower
// layer as added/modified/removed, decoding overlayfs whiteouts (spec.md
// §4.10). Grounded on store/layer/tar.go's directory-walking idiom
// (sorted relative paths, symlink-aware), generalized from "pack into a
// tar" to "diff against a sibling directory".
package drift

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const whiteoutPrefix = ".wh."

// Report is the classification of every entry under an environment's
// upper overlay directory.
type Report struct {
	Added    []string
	Modified []string
	Removed  []string
}

// HasDrift reports whether any list is non-empty.
func (r *Report) HasDrift() bool {
	return len(r.Added) > 0 || len(r.Modified) > 0 || len(r.Removed) > 0
}

// DiffOverlay walks upperDir recursively and classifies each entry by
// comparing its relative path against lowerDir. A basename prefixed with
// ".wh." (an overlayfs whiteout) is classified as removed with the prefix
// stripped, and is not descended into. If upperDir does not exist, an
// empty Report is returned.
func DiffOverlay(lowerDir, upperDir string) (*Report, error) {
	report := &Report{}

	if _, err := os.Stat(upperDir); err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return nil, fmt.Errorf("stat upper dir %s: %w", upperDir, err)
	}

	err := filepath.Walk(upperDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(upperDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		base := filepath.Base(rel)
		if strings.HasPrefix(base, whiteoutPrefix) {
			stripped := strings.TrimSuffix(rel, base) + strings.TrimPrefix(base, whiteoutPrefix)
			report.Removed = append(report.Removed, stripped)
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			return nil
		}

		lowerPath := filepath.Join(lowerDir, filepath.FromSlash(rel))
		if _, err := os.Lstat(lowerPath); err == nil {
			report.Modified = append(report.Modified, rel)
		} else if os.IsNotExist(err) {
			report.Added = append(report.Added, rel)
		} else {
			return fmt.Errorf("lstat %s: %w", lowerPath, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk upper dir %s: %w", upperDir, err)
	}

	sort.Strings(report.Added)
	sort.Strings(report.Modified)
	sort.Strings(report.Removed)
	return report, nil
}
