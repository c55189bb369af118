package layer

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/karapace-project/karapace/utils"
)

var zeroTime = time.Unix(0, 0).UTC()

// entry is one (relative path, absolute path) pair discovered by a walk,
// sorted before packing to guarantee determinism (spec.md §4.3, P4).
type entry struct {
	rel string
	abs string
}

// PackLayer walks sourceDir recursively and returns a deterministic GNU tar
// archive: entries sorted lexicographically by relative path, mtime/uid/gid
// zeroed, mode copied from source, symlinks stored as links (not followed).
// Devices, sockets, FIFOs, and xattrs are skipped with a warning. Two calls
// over semantically identical inputs produce byte-identical output.
func PackLayer(sourceDir string) ([]byte, error) {
	var entries []entry
	err := filepath.Walk(sourceDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		entries = append(entries, entry{rel: filepath.ToSlash(rel), abs: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", sourceDir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, e := range entries {
		info, err := os.Lstat(e.abs)
		if err != nil {
			return nil, fmt.Errorf("lstat %s: %w", e.abs, err)
		}

		var hdr *tar.Header
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(e.abs)
			if err != nil {
				return nil, fmt.Errorf("readlink %s: %w", e.abs, err)
			}
			hdr = &tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     e.rel,
				Linkname: target,
				Mode:     int64(info.Mode().Perm()),
			}
		case info.IsDir():
			hdr = &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     e.rel + "/",
				Mode:     int64(info.Mode().Perm()),
			}
		case info.Mode().IsRegular():
			hdr = &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     e.rel,
				Mode:     int64(info.Mode().Perm()),
				Size:     info.Size(),
			}
		default:
			log.WithFunc("layer.PackLayer").Warnf(context.Background(), "skipping unsupported file type: %s", e.rel)
			continue
		}

		// Determinism: zero timestamps and ownership regardless of host.
		hdr.ModTime = zeroTime
		hdr.AccessTime = zeroTime
		hdr.ChangeTime = zeroTime
		hdr.Uid = 0
		hdr.Gid = 0
		hdr.Uname = ""
		hdr.Gname = ""

		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header %s: %w", e.rel, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			f, err := os.Open(e.abs) //nolint:gosec // path from layer walk
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", e.abs, err)
			}
			_, copyErr := io.Copy(tw, f)
			_ = f.Close()
			if copyErr != nil {
				return nil, fmt.Errorf("copy %s: %w", e.rel, copyErr)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackLayer extracts tarBytes into targetDir, creating it if needed.
// Permissions are preserved; mtimes and extended attributes are not.
func UnpackLayer(tarBytes []byte, targetDir string) error {
	if err := utils.EnsureDirs(targetDir); err != nil {
		return err
	}
	tr := tar.NewReader(bytes.NewReader(tarBytes))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if err := extractEntry(tr, hdr, targetDir); err != nil {
			return err
		}
	}
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, targetDir string) error {
	dest := filepath.Join(targetDir, filepath.FromSlash(strings.TrimSuffix(hdr.Name, "/")))
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, os.FileMode(hdr.Mode)&os.ModePerm) //nolint:gosec
	case tar.TypeSymlink:
		_ = os.Remove(dest)
		return os.Symlink(hdr.Linkname, dest)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil { //nolint:mnd
			return err
		}
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&os.ModePerm) //nolint:gosec
		if err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		_, copyErr := io.Copy(f, tr) //nolint:gosec // bounded by tar header Size
		closeErr := f.Close()
		if copyErr != nil {
			return fmt.Errorf("write %s: %w", dest, copyErr)
		}
		return closeErr
	default:
		log.WithFunc("layer.extractEntry").Warnf(context.Background(), "skipping unsupported tar entry: %s", hdr.Name)
		return nil
	}
}
