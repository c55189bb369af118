// Package lockfile implements karapace.lock: the serialized resolution
// result plus its canonical identity (spec.md §4.8). Read/write use
// BurntSushi/toml pretty encoding with the teacher's atomic
// temp+rename+fsync discipline. Grounded on config/config.go's use of
// BurntSushi/toml for the teacher's own on-disk config file.
package lockfile

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	karaerrors "github.com/karapace-project/karapace/errors"
	"github.com/karapace-project/karapace/identity"
	"github.com/karapace-project/karapace/types"
	"github.com/karapace-project/karapace/utils"
)

// LockVersion is the lock-file format this build produces and accepts.
const LockVersion = 2

// LockFile is the resolved contract over a NormalizedManifest (spec.md §3).
type LockFile struct {
	LockVersion      int                `toml:"lock_version"`
	EnvID            string             `toml:"env_id"`
	ShortID          string             `toml:"short_id"`
	BaseImage        string             `toml:"base_image"`
	BaseImageDigest  string             `toml:"base_image_digest"`
	ResolvedPackages []types.PackageRef `toml:"resolved_packages"`
	ResolvedApps     []string           `toml:"resolved_apps"`
	RuntimeBackend   string             `toml:"runtime_backend"`
	HardwareGPU      bool               `toml:"hardware_gpu"`
	HardwareAudio    bool               `toml:"hardware_audio"`
	NetworkIsolation bool               `toml:"network_isolation"`
	Mounts           []types.Mount      `toml:"mounts"`
	CPUShares        *int64             `toml:"cpu_shares,omitempty"`
	MemoryLimitMB    *int64             `toml:"memory_limit_mb,omitempty"`
}

// contract projects LockFile onto identity.Contract for canonical hashing.
func (l *LockFile) contract() identity.Contract {
	return identity.Contract{
		BaseImageDigest:  l.BaseImageDigest,
		ResolvedPackages: l.ResolvedPackages,
		ResolvedApps:     l.ResolvedApps,
		HardwareGPU:      l.HardwareGPU,
		HardwareAudio:    l.HardwareAudio,
		Mounts:           l.Mounts,
		RuntimeBackend:   l.RuntimeBackend,
		NetworkIsolation: l.NetworkIsolation,
		CPUShares:        l.CPUShares,
		MemoryLimitMB:    l.MemoryLimitMB,
	}
}

// FromResolved sorts resolved_packages by name, copies normalized fields
// verbatim, computes the canonical identity, and sets env_id/short_id
// (spec.md §4.8).
func FromResolved(normalized types.NormalizedManifest, resolution types.ResolutionResult) *LockFile {
	packages := append([]types.PackageRef(nil), resolution.ResolvedPackages...)
	identity.SortPackages(packages)
	apps := append([]string(nil), normalized.Apps...)
	identity.SortApps(apps)
	mounts := append([]types.Mount(nil), normalized.Mounts...)
	identity.SortMounts(mounts)

	l := &LockFile{
		LockVersion:      LockVersion,
		BaseImage:        normalized.BaseImage,
		BaseImageDigest:  resolution.BaseImageDigest,
		ResolvedPackages: packages,
		ResolvedApps:     apps,
		RuntimeBackend:   normalized.RuntimeBackend,
		HardwareGPU:      normalized.HardwareGPU,
		HardwareAudio:    normalized.HardwareAudio,
		NetworkIsolation: normalized.NetworkIsolation,
		Mounts:           mounts,
		CPUShares:        normalized.CPUShares,
		MemoryLimitMB:    normalized.MemoryLimitMB,
	}
	id := identity.Compute(l.contract())
	l.EnvID = id.EnvID
	l.ShortID = id.ShortID
	return l
}

// VerifyIntegrity recomputes the canonical identity from l's own fields and
// fails with EnvIDMismatch if it differs from the stored env_id.
func (l *LockFile) VerifyIntegrity() (identity.Identity, error) {
	id := identity.Compute(l.contract())
	if id.EnvID != l.EnvID {
		return identity.Identity{}, karaerrors.EnvIDMismatch(l.EnvID, id.EnvID)
	}
	return id, nil
}

// VerifyManifestIntent compares base_image, runtime_backend, hardware_gpu,
// hardware_audio, and that every manifest package name appears in the
// locked resolved_packages — catching "manifest edited but lock stale"
// (spec.md §4.8).
func (l *LockFile) VerifyManifestIntent(normalized types.NormalizedManifest) error {
	if normalized.BaseImage != l.BaseImage {
		return karaerrors.ManifestDrift(fmt.Sprintf("base_image changed: locked %q, manifest %q", l.BaseImage, normalized.BaseImage))
	}
	if normalized.RuntimeBackend != l.RuntimeBackend {
		return karaerrors.ManifestDrift(fmt.Sprintf("runtime_backend changed: locked %q, manifest %q", l.RuntimeBackend, normalized.RuntimeBackend))
	}
	if normalized.HardwareGPU != l.HardwareGPU {
		return karaerrors.ManifestDrift("hardware_gpu changed")
	}
	if normalized.HardwareAudio != l.HardwareAudio {
		return karaerrors.ManifestDrift("hardware_audio changed")
	}

	locked := make(map[string]bool, len(l.ResolvedPackages))
	for _, pkg := range l.ResolvedPackages {
		locked[pkg.Name] = true
	}
	missing := make([]string, 0)
	for _, name := range normalized.Packages {
		if !locked[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return karaerrors.ManifestDrift(fmt.Sprintf("packages not present in lock: %v", missing))
	}
	return nil
}

// Read loads and parses a lock file from path.
func Read(path string) (*LockFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // caller-controlled env path
	if err != nil {
		return nil, &karaerrors.LockError{Cause: fmt.Sprintf("read %s: %v", path, err)}
	}
	var l LockFile
	if _, err := toml.Decode(string(data), &l); err != nil {
		return nil, &karaerrors.LockError{Cause: fmt.Sprintf("parse %s: %v", path, err)}
	}
	return &l, nil
}

// Write pretty-encodes l as TOML and writes it atomically
// (temp+rename+dir-fsync).
func Write(path string, l *LockFile) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(l); err != nil {
		return fmt.Errorf("encode lock file: %w", err)
	}
	if err := utils.AtomicWriteFile(path, buf.Bytes(), 0o644); err != nil { //nolint:mnd
		return fmt.Errorf("write lock file %s: %w", path, err)
	}
	return nil
}
