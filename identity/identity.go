// Package identity computes Karapace's single canonical hash: blake3 over
// content bytes (objects, layer manifests, metadata checksums) and the
// pinned byte-exact encoding of a resolved lock-file contract (spec.md §4.7).
//
// The canonical-identity byte format is a hand-written wire format, not a
// generic canonical-JSON encoding (see DESIGN.md for why): spec.md pins
// golden hashes forever, so the encoding must never drift with a library
// upgrade.
package identity

import (
	"fmt"
	"sort"

	"lukechampine.com/blake3"

	"github.com/karapace-project/karapace/types"
)

// HashBytes returns the 64-lowercase-hex blake3 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

// Contract is the subset of LockFile fields the canonical identity is
// computed over. It is defined here (rather than imported from package
// lockfile) to keep identity free of any dependency on lockfile's TOML
// concerns — lockfile.LockFile projects its fields into a Contract.
type Contract struct {
	BaseImageDigest    string
	ResolvedPackages   []types.PackageRef // caller pre-sorts by name
	ResolvedApps       []string           // caller pre-sorts
	HardwareGPU        bool
	HardwareAudio      bool
	Mounts             []types.Mount // caller pre-sorts by label
	RuntimeBackend     string
	NetworkIsolation   bool
	CPUShares          *int64
	MemoryLimitMB      *int64
}

// Identity is the computed (env_id, short_id) pair.
type Identity struct {
	EnvID   string
	ShortID string
}

// Compute returns the canonical identity of c, feeding a blake3 hasher the
// exact byte sequence pinned by spec.md §4.7, in order, with no separators
// beyond what is shown below. This computation must remain byte-stable
// forever (golden hashes in spec.md §8).
func Compute(c Contract) Identity {
	h := blake3.New(32, nil) //nolint:mnd

	write := func(s string) { _, _ = h.Write([]byte(s)) }

	write("base_digest:")
	write(c.BaseImageDigest)

	for _, pkg := range c.ResolvedPackages {
		write("pkg:")
		write(pkg.Name)
		write("@")
		write(pkg.Version)
	}

	for _, app := range c.ResolvedApps {
		write("app:")
		write(app)
	}

	if c.HardwareGPU {
		write("hw:gpu")
	}
	if c.HardwareAudio {
		write("hw:audio")
	}

	for _, m := range c.Mounts {
		write("mount:")
		write(m.Label)
		write(":")
		write(m.HostPath)
		write(":")
		write(m.ContainerPath)
	}

	write("backend:")
	write(c.RuntimeBackend)

	if c.NetworkIsolation {
		write("net:isolated")
	}

	if c.CPUShares != nil {
		write("cpu:")
		write(fmt.Sprintf("%d", *c.CPUShares))
	}
	if c.MemoryLimitMB != nil {
		write("mem:")
		write(fmt.Sprintf("%d", *c.MemoryLimitMB))
	}

	sum := h.Sum(nil)
	envID := fmt.Sprintf("%x", sum)
	return Identity{EnvID: envID, ShortID: envID[:12]}
}

// SortPackages sorts pkgs by name in place, matching LockFile.FromResolved's
// "sorted by name" requirement (spec.md §3).
func SortPackages(pkgs []types.PackageRef) {
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
}

// SortApps sorts apps lexicographically in place.
func SortApps(apps []string) {
	sort.Strings(apps)
}

// SortMounts sorts mounts by label in place (open question #3 in spec.md §9:
// re-sort defensively in LockFile.FromResolved even though normalize()
// already sorts).
func SortMounts(mounts []types.Mount) {
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Label < mounts[j].Label })
}
