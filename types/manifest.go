package types

// NormalizedManifest is the engine-facing manifest value: TOML parsing and
// normalization are an external concern (spec.md §1); the engine consumes
// only this already-validated shape.
type NormalizedManifest struct {
	BaseImage        string
	Packages         []string
	Apps             []string
	RuntimeBackend   string
	HardwareGPU      bool
	HardwareAudio    bool
	NetworkIsolation bool
	Mounts           []Mount
	CPUShares        *int64
	MemoryLimitMB    *int64
}
