package types

// LayerKind classifies a LayerManifest's role in an environment's filesystem.
type LayerKind string

const (
	LayerBase       LayerKind = "Base"
	LayerDependency LayerKind = "Dependency"
	LayerPolicy     LayerKind = "Policy"
	LayerSnapshot   LayerKind = "Snapshot"
)

// LayerManifest is a small JSON record describing one filesystem layer. Its
// on-disk filename is blake3(serialized_json) — the Hash field is an opaque
// display identifier, never the lookup key (see store/layer).
type LayerManifest struct {
	Hash       string    `json:"hash"`
	Kind       LayerKind `json:"kind"`
	Parent     string    `json:"parent,omitempty"` // LayerHash, empty = none
	ObjectRefs []string  `json:"object_refs"`
	ReadOnly   bool      `json:"read_only"`
	TarHash    string    `json:"tar_hash"`
}
