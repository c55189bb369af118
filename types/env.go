package types

import (
	"regexp"
	"time"
)

// EnvState is the lifecycle state of an environment.
type EnvState string

const (
	EnvDefined  EnvState = "Defined"
	EnvBuilt    EnvState = "Built"
	EnvRunning  EnvState = "Running"
	EnvFrozen   EnvState = "Frozen"
	EnvArchived EnvState = "Archived"
)

// transitions is the explicit state-machine table (spec §3 "Env state").
// Keyed by (from, to); reject everywhere else, in one place, per the
// teacher's "implement the five-state enum with an explicit transition
// table" design note.
var transitions = map[EnvState]map[EnvState]bool{
	EnvDefined:  {EnvBuilt: true},
	EnvBuilt:    {EnvBuilt: true, EnvRunning: true, EnvFrozen: true, EnvArchived: true},
	EnvRunning:  {EnvBuilt: true},
	EnvFrozen:   {EnvBuilt: true, EnvArchived: true},
	EnvArchived: {}, // terminal: only destroy+rebuild (a fresh env_id) leaves Archived
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to EnvState) bool {
	return transitions[from][to]
}

// NameRE is the pattern EnvMetadata.Name must match when non-empty.
var NameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// EnvMetadata is the persisted record for one environment.
type EnvMetadata struct {
	EnvID             string   `json:"env_id"`
	ShortID           string   `json:"short_id"`
	Name              string   `json:"name,omitempty"`
	State             EnvState `json:"state"`
	ManifestHash      string   `json:"manifest_hash"`
	BaseLayer         string   `json:"base_layer"`
	DependencyLayers  []string `json:"dependency_layers,omitempty"`
	PolicyLayer       string   `json:"policy_layer,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	RefCount          uint32   `json:"ref_count"`
	Checksum          string   `json:"checksum,omitempty"`
}

// Clone returns a deep-enough copy safe to mutate independently (slices are
// copied; this mirrors the teacher's utils.LookupCopy discipline of handing
// callers detached values once a lock is released).
func (m *EnvMetadata) Clone() *EnvMetadata {
	c := *m
	if m.DependencyLayers != nil {
		c.DependencyLayers = append([]string(nil), m.DependencyLayers...)
	}
	return &c
}
