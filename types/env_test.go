package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCanTransitionAllowed pins the explicit transition table spec.md §3
// describes ("Env state"): every edge the table grants must be allowed.
func TestCanTransitionAllowed(t *testing.T) {
	allowed := []struct{ from, to EnvState }{
		{EnvDefined, EnvBuilt},
		{EnvBuilt, EnvBuilt},
		{EnvBuilt, EnvRunning},
		{EnvBuilt, EnvFrozen},
		{EnvBuilt, EnvArchived},
		{EnvRunning, EnvBuilt},
		{EnvFrozen, EnvBuilt},
		{EnvFrozen, EnvArchived},
	}
	for _, tc := range allowed {
		require.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}
}

// TestCanTransitionRejected pins the edges the table must reject,
// including S3's enter-while-Frozen/Archived rejections and the
// Archived state being terminal except via destroy+rebuild (a fresh
// env_id, not a transition at all) — spec.md §3: "No transition back
// from Archived except by destroy+rebuild."
func TestCanTransitionRejected(t *testing.T) {
	rejected := []struct{ from, to EnvState }{
		{EnvFrozen, EnvRunning},
		{EnvArchived, EnvBuilt},
		{EnvArchived, EnvRunning},
		{EnvArchived, EnvFrozen},
		{EnvDefined, EnvRunning},
		{EnvDefined, EnvArchived},
		{EnvRunning, EnvArchived},
		{EnvRunning, EnvFrozen},
	}
	for _, tc := range rejected {
		require.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be rejected", tc.from, tc.to)
	}
}

func TestCanTransitionUnknownStateRejected(t *testing.T) {
	require.False(t, CanTransition(EnvState("bogus"), EnvBuilt))
}

func TestCloneDetachesSlices(t *testing.T) {
	m := &EnvMetadata{EnvID: "e1", DependencyLayers: []string{"a", "b"}}
	c := m.Clone()
	c.DependencyLayers[0] = "mutated"
	require.Equal(t, "a", m.DependencyLayers[0], "Clone must not alias the original slice")
	require.Equal(t, m.EnvID, c.EnvID)
}

func TestNameRE(t *testing.T) {
	require.True(t, NameRE.MatchString("my-env_1"))
	require.False(t, NameRE.MatchString("has a space"))
	require.False(t, NameRE.MatchString(""))
}
