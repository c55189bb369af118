package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/karapace-project/karapace/types"
)

// goldenCase is one row of spec.md's pinned env_id table. These values must
// remain byte-stable forever: changing Compute's wire format breaks every
// environment already built against an older binary.
type goldenCase struct {
	name     string
	contract Contract
	envID    string
}

func int64p(v int64) *int64 { return &v }

var goldenCases = []goldenCase{
	{
		name: "baseline mock backend, nothing resolved",
		contract: Contract{
			BaseImageDigest: "sha256:abc123",
			RuntimeBackend:  "mock",
		},
		envID: "aabaeaeda3b27db42054f64719a16afd49e72b4fc6e8493e2fce9d862d240806",
	},
	{
		name: "pkgs resolved, namespace backend",
		contract: Contract{
			BaseImageDigest: "sha256:abc123",
			ResolvedPackages: []types.PackageRef{
				{Name: "curl", Version: "7.88.1"},
				{Name: "git", Version: "2.39.2"},
			},
			RuntimeBackend: "namespace",
		},
		envID: "dfea3163e5925ee788a97fae24d9ec08f774c29c64c9180befe771d877e62f18",
	},
	{
		name: "network isolation",
		contract: Contract{
			BaseImageDigest:  "sha256:abc123",
			RuntimeBackend:   "mock",
			NetworkIsolation: true,
		},
		envID: "dcdae57b3749d0aa2d3948de9fde99ceedad34deaef9b618c2d9f939dac25596",
	},
	{
		name: "cpu shares set",
		contract: Contract{
			BaseImageDigest: "sha256:abc123",
			RuntimeBackend:  "mock",
			CPUShares:       int64p(1024),
		},
		envID: "d966f9ee1c5e8959ae29d0483c45fc66813ec47201aa9f26c6371336b3dfd252",
	},
	{
		name: "memory limit set",
		contract: Contract{
			BaseImageDigest: "sha256:abc123",
			RuntimeBackend:  "mock",
			MemoryLimitMB:   int64p(4096),
		},
		envID: "74823889e305b7b28394508b5813568faf9c814b4ef8f1f97e8d3dcd9a7a6bae",
	},
}

// TestComputeGoldenValues pins P2: these five inputs must hash to the
// stated env_id forever.
func TestComputeGoldenValues(t *testing.T) {
	for _, tc := range goldenCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute(tc.contract)
			require.Equal(t, tc.envID, got.EnvID)
			require.Equal(t, tc.envID[:12], got.ShortID)
		})
	}
}

// TestComputeDeterministic pins P1: repeating Compute on the same contract,
// any number of times, returns a byte-identical env_id.
func TestComputeDeterministic(t *testing.T) {
	c := goldenCases[1].contract
	first := Compute(c)
	for i := 0; i < 10; i++ {
		require.Equal(t, first.EnvID, Compute(c).EnvID)
	}
}

// TestComputeSensitivity pins P3: flipping any single distinguishing field
// away from the baseline must change the env_id.
func TestComputeSensitivity(t *testing.T) {
	baseline := Compute(goldenCases[0].contract)
	for _, tc := range goldenCases[1:] {
		got := Compute(tc.contract)
		require.NotEqual(t, baseline.EnvID, got.EnvID, "case %q collided with baseline", tc.name)
	}

	gpuOn := goldenCases[0].contract
	gpuOn.HardwareGPU = true
	require.NotEqual(t, baseline.EnvID, Compute(gpuOn).EnvID)

	audioOn := goldenCases[0].contract
	audioOn.HardwareAudio = true
	require.NotEqual(t, baseline.EnvID, Compute(audioOn).EnvID)

	withMount := goldenCases[0].contract
	withMount.Mounts = []types.Mount{{Label: "data", HostPath: "/host/data", ContainerPath: "/data"}}
	require.NotEqual(t, baseline.EnvID, Compute(withMount).EnvID)

	withApp := goldenCases[0].contract
	withApp.ResolvedApps = []string{"firefox"}
	require.NotEqual(t, baseline.EnvID, Compute(withApp).EnvID)
}

func TestSortHelpers(t *testing.T) {
	pkgs := []types.PackageRef{{Name: "git"}, {Name: "curl"}}
	SortPackages(pkgs)
	require.Equal(t, "curl", pkgs[0].Name)
	require.Equal(t, "git", pkgs[1].Name)

	apps := []string{"zed", "alacritty"}
	SortApps(apps)
	require.Equal(t, []string{"alacritty", "zed"}, apps)

	mounts := []types.Mount{{Label: "zzz"}, {Label: "aaa"}}
	SortMounts(mounts)
	require.Equal(t, "aaa", mounts[0].Label)
	require.Equal(t, "zzz", mounts[1].Label)
}

func TestHashBytesStable(t *testing.T) {
	a := HashBytes([]byte("hello"))
	b := HashBytes([]byte("hello"))
	require.Equal(t, a, b)
	require.Len(t, a, 64)
	require.NotEqual(t, a, HashBytes([]byte("hellp")))
}
