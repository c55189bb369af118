package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/karapace-project/karapace/store/layer"
	"github.com/karapace-project/karapace/store/layout"
	"github.com/karapace-project/karapace/store/metadata"
	"github.com/karapace-project/karapace/store/object"
	"github.com/karapace-project/karapace/types"
)

type fixture struct {
	layout *layout.Layout
	meta   *metadata.Store
	layers *layer.Store
	objs   *object.Store

	liveLayer, orphanLayer   string
	liveObject, orphanObject string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := layout.New(t.TempDir())
	require.NoError(t, l.Initialize())
	meta := metadata.New(l.MetadataDir())
	layers := layer.New(l.LayersDir())
	objs := object.New(l.ObjectsDir())

	liveObject, err := objs.Put([]byte("referenced"))
	require.NoError(t, err)
	orphanObject, err := objs.Put([]byte("unreferenced"))
	require.NoError(t, err)

	liveLayer, err := layers.Put(&types.LayerManifest{Kind: types.LayerBase, ObjectRefs: []string{liveObject}, TarHash: liveObject})
	require.NoError(t, err)
	orphanLayer, err := layers.Put(&types.LayerManifest{Kind: types.LayerBase, ObjectRefs: []string{orphanObject}, TarHash: orphanObject})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, meta.Put(&types.EnvMetadata{
		EnvID:     "liveenv00000000000000000000000000000000000000000000000000000001",
		ShortID:   "liveenv00000",
		State:     types.EnvBuilt,
		BaseLayer: liveLayer,
		CreatedAt: now,
		UpdatedAt: now,
		RefCount:  1,
	}))

	return &fixture{
		layout: l, meta: meta, layers: layers, objs: objs,
		liveLayer: liveLayer, orphanLayer: orphanLayer,
		liveObject: liveObject, orphanObject: orphanObject,
	}
}

// TestDryRunMatchesRealRun pins P9: with no concurrent mutation between
// the two calls, a dry-run followed by a real run removes exactly the
// counts the dry-run reported.
func TestDryRunMatchesRealRun(t *testing.T) {
	fx := newFixture(t)
	c := New(fx.layout, fx.meta, fx.layers, fx.objs)
	ctx := context.Background()

	dry, err := c.Run(ctx, true, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{fx.orphanLayer}, dry.OrphanedLayers)
	require.ElementsMatch(t, []string{fx.orphanObject}, dry.OrphanedObjects)
	require.Zero(t, dry.RemovedLayers)
	require.Zero(t, dry.RemovedObjects)

	real, err := c.Run(ctx, false, nil)
	require.NoError(t, err)
	require.Equal(t, len(dry.OrphanedLayers), real.RemovedLayers)
	require.Equal(t, len(dry.OrphanedObjects), real.RemovedObjects)

	require.True(t, fx.objs.Exists(fx.liveObject))
	require.False(t, fx.objs.Exists(fx.orphanObject))

	remainingLayers, err := fx.layers.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{fx.liveLayer}, remainingLayers)
}

func TestRunMarksLiveLayerAndObjectReachable(t *testing.T) {
	fx := newFixture(t)
	c := New(fx.layout, fx.meta, fx.layers, fx.objs)

	report, err := c.Run(context.Background(), true, nil)
	require.NoError(t, err)
	require.NotContains(t, report.OrphanedLayers, fx.liveLayer)
	require.NotContains(t, report.OrphanedObjects, fx.liveObject)
}
