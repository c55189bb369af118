// Package remote implements push/pull transfer of an environment's
// metadata, layers, and objects against a RemoteBackend, plus tag
// resolution against a small registry index (spec.md §4.13). Grounded on
// the teacher's hypervisor REST-client idiom (hypervisor/http.go) for the
// transport half, and on storage/oci/pull.go's "verify hash on every
// fetch" discipline for the integrity half.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	karaerrors "github.com/karapace-project/karapace/errors"
	"github.com/karapace-project/karapace/identity"
	"github.com/karapace-project/karapace/progress"
	"github.com/karapace-project/karapace/store/layer"
	"github.com/karapace-project/karapace/store/metadata"
	"github.com/karapace-project/karapace/store/object"
	"github.com/karapace-project/karapace/types"
)

// Event reports progress through one push/pull transfer, delivered via a
// progress.Tracker the same way the teacher reports image-pull progress.
type Event struct {
	Stage string // "objects", "layers", "metadata", "registry"
	Done  int
	Total int
}

func emit(t progress.Tracker, stage string, done, total int) {
	if t == nil {
		return
	}
	t.OnEvent(Event{Stage: stage, Done: done, Total: total})
}

// BlobKind discriminates the three content pools a RemoteBackend stores.
type BlobKind string

const (
	KindObject   BlobKind = "Object"
	KindLayer    BlobKind = "Layer"
	KindMetadata BlobKind = "Metadata"
)

// RemoteBackend is the transport contract push/pull/resolve_ref drive.
// Concrete implementations: Client (HTTP) in this package.
type RemoteBackend interface {
	PutBlob(ctx context.Context, kind BlobKind, key string, data []byte) error
	GetBlob(ctx context.Context, kind BlobKind, key string) ([]byte, error)
	HasBlob(ctx context.Context, kind BlobKind, key string) (bool, error)
	ListBlobs(ctx context.Context, kind BlobKind) ([]string, error)
	PutRegistry(ctx context.Context, data []byte) error
	GetRegistry(ctx context.Context) ([]byte, error)
}

// RegistryEntry is one published tag's target (spec.md §3 "registry").
type RegistryEntry struct {
	EnvID    string    `json:"env_id"`
	ShortID  string    `json:"short_id"`
	Name     string    `json:"name,omitempty"`
	PushedAt time.Time `json:"pushed_at"`
}

// Registry maps "name@tag" references to published environments.
type Registry struct {
	Entries map[string]RegistryEntry `json:"entries"`
}

// Init implements storage.Initer, so storage/json.Store fills in Entries
// on a freshly-loaded or previously-empty registry.json.
func (r *Registry) Init() {
	if r.Entries == nil {
		r.Entries = make(map[string]RegistryEntry)
	}
}

func newRegistry() *Registry { return &Registry{Entries: make(map[string]RegistryEntry)} }

// publish records tag -> entry, creating Entries if nil.
func (r *Registry) publish(tag string, entry RegistryEntry) {
	if r.Entries == nil {
		r.Entries = make(map[string]RegistryEntry)
	}
	r.Entries[tag] = entry
}

// getOrFetchRegistry fetches and parses the remote registry, returning an
// empty Registry if none has been published yet.
func getOrFetchRegistry(ctx context.Context, backend RemoteBackend) (*Registry, error) {
	data, err := backend.GetRegistry(ctx)
	if err != nil {
		var storeErr *karaerrors.StoreError
		if asNotFound(err, &storeErr) {
			return newRegistry(), nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return newRegistry(), nil
	}
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse remote registry: %w", err)
	}
	if reg.Entries == nil {
		reg.Entries = make(map[string]RegistryEntry)
	}
	return &reg, nil
}

func asNotFound(err error, target **karaerrors.StoreError) bool {
	se, ok := err.(*karaerrors.StoreError) //nolint:errorlint // single-level concrete check
	if ok && se.Kind == "not_found" {
		*target = se
		return true
	}
	return false
}

// PushResult reports what push_env transferred.
type PushResult struct {
	ObjectsPushed int
	ObjectsSkipped int
	LayersPushed  int
	LayersSkipped int
	Tag           string
}

// PushEnv transfers envID's metadata, layers, and objects to backend,
// skipping content the remote already has, then optionally publishes tag
// (spec.md §4.13 push_env).
func PushEnv(ctx context.Context, meta *metadata.Store, layers *layer.Store, objs *object.Store, backend RemoteBackend, envID string, tag string, tracker progress.Tracker) (*PushResult, error) {
	m, err := meta.Get(envID)
	if err != nil {
		return nil, err
	}

	layerHashes := append([]string{}, m.BaseLayer)
	layerHashes = append(layerHashes, m.DependencyLayers...)
	if m.PolicyLayer != "" {
		layerHashes = append(layerHashes, m.PolicyLayer)
	}

	objectSet := make(map[string]struct{})
	if m.ManifestHash != "" {
		objectSet[m.ManifestHash] = struct{}{}
	}
	layerManifests := make(map[string]*types.LayerManifest, len(layerHashes))
	for _, h := range layerHashes {
		if h == "" {
			continue
		}
		lm, err := layers.Get(h)
		if err != nil {
			return nil, fmt.Errorf("load layer %s: %w", h, err)
		}
		layerManifests[h] = lm
		for _, ref := range lm.ObjectRefs {
			objectSet[ref] = struct{}{}
		}
	}
	objectHashes := make([]string, 0, len(objectSet))
	for h := range objectSet {
		objectHashes = append(objectHashes, h)
	}
	sort.Strings(objectHashes)

	result := &PushResult{Tag: tag}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8) //nolint:mnd

	var pushed, skipped, completed int64
	total := len(objectHashes)
	for _, h := range objectHashes {
		h := h
		g.Go(func() error {
			defer func() {
				emit(tracker, "objects", int(atomic.AddInt64(&completed, 1)), total)
			}()
			has, err := backend.HasBlob(gctx, KindObject, h)
			if err != nil {
				return fmt.Errorf("check object %s: %w", h, err)
			}
			if has {
				atomic.AddInt64(&skipped, 1)
				return nil
			}
			data, err := objs.Get(h)
			if err != nil {
				return fmt.Errorf("load object %s: %w", h, err)
			}
			if err := backend.PutBlob(gctx, KindObject, h, data); err != nil {
				return fmt.Errorf("push object %s: %w", h, err)
			}
			atomic.AddInt64(&pushed, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	result.ObjectsPushed = int(pushed)
	result.ObjectsSkipped = int(skipped)

	for i, h := range layerHashes {
		if h == "" {
			continue
		}
		has, err := backend.HasBlob(ctx, KindLayer, h)
		if err != nil {
			return nil, fmt.Errorf("check layer %s: %w", h, err)
		}
		if has {
			result.LayersSkipped++
			emit(tracker, "layers", i+1, len(layerHashes))
			continue
		}
		data, err := serializeLayer(layerManifests[h])
		if err != nil {
			return nil, err
		}
		if err := backend.PutBlob(ctx, KindLayer, h, data); err != nil {
			return nil, fmt.Errorf("push layer %s: %w", h, err)
		}
		result.LayersPushed++
		emit(tracker, "layers", i+1, len(layerHashes))
	}

	metaJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata for push: %w", err)
	}
	if err := backend.PutBlob(ctx, KindMetadata, envID, metaJSON); err != nil {
		return nil, fmt.Errorf("push metadata: %w", err)
	}
	emit(tracker, "metadata", 1, 1)

	if tag != "" {
		reg, err := getOrFetchRegistry(ctx, backend)
		if err != nil {
			return nil, err
		}
		reg.publish(tag, RegistryEntry{EnvID: m.EnvID, ShortID: m.ShortID, Name: m.Name, PushedAt: time.Now().UTC()})
		regJSON, err := json.MarshalIndent(reg, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal registry: %w", err)
		}
		if err := backend.PutRegistry(ctx, regJSON); err != nil {
			return nil, fmt.Errorf("push registry: %w", err)
		}
	}

	return result, nil
}

// PullResult reports what pull_env transferred.
type PullResult struct {
	LayersFetched  int
	ObjectsFetched int
}

// PullEnv fetches envID's metadata, layers, and objects from backend into
// the local store, re-verifying content hashes at every step so corrupted
// or tampered remote content is rejected rather than silently accepted
// (spec.md §4.13 pull_env).
func PullEnv(ctx context.Context, meta *metadata.Store, layers *layer.Store, objs *object.Store, backend RemoteBackend, envID string, tracker progress.Tracker) (*PullResult, error) {
	metaJSON, err := backend.GetBlob(ctx, KindMetadata, envID)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata %s: %w", envID, err)
	}
	emit(tracker, "metadata", 1, 1)
	var m types.EnvMetadata
	if err := json.Unmarshal(metaJSON, &m); err != nil {
		return nil, fmt.Errorf("parse metadata %s: %w", envID, err)
	}
	if m.Checksum != "" {
		check := m
		check.Checksum = ""
		recheck, err := json.Marshal(check)
		if err != nil {
			return nil, fmt.Errorf("re-marshal metadata for verification: %w", err)
		}
		if identity.HashBytes(recheck) != m.Checksum {
			return nil, &karaerrors.IntegrityFailureError{Expected: m.Checksum, Actual: identity.HashBytes(recheck)}
		}
	}

	result := &PullResult{}
	layerHashes := append([]string{}, m.BaseLayer)
	layerHashes = append(layerHashes, m.DependencyLayers...)
	if m.PolicyLayer != "" {
		layerHashes = append(layerHashes, m.PolicyLayer)
	}

	objectRefs := make(map[string]struct{})
	if m.ManifestHash != "" {
		objectRefs[m.ManifestHash] = struct{}{}
	}
	for i, h := range layerHashes {
		if h == "" {
			continue
		}
		var lm *types.LayerManifest
		if layers.Exists(h) {
			lm, err = layers.Get(h)
			if err != nil {
				return nil, fmt.Errorf("read local layer %s: %w", h, err)
			}
		} else {
			data, err := backend.GetBlob(ctx, KindLayer, h)
			if err != nil {
				return nil, fmt.Errorf("fetch layer %s: %w", h, err)
			}
			var fetched types.LayerManifest
			if err := json.Unmarshal(data, &fetched); err != nil {
				return nil, fmt.Errorf("parse layer %s: %w", h, err)
			}
			stored, err := layers.Put(&fetched)
			if err != nil {
				return nil, fmt.Errorf("store layer %s: %w", h, err)
			}
			if stored != h {
				return nil, &karaerrors.IntegrityFailureError{Expected: h, Actual: stored}
			}
			lm = &fetched
			result.LayersFetched++
		}
		for _, ref := range lm.ObjectRefs {
			objectRefs[ref] = struct{}{}
		}
		emit(tracker, "layers", i+1, len(layerHashes))
	}

	objectHashes := make([]string, 0, len(objectRefs))
	for h := range objectRefs {
		objectHashes = append(objectHashes, h)
	}
	sort.Strings(objectHashes)
	for i, h := range objectHashes {
		if objs.Exists(h) {
			emit(tracker, "objects", i+1, len(objectHashes))
			continue
		}
		data, err := backend.GetBlob(ctx, KindObject, h)
		if err != nil {
			return nil, fmt.Errorf("fetch object %s: %w", h, err)
		}
		actual := identity.HashBytes(data)
		if actual != h {
			return nil, &karaerrors.IntegrityFailureError{Expected: h, Actual: actual}
		}
		if _, err := objs.Put(data); err != nil {
			return nil, fmt.Errorf("store object %s: %w", h, err)
		}
		result.ObjectsFetched++
		emit(tracker, "objects", i+1, len(objectHashes))
	}

	if err := meta.Put(&m); err != nil {
		return nil, fmt.Errorf("put pulled metadata: %w", err)
	}
	return result, nil
}

// ResolveRef resolves ref (appending "@latest" if it carries no "@") against
// backend's registry, returning the env_id it names.
func ResolveRef(ctx context.Context, backend RemoteBackend, ref string) (string, error) {
	tag := ref
	if !hasAt(ref) {
		tag = ref + "@latest"
	}
	reg, err := getOrFetchRegistry(ctx, backend)
	if err != nil {
		return "", err
	}
	entry, ok := reg.Entries[tag]
	if !ok {
		return "", karaerrors.NotFound("registry ref", tag)
	}
	return entry.EnvID, nil
}

func hasAt(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			return true
		}
	}
	return false
}

func serializeLayer(m *types.LayerManifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal layer manifest for push: %w", err)
	}
	return append(data, '\n'), nil
}
