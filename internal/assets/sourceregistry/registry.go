// Package sourceregistry is the persistent asset key -> source descriptor
// map (spec.md §4.5, "Source Registry" / C5): where to fetch an asset,
// how often, and its last error.
//
// Grounded on the teacher's internal/cfg.Config for the lazy-init +
// debounced-persist shape, generalized from a single JSON file to a
// storage.Store-backed registry with an observer bus.
package sourceregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/listward/assetengine/internal/assets/cacheregistry"
	"github.com/listward/assetengine/internal/assets/fetcher"
	"github.com/listward/assetengine/internal/assets/observer"
	"github.com/listward/assetengine/internal/storage"
)

// StorageKey is the storage.Store key the registry is persisted under.
const StorageKey = "assetSourceRegistry"

const saveDebounce = 500 * time.Millisecond

// BootstrapConfig carries the URLs tried, in order, to seed an empty
// registry on first run.
type BootstrapConfig struct {
	BootstrapLocation string
	FallbackLocation  string
}

// Registry is the Source Registry: a lazily-loaded, debounce-persisted map
// of asset key to Descriptor.
type Registry struct {
	store   storage.Store
	bus     *observer.Bus
	fetcher *fetcher.Fetcher
	cache   *cacheregistry.Registry
	config  BootstrapConfig

	mu       sync.RWMutex
	entries  map[string]*Descriptor
	loadOnce sync.Once
	loadErr  error

	debouncedSave func(func())
}

// New creates a Registry. Nothing is loaded from storage until the first
// call that needs it (Get, Snapshot, Register, ...). cache is the Cache
// Registry a source unregister/prune also purges content from, so the
// "no orphan content" invariant holds without the caller having to
// remember to do it itself.
func New(store storage.Store, bus *observer.Bus, f *fetcher.Fetcher, cache *cacheregistry.Registry, config BootstrapConfig) *Registry {
	return &Registry{
		store:         store,
		bus:           bus,
		fetcher:       f,
		cache:         cache,
		config:        config,
		entries:       make(map[string]*Descriptor),
		debouncedSave: debounce.New(saveDebounce),
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// ensureLoaded lazily loads the registry from storage, bootstrapping it
// from BootstrapConfig on an empty first run. Safe for concurrent callers;
// the load happens at most once.
func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.loadOnce.Do(func() {
		r.loadErr = r.load(ctx)
	})
	return r.loadErr
}

func (r *Registry) load(ctx context.Context) error {
	values, err := r.store.Get(StorageKey)
	if err != nil {
		return fmt.Errorf("sourceregistry: load: %w", err)
	}

	raw, ok := values[StorageKey]
	if !ok || len(raw) == 0 {
		return r.bootstrap(ctx)
	}

	var entries map[string]*Descriptor
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("sourceregistry: unmarshal: %w", err)
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// bootstrap seeds an empty registry by fetching BootstrapLocation, falling
// back to FallbackLocation.
func (r *Registry) bootstrap(ctx context.Context) error {
	for _, url := range []string{r.config.BootstrapLocation, r.config.FallbackLocation} {
		if url == "" {
			continue
		}
		result := r.fetcher.FetchText(ctx, url, fetcher.Options{})
		if result.Error != "" || result.Content == "" {
			continue
		}
		if err := r.UpdateAssetSourceRegistry(ctx, []byte(result.Content), true); err != nil {
			continue
		}
		return nil
	}
	// No bootstrap source available or all failed: start from an empty
	// registry rather than erroring, matching "first-run empty state".
	return nil
}

// Snapshot returns a copy of the current descriptor map.
func (r *Registry) Snapshot(ctx context.Context) (map[string]*Descriptor, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Descriptor, len(r.entries))
	for k, v := range r.entries {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

// Get returns the descriptor for key, or nil if not registered.
func (r *Registry) Get(ctx context.Context, key string) (*Descriptor, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

// Register merges patch into key's descriptor (creating it if absent),
// recomputes hasLocalURL/hasRemoteURL, and schedules a debounced save.
func (r *Registry) Register(ctx context.Context, key string, patch Patch) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	d, ok := r.entries[key]
	if !ok {
		d = &Descriptor{}
		r.entries[key] = d
	}
	d.apply(patch, nowMillis())
	r.mu.Unlock()

	r.scheduleSave()
	return nil
}

// Unregister purges key's source entry along with its Cache Registry entry
// and content blob, per spec.md §4.5's "atomically, no orphan content"
// invariant.
func (r *Registry) Unregister(ctx context.Context, key string) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
	r.scheduleSave()

	return r.cache.Remove(ctx, cacheregistry.ExactPattern(key))
}

// UpdateAssetSourceRegistry ingests an assets.json-shaped payload: a JSON
// object mapping asset key to source descriptor fields.
func (r *Registry) UpdateAssetSourceRegistry(ctx context.Context, jsonData []byte, silent bool) error {
	var newDict map[string]*Descriptor
	if err := json.Unmarshal(jsonData, &newDict); err != nil {
		return fmt.Errorf("sourceregistry: parse assets.json: %w", err)
	}

	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	oldDict := r.entries
	r.entries = make(map[string]*Descriptor, len(newDict))

	defaultListset := make([]string, 0, len(newDict))
	for key, d := range newDict {
		d.HasLocalURL, d.HasRemoteURL = classifyURLs(d.ContentURL)
		r.entries[key] = d
		if d.Content == "filters" && !d.Off {
			defaultListset = append(defaultListset, key)
		}
		if _, existed := oldDict[key]; !existed {
			if !silent {
				r.bus.Fire("builtin-asset-source-added", key)
			}
		}
	}

	// assets.json.defaultListset is automatically recomputed and stored on
	// the assets.json entry itself.
	if assetsJSON, ok := r.entries["assets.json"]; ok {
		assetsJSON.defaultListsetFor(defaultListset)
	}

	// Entries present before but absent now are unregistered only if they
	// were built-in (no submitter): submitted (user-added) entries survive
	// an assets.json refresh that doesn't mention them.
	var prunedKeys []string
	for key, old := range oldDict {
		if _, stillPresent := r.entries[key]; stillPresent {
			continue
		}
		if old.Submitter == "" {
			prunedKeys = append(prunedKeys, key) // built-in and gone.
			continue
		}
		r.entries[key] = old
	}
	r.mu.Unlock()

	r.bus.Fire("assets.json-updated", map[string]any{"newDict": newDict, "oldDict": oldDict})
	r.scheduleSave()

	if len(prunedKeys) > 0 {
		if err := r.cache.Remove(ctx, cacheregistry.KeysPattern(prunedKeys)); err != nil {
			return fmt.Errorf("sourceregistry: prune dropped built-in content: %w", err)
		}
	}
	return nil
}

func (r *Registry) scheduleSave() {
	r.debouncedSave(func() {
		r.persist()
	})
}

func (r *Registry) persist() {
	r.mu.RLock()
	data, err := json.Marshal(r.entries)
	r.mu.RUnlock()
	if err != nil {
		return
	}
	r.store.Set(map[string][]byte{StorageKey: data})
}
