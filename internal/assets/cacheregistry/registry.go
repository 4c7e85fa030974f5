// Package cacheregistry is the persistent asset key -> cache metadata map,
// plus the content blob store it sits on top of (spec.md §4.6, "Cache
// Registry + Store" / C6).
package cacheregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/listward/assetengine/internal/assets/observer"
	"github.com/listward/assetengine/internal/storage"
)

// StorageKey is the storage.Store key the registry itself is persisted
// under. Content blobs are stored at ContentKey(key).
const StorageKey = "assetCacheRegistry"

const saveDebounce = 30 * time.Second

// ErrNotFound is the ENOTFOUND error taxonomy code from spec.md §7,
// surfaced in ReadResult.Error rather than as a Go error, matching the
// Fetcher's in-band error convention.
const ErrNotFound = "ENOTFOUND"

// ContentKey returns the storage key a content blob lives at.
func ContentKey(assetKey string) string {
	return "cache/" + assetKey
}

// ReadResult is what Read reports.
type ReadResult struct {
	AssetKey string
	Content  string
	Error    string
}

// WriteDetails is what Write persists.
type WriteDetails struct {
	Content      string
	ResourceTime int64
	URL          string
	Silent       bool
}

// Registry is the Cache Registry: a lazily-loaded, debounce-persisted map
// of asset key to Entry, with content blobs in the same Store.
//
// Unlike the original this is grounded on, initialization races are
// resolved by serializing through sync.Once rather than detecting and
// logging a lost concurrent write (see DESIGN.md).
type Registry struct {
	store storage.Store
	bus   *observer.Bus

	mu       sync.RWMutex
	entries  map[string]*Entry
	loadOnce sync.Once
	loadErr  error

	// startTime is cacheRegistryStartTime: entries whose readTime predates
	// it at the start of an update cycle are GC-eligible.
	startTime int64

	debouncedSave func(func())
}

// New creates a Registry.
func New(store storage.Store, bus *observer.Bus) *Registry {
	return &Registry{
		store:         store,
		bus:           bus,
		entries:       make(map[string]*Entry),
		startTime:     time.Now().UnixMilli(),
		debouncedSave: debounce.New(saveDebounce),
	}
}

// StartTime returns cacheRegistryStartTime, the moment this Registry was
// created (process start, in practice).
func (r *Registry) StartTime() int64 {
	return r.startTime
}

// SetStartTimeForTesting overrides cacheRegistryStartTime, letting tests
// simulate "untouched since process start" GC eligibility without racing a
// real process restart.
func (r *Registry) SetStartTimeForTesting(t int64) {
	r.startTime = t
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.loadOnce.Do(func() {
		r.loadErr = r.load(ctx)
	})
	return r.loadErr
}

func (r *Registry) load(ctx context.Context) error {
	values, err := r.store.Get(StorageKey)
	if err != nil {
		return fmt.Errorf("cacheregistry: load: %w", err)
	}
	raw, ok := values[StorageKey]
	if !ok || len(raw) == 0 {
		return nil
	}
	var entries map[string]*Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("cacheregistry: unmarshal: %w", err)
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// GetEntry returns a copy of key's cache metadata, or nil if absent.
func (r *Registry) GetEntry(ctx context.Context, key string) (*Entry, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// Keys returns every key currently in the registry.
func (r *Registry) Keys(ctx context.Context) ([]string, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// Read fetches key's content blob. A key with no registry entry or no
// stored blob reports ErrNotFound. On a hit with updateReadTime, readTime is bumped and a debounced
// registry save is scheduled; compiled/ and selfie/ keys always skip this
// to avoid launch-time writes.
func (r *Registry) Read(ctx context.Context, key string, updateReadTime bool) (ReadResult, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return ReadResult{}, err
	}

	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return ReadResult{AssetKey: key, Error: ErrNotFound}, nil
	}

	values, err := r.store.Get(ContentKey(key))
	if err != nil {
		return ReadResult{}, fmt.Errorf("cacheregistry: read content: %w", err)
	}
	content, ok := values[ContentKey(key)]
	if !ok {
		return ReadResult{AssetKey: key, Error: ErrNotFound}, nil
	}

	if updateReadTime && !isCompiledOrSelfie(key) {
		r.mu.Lock()
		entry.ReadTime = nowMillis()
		r.mu.Unlock()
		r.scheduleSave()
	}

	return ReadResult{AssetKey: key, Content: string(content)}, nil
}

// Write persists key's content and cache metadata. An empty Content
// delegates to Remove. after-asset-updated fires unless details.Silent.
func (r *Registry) Write(ctx context.Context, key string, details WriteDetails) error {
	if details.Content == "" {
		return r.Remove(ctx, ExactPattern(key))
	}
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	now := nowMillis()
	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &Entry{}
		r.entries[key] = entry
	}
	entry.WriteTime = now
	entry.ReadTime = now
	entry.ResourceTime = details.ResourceTime
	if details.URL != "" {
		entry.RemoteURL = details.URL
	}
	r.mu.Unlock()

	if err := r.store.Set(map[string][]byte{ContentKey(key): []byte(details.Content)}); err != nil {
		return fmt.Errorf("cacheregistry: write content: %w", err)
	}
	r.scheduleSave()

	if !details.Silent {
		r.bus.Fire("after-asset-updated", key)
	}
	return nil
}

// Remove deletes every entry matching pattern, along with its content
// blob, atomically; after-asset-updated fires once per removed key.
func (r *Registry) Remove(ctx context.Context, pattern Pattern) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	var matched []string
	for key := range r.entries {
		if pattern.matches(key) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	if len(matched) == 0 {
		return nil
	}

	contentKeys := make([]string, len(matched))
	for i, key := range matched {
		contentKeys[i] = ContentKey(key)
	}
	if err := r.store.Remove(contentKeys...); err != nil {
		return fmt.Errorf("cacheregistry: remove content: %w", err)
	}
	r.scheduleSave()

	for _, key := range matched {
		r.bus.Fire("after-asset-updated", key)
	}
	return nil
}

// SetDetails merges patch into key's metadata, creating the entry if
// absent, and schedules a debounced save.
func (r *Registry) SetDetails(ctx context.Context, key string, patch Patch) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &Entry{}
		r.entries[key] = entry
	}
	entry.apply(patch)
	r.mu.Unlock()
	r.scheduleSave()
	return nil
}

// MarkAsDirty sets writeTime = 0 for every matching entry not matched by
// exclude, without touching content: the next update cycle treats these as
// obsolete and refreshes them.
func (r *Registry) MarkAsDirty(ctx context.Context, pattern Pattern, exclude Pattern) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	for key, entry := range r.entries {
		if !pattern.matches(key) {
			continue
		}
		if exclude.keys != nil || exclude.regexp != nil || exclude.exact != "" {
			if exclude.matches(key) {
				continue
			}
		}
		entry.WriteTime = 0
	}
	r.mu.Unlock()
	r.scheduleSave()
	return nil
}

func (r *Registry) scheduleSave() {
	r.debouncedSave(func() {
		r.persistNow()
	})
}

func (r *Registry) persistNow() {
	r.mu.RLock()
	data, err := json.Marshal(r.entries)
	r.mu.RUnlock()
	if err != nil {
		return
	}
	r.store.Set(map[string][]byte{StorageKey: data})
}
