package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/listward/assetengine/internal/assets/cacheregistry"
	"github.com/listward/assetengine/internal/assets/diffupdater"
	"github.com/listward/assetengine/internal/assets/fetcher"
	"github.com/listward/assetengine/internal/assets/listassembler"
	"github.com/listward/assetengine/internal/assets/observer"
	"github.com/listward/assetengine/internal/assets/remote"
	"github.com/listward/assetengine/internal/assets/sourceregistry"
	"github.com/listward/assetengine/internal/storage"
)

func newTestScheduler(t *testing.T, handler http.HandlerFunc) (*Scheduler, *cacheregistry.Registry, *sourceregistry.Registry, *observer.Bus, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	bus := observer.New()
	cache := cacheregistry.New(storage.NewMemoryStore(), bus)
	sources := sourceregistry.New(storage.NewMemoryStore(), bus, fetcher.New(srv.Client()), cache, sourceregistry.BootstrapConfig{})
	f := fetcher.New(srv.Client())
	assembler := listassembler.New(f)
	refresher := remote.New(cache, sources, f, assembler, remote.Config{}, bus)
	diff := diffupdater.New(f, cache)

	s := New(sources, cache, refresher, diff, f, bus, Config{FetchTimeout: time.Second})
	s.assetDelay = 10 * time.Millisecond

	return s, cache, sources, bus, srv.URL
}

func waitForIdle(t *testing.T, s *Scheduler) []string {
	t.Helper()
	done := make(chan []string, 1)
	s.bus.On("after-assets-updated", func(details any) any {
		keys, _ := details.([]string)
		done <- keys
		return nil
	})

	select {
	case keys := <-done:
		return keys
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for after-assets-updated")
		return nil
	}
}

func TestUpdateNextRefreshesOldestCandidateFirst(t *testing.T) {
	t.Parallel()

	s, cache, sources, _, srvURL := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("! Last-Modified: Mon, 01 Jan 2024 00:00:00 GMT\n||fresh^"))
	})
	ctx := context.Background()

	sources.Register(ctx, "first", sourceregistry.Patch{ContentURL: sourceregistry.Set([]string{srvURL + "/a.txt"})})
	sources.Register(ctx, "second", sourceregistry.Patch{ContentURL: sourceregistry.Set([]string{srvURL + "/b.txt"})})
	cache.Write(ctx, "first", cacheregistry.WriteDetails{Content: "||old1^", ResourceTime: 1})
	cache.Write(ctx, "second", cacheregistry.WriteDetails{Content: "||old2^", ResourceTime: 1})
	cache.SetDetails(ctx, "first", cacheregistry.Patch{WriteTime: cacheregistry.Set(int64(100))})
	cache.SetDetails(ctx, "second", cacheregistry.Patch{WriteTime: cacheregistry.Set(int64(200))})

	s.UpdateStart(ctx, StartOptions{Delay: 10 * time.Millisecond})
	keys := waitForIdle(t, s)

	if len(keys) != 2 {
		t.Fatalf("updated keys = %v, want both refreshed", keys)
	}
	if keys[0] != "first" {
		t.Errorf("first updated key = %q, want %q (oldest writeTime)", keys[0], "first")
	}
}

func TestUpdateNextPrefersCacheEntryExpiresOverSourceDefault(t *testing.T) {
	t.Parallel()

	s, cache, sources, _, srvURL := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("! Last-Modified: Mon, 01 Jan 2024 00:00:00 GMT\n||fresh^"))
	})
	ctx := context.Background()

	sources.Register(ctx, "short-ttl", sourceregistry.Patch{
		ContentURL:      sourceregistry.Set([]string{srvURL + "/a.txt"}),
		UpdateAfterDays: sourceregistry.Set(30.0),
	})
	twoDaysAgo := nowMillis() - 2*dayMillis
	cache.Write(ctx, "short-ttl", cacheregistry.WriteDetails{Content: "||old^", ResourceTime: 1})
	cache.SetDetails(ctx, "short-ttl", cacheregistry.Patch{
		WriteTime:   cacheregistry.Set(twoDaysAgo),
		ExpiresDays: cacheregistry.Set(1.0),
	})

	s.UpdateStart(ctx, StartOptions{Delay: 10 * time.Millisecond})
	keys := waitForIdle(t, s)

	if len(keys) != 1 || keys[0] != "short-ttl" {
		t.Fatalf("updated keys = %v, want [short-ttl] refreshed despite source.updateAfter=30d, because the cache entry's own 1d expires should take precedence", keys)
	}
}

func TestUpdateVetoKeepsCandidateDespiteUnusedSinceStartup(t *testing.T) {
	t.Parallel()

	s, cache, sources, bus, srvURL := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("! Last-Modified: Mon, 01 Jan 2024 00:00:00 GMT\n||fresh^"))
	})
	ctx := context.Background()

	sources.Register(ctx, "k", sourceregistry.Patch{ContentURL: sourceregistry.Set([]string{srvURL + "/a.txt"})})
	cache.Write(ctx, "k", cacheregistry.WriteDetails{Content: "||old^", ResourceTime: 1})
	// Simulate "untouched since this process started": readTime predates
	// cacheRegistryStartTime, making k GC-eligible unless vetoed.
	cache.SetStartTimeForTesting(time.Now().UnixMilli() + 1000)

	vetoed := false
	bus.On("before-asset-updated", func(details any) any {
		key, _ := details.(string)
		if key == "k" {
			vetoed = true
			return true
		}
		return nil
	})

	s.UpdateStart(ctx, StartOptions{Delay: 10 * time.Millisecond})
	keys := waitForIdle(t, s)

	if !vetoed {
		t.Fatal("before-asset-updated listener was never invoked for key k")
	}
	entry, _ := cache.GetEntry(ctx, "k")
	if entry == nil {
		t.Fatal("entry was GC-removed despite veto")
	}
	if len(keys) != 1 || keys[0] != "k" {
		t.Errorf("updated = %v, want [k]", keys)
	}
}

func TestUpdateNextGCRemovesUnvetoedUnusedEntry(t *testing.T) {
	t.Parallel()

	s, cache, sources, _, srvURL := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("||fresh^"))
	})
	ctx := context.Background()

	sources.Register(ctx, "k", sourceregistry.Patch{ContentURL: sourceregistry.Set([]string{srvURL + "/a.txt"})})
	cache.Write(ctx, "k", cacheregistry.WriteDetails{Content: "||old^", ResourceTime: 1})
	cache.SetStartTimeForTesting(time.Now().UnixMilli() + 1000)

	s.UpdateStart(ctx, StartOptions{Delay: 10 * time.Millisecond})
	keys := waitForIdle(t, s)

	if len(keys) != 0 {
		t.Errorf("updated = %v, want none: k should have been GC-removed, not refreshed", keys)
	}
	entry, _ := cache.GetEntry(ctx, "k")
	if entry != nil {
		t.Error("entry survived without a veto, want GC-removed")
	}
}

func TestAssetDelayNeverRisesWithinCycle(t *testing.T) {
	t.Parallel()

	s, _, _, _, _ := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx := context.Background()

	s.mu.Lock()
	s.status = Updating
	s.assetDelay = 5 * time.Millisecond
	s.mu.Unlock()

	s.UpdateStart(ctx, StartOptions{Delay: 50 * time.Millisecond})

	s.mu.Lock()
	delay := s.assetDelay
	s.status = Idle
	s.mu.Unlock()

	if delay != 5*time.Millisecond {
		t.Errorf("assetDelay = %v, want unchanged 5ms (never rises within a cycle)", delay)
	}
}

func TestIsUpdatingDistinguishesManualFromBackground(t *testing.T) {
	t.Parallel()

	s, _, _, _, _ := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {})

	s.mu.Lock()
	s.status = Updating
	s.assetDelay = manualUpdateAssetFetchPeriod
	s.mu.Unlock()
	if !s.IsUpdating() {
		t.Error("expected IsUpdating true at the manual threshold")
	}

	s.mu.Lock()
	s.assetDelay = manualUpdateAssetFetchPeriod + time.Second
	s.mu.Unlock()
	if s.IsUpdating() {
		t.Error("expected IsUpdating false above the manual threshold")
	}
}
