package diffupdater

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/listward/assetengine/internal/assets/cacheregistry"
	"github.com/listward/assetengine/internal/assets/fetcher"
	"github.com/listward/assetengine/internal/assets/observer"
	"github.com/listward/assetengine/internal/storage"
)

const samplePatch = "--- a/easylist.txt\n" +
	"+++ b/easylist.txt\n" +
	"@@ -1,3 +1,3 @@\n" +
	" ||keep.example^\n" +
	"-||old.example^\n" +
	"+||new.example^\n" +
	" ||tail.example^\n"

func newTestOrchestrator(t *testing.T, patchBody string) (*Orchestrator, *cacheregistry.Registry) {
	o, cache, _ := newTestOrchestratorWithURL(t, patchBody)
	return o, cache
}

func newTestOrchestratorWithURL(t *testing.T, patchBody string) (*Orchestrator, *cacheregistry.Registry, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(patchBody))
	}))
	t.Cleanup(srv.Close)

	cache := cacheregistry.New(storage.NewMemoryStore(), observer.New())
	o := New(fetcher.New(srv.Client()), cache)
	return o, cache, srv.URL + "/patch"
}

func TestPartitionHardVsSoft(t *testing.T) {
	t.Parallel()

	now := int64(1_000_000)
	candidates := []Candidate{
		{Key: "neverFetched"},
		{Key: "expired", WriteTime: now - 2*24*60*60*1000, DiffExpiresDays: 1},
		{Key: "fresh", WriteTime: now - 1000, DiffExpiresDays: 7},
	}

	hard, soft := Partition(candidates, now)

	if len(hard) != 2 {
		t.Fatalf("hard = %d, want 2", len(hard))
	}
	if len(soft) != 1 || soft[0].Key != "fresh" {
		t.Fatalf("soft = %+v, want [fresh]", soft)
	}
}

func TestRunSkipsWhenNoHardCandidates(t *testing.T) {
	t.Parallel()

	o, _ := newTestOrchestrator(t, samplePatch)
	now := int64(1_000_000)
	candidates := []Candidate{{Key: "fresh", WriteTime: now - 1000, DiffExpiresDays: 7}}

	updated := o.Run(context.Background(), candidates, now, fetcher.Options{Timeout: time.Second})
	if updated != nil {
		t.Errorf("updated = %v, want nil (diff phase skipped)", updated)
	}
}

func TestRunAppliesPatchToHardCandidate(t *testing.T) {
	t.Parallel()

	o, cache, patchURL := newTestOrchestratorWithURL(t, samplePatch)
	ctx := context.Background()
	cache.Write(ctx, "easylist", cacheregistry.WriteDetails{
		Content: "||keep.example^\n||old.example^\n||tail.example^",
	})

	candidates := []Candidate{{Key: "easylist", PatchPath: patchURL}}
	updated := o.Run(ctx, candidates, 1_000_000, fetcher.Options{Timeout: time.Second})

	if len(updated) != 1 || updated[0] != "easylist" {
		t.Fatalf("updated = %v, want [easylist]", updated)
	}

	read, err := cache.Read(ctx, "easylist", false)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := "||keep.example^\n||new.example^\n||tail.example^"
	if read.Content != want {
		t.Errorf("content = %q, want %q", read.Content, want)
	}
}

func TestRunReportsErrorOnUnfetchablePatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache := cacheregistry.New(storage.NewMemoryStore(), observer.New())
	o := New(fetcher.New(srv.Client()), cache)

	ctx := context.Background()
	cache.Write(ctx, "easylist", cacheregistry.WriteDetails{Content: "||keep^"})

	candidates := []Candidate{{Key: "easylist", PatchPath: srv.URL + "/patch"}}
	updated := o.Run(ctx, candidates, 1_000_000, fetcher.Options{Timeout: time.Second})

	if len(updated) != 0 {
		t.Errorf("updated = %v, want empty on fetch failure", updated)
	}
	read, _ := cache.Read(ctx, "easylist", false)
	if read.Content != "||keep^" {
		t.Errorf("content = %q, want unchanged", read.Content)
	}
}
