package sourceregistry

import (
	"context"
	"testing"

	"github.com/listward/assetengine/internal/assets/cacheregistry"
	"github.com/listward/assetengine/internal/assets/fetcher"
	"github.com/listward/assetengine/internal/assets/observer"
	"github.com/listward/assetengine/internal/storage"
)

func newTestRegistry() *Registry {
	bus := observer.New()
	cache := cacheregistry.New(storage.NewMemoryStore(), bus)
	return New(storage.NewMemoryStore(), bus, fetcher.New(nil), cache, BootstrapConfig{})
}

func TestRegisterMergesAndRecomputesDerivedFields(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	ctx := context.Background()

	if err := r.Register(ctx, "easylist", Patch{
		ContentURL: Set([]string{"https://h/e.txt", "local/e.txt"}),
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	d, err := r.Get(ctx, "easylist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !d.HasRemoteURL || !d.HasLocalURL {
		t.Errorf("descriptor = %+v, want both HasRemoteURL and HasLocalURL true", d)
	}

	if err := r.Register(ctx, "easylist", Patch{ContentURL: Clear[[]string]()}); err != nil {
		t.Fatalf("Register (clear): %v", err)
	}
	d, _ = r.Get(ctx, "easylist")
	if d.HasRemoteURL || d.HasLocalURL {
		t.Errorf("after clearing contentURL, derived fields = %+v, want both false", d)
	}
}

func TestRegisterStampsSubmitTimeWhileSubmitterPresent(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	ctx := context.Background()

	if err := r.Register(ctx, "user-list", Patch{Submitter: Set("alice")}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d, _ := r.Get(ctx, "user-list")
	if d.SubmitTime == 0 {
		t.Error("expected submitTime to be stamped when submitter is present")
	}
}

func TestUnregisterRemovesEntry(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	ctx := context.Background()

	r.Register(ctx, "easylist", Patch{ContentURL: Set([]string{"https://h/e.txt"})})
	if err := r.Unregister(ctx, "easylist"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	d, _ := r.Get(ctx, "easylist")
	if d != nil {
		t.Errorf("Get() after Unregister = %+v, want nil", d)
	}
}

func TestUpdateAssetSourceRegistryComputesDefaultListset(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	ctx := context.Background()

	payload := []byte(`{
		"assets.json": {"contentURL": ["https://h/assets.json"], "content": "other"},
		"easylist": {"contentURL": ["https://h/e.txt"], "content": "filters"},
		"disabled-list": {"contentURL": ["https://h/d.txt"], "content": "filters", "off": true}
	}`)

	if err := r.UpdateAssetSourceRegistry(ctx, payload, true); err != nil {
		t.Fatalf("UpdateAssetSourceRegistry: %v", err)
	}

	assetsJSON, err := r.Get(ctx, "assets.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(assetsJSON.DefaultListset) != 1 || assetsJSON.DefaultListset[0] != "easylist" {
		t.Errorf("DefaultListset = %v, want [easylist]", assetsJSON.DefaultListset)
	}
}

func TestUpdateAssetSourceRegistryPreservesSubmittedEntries(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	ctx := context.Background()

	r.Register(ctx, "user-submitted", Patch{
		ContentURL: Set([]string{"https://h/custom.txt"}),
		Submitter:  Set("alice"),
	})

	if err := r.UpdateAssetSourceRegistry(ctx, []byte(`{"easylist": {"contentURL": ["https://h/e.txt"]}}`), true); err != nil {
		t.Fatalf("UpdateAssetSourceRegistry: %v", err)
	}

	d, err := r.Get(ctx, "user-submitted")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d == nil {
		t.Error("submitted entry was dropped by an assets.json refresh that omitted it")
	}
}
