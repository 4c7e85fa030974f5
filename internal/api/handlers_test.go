package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/listward/assetengine/internal/assets/cacheregistry"
	"github.com/listward/assetengine/internal/assets/diffupdater"
	"github.com/listward/assetengine/internal/assets/fetcher"
	"github.com/listward/assetengine/internal/assets/get"
	"github.com/listward/assetengine/internal/assets/listassembler"
	"github.com/listward/assetengine/internal/assets/observer"
	"github.com/listward/assetengine/internal/assets/remote"
	"github.com/listward/assetengine/internal/assets/scheduler"
	"github.com/listward/assetengine/internal/assets/sourceregistry"
	"github.com/listward/assetengine/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestEngine(t *testing.T) (*gin.Engine, *cacheregistry.Registry, *sourceregistry.Registry, *observer.Bus) {
	t.Helper()

	bus := observer.New()
	cache := cacheregistry.New(storage.NewMemoryStore(), bus)
	sources := sourceregistry.New(storage.NewMemoryStore(), bus, fetcher.New(http.DefaultClient), cache, sourceregistry.BootstrapConfig{})
	f := fetcher.New(http.DefaultClient)
	assembler := listassembler.New(f)
	settings := storage.NewMemoryStore()
	getOrch := get.New(cache, sources, f, assembler, settings, fetcher.Options{Timeout: time.Second}, bus)
	refresher := remote.New(cache, sources, f, assembler, remote.Config{}, bus)
	diff := diffupdater.New(f, cache)
	sched := scheduler.New(sources, cache, refresher, diff, f, bus, scheduler.Config{FetchTimeout: time.Second})

	h := NewHandlers(getOrch, sched, sources, bus)
	engine := NewEngine(h, true)
	return engine, cache, sources, bus
}

func TestHandleGetAssetCacheHit(t *testing.T) {
	t.Parallel()

	engine, cache, _, _ := newTestEngine(t)
	cache.Write(context.Background(), "easylist", cacheregistry.WriteDetails{Content: "||a.example^"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/assets/easylist", nil)
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["content"] != "||a.example^" {
		t.Errorf("content = %v, want ||a.example^", body["content"])
	}
}

func TestHandleGetAssetMissReturns404(t *testing.T) {
	t.Parallel()

	engine, _, _, _ := newTestEngine(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/assets/unknown", nil)
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleDeleteAssetPurgesSourceAndCache(t *testing.T) {
	t.Parallel()

	engine, cache, sources, _ := newTestEngine(t)
	ctx := context.Background()
	cache.Write(ctx, "easylist", cacheregistry.WriteDetails{Content: "||a.example^"})
	sources.Register(ctx, "easylist", sourceregistry.Patch{ContentURL: sourceregistry.Set([]string{"local/e.txt"})})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/assets/easylist", nil)
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204, body=%s", rec.Code, rec.Body.String())
	}

	if d, err := sources.Get(ctx, "easylist"); err != nil || d != nil {
		t.Errorf("sources.Get after delete = %v, %v, want nil, nil", d, err)
	}
	if entry, err := cache.GetEntry(ctx, "easylist"); err != nil || entry != nil {
		t.Errorf("cache.GetEntry after delete = %v, %v, want nil, nil", entry, err)
	}
}

func TestHandleStatusReportsIdleByDefault(t *testing.T) {
	t.Parallel()

	engine, _, _, _ := newTestEngine(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	engine.ServeHTTP(rec, req)

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "idle" {
		t.Errorf("status = %v, want idle", body["status"])
	}
	if body["isUpdating"] != false {
		t.Errorf("isUpdating = %v, want false", body["isUpdating"])
	}
}

func TestHandleUpdateStartAcceptsEmptyBody(t *testing.T) {
	t.Parallel()

	engine, _, sources, bus := newTestEngine(t)
	_ = sources
	_ = bus

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/update", nil)
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestHandleUpdateStartRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	engine, _, _, _ := newTestEngine(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/update", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleUpdateStopIsNoContent(t *testing.T) {
	t.Parallel()

	engine, _, _, _ := newTestEngine(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/update/stop", nil)
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestHandleEventsStreamsAfterAssetUpdated(t *testing.T) {
	t.Parallel()

	engine, cache, _, _ := newTestEngine(t)
	srv := httptest.NewServer(engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cache.Write(context.Background(), "easylist", cacheregistry.WriteDetails{Content: "||b.example^"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg eventMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Topic != "after-asset-updated" {
		t.Errorf("topic = %q, want after-asset-updated", msg.Topic)
	}
	if msg.Details != "easylist" {
		t.Errorf("details = %v, want easylist", msg.Details)
	}
}
