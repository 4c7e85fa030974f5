package main

import (
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/listward/assetengine/internal/api"
	"github.com/listward/assetengine/internal/assets/cacheregistry"
	"github.com/listward/assetengine/internal/assets/diffupdater"
	"github.com/listward/assetengine/internal/assets/fetcher"
	"github.com/listward/assetengine/internal/assets/get"
	"github.com/listward/assetengine/internal/assets/listassembler"
	"github.com/listward/assetengine/internal/assets/observer"
	"github.com/listward/assetengine/internal/assets/remote"
	"github.com/listward/assetengine/internal/assets/scheduler"
	"github.com/listward/assetengine/internal/assets/sourceregistry"
	"github.com/listward/assetengine/internal/cfg"
	"github.com/listward/assetengine/internal/storage"
)

// engine bundles every collaborator wired together for a single process,
// the CLI's analogue of the teacher's internal/app.App.
type engine struct {
	config    *cfg.Config
	bus       *observer.Bus
	cache     *cacheregistry.Registry
	sources   *sourceregistry.Registry
	get       *get.Orchestrator
	scheduler *scheduler.Scheduler
	gin       *gin.Engine

	stores []storage.Store
}

func (e *engine) Close() error {
	var firstErr error
	for _, s := range e.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newEngine wires every component the same way regardless of subcommand.
// memory swaps the Badger-backed stores for in-memory ones, for a
// dependency-free dry run.
func newEngine(memory bool) (*engine, error) {
	config, err := cfg.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	assetsStore, settingsStore, stores, err := openStores(memory)
	if err != nil {
		return nil, err
	}

	bus := observer.New()
	cache := cacheregistry.New(assetsStore, bus)
	httpClient := &http.Client{}
	f := fetcher.New(httpClient)
	sources := sourceregistry.New(assetsStore, bus, f, cache, sourceregistry.BootstrapConfig{
		BootstrapLocation: config.AssetsBootstrapLocation(),
		FallbackLocation:  config.AssetsJsonPath(),
	})
	assembler := listassembler.New(f)

	fetchOpts := fetcher.Options{
		Timeout: config.AssetFetchTimeout(),
		Debug:   config.Debug(),
	}

	getOrch := get.New(cache, sources, f, assembler, settingsStore, fetchOpts, bus)
	refresher := remote.New(cache, sources, f, assembler, remote.Config{AssetsJSONPath: config.AssetsJsonPath()}, bus)
	diff := diffupdater.New(f, cache)

	sched := scheduler.New(sources, cache, refresher, diff, f, bus, scheduler.Config{
		AssetsJSONPath: config.AssetsJsonPath(),
		Debug:          config.Debug(),
		FetchTimeout:   config.AssetFetchTimeout(),
	})

	handlers := api.NewHandlers(getOrch, sched, sources, bus)
	ginEngine := api.NewEngine(handlers, config.Debug())

	return &engine{
		config:    config,
		bus:       bus,
		cache:     cache,
		sources:   sources,
		get:       getOrch,
		scheduler: sched,
		gin:       ginEngine,
		stores:    stores,
	}, nil
}

func openStores(memory bool) (assets, settings storage.Store, all []storage.Store, err error) {
	if memory {
		assets = storage.NewMemoryStore()
		settings = storage.NewMemoryStore()
		return assets, settings, nil, nil
	}

	assetsStore, err := storage.OpenBadgerStore(path.Join(cfg.DataDir, "assets"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open assets store: %w", err)
	}
	settingsStore, err := storage.OpenBadgerStore(path.Join(cfg.DataDir, "settings"))
	if err != nil {
		assetsStore.Close()
		return nil, nil, nil, fmt.Errorf("open settings store: %w", err)
	}
	return assetsStore, settingsStore, []storage.Store{assetsStore, settingsStore}, nil
}

func durationMillis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
