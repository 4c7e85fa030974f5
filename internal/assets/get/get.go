// Package get implements the cache-first asset retrieval entry point
// (spec.md §4.7, "Get Orchestrator" / C7): the `get(key)` operation that
// ties the cache registry, source registry, fetcher and list assembler
// together.
package get

import (
	"context"
	"log"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/listward/assetengine/internal/assets/cacheregistry"
	"github.com/listward/assetengine/internal/assets/fetcher"
	"github.com/listward/assetengine/internal/assets/listassembler"
	"github.com/listward/assetengine/internal/assets/metadata"
	"github.com/listward/assetengine/internal/assets/observer"
	"github.com/listward/assetengine/internal/assets/sourceregistry"
	"github.com/listward/assetengine/internal/logger"
	"github.com/listward/assetengine/internal/storage"
)

const userAssetPrefix = "user-"

// Result is what Get reports.
type Result struct {
	AssetKey  string
	Content   string
	Error     string
	SourceURL string
}

// Options configures a Get call.
type Options struct {
	// NeedSourceURL requests SourceURL be populated on a fetch-path hit.
	NeedSourceURL bool
	// DontCache skips writing a successful external fetch back to cache.
	DontCache bool
	// Silent suppresses after-asset-updated on a cache write.
	Silent bool
}

// Orchestrator is the Get Orchestrator. A singleflight.Group collapses
// concurrent Get calls for the same key into one underlying fetch,
// resolving the Open Question spec.md §9 flags about unsynchronized
// concurrent get/put for a key.
type Orchestrator struct {
	cache      *cacheregistry.Registry
	sources    *sourceregistry.Registry
	fetcher    *fetcher.Fetcher
	assembler  *listassembler.Assembler
	settings   storage.Store
	fetchOpts  fetcher.Options
	bus        *observer.Bus
	singleFlig singleflight.Group
}

// New creates an Orchestrator.
func New(cache *cacheregistry.Registry, sources *sourceregistry.Registry, f *fetcher.Fetcher, assembler *listassembler.Assembler, settings storage.Store, fetchOpts fetcher.Options, bus *observer.Bus) *Orchestrator {
	return &Orchestrator{
		cache:     cache,
		sources:   sources,
		fetcher:   f,
		assembler: assembler,
		settings:  settings,
		fetchOpts: fetchOpts,
		bus:       bus,
	}
}

// Get resolves key to content: cache-first, falling back to the source
// registry's URL list on a miss. Concurrent Gets for the same key share one
// in-flight resolution.
func (o *Orchestrator) Get(ctx context.Context, key string, opts Options) Result {
	v, err, _ := o.singleFlig.Do(key, func() (any, error) {
		return o.get(ctx, key, opts), nil
	})
	if err != nil {
		return Result{AssetKey: key, Error: err.Error()}
	}
	return v.(Result)
}

func (o *Orchestrator) get(ctx context.Context, key string, opts Options) Result {
	if strings.HasPrefix(key, userAssetPrefix) {
		return o.getUserAsset(key)
	}

	updateReadTime := !strings.HasPrefix(key, "compiled/") && !strings.HasPrefix(key, "selfie/")
	cacheResult, err := o.cache.Read(ctx, key, updateReadTime)
	if err == nil && cacheResult.Error == "" {
		return Result{AssetKey: key, Content: cacheResult.Content}
	}

	source, srcErr := o.sources.Get(ctx, key)
	if srcErr != nil {
		return o.recordFailure(ctx, key, source, cacheregistry.ErrNotFound)
	}

	urls, assetType, hasLocalURL := candidateURLs(key, source)
	if len(urls) == 0 {
		return o.recordFailure(ctx, key, source, cacheregistry.ErrNotFound)
	}

	var lastErr string
	for _, rawURL := range urls {
		if hasLocalURL && fetcher.IsExternal(rawURL) {
			continue
		}

		var content string
		var resourceTime int64
		var fetchErr string
		if assetType == "filters" {
			asmResult := o.assembler.Assemble(ctx, rawURL, o.fetchOpts)
			content, resourceTime, fetchErr = asmResult.Content, asmResult.ResourceTime, asmResult.Error
		} else {
			textResult := o.fetcher.FetchText(ctx, rawURL, o.fetchOpts)
			content = textResult.Content
			fetchErr = textResult.Error
			resourceTime = metadata.ResourceTime(content, textResult.Headers.Get("Date"), textResult.Headers.Get("Age"))
		}

		if fetchErr != "" || content == "" {
			if fetchErr != "" {
				log.Printf("get(%s): candidate %s failed: %s", key, logger.Redacted(rawURL), fetchErr)
				lastErr = fetchErr
			}
			continue
		}

		if fetcher.IsExternal(rawURL) && !opts.DontCache {
			o.cache.Write(ctx, key, cacheregistry.WriteDetails{
				Content:      content,
				ResourceTime: resourceTime,
				URL:          rawURL,
				Silent:       opts.Silent,
			})
		}
		o.sources.Register(ctx, key, sourceregistry.Patch{LastError: sourceregistry.Clear[*sourceregistry.ErrorInfo]()})

		result := Result{AssetKey: key, Content: content}
		if opts.NeedSourceURL {
			result.SourceURL = rawURL
		}
		return result
	}

	if lastErr == "" {
		lastErr = cacheregistry.ErrNotFound
	}
	return o.recordFailure(ctx, key, source, lastErr)
}

func (o *Orchestrator) getUserAsset(key string) Result {
	values, err := o.settings.Get(key)
	if err != nil {
		return Result{AssetKey: key, Error: err.Error()}
	}
	content, ok := values[key]
	if !ok {
		return Result{AssetKey: key, Error: cacheregistry.ErrNotFound}
	}
	return Result{AssetKey: key, Content: string(content)}
}

func (o *Orchestrator) recordFailure(ctx context.Context, key string, source *sourceregistry.Descriptor, errMsg string) Result {
	if source != nil {
		o.sources.Register(ctx, key, sourceregistry.Patch{
			LastError: sourceregistry.Set(&sourceregistry.ErrorInfo{Error: errMsg}),
		})
	}
	o.bus.Fire("asset-update-failed", key)
	return Result{AssetKey: key, Error: errMsg}
}

// candidateURLs builds the ordered URL list get tries: contentURL then
// cdnURLs, or the key itself if it looks like a URL and no descriptor
// exists.
func candidateURLs(key string, source *sourceregistry.Descriptor) (urls []string, assetType string, hasLocalURL bool) {
	if source == nil {
		if fetcher.IsExternal(key) {
			return []string{key}, "filters", false
		}
		return nil, "", false
	}

	urls = append(urls, source.ContentURL...)
	urls = append(urls, source.CDNURLs...)
	return urls, source.Content, source.HasLocalURL
}
