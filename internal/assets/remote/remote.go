// Package remote implements unconditional asset refresh with staleness
// reconciliation (spec.md §4.8, "Remote Refresher" / C8).
package remote

import (
	"context"
	"log"
	"math/rand"
	"strings"

	"github.com/listward/assetengine/internal/assets/cacheregistry"
	"github.com/listward/assetengine/internal/assets/fetcher"
	"github.com/listward/assetengine/internal/assets/listassembler"
	"github.com/listward/assetengine/internal/assets/metadata"
	"github.com/listward/assetengine/internal/assets/observer"
	"github.com/listward/assetengine/internal/assets/sourceregistry"
	"github.com/listward/assetengine/internal/logger"
)

// assetsJSONKey is the special-cased asset key whose URL gets rewritten
// for dev/release builds.
const assetsJSONKey = "assets.json"

// Result is what GetRemote reports.
type Result struct {
	AssetKey string
	Content  string
	Error    string
	// Changed reports whether new content was actually written.
	Changed bool
}

// Config carries the values the refresher needs beyond the registries.
type Config struct {
	// AssetsJSONPath is the URL substituted for any contentURL ending in
	// "/assets/assets.json" when refreshing the assets.json key itself.
	AssetsJSONPath string
}

// Refresher is the Remote Refresher.
type Refresher struct {
	cache     *cacheregistry.Registry
	sources   *sourceregistry.Registry
	fetcher   *fetcher.Fetcher
	assembler *listassembler.Assembler
	config    Config
	bus       *observer.Bus
}

// New creates a Refresher.
func New(cache *cacheregistry.Registry, sources *sourceregistry.Registry, f *fetcher.Fetcher, assembler *listassembler.Assembler, config Config, bus *observer.Bus) *Refresher {
	return &Refresher{cache: cache, sources: sources, fetcher: f, assembler: assembler, config: config, bus: bus}
}

// GetRemote refetches key unconditionally, honouring the staleness rule: a
// candidate whose resourceTime predates the cached resourceTime is skipped
// rather than written. fetchOpts.RemoteServerFriendly governs both CDN
// preference and cache-busting.
func (r *Refresher) GetRemote(ctx context.Context, key string, fetchOpts fetcher.Options) (Result, error) {
	source, err := r.sources.Get(ctx, key)
	if err != nil {
		return Result{}, err
	}
	cacheEntry, err := r.cache.GetEntry(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if source == nil {
		return r.fail(ctx, key, "ENOTFOUND"), nil
	}

	urls := buildURLList(key, source, fetchOpts.RemoteServerFriendly, r.config)

	staleSeen := false
	for _, rawURL := range urls {
		content, resourceTime, fetchErr := r.fetchCandidate(ctx, rawURL, source.Content, fetchOpts)
		if fetchErr != "" || content == "" {
			if fetchErr != "" {
				log.Printf("getRemote(%s): candidate %s failed: %s", key, logger.Redacted(rawURL), fetchErr)
			}
			continue
		}

		if resourceTime > 0 && cacheEntry != nil && cacheEntry.ResourceTime > 0 && resourceTime < cacheEntry.ResourceTime {
			staleSeen = true
			continue
		}

		if err := r.cache.Write(ctx, key, cacheregistry.WriteDetails{
			Content:      content,
			ResourceTime: resourceTime,
			URL:          rawURL,
		}); err != nil {
			return Result{}, err
		}

		if source.Content == "filters" {
			r.storeListMetadata(ctx, key, content)
		}
		r.sources.Register(ctx, key, sourceregistry.Patch{LastError: sourceregistry.Clear[*sourceregistry.ErrorInfo]()})

		return Result{AssetKey: key, Content: content, Changed: true}, nil
	}

	if staleSeen && cacheEntry != nil {
		// All candidates were older than the cache: leave content
		// untouched but reset writeTime to the cached resourceTime, so
		// scheduling treats this entry as fresh again. Resetting to the
		// old resourceTime rather than now preserves the original's
		// observed (if arguably backwards) behavior; see DESIGN.md.
		r.cache.SetDetails(ctx, key, cacheregistry.Patch{WriteTime: cacheregistry.Set(cacheEntry.ResourceTime)})
		return Result{AssetKey: key}, nil
	}

	return r.fail(ctx, key, "ENOTFOUND"), nil
}

func (r *Refresher) fail(ctx context.Context, key, errMsg string) Result {
	r.sources.Register(ctx, key, sourceregistry.Patch{
		LastError: sourceregistry.Set(&sourceregistry.ErrorInfo{Error: errMsg}),
	})
	r.bus.Fire("asset-update-failed", key)
	return Result{AssetKey: key, Error: errMsg}
}

func (r *Refresher) fetchCandidate(ctx context.Context, rawURL, assetType string, fetchOpts fetcher.Options) (content string, resourceTime int64, errMsg string) {
	if assetType == "filters" {
		result := r.assembler.Assemble(ctx, rawURL, fetchOpts)
		return result.Content, result.ResourceTime, result.Error
	}

	result := r.fetcher.FetchText(ctx, rawURL, fetchOpts)
	if result.Error != "" && result.StatusCode == 0 {
		return "", 0, "network error"
	}
	var dateHeader, ageHeader string
	if result.Headers != nil {
		dateHeader = result.Headers.Get("Date")
		ageHeader = result.Headers.Get("Age")
	}
	return result.Content, metadata.ResourceTime(result.Content, dateHeader, ageHeader), result.Error
}

func (r *Refresher) storeListMetadata(ctx context.Context, key, content string) {
	fields := metadata.Extract(content)
	r.cache.SetDetails(ctx, key, cacheregistry.Patch{
		ExpiresDays:     cacheregistry.Set(fields.ExpiresDays),
		DiffExpiresDays: cacheregistry.Set(fields.DiffExpiresDays),
		DiffName:        cacheregistry.Set(fields.DiffName),
		DiffPath:        cacheregistry.Set(fields.DiffPath),
	})
}

// buildURLList assembles the candidate URL list: contentURL, with cdnURLs
// Fisher-Yates shuffled and prepended (remote-server-friendly mode) or
// appended. The assets.json key additionally rewrites a URL ending in
// "/assets/assets.json" to config.AssetsJSONPath.
func buildURLList(key string, source *sourceregistry.Descriptor, remoteServerFriendly bool, config Config) []string {
	urls := append([]string(nil), source.ContentURL...)

	if len(source.CDNURLs) > 0 {
		shuffled := shuffle(source.CDNURLs)
		if remoteServerFriendly {
			urls = append(shuffled, urls...)
		} else {
			urls = append(urls, shuffled...)
		}
	}

	if key == assetsJSONKey && config.AssetsJSONPath != "" {
		for i, u := range urls {
			if strings.HasSuffix(u, "/assets/assets.json") {
				urls[i] = config.AssetsJSONPath
			}
		}
	}

	return urls
}

// shuffle returns a Fisher-Yates shuffled copy of urls.
func shuffle(urls []string) []string {
	out := append([]string(nil), urls...)
	for i := len(out) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
