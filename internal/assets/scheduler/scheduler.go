// Package scheduler drives the update cycle state machine: a diff phase,
// then a paced full-refresh phase over every candidate with a remote URL
// (spec.md §4.9, "Update Scheduler" / C9).
package scheduler

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/listward/assetengine/internal/assets/cacheregistry"
	"github.com/listward/assetengine/internal/assets/diffupdater"
	"github.com/listward/assetengine/internal/assets/fetcher"
	"github.com/listward/assetengine/internal/assets/observer"
	"github.com/listward/assetengine/internal/assets/remote"
	"github.com/listward/assetengine/internal/assets/sourceregistry"
)

// defaultAssetDelay is the inter-fetch pacing used when no delay is given
// to UpdateStart.
const defaultAssetDelay = 120 * time.Second

// manualUpdateAssetFetchPeriod is the pacing threshold at or below which a cycle
// is considered manually triggered rather than a background refresh, per
// spec.md §4.9's isUpdating definition.
const manualUpdateAssetFetchPeriod = 30 * time.Second

const assetsJSONKey = "assets.json"

const dayMillis = 24 * 60 * 60 * 1000

// Status is the scheduler's coarse cycle state.
type Status int

const (
	Idle Status = iota
	Updating
)

// StartOptions configures UpdateStart.
type StartOptions struct {
	// Delay, if set, is a ceiling on the inter-fetch pacing for this cycle.
	Delay time.Duration
	// Auto marks a background cycle; Auto cycles prefer CDN URLs
	// (remoteServerFriendly) over the origin host.
	Auto bool
}

// Scheduler is the Update Scheduler.
type Scheduler struct {
	sources *sourceregistry.Registry
	cache   *cacheregistry.Registry
	remote  *remote.Refresher
	diff    *diffupdater.Orchestrator
	fetcher *fetcher.Fetcher
	bus     *observer.Bus

	assetsJSONPath string
	debug          bool
	fetchTimeout   time.Duration

	mu         sync.Mutex
	status     Status
	assetDelay time.Duration
	auto       bool
	fetched    map[string]struct{}
	updated    []string
	timer      *time.Timer
}

// Config carries the values New needs beyond the collaborators.
type Config struct {
	AssetsJSONPath string
	Debug          bool
	FetchTimeout   time.Duration
}

// New creates a Scheduler.
func New(sources *sourceregistry.Registry, cache *cacheregistry.Registry, r *remote.Refresher, diff *diffupdater.Orchestrator, f *fetcher.Fetcher, bus *observer.Bus, config Config) *Scheduler {
	return &Scheduler{
		sources:        sources,
		cache:          cache,
		remote:         r,
		diff:           diff,
		fetcher:        f,
		bus:            bus,
		assetsJSONPath: config.AssetsJSONPath,
		debug:          config.Debug,
		fetchTimeout:   config.FetchTimeout,
		assetDelay:     defaultAssetDelay,
	}
}

// Status returns the scheduler's current cycle state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsUpdating reports whether a cycle is active and paced at manual speed
// (at or below the threshold), per spec.md §4.9.
func (s *Scheduler) IsUpdating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == Updating && s.assetDelay <= manualUpdateAssetFetchPeriod
}

// UpdateStart begins a cycle, or shortens the pacing of an already active
// one. updaterAssetDelay only ever shrinks within a cycle, never grows.
func (s *Scheduler) UpdateStart(ctx context.Context, opts StartOptions) {
	delay := opts.Delay
	if delay <= 0 {
		delay = defaultAssetDelay
	}

	s.mu.Lock()
	if delay < s.assetDelay {
		s.assetDelay = delay
	}
	s.auto = opts.Auto
	alreadyUpdating := s.status == Updating
	s.mu.Unlock()

	if alreadyUpdating {
		s.rescheduleSooner()
		return
	}

	go s.updateFirst(ctx)
}

// UpdateStop cancels the next scheduled tick. An in-flight fetch is not
// aborted; its result is still written if it arrives before updateDone.
func (s *Scheduler) UpdateStop() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	wasUpdating := s.status == Updating
	s.mu.Unlock()

	if wasUpdating {
		s.updateDone()
	}
}

func (s *Scheduler) rescheduleSooner() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = time.AfterFunc(s.assetDelay, func() { s.updateNext(context.Background()) })
}

func (s *Scheduler) updateFirst(ctx context.Context) {
	s.mu.Lock()
	s.status = Updating
	s.fetched = make(map[string]struct{})
	s.updated = nil
	s.mu.Unlock()

	candidates, err := s.diffCandidates(ctx)
	if err != nil {
		log.Printf("scheduler: diff candidate enumeration failed: %v", err)
	} else {
		changed := s.diff.Run(ctx, candidates, nowMillis(), s.fetchOptions())
		if len(changed) > 0 {
			s.mu.Lock()
			s.updated = append(s.updated, changed...)
			s.mu.Unlock()
		}
	}

	s.updateNext(ctx)
}

// diffCandidates enumerates diff-capable assets: cache entries carrying a
// non-empty diffName/diffPath pair.
func (s *Scheduler) diffCandidates(ctx context.Context) ([]diffupdater.Candidate, error) {
	keys, err := s.cache.Keys(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []diffupdater.Candidate
	for _, key := range keys {
		entry, err := s.cache.GetEntry(ctx, key)
		if err != nil || entry == nil || entry.DiffName == "" || entry.DiffPath == "" {
			continue
		}
		source, err := s.sources.Get(ctx, key)
		if err != nil || source == nil {
			continue
		}
		candidates = append(candidates, diffupdater.Candidate{
			Key:             key,
			DiffName:        entry.DiffName,
			PatchPath:       entry.DiffPath,
			CDNURLs:         source.CDNURLs,
			WriteTime:       entry.WriteTime,
			DiffExpiresDays: entry.DiffExpiresDays,
		})
	}
	return candidates, nil
}

// updateNext enumerates the remaining full-refresh candidates, vetoes GC
// of unused entries, pops the oldest-writeTime candidate due for refresh,
// and paces the next call by assetDelay.
func (s *Scheduler) updateNext(ctx context.Context) {
	s.mu.Lock()
	stopped := s.status != Updating
	s.mu.Unlock()
	if stopped {
		return
	}

	candidates, err := s.fullPhaseCandidates(ctx)
	if err != nil {
		log.Printf("scheduler: candidate enumeration failed: %v", err)
		s.updateDone()
		return
	}
	if len(candidates) == 0 {
		s.updateDone()
		return
	}

	next := candidates[0]
	s.mu.Lock()
	s.fetched[next.key] = struct{}{}
	auto := s.auto
	delay := s.assetDelay
	s.mu.Unlock()

	changed := s.refreshOne(ctx, next.key, auto)
	if changed {
		s.mu.Lock()
		s.updated = append(s.updated, next.key)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.timer = time.AfterFunc(delay, func() { s.updateNext(ctx) })
	s.mu.Unlock()
}

type candidate struct {
	key       string
	writeTime int64
}

// fullPhaseCandidates intersects the source and cache registries on
// hasRemoteURL, applies the before-asset-updated veto / GC-remove rule,
// excludes keys already fetched this cycle, rejects those not yet due
// (writeTime + updateAfter > now), and sorts oldest-writeTime-first.
func (s *Scheduler) fullPhaseCandidates(ctx context.Context) ([]candidate, error) {
	sourceSnapshot, err := s.sources.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	now := nowMillis()
	var out []candidate

	for key, source := range sourceSnapshot {
		if !source.HasRemoteURL {
			continue
		}
		s.mu.Lock()
		_, alreadyFetched := s.fetched[key]
		s.mu.Unlock()
		if alreadyFetched {
			continue
		}

		entry, err := s.cache.GetEntry(ctx, key)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}

		veto := s.bus.Fire("before-asset-updated", key)
		kept, _ := veto.(bool)
		if !kept {
			if entry.ReadTime < s.cache.StartTime() {
				s.cache.Remove(ctx, cacheregistry.ExactPattern(key))
				continue
			}
		}

		ttlDays := source.UpdateAfterDays
		if entry.ExpiresDays > 0 {
			ttlDays = entry.ExpiresDays
		}
		updateAfterMillis := int64(ttlDays * dayMillis)
		if entry.WriteTime+updateAfterMillis > now {
			continue
		}

		out = append(out, candidate{key: key, writeTime: entry.WriteTime})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].writeTime < out[j].writeTime })
	return out, nil
}

func (s *Scheduler) refreshOne(ctx context.Context, key string, auto bool) bool {
	opts := s.fetchOptions()
	opts.RemoteServerFriendly = auto

	if key == assetsJSONKey && s.debug {
		result := s.fetcher.FetchText(ctx, s.assetsJSONPath, opts)
		if result.Error != "" || result.Content == "" {
			return false
		}
		s.cache.Write(ctx, key, cacheregistry.WriteDetails{Content: result.Content})
		s.sources.UpdateAssetSourceRegistry(ctx, []byte(result.Content), false)
		return true
	}

	result, err := s.remote.GetRemote(ctx, key, opts)
	if err != nil {
		log.Printf("scheduler: getRemote(%s): %v", key, err)
		return false
	}
	if result.Error != "" || !result.Changed {
		return false
	}
	if key == assetsJSONKey {
		s.sources.UpdateAssetSourceRegistry(ctx, []byte(result.Content), false)
	}
	return true
}

func (s *Scheduler) fetchOptions() fetcher.Options {
	return fetcher.Options{Timeout: s.fetchTimeout, Debug: s.debug}
}

// updateDone finalizes a cycle: fires after-assets-updated with the
// changed keys and resets pacing to the default.
func (s *Scheduler) updateDone() {
	s.mu.Lock()
	s.timer = nil
	s.status = Idle
	changed := s.updated
	s.assetDelay = defaultAssetDelay
	s.mu.Unlock()

	s.bus.Fire("after-assets-updated", changed)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
