// Package diffupdater drives a patch worker over a message-typed channel
// pair to apply small diffs to existing cached content instead of
// refetching whole lists (spec.md §4.10, "Diff Orchestrator" / C10).
//
// The broadcast-channel worker protocol from the original collapses to a
// bidirectional Go channel pair between host and worker goroutine, per
// spec.md §9's design note on worker communication.
package diffupdater

import (
	"context"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/listward/assetengine/internal/assets/cacheregistry"
	"github.com/listward/assetengine/internal/assets/fetcher"
	"github.com/listward/assetengine/internal/assets/metadata"
)

// Candidate is a diff-capable asset considered for this diff phase.
type Candidate struct {
	Key             string
	DiffName        string
	PatchPath       string
	CDNURLs         []string
	WriteTime       int64
	DiffExpiresDays float64
}

// descriptor is what the host posts to the worker for one candidate.
type descriptor struct {
	name      string
	diffName  string
	patchPath string
	cdnURLs   []string
	fetch     bool
}

// Messages exchanged between host and worker.
type readyMsg struct{}
type postMsg struct{ d descriptor }
type needTextMsg struct{ name string }
type textMsg struct {
	name string
	text string
}
type updatedMsg struct {
	name      string
	text      string
	patchURL  string
	patchSize int
}
type errorMsg struct {
	name string
	err  string
}
type brokenMsg struct{ err string }

// Orchestrator is the Diff Orchestrator.
type Orchestrator struct {
	fetcher *fetcher.Fetcher
	cache   *cacheregistry.Registry
}

// New creates an Orchestrator.
func New(f *fetcher.Fetcher, cache *cacheregistry.Registry) *Orchestrator {
	return &Orchestrator{fetcher: f, cache: cache}
}

// Partition splits candidates into hard (TTL-expired, refresh now) and
// soft (within the diff-expiry window) groups.
func Partition(candidates []Candidate, now int64) (hard, soft []Candidate) {
	for _, c := range candidates {
		expiresAt := c.WriteTime + int64(c.DiffExpiresDays*24*60*60*1000)
		if c.WriteTime == 0 || expiresAt <= now {
			hard = append(hard, c)
		} else {
			soft = append(soft, c)
		}
	}
	return hard, soft
}

// Run executes one diff phase: if there are no hard candidates the phase
// is skipped entirely. Returns the keys whose content actually changed.
func (o *Orchestrator) Run(ctx context.Context, candidates []Candidate, now int64, fetchOpts fetcher.Options) []string {
	hard, soft := Partition(candidates, now)
	if len(hard) == 0 {
		return nil
	}

	toWorker := make(chan any)
	toHost := make(chan any)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go o.runWorker(workerCtx, toWorker, toHost, fetchOpts)

	var updated []string
	pending := 0
	postedSoft := false

	for msg := range toHost {
		switch m := msg.(type) {
		case readyMsg:
			for _, c := range hard {
				toWorker <- postMsg{d: toDescriptor(c, true)}
			}
			pending = len(hard)

		case needTextMsg:
			read, err := o.cache.Read(ctx, m.name, false)
			content := ""
			if err == nil {
				content = read.Content
			}
			toWorker <- textMsg{name: m.name, text: content}

		case updatedMsg:
			fields := metadata.Extract(m.text)
			o.cache.Write(ctx, m.name, cacheregistry.WriteDetails{
				Content:      m.text,
				ResourceTime: fields.LastModifiedMillis,
			})
			o.cache.SetDetails(ctx, m.name, cacheregistry.Patch{
				ExpiresDays:     cacheregistry.Set(fields.ExpiresDays),
				DiffExpiresDays: cacheregistry.Set(fields.DiffExpiresDays),
				DiffName:        cacheregistry.Set(fields.DiffName),
				DiffPath:        cacheregistry.Set(fields.DiffPath),
			})
			updated = append(updated, m.name)
			pending--
			if pending == 0 {
				if !postedSoft && len(soft) > 0 {
					postedSoft = true
					for _, c := range soft {
						toWorker <- postMsg{d: toDescriptor(c, false)}
					}
					pending = len(soft)
					continue
				}
				close(toWorker)
				return updated
			}

		case errorMsg:
			pending--
			if pending == 0 {
				if !postedSoft && len(soft) > 0 {
					postedSoft = true
					for _, c := range soft {
						toWorker <- postMsg{d: toDescriptor(c, false)}
					}
					pending = len(soft)
					continue
				}
				close(toWorker)
				return updated
			}

		case brokenMsg:
			cancel()
			return updated
		}
	}

	return updated
}

func toDescriptor(c Candidate, fetch bool) descriptor {
	return descriptor{name: c.Key, diffName: c.DiffName, patchPath: c.PatchPath, cdnURLs: c.CDNURLs, fetch: fetch}
}

// runWorker is the default worker: for each posted descriptor it fetches
// the patch bundle, requests the asset's current text, applies the patch,
// and reports the result. A real deployment could substitute a process- or
// machine-isolated worker behind the same channel protocol.
func (o *Orchestrator) runWorker(ctx context.Context, toWorker <-chan any, toHost chan<- any, fetchOpts fetcher.Options) {
	select {
	case toHost <- readyMsg{}:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-toWorker:
			if !ok {
				return
			}
			post, ok := msg.(postMsg)
			if !ok {
				continue
			}
			o.processDescriptor(ctx, post.d, toWorker, toHost, fetchOpts)
		}
	}
}

func (o *Orchestrator) processDescriptor(ctx context.Context, d descriptor, toWorker <-chan any, toHost chan<- any, fetchOpts fetcher.Options) {
	patchURL := d.patchPath
	urls := append([]string{patchURL}, d.cdnURLs...)

	var patchText string
	for _, url := range urls {
		if url == "" {
			continue
		}
		result := o.fetcher.FetchText(ctx, url, fetchOpts)
		if result.Error == "" && result.Content != "" {
			patchText = result.Content
			patchURL = url
			break
		}
	}
	if patchText == "" {
		send(ctx, toHost, errorMsg{name: d.name, err: "diff fetch failed"})
		return
	}

	fileDiffs, err := diff.ParseMultiFileDiff([]byte(patchText))
	if err != nil || len(fileDiffs) == 0 {
		send(ctx, toHost, errorMsg{name: d.name, err: "diff parse failed"})
		return
	}

	send(ctx, toHost, needTextMsg{name: d.name})
	var original string
	select {
	case msg := <-toWorker:
		if t, ok := msg.(textMsg); ok {
			original = t.text
		}
	case <-ctx.Done():
		return
	case <-time.After(30 * time.Second):
		send(ctx, toHost, errorMsg{name: d.name, err: "needtext timeout"})
		return
	}

	patched, err := applyFileDiff([]byte(original), fileDiffs[0])
	if err != nil {
		send(ctx, toHost, errorMsg{name: d.name, err: err.Error()})
		return
	}

	send(ctx, toHost, updatedMsg{name: d.name, text: string(patched), patchURL: patchURL, patchSize: len(patchText)})
}

func send(ctx context.Context, ch chan<- any, msg any) {
	select {
	case ch <- msg:
	case <-ctx.Done():
	}
}

// applyFileDiff applies a single unified-diff hunk set to original content,
// adapted from the teacher pack's patch-application walk over hunk bodies
// (line-by-line +/-/context classification) to a single in-memory text
// blob rather than a file on disk.
func applyFileDiff(original []byte, fileDiff *diff.FileDiff) ([]byte, error) {
	if len(original) == 0 {
		var lines []string
		for _, hunk := range fileDiff.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					lines = append(lines, strings.TrimPrefix(line, "+"))
				}
			}
		}
		return []byte(strings.Join(lines, "\n")), nil
	}

	origLines := strings.Split(string(original), "\n")
	newLines := make([]string, 0, len(origLines))
	origIdx := 0

	for _, hunk := range fileDiff.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		for origIdx < hunkStart && origIdx < len(origLines) {
			newLines = append(newLines, origLines[origIdx])
			origIdx++
		}

		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				newLines = append(newLines, strings.TrimPrefix(line, "+"))
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				origIdx++
			case strings.HasPrefix(line, " ") || line == "":
				if origIdx < len(origLines) {
					newLines = append(newLines, origLines[origIdx])
					origIdx++
				}
			}
		}
	}

	for origIdx < len(origLines) {
		newLines = append(newLines, origLines[origIdx])
		origIdx++
	}

	return []byte(strings.Join(newLines, "\n")), nil
}
