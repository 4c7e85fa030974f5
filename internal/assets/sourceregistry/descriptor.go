package sourceregistry

import (
	"regexp"

	"github.com/listward/assetengine/internal/assets/optional"
)

// Option is re-exported for callers constructing a Patch.
type Option[T any] struct {
	optional.Option[T]
}

// Set builds an Option that overwrites the target field with v.
func Set[T any](v T) Option[T] { return Option[T]{optional.Set(v)} }

// Clear builds an Option that resets the target field to its zero value.
func Clear[T any]() Option[T] { return Option[T]{optional.Clear[T]()} }

// remoteURLRegex is the exact external-URL test the hasRemoteURL invariant
// is defined against (spec.md §8): "^[a-z-]+://". It is intentionally
// narrower than fetcher.IsExternal, which governs actual fetch behavior
// (cache-busting, etc); the two tests are kept separate because the
// original system drew them from different call sites.
var remoteURLRegex = regexp.MustCompile(`(?i)^[a-z-]+://`)

// ErrorInfo is the lastError field of a Descriptor.
type ErrorInfo struct {
	Time  int64  `json:"time"`
	Error string `json:"error"`
}

// Descriptor is a Source Registry entry: where an asset can be fetched
// from, how often, and ancillary status.
type Descriptor struct {
	ContentURL      []string   `json:"contentURL,omitempty"`
	CDNURLs         []string   `json:"cdnURLs,omitempty"`
	Content         string     `json:"content,omitempty"`
	UpdateAfterDays float64    `json:"updateAfter,omitempty"`
	HasLocalURL     bool       `json:"hasLocalURL"`
	HasRemoteURL    bool       `json:"hasRemoteURL"`
	Off             bool       `json:"off,omitempty"`
	External        bool       `json:"external,omitempty"`
	Submitter       string     `json:"submitter,omitempty"`
	SubmitTime      int64      `json:"submitTime,omitempty"`
	LastError       *ErrorInfo `json:"lastError,omitempty"`
	Birthtime       int64      `json:"birthtime,omitempty"`

	// DefaultListset is only meaningful on the "assets.json" entry itself:
	// the keys whose descriptor has content == "filters" and is not off,
	// recomputed automatically on every assets.json ingestion.
	DefaultListset []string `json:"defaultListset,omitempty"`
}

// defaultListsetFor stamps the computed default listset onto the
// assets.json entry.
func (d *Descriptor) defaultListsetFor(keys []string) {
	d.DefaultListset = keys
}

// Patch carries the fields of a registration call; each field distinguishes
// "not mentioned" (Option zero value) from "set" and "cleared".
type Patch struct {
	ContentURL      Option[[]string]
	CDNURLs         Option[[]string]
	Content         Option[string]
	UpdateAfterDays Option[float64]
	Off             Option[bool]
	External        Option[bool]
	Submitter       Option[string]
	LastError       Option[*ErrorInfo]
	Birthtime       Option[int64]
}

// apply merges patch into d, then recomputes derived fields.
func (d *Descriptor) apply(patch Patch, now int64) {
	patch.ContentURL.Apply(&d.ContentURL)
	patch.CDNURLs.Apply(&d.CDNURLs)
	patch.Content.Apply(&d.Content)
	patch.UpdateAfterDays.Apply(&d.UpdateAfterDays)
	patch.Off.Apply(&d.Off)
	patch.External.Apply(&d.External)
	patch.Submitter.Apply(&d.Submitter)
	patch.LastError.Apply(&d.LastError)
	patch.Birthtime.Apply(&d.Birthtime)

	d.HasLocalURL, d.HasRemoteURL = classifyURLs(d.ContentURL)

	if d.Submitter != "" {
		d.SubmitTime = now
	}
}

// classifyURLs derives hasLocalURL/hasRemoteURL from a content URL list.
func classifyURLs(urls []string) (hasLocal, hasRemote bool) {
	for _, u := range urls {
		if remoteURLRegex.MatchString(u) {
			hasRemote = true
		} else {
			hasLocal = true
		}
	}
	return hasLocal, hasRemote
}

// NormalizeContentURL turns a scalar into a singleton sequence and a nil
// slice into an empty one, per the Source Descriptor's contentURL
// normalization rule (spec.md §3).
func NormalizeContentURL(urls []string, scalar string) []string {
	if urls != nil {
		return urls
	}
	if scalar == "" {
		return []string{}
	}
	return []string{scalar}
}
