package cacheregistry

import (
	"regexp"
	"strings"

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

// Entry is a Cache Registry entry: everything known about a cached asset
// except its content, which lives in a sibling storage blob.
type Entry struct {
	WriteTime       int64   `json:"writeTime"`
	ReadTime        int64   `json:"readTime"`
	ResourceTime    int64   `json:"resourceTime"`
	RemoteURL       string  `json:"remoteURL,omitempty"`
	ExpiresDays     float64 `json:"expires,omitempty"`
	DiffExpiresDays float64 `json:"diffExpires,omitempty"`
	DiffName        string  `json:"diffName,omitempty"`
	DiffPath        string  `json:"diffPath,omitempty"`
}

// Patch carries the fields of a setDetails call.
type Patch struct {
	WriteTime       Option[int64]
	ResourceTime    Option[int64]
	RemoteURL       Option[string]
	ExpiresDays     Option[float64]
	DiffExpiresDays Option[float64]
	DiffName        Option[string]
	DiffPath        Option[string]
}

func (e *Entry) apply(patch Patch) {
	patch.WriteTime.Apply(&e.WriteTime)
	patch.ResourceTime.Apply(&e.ResourceTime)
	patch.RemoteURL.Apply(&e.RemoteURL)
	patch.ExpiresDays.Apply(&e.ExpiresDays)
	patch.DiffExpiresDays.Apply(&e.DiffExpiresDays)
	patch.DiffName.Apply(&e.DiffName)
	patch.DiffPath.Apply(&e.DiffPath)
}

// Pattern selects entries for Remove/MarkAsDirty: an exact key, a regular
// expression, or membership in an explicit key list (spec.md §4.6).
type Pattern struct {
	exact  string
	regexp *regexp.Regexp
	keys   map[string]struct{}
}

// ExactPattern matches a single key.
func ExactPattern(key string) Pattern {
	return Pattern{exact: key}
}

// RegexpPattern matches any key re matches.
func RegexpPattern(re *regexp.Regexp) Pattern {
	return Pattern{regexp: re}
}

// KeysPattern matches membership in keys.
func KeysPattern(keys []string) Pattern {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return Pattern{keys: set}
}

func (p Pattern) matches(key string) bool {
	switch {
	case p.regexp != nil:
		return p.regexp.MatchString(key)
	case p.keys != nil:
		_, ok := p.keys[key]
		return ok
	default:
		return key == p.exact
	}
}

// isCompiledOrSelfie reports whether key is under the compiled/ or selfie/
// namespaces, which skip updateReadTime to avoid launch-time writes.
func isCompiledOrSelfie(key string) bool {
	return strings.HasPrefix(key, "compiled/") || strings.HasPrefix(key, "selfie/")
}
