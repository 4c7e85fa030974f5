// Package listassembler recursively fetches a filter list and splices in
// its `!#include` sublists (spec.md §4.4, "List Assembler" / C4).
package listassembler

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/listward/assetengine/internal/assets/fetcher"
	"github.com/listward/assetengine/internal/assets/metadata"
	"github.com/listward/assetengine/internal/assets/preparser"
)

// includeLineRegex matches "!#include <path>" at the start of a line,
// separated by one or more spaces/tabs.
var includeLineRegex = regexp.MustCompile(`(?m)^!#include[ \t]+(\S+)`)

// Result is what Assemble reports.
type Result struct {
	URL          string
	Content      string
	ResourceTime int64
	Error        string
}

// Assembler fetches a list and its sublists through an injected Fetcher.
type Assembler struct {
	fetcher *fetcher.Fetcher
}

// New creates an Assembler that fetches through f.
func New(f *fetcher.Fetcher) *Assembler {
	return &Assembler{fetcher: f}
}

// Assemble fetches mainListURL and recursively inlines its `!#include`
// sublists. Any sublist failure aborts the whole assembly atomically: the
// returned Result carries only an Error, never partial content.
func (a *Assembler) Assemble(ctx context.Context, mainListURL string, opts fetcher.Options) Result {
	seen := map[string]struct{}{mainListURL: {}}

	content, resourceTime, errMsg := a.resolve(ctx, mainListURL, true, seen, opts)
	if errMsg != "" {
		return Result{URL: mainListURL, Error: errMsg}
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return Result{URL: mainListURL, Content: content, ResourceTime: resourceTime}
}

// resolve fetches url and, unless it is the root list's own diff-updatable
// content (which manages its own composition), expands its includes.
func (a *Assembler) resolve(ctx context.Context, rawURL string, isRoot bool, seen map[string]struct{}, opts fetcher.Options) (string, int64, string) {
	result := a.fetcher.FetchText(ctx, rawURL, opts)
	if result.Error != "" {
		return "", 0, result.Error
	}

	var dateHeader, ageHeader string
	if result.Headers != nil {
		dateHeader = result.Headers.Get("Date")
		ageHeader = result.Headers.Get("Age")
	}
	resourceTime := metadata.ResourceTime(result.Content, dateHeader, ageHeader)

	if isRoot && metadata.IsDiffUpdatableAsset(result.Content) {
		return result.Content, resourceTime, ""
	}

	expanded, subResourceTime, errMsg := a.expandIncludes(ctx, rawURL, result.Content, seen, opts)
	if errMsg != "" {
		return "", 0, errMsg
	}
	if subResourceTime > resourceTime {
		resourceTime = subResourceTime
	}
	return expanded, resourceTime, ""
}

// expandIncludes splits content into !#if-scoped slices, emits inactive
// slices verbatim, and recursively splices any `!#include` directive found
// in active slices. Sublist paths are resolved relative to parentURL (the
// list currently being scanned), not the root list.
func (a *Assembler) expandIncludes(ctx context.Context, parentURL, content string, seen map[string]struct{}, opts fetcher.Options) (string, int64, string) {
	slices := preparser.Split(content, nil)

	var out strings.Builder
	var maxResourceTime int64

	for i, slice := range slices {
		if i%2 == 1 {
			// Inactive slice (inside an excluded !#if block): emitted
			// verbatim, never scanned for includes.
			out.WriteString(slice)
			continue
		}

		remaining := slice
		for {
			loc := includeLineRegex.FindStringSubmatchIndex(remaining)
			if loc == nil {
				out.WriteString(remaining)
				break
			}

			lineEnd := loc[1]
			if idx := strings.IndexByte(remaining[lineEnd:], '\n'); idx >= 0 {
				lineEnd += idx + 1
			} else {
				lineEnd = len(remaining)
			}

			path := remaining[loc[2]:loc[3]]
			out.WriteString(remaining[:lineEnd])
			remaining = remaining[lineEnd:]

			if fetcher.IsExternal(path) || strings.Contains(path, "..") {
				// Skipped: absolute URL or path-traversal attempt. The
				// include line itself was already emitted verbatim above.
				continue
			}

			subURL, err := resolveRelative(parentURL, path)
			if err != nil {
				continue
			}
			if _, dup := seen[subURL]; dup {
				continue
			}
			seen[subURL] = struct{}{}

			subContent, subResourceTime, errMsg := a.resolve(ctx, subURL, false, seen, opts)
			if errMsg != "" {
				return "", 0, errMsg
			}
			if subResourceTime > maxResourceTime {
				maxResourceTime = subResourceTime
			}

			fmt.Fprintf(&out, "! >>>>>>>> %s\n", subURL)
			out.WriteString(subContent)
			fmt.Fprintf(&out, "! <<<<<<<< %s\n", subURL)
		}
	}

	return out.String(), maxResourceTime, ""
}

// resolveRelative resolves path against parentURL's directory, the way a
// browser resolves a relative link: "a/b/c.txt" + "d.txt" -> "a/b/d.txt".
func resolveRelative(parentURL, path string) (string, error) {
	base, err := url.Parse(parentURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
