// Package metadata extracts list header fields from filter list content
// (spec.md §4.1, "Metadata Extractor" / C1).
//
// Grounded on the teacher's internal/filter/filterliststore/parseexpires.go,
// generalized from a single "! Expires:" regex to arbitrary header fields
// and the day/hour quantization rule spec.md adds on top of it.
package metadata

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// scanWindow bounds how much of the content is scanned for header fields.
const scanWindow = 1024

// fieldLineRegex matches "! Field-Name: value" / "# Field Name: value",
// case-insensitively, with '-' and whitespace interchangeable in the name.
var fieldLineRegex = regexp.MustCompile(`(?i)^[!#]\s*([A-Za-z][A-Za-z \-]*?)\s*:\s*(.*)$`)

// expiresGrammar matches "<digits><unit?>", where unit is "d"/"h" or the
// word forms "day(s)"/"hour(s)".
var expiresGrammar = regexp.MustCompile(`(?i)^\s*(\d+)\s*(days?|hours?|d|h)?\s*$`)

// templateRegex matches unresolved "%...%" template placeholders.
var templateRegex = regexp.MustCompile(`^%.*%$`)

// Fields holds the normalized values of the header fields recognized by
// this package. Zero values mean "not present" / "parse failure", per
// spec.md §4.1.
type Fields struct {
	// LastModifiedMillis is the epoch-millisecond value of the Last-Modified
	// header, or 0 if absent or unparseable.
	LastModifiedMillis int64
	// ExpiresDays is the Expires TTL in days (fractional, quantized to
	// 0.25-day steps for the hour form), or 0 if absent.
	ExpiresDays float64
	// DiffExpiresDays is the Diff-Expires TTL in days, or 0 if absent.
	DiffExpiresDays float64
	// DiffName identifies the diff bundle, or "" if absent/templated.
	DiffName string
	// DiffPath is the diff bundle's fetch path, or "" if absent/templated.
	DiffPath string
}

// normalizeFieldName normalizes a field name (lowercased, '-'/whitespace collapsed)
// to the canonical key used in Fields.
func normalizeFieldName(name string) string {
	name = strings.ToLower(name)
	name = strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, name)
	return name
}

// Extract scans the first 1 KiB of content for recognized header fields.
func Extract(content string) Fields {
	if len(content) > scanWindow {
		content = content[:scanWindow]
	}

	var fields Fields
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		matches := fieldLineRegex.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		name := normalizeFieldName(matches[1])
		value := strings.TrimSpace(matches[2])
		if templateRegex.MatchString(value) {
			// Unresolved template placeholder; treat as absent.
			continue
		}

		switch name {
		case "lastmodified":
			fields.LastModifiedMillis = parseLastModified(value)
		case "expires":
			fields.ExpiresDays = floorAtLeast(parseExpires(value), 0.5)
		case "diffexpires":
			fields.DiffExpiresDays = floorAtLeast(parseExpires(value), 0.25)
		case "diffname":
			fields.DiffName = value
		case "diffpath":
			fields.DiffPath = value
		}
	}

	return fields
}

// parseLastModified parses an HTTP-date (as used in Last-Modified headers)
// into epoch milliseconds, returning 0 on failure.
func parseLastModified(value string) int64 {
	layouts := []string{
		time.RFC1123,
		time.RFC1123Z,
		time.RFC850,
		time.ANSIC,
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// parseExpires parses the grammar "(\d+)\s*(days?|hours?|d|h)?", returning
// days. A bare number, or one followed by "d"/"day"/"days", is interpreted
// as days. Hours (in any of their forms) are converted to days and
// quantized to 0.25-day steps, per spec.md §4.1: ceil(h/6)/4.
func parseExpires(value string) float64 {
	matches := expiresGrammar.FindStringSubmatch(value)
	if matches == nil {
		return 0
	}
	amount, err := strconv.Atoi(matches[1])
	if err != nil || amount <= 0 {
		return 0
	}

	unit := strings.ToLower(matches[2])
	if strings.HasPrefix(unit, "h") {
		return math.Ceil(float64(amount)/6) / 4
	}
	return float64(amount)
}

func floorAtLeast(days, floor float64) float64 {
	if days <= 0 {
		return 0
	}
	if days < floor {
		return floor
	}
	return days
}

// IsDiffUpdatableAsset reports whether content carries a usable (non-empty,
// non-template) Diff-Path, per spec.md §4.1.
func IsDiffUpdatableAsset(content string) bool {
	return Extract(content).DiffPath != ""
}

// ResourceTime derives the authoritative origin timestamp of a fetched
// resource: the content's own Last-Modified field if present, else the
// HTTP Date header minus Age seconds. Returns 0 if neither source yields a
// timestamp.
func ResourceTime(content, dateHeader, ageHeader string) int64 {
	if fields := Extract(content); fields.LastModifiedMillis > 0 {
		return fields.LastModifiedMillis
	}
	if dateHeader == "" {
		return 0
	}
	date := parseLastModified(dateHeader)
	if date == 0 {
		return 0
	}
	var ageSeconds int64
	if ageHeader != "" {
		if v, err := strconv.ParseInt(ageHeader, 10, 64); err == nil {
			ageSeconds = v
		}
	}
	return date - ageSeconds*1000
}
