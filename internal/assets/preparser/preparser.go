// Package preparser is the minimal `!#if` scoping collaborator the list
// assembler (spec.md §4.4, C4) calls before scanning a fetched list for
// `!#include` directives. It does not evaluate filter rules; it only
// partitions content into the slices an adblock-style preprocessor would
// keep ("active") or drop ("inactive") for a given environment.
package preparser

import (
	"strconv"
	"strings"
)

const (
	ifPrefix    = "!#if "
	elsePrefix  = "!#else"
	endifPrefix = "!#endif"
)

// Split partitions content into slices alternating between active (even
// index) and inactive (odd index) runs of lines, with respect to nested
// `!#if <expr>` / `!#else` / `!#endif` blocks evaluated against env.
// Concatenating the returned slices in order reconstructs content exactly.
// Callers (the list assembler) emit inactive slices verbatim and scan only
// active slices for `!#include`.
func Split(content string, env map[string]bool) []string {
	lines := splitKeepEnds(content)

	var slices []string
	var current strings.Builder
	// stack of per-level active flags; overall active iff all true.
	var stack []bool
	active := func() bool {
		for _, v := range stack {
			if !v {
				return false
			}
		}
		return true
	}
	wasActive := true

	flush := func() {
		slices = append(slices, current.String())
		current.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(trimmed, ifPrefix):
			current.WriteString(line)
			expr := strings.TrimSpace(trimmed[len(ifPrefix):])
			stack = append(stack, evaluate(expr, env))
		case strings.HasPrefix(trimmed, elsePrefix) && len(stack) > 0:
			stack[len(stack)-1] = !stack[len(stack)-1]
			nowActive := active()
			if nowActive != wasActive {
				flush()
				wasActive = nowActive
			}
			current.WriteString(line)
			continue
		case strings.HasPrefix(trimmed, endifPrefix) && len(stack) > 0:
			stack = stack[:len(stack)-1]
			nowActive := active()
			if nowActive != wasActive {
				flush()
				wasActive = nowActive
			}
			current.WriteString(line)
			continue
		default:
			current.WriteString(line)
			continue
		}

		nowActive := active()
		if nowActive != wasActive {
			flush()
			wasActive = nowActive
		}
	}
	flush()

	return slices
}

// evaluate resolves a boolean expression of the form "flag", "!flag",
// "flag && flag2", "flag || flag2", or literal "true"/"false" against env.
// Unknown flags are false. This covers the `!#if` expressions filter lists
// commonly use to scope platform- or build-specific sublists; it does not
// implement full boolean-expression parsing (no parentheses, no mixed
// precedence).
func evaluate(expr string, env map[string]bool) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	if strings.Contains(expr, "&&") {
		for _, part := range strings.Split(expr, "&&") {
			if !evaluate(part, env) {
				return false
			}
		}
		return true
	}
	if strings.Contains(expr, "||") {
		for _, part := range strings.Split(expr, "||") {
			if evaluate(part, env) {
				return true
			}
		}
		return false
	}

	negate := false
	if strings.HasPrefix(expr, "!") {
		negate = true
		expr = strings.TrimSpace(expr[1:])
	}

	var result bool
	switch expr {
	case "true":
		result = true
	case "false":
		result = false
	default:
		if b, err := strconv.ParseBool(expr); err == nil {
			result = b
		} else {
			result = env[expr]
		}
	}

	if negate {
		return !result
	}
	return result
}

// splitKeepEnds splits s into lines, each retaining its trailing newline
// (the final line may lack one), so that joining the result reconstructs s.
func splitKeepEnds(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
