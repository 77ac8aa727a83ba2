// Package match provides glob matching for archive entry paths using
// doublestar semantics: '*' matches within one path segment and '**'
// matches across segments.
package match

import (
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizeEntryName converts an archive entry name to the form patterns are
// matched against: forward slashes and no leading "./" or "/".
//
// Zip tools on Windows occasionally store backslash separators even though
// the format requires '/'.
//
//	"./reports/a.xml"   → "reports/a.xml"
//	"/reports/a.xml"    → "reports/a.xml"
//	"reports\a.xml"     → "reports/a.xml"
func NormalizeEntryName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	for {
		switch {
		case strings.HasPrefix(name, "./"):
			name = name[2:]
		case strings.HasPrefix(name, "/"):
			name = name[1:]
		default:
			return name
		}
	}
}

// NormalizePattern converts a user-provided glob pattern to canonical form.
//
// Normalization rules:
//   - Surrounding whitespace trimmed
//   - Unescaped backslashes converted to forward slashes (Windows compat)
//   - Escaped backslashes and glob metacharacters preserved (\*, \?, \[, etc.)
//   - A leading "./" or "/" removed, matching NormalizeEntryName
//
// Examples:
//
//	"TestResults/**"        → "TestResults/**"
//	"out\unit\a.xml"        → "out/unit/a.xml"
//	"out/file\*.xml"        → "out/file\*.xml"   (escape preserved)
//	"./coverage.xml"        → "coverage.xml"
func NormalizePattern(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if r == '\\' && i+1 < len(runes) {
			next := runes[i+1]
			if strings.ContainsRune(globEscapable, next) {
				result.WriteRune('\\')
				result.WriteRune(next)
				i++
				continue
			}
			result.WriteRune('/')
			continue
		}

		if r == '\\' {
			result.WriteRune('/')
			continue
		}

		result.WriteRune(r)
	}

	out := result.String()
	for {
		switch {
		case strings.HasPrefix(out, "./"):
			out = out[2:]
		case strings.HasPrefix(out, "/"):
			out = out[1:]
		default:
			return out
		}
	}
}

// SplitPatterns splits a pattern list given as one string. Patterns may be
// separated by ';', ',' outside braces, or newlines. Blank entries are dropped.
//
//	"**/*.trx;coverage/*.xml"   → ["**/*.trx", "coverage/*.xml"]
//	"**/*.{xml,json}"          → ["**/*.{xml,json}"]
func SplitPatterns(s string) []string {
	var (
		out   []string
		cur   strings.Builder
		depth int
	)
	flush := func() {
		if p := strings.TrimSpace(cur.String()); p != "" {
			out = append(out, p)
		}
		cur.Reset()
	}
	for _, r := range s {
		switch {
		case r == '{':
			depth++
		case r == '}' && depth > 0:
			depth--
		case r == ';' || r == '\n' || r == '\r' || (r == ',' && depth == 0):
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}

// IsHidden returns true if any path segment starts with a dot.
//
//	"path/to/file.txt"      → false
//	".hidden/file.txt"      → true
//	"path/.hidden/file.txt" → true
//	"path/to/file.txt."     → false (dot at end is not hidden)
func IsHidden(name string) bool {
	if name == "" {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg != "" && seg != "." && seg != ".." && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
