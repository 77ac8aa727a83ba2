package match

import (
	"errors"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates glob patterns against archive entry paths.
//
// A Matcher is configured with include and exclude patterns:
//   - Include patterns: entry must match at least one
//   - Exclude patterns: entry must not match any
//
// Matching is case-sensitive and anchored to the whole path. The Matcher is
// safe for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	includeHidden bool
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns that entries must match (at least one).
	Includes []string

	// Excludes are glob patterns that entries must not match (any).
	Excludes []string

	// IncludeHidden controls whether entries with a path segment starting
	// with '.' can match.
	IncludeHidden bool
}

// Errors returned by Matcher operations.
var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher. Patterns are normalized so Windows-style
// separators work while escapes for literal metacharacters survive.
// Blank patterns are ignored.
func New(cfg Config) (*Matcher, error) {
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	if len(includes) == 0 {
		return nil, ErrNoIncludes
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}
	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		includeHidden: cfg.IncludeHidden,
	}, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		normalized := NormalizePattern(r)
		if normalized == "" {
			continue
		}
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: r, Err: ErrInvalidPattern}
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}

// Match reports whether name matches at least one include pattern, no
// exclude pattern, and is not hidden (unless IncludeHidden is set).
func (m *Matcher) Match(name string) bool {
	_, ok := m.MatchingPattern(name)
	return ok
}

// MatchingPattern returns the first include pattern that selects name.
func (m *Matcher) MatchingPattern(name string) (string, bool) {
	if !m.includeHidden && IsHidden(name) {
		return "", false
	}

	var hit string
	for _, inc := range m.includes {
		if matchPattern(inc, name) {
			hit = inc
			break
		}
	}
	if hit == "" {
		return "", false
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, name) {
			return "", false
		}
	}
	return hit, true
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

func matchPattern(pattern, name string) bool {
	matched, err := doublestar.Match(pattern, name)
	if err != nil {
		// validated in New
		return false
	}
	return matched
}
