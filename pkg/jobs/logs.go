package jobs

import (
	"unicode/utf8"

	"github.com/acarl005/stripansi"
)

// SanitizeLog strips ANSI escape sequences from s and keeps at most max
// trailing bytes, cut on a rune boundary. max < 0 disables truncation.
func SanitizeLog(s string, max int) string {
	s = stripansi.Strip(s)
	if max < 0 || len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
