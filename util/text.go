package util

import (
	"unicode/utf8"
)

// Shortens s to at most n bytes (plus a "..." marker), cutting on a rune boundary so the result stays valid UTF-8. Used for log lines and notifications.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return "..."
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
