package tgui

import "unicode/utf8"

// TruncRunes cuts s to at most n runes. A cut string ends in "…", which
// counts toward n.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	kept := 0
	for i := range s {
		if kept == n-1 {
			return s[:i] + "…"
		}
		kept++
	}
	return s
}
