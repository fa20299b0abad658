package db

import "unicode/utf8"

// TruncateText caps v at n bytes without splitting a UTF-8 sequence, so the
// result is always valid for postgres TEXT columns.
func TruncateText(v string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(v) <= n {
		return v
	}
	for n > 0 && !utf8.RuneStart(v[n]) {
		n--
	}
	return v[:n]
}
