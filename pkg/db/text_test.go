package db

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateTextKeepsRunesWhole(t *testing.T) {
	cases := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"ascii", "abcdef", 4, "abcd"},
		{"two byte rune", "aé", 2, "a"},
		{"three byte rune", "ab€", 4, "ab"},
		{"boundary", "ab€c", 5, "ab€"},
		{"zero", "abc", 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TruncateText(tc.in, tc.n)
			if got != tc.want {
				t.Fatalf("TruncateText(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("TruncateText(%q, %d) produced invalid UTF-8", tc.in, tc.n)
			}
		})
	}
}

func TestTruncateTextLongMultibyteMessage(t *testing.T) {
	msg := strings.Repeat("ü", 400)
	got := TruncateText(msg, 500)
	if len(got) != 500 || !utf8.ValidString(got) {
		t.Fatalf("unexpected truncation: len=%d valid=%v", len(got), utf8.ValidString(got))
	}
	odd := TruncateText("x"+msg, 500)
	if len(odd) != 499 || !utf8.ValidString(odd) {
		t.Fatalf("unexpected truncation: len=%d valid=%v", len(odd), utf8.ValidString(odd))
	}
}
