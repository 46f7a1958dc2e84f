package postgres

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/jkaninda/runbox/internal/storage"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"abcdef", 3, "abc"},
		{"héllo", 2, "h"}, // é is two bytes; never split it
		{"", 0, ""},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.n)
		}
	}

	long := strings.Repeat("x", maxCommandLen+10)
	if m := toExecutionModel(&storage.Execution{Command: long}); len(m.Command) != maxCommandLen {
		t.Errorf("stored command len = %d, want %d", len(m.Command), maxCommandLen)
	}
}
