package main

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ level, format string }{
		{"info", "text"},
		{"DEBUG", "json"},
		{"warn", ""},
	} {
		if _, err := newLogger(io.Discard, tc.level, tc.format); err != nil {
			t.Fatalf("newLogger(%q, %q): %v", tc.level, tc.format, err)
		}
	}
	if _, err := newLogger(io.Discard, "loud", "text"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := newLogger(io.Discard, "info", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestCheckModel(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	err := checkModel(&b, []string{"broken", "phase"}, func(name string) error {
		if name == "broken" {
			return errors.New("malformed table: broken")
		}
		return nil
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if got, want := b.String(), "FAIL broken: malformed table: broken\nok   phase\n"; got != want {
		t.Fatalf("output=%q want %q", got, want)
	}
}
