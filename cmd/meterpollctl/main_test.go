package main

import (
	"errors"
	"io"
	"testing"
	"time"
)

func TestParseReadingsArgs(t *testing.T) {
	t.Parallel()

	req, err := parseReadingsArgs([]string{"-table", "phase", "-page-size", "50", "-start", "2024-03-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("parseReadingsArgs: %v", err)
	}
	if req.Table != "phase" || req.PageSize != 50 || req.Start != "2024-03-01T00:00:00Z" {
		t.Fatalf("unexpected request: %#v", req)
	}

	if _, err := parseReadingsArgs([]string{"-page-size", "many"}); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestParseReadingsArgs_Tags(t *testing.T) {
	t.Parallel()

	req, err := parseReadingsArgs([]string{"-tag", "phase=2", "-tag", "line=a"})
	if err != nil {
		t.Fatalf("parseReadingsArgs: %v", err)
	}
	if len(req.Tags) != 2 || req.Tags["phase"] != "2" || req.Tags["line"] != "a" {
		t.Fatalf("tags=%v", req.Tags)
	}

	if _, err := parseReadingsArgs([]string{"-tag", "phase"}); !errors.Is(err, errUsage) {
		t.Fatalf("tag without value: expected usage error, got %v", err)
	}
}

func TestRun_Usage(t *testing.T) {
	t.Parallel()

	if err := run("127.0.0.1:1", time.Second, 0, nil, io.Discard); !errors.Is(err, errUsage) {
		t.Fatalf("no command: expected usage error, got %v", err)
	}
	if err := run("127.0.0.1:1", time.Second, 0, []string{"preview"}, io.Discard); !errors.Is(err, errUsage) {
		t.Fatalf("preview without table: expected usage error, got %v", err)
	}
	if err := run("127.0.0.1:1", time.Second, 0, []string{"reconnect"}, io.Discard); !errors.Is(err, errUsage) {
		t.Fatalf("reconnect without meter: expected usage error, got %v", err)
	}
	if err := run("127.0.0.1:1", time.Second, 0, []string{"frobnicate"}, io.Discard); !errors.Is(err, errUsage) {
		t.Fatalf("unknown command: expected usage error, got %v", err)
	}
}
