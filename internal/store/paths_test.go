package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveStateDir_ExpandsHomeShortcut(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("user home dir: %v", err)
	}

	got, err := ResolveStateDir("~/.kura")
	if err != nil {
		t.Fatalf("resolve state dir: %v", err)
	}

	want := filepath.Join(home, ".kura")
	if got != want {
		t.Fatalf("path mismatch: got %q want %q", got, want)
	}

	got, err = ResolveStateDir("  ")
	if err != nil {
		t.Fatalf("resolve default state dir: %v", err)
	}
	if got != want {
		t.Fatalf("default mismatch: got %q want %q", got, want)
	}
}

func TestStateFilePaths(t *testing.T) {
	if got := LockPath("/var/lib/kura"); got != "/var/lib/kura/kura.lock" {
		t.Fatalf("unexpected lock path %q", got)
	}
	if got := StatePath("/var/lib/kura"); got != "/var/lib/kura/state.json" {
		t.Fatalf("unexpected state path %q", got)
	}
}
