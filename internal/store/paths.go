package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/kura/internal/config"
)

const (
	lockFileName  = "kura.lock"
	stateFileName = "state.json"
)

// ResolveStateDir expands the configured state directory, falling back to ~/.kura.
func ResolveStateDir(stateDir string) (string, error) {
	if trimmed := strings.TrimSpace(stateDir); trimmed != "" {
		return config.ExpandPath(trimmed)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kura"), nil
}

// LockPath returns the lock file path inside a state directory.
func LockPath(stateDir string) string {
	return filepath.Join(stateDir, lockFileName)
}

// StatePath returns the registry snapshot path inside a state directory.
func StatePath(stateDir string) string {
	return filepath.Join(stateDir, stateFileName)
}
