package agentbridge

import (
	"os"
	"path/filepath"
)

// Home returns the daemon's home directory.
// It defaults to ~/.agentbridge but can be overridden with the
// AGENTBRIDGE_HOME environment variable.
func Home() string {
	if v := os.Getenv("AGENTBRIDGE_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentbridge")
}

// DefaultDBPath returns the default SQLite database path
// (~/.agentbridge/agentbridge.db).
func DefaultDBPath() string {
	return filepath.Join(Home(), "agentbridge.db")
}

// DefaultLockPath returns the default single-instance lock file path.
func DefaultLockPath() string {
	return filepath.Join(Home(), "agentbridge.lock")
}

// OfficeDailyPath returns the directory the companion loop writes its
// daily digest and weekly review notes into.
func OfficeDailyPath() string {
	return filepath.Join(Home(), "office", "daily")
}

// WorkspacesPath returns the directory the sandbox's workspace alias
// registry persists under.
func WorkspacesPath() string {
	return filepath.Join(Home(), "workspaces")
}

// EnsureHome creates the daemon's home directories if they don't exist.
func EnsureHome() error {
	if err := os.MkdirAll(OfficeDailyPath(), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(WorkspacesPath(), 0o755)
}
