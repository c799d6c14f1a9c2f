package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StaleWorkspaceAge is how long a workspace alias can go untouched
// before ArchiveStale moves its directory out of the active tree (30
// days, unchanged since nothing about this daemon's usage pattern
// argues for a different cadence).
const StaleWorkspaceAge = 30 * 24 * time.Hour

// WorkspaceMeta tracks one workspace alias's lifecycle: when it was
// first seen and when a connector turn last touched it.
type WorkspaceMeta struct {
	Alias      string    `json:"alias"`
	Created    time.Time `json:"created"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// WorkspaceRegistry persists WorkspaceMeta for every alias the
// connector has ever run against, so stale ones can be archived
// without a directory walk guessing at staleness from mtimes alone.
// A JSON-file-backed map guarded by a mutex, loaded once at startup
// and rewritten after every mutation.
type WorkspaceRegistry struct {
	baseDir string
	mu      sync.Mutex
	entries map[string]*WorkspaceMeta
}

// NewWorkspaceRegistry loads (or starts) the registry under baseDir
// (normally agentbridge.WorkspacesPath()).
func NewWorkspaceRegistry(baseDir string) (*WorkspaceRegistry, error) {
	r := &WorkspaceRegistry{baseDir: baseDir, entries: make(map[string]*WorkspaceMeta)}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	if err := r.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return r, nil
}

func (r *WorkspaceRegistry) registryPath() string {
	return filepath.Join(r.baseDir, "registry.json")
}

func (r *WorkspaceRegistry) load() error {
	data, err := os.ReadFile(r.registryPath())
	if err != nil {
		return err
	}
	var entries []*WorkspaceMeta
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.entries[e.Alias] = e
	}
	return nil
}

func (r *WorkspaceRegistry) save() error {
	r.mu.Lock()
	entries := make([]*WorkspaceMeta, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.registryPath(), data, 0o644)
}

// Touch records that alias was used just now, creating its entry if
// this is the first time the connector has run against it.
func (r *WorkspaceRegistry) Touch(alias string) error {
	now := time.Now()
	r.mu.Lock()
	e, ok := r.entries[alias]
	if !ok {
		e = &WorkspaceMeta{Alias: alias, Created: now}
		r.entries[alias] = e
	}
	e.LastUsedAt = now
	r.mu.Unlock()
	return r.save()
}

// List returns every tracked workspace alias's metadata.
func (r *WorkspaceRegistry) List() []*WorkspaceMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*WorkspaceMeta, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// ArchiveStale moves the on-disk directory of every alias untouched
// for longer than maxAge into baseDir/archive, removes its sandbox
// container if one exists, and drops it from the registry.
func (r *WorkspaceRegistry) ArchiveStale(ctx context.Context, mgr *Manager, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []string
	for alias, e := range r.entries {
		if e.LastUsedAt.Before(cutoff) {
			stale = append(stale, alias)
		}
	}
	r.mu.Unlock()

	if len(stale) == 0 {
		return nil, nil
	}

	archiveDir := filepath.Join(r.baseDir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create archive dir: %w", err)
	}

	var archived []string
	for _, alias := range stale {
		if mgr != nil && mgr.IsAvailable() {
			_ = mgr.StopWorkspace(ctx, alias)
			_ = mgr.RemoveWorkspace(ctx, alias)
		}

		src := filepath.Join(r.baseDir, alias)
		dst := filepath.Join(archiveDir, fmt.Sprintf("%s-%s", alias, time.Now().Format("2006-01-02")))
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				continue
			}
		}

		r.mu.Lock()
		delete(r.entries, alias)
		r.mu.Unlock()
		archived = append(archived, alias)
	}

	if len(archived) > 0 {
		if err := r.save(); err != nil {
			return archived, fmt.Errorf("sandbox: save registry: %w", err)
		}
	}
	return archived, nil
}
