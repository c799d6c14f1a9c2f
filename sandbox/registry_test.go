package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTouchCreatesAndUpdatesEntry(t *testing.T) {
	dir := t.TempDir()
	r, err := NewWorkspaceRegistry(dir)
	if err != nil {
		t.Fatalf("NewWorkspaceRegistry: %v", err)
	}

	if err := r.Touch("acme"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	entries := r.List()
	if len(entries) != 1 || entries[0].Alias != "acme" {
		t.Fatalf("expected one entry for acme, got %+v", entries)
	}
}

func TestRegistryPersistsAcrossLoad(t *testing.T) {
	dir := t.TempDir()
	r1, err := NewWorkspaceRegistry(dir)
	if err != nil {
		t.Fatalf("NewWorkspaceRegistry: %v", err)
	}
	if err := r1.Touch("acme"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	r2, err := NewWorkspaceRegistry(dir)
	if err != nil {
		t.Fatalf("NewWorkspaceRegistry (reload): %v", err)
	}
	if len(r2.List()) != 1 {
		t.Fatalf("expected reloaded registry to retain the touched alias")
	}
}

func TestArchiveStaleMovesDirAndDropsEntry(t *testing.T) {
	dir := t.TempDir()
	r, err := NewWorkspaceRegistry(dir)
	if err != nil {
		t.Fatalf("NewWorkspaceRegistry: %v", err)
	}
	if err := r.Touch("acme"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	// Force staleness by rewriting LastUsedAt directly.
	r.mu.Lock()
	r.entries["acme"].LastUsedAt = time.Now().Add(-StaleWorkspaceAge * 2)
	r.mu.Unlock()

	workspaceDir := filepath.Join(dir, "acme")
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	archived, err := r.ArchiveStale(context.Background(), nil, StaleWorkspaceAge)
	if err != nil {
		t.Fatalf("ArchiveStale: %v", err)
	}
	if len(archived) != 1 || archived[0] != "acme" {
		t.Fatalf("expected acme archived, got %v", archived)
	}
	if len(r.List()) != 0 {
		t.Fatalf("expected registry entry removed after archiving")
	}
	if _, err := os.Stat(workspaceDir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace directory moved out of baseDir")
	}
}

func TestArchiveStaleNoopsWhenNothingIsStale(t *testing.T) {
	dir := t.TempDir()
	r, err := NewWorkspaceRegistry(dir)
	if err != nil {
		t.Fatalf("NewWorkspaceRegistry: %v", err)
	}
	if err := r.Touch("acme"); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	archived, err := r.ArchiveStale(context.Background(), nil, StaleWorkspaceAge)
	if err != nil {
		t.Fatalf("ArchiveStale: %v", err)
	}
	if len(archived) != 0 {
		t.Fatalf("expected nothing archived, got %v", archived)
	}
}
