package orchestrator

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/droidvault/droidvault/internal/logging"
	"github.com/droidvault/droidvault/internal/types"
)

func newTestLogger() *logging.Logger {
	logger := logging.New(types.LogLevelNone, false)
	logger.SetOutput(&bytes.Buffer{})
	return logger
}

func newTestRegistry(t *testing.T) *StagingDirRegistry {
	t.Helper()
	registry, err := NewStagingDirRegistry(newTestLogger(), filepath.Join(t.TempDir(), "staging-dirs.json"))
	if err != nil {
		t.Fatalf("NewStagingDirRegistry failed: %v", err)
	}
	return registry
}

func TestRegistryRegisterDeregister(t *testing.T) {
	registry := newTestRegistry(t)
	dir := filepath.Join(t.TempDir(), "staging-1")

	if err := registry.Register(dir); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	entries, err := registry.loadEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Path != dir {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].PID != os.Getpid() {
		t.Errorf("registered pid = %d, want %d", entries[0].PID, os.Getpid())
	}

	if err := registry.Deregister(dir); err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	entries, err = registry.loadEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("registry not empty after deregister: %+v", entries)
	}
}

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	registry := newTestRegistry(t)
	dir := filepath.Join(t.TempDir(), "staging-1")

	if err := registry.Register(dir); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(dir); err != nil {
		t.Fatal(err)
	}

	entries, err := registry.loadEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("duplicate registration: %+v", entries)
	}
}

func TestCleanupOrphanedRemovesStaleDirs(t *testing.T) {
	registry := newTestRegistry(t)

	staleDir := filepath.Join(t.TempDir(), "stale")
	if err := os.MkdirAll(staleDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(staleDir); err != nil {
		t.Fatal(err)
	}

	// Rewrite the record with an old timestamp and a dead pid.
	entries, err := registry.loadEntries()
	if err != nil {
		t.Fatal(err)
	}
	entries[0].CreatedAt = time.Now().UTC().Add(-24 * time.Hour)
	entries[0].PID = 1 << 22 // no such process
	if err := registry.saveEntries(entries); err != nil {
		t.Fatal(err)
	}

	cleaned, err := registry.CleanupOrphaned(time.Hour)
	if err != nil {
		t.Fatalf("CleanupOrphaned failed: %v", err)
	}
	if cleaned != 1 {
		t.Errorf("cleaned = %d, want 1", cleaned)
	}
	if _, err := os.Stat(staleDir); !os.IsNotExist(err) {
		t.Error("stale staging dir still exists")
	}
}

func TestCleanupOrphanedKeepsLiveDirs(t *testing.T) {
	registry := newTestRegistry(t)

	liveDir := filepath.Join(t.TempDir(), "live")
	if err := os.MkdirAll(liveDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := registry.Register(liveDir); err != nil {
		t.Fatal(err)
	}

	cleaned, err := registry.CleanupOrphaned(time.Hour)
	if err != nil {
		t.Fatalf("CleanupOrphaned failed: %v", err)
	}
	if cleaned != 0 {
		t.Errorf("cleaned = %d, want 0", cleaned)
	}
	if _, err := os.Stat(liveDir); err != nil {
		t.Errorf("live staging dir was removed: %v", err)
	}
}
