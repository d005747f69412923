package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/droidvault/droidvault/internal/logging"
	"github.com/droidvault/droidvault/internal/types"
)

func newTestStorage(t *testing.T) (*LocalStorage, string) {
	t.Helper()
	dir := t.TempDir()
	logger := logging.New(types.LogLevelNone, false)
	store, err := NewLocalStorage(logger, dir)
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	return store, dir
}

func writeArchive(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("archive"), 0o600); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestListArchives(t *testing.T) {
	store, dir := newTestStorage(t)

	writeArchive(t, dir, "backup_serial1_20260301_120000.dvbackup.gz", 2*time.Hour)
	writeArchive(t, dir, "backup_serial1_20260301_130000.dvbackup.gz.enc", time.Hour)
	writeArchive(t, dir, "notes.txt", 0)
	if err := os.Mkdir(filepath.Join(dir, "backup_dir_20260301_120000.dvbackup"), 0o755); err != nil {
		t.Fatal(err)
	}

	archives, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(archives) != 2 {
		t.Fatalf("List returned %d archives, want 2", len(archives))
	}

	// Newest first.
	if archives[0].Name != "backup_serial1_20260301_130000.dvbackup.gz.enc" {
		t.Errorf("first archive = %s, want newest", archives[0].Name)
	}
	if !archives[0].Encrypted {
		t.Error("encrypted archive not flagged")
	}
	if archives[1].Encrypted {
		t.Error("plain archive flagged as encrypted")
	}
	if archives[0].DeviceSerial != "serial1" {
		t.Errorf("DeviceSerial = %q, want serial1", archives[0].DeviceSerial)
	}
	if archives[0].Size != int64(len("archive")) {
		t.Errorf("Size = %d", archives[0].Size)
	}
}

func TestListMissingDirectory(t *testing.T) {
	logger := logging.New(types.LogLevelNone, false)
	store, err := NewLocalStorage(logger, filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatal(err)
	}
	archives, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List on missing dir should not fail: %v", err)
	}
	if len(archives) != 0 {
		t.Errorf("List returned %d archives, want 0", len(archives))
	}
}

func TestApplyRetention(t *testing.T) {
	store, dir := newTestStorage(t)

	oldest := writeArchive(t, dir, "backup_s_20260301_100000.dvbackup.gz", 3*time.Hour)
	middle := writeArchive(t, dir, "backup_s_20260301_110000.dvbackup.gz", 2*time.Hour)
	newest := writeArchive(t, dir, "backup_s_20260301_120000.dvbackup.gz", time.Hour)

	deleted, err := store.ApplyRetention(context.Background(), 2)
	if err != nil {
		t.Fatalf("ApplyRetention failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := os.Stat(oldest); !os.IsNotExist(err) {
		t.Error("oldest archive should be deleted")
	}
	for _, kept := range []string{middle, newest} {
		if _, err := os.Stat(kept); err != nil {
			t.Errorf("archive %s should be kept: %v", kept, err)
		}
	}
}

func TestApplyRetentionDisabled(t *testing.T) {
	store, dir := newTestStorage(t)
	path := writeArchive(t, dir, "backup_s_20260301_100000.dvbackup", 3*time.Hour)

	deleted, err := store.ApplyRetention(context.Background(), 0)
	if err != nil {
		t.Fatalf("ApplyRetention failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("archive should survive disabled retention: %v", err)
	}
}

func TestApplyRetentionUnderLimit(t *testing.T) {
	store, dir := newTestStorage(t)
	writeArchive(t, dir, "backup_s_20260301_100000.dvbackup", time.Hour)

	deleted, err := store.ApplyRetention(context.Background(), 5)
	if err != nil {
		t.Fatalf("ApplyRetention failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
}

func TestTotalSize(t *testing.T) {
	store, dir := newTestStorage(t)
	writeArchive(t, dir, "backup_s_20260301_100000.dvbackup", time.Hour)
	writeArchive(t, dir, "backup_s_20260301_110000.dvbackup", 0)

	total, err := store.TotalSize(context.Background())
	if err != nil {
		t.Fatalf("TotalSize failed: %v", err)
	}
	if want := int64(2 * len("archive")); total != want {
		t.Errorf("TotalSize = %d, want %d", total, want)
	}
}

func TestSerialFromName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"backup_serial1_20260301_120000.dvbackup", "serial1"},
		{"backup_emulator-5554_20260301_120000.dvbackup.gz.enc", "emulator-5554"},
		{"backup_x_y_20260301_120000.dvbackup", "x_y"},
	}
	for _, tt := range tests {
		if got := serialFromName(tt.name); got != tt.want {
			t.Errorf("serialFromName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
