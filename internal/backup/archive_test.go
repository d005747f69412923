package backup

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/droidvault/droidvault/internal/types"
)

func stageFiles(t *testing.T, files map[string]string) (*StagingTree, *Manifest) {
	t.Helper()
	staging, err := NewStagingTree(newTestLogger(), t.TempDir(), "serial1", nil)
	if err != nil {
		t.Fatalf("NewStagingTree failed: %v", err)
	}
	t.Cleanup(func() { staging.Remove() })

	manifest := NewManifest("serial1", "/sdcard", types.CompressionNone)
	for rel, content := range files {
		if err := staging.EnsureParent(rel); err != nil {
			t.Fatalf("EnsureParent(%s) failed: %v", rel, err)
		}
		if err := os.WriteFile(staging.Path(rel), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s failed: %v", rel, err)
		}
		sum, err := GenerateChecksum(context.Background(), newTestLogger(), staging.Path(rel))
		if err != nil {
			t.Fatalf("checksum %s failed: %v", rel, err)
		}
		manifest.Entries = append(manifest.Entries, Entry{
			Path:   rel,
			Size:   int64(len(content)),
			SHA256: sum,
			Status: EntryOK,
		})
	}
	return staging, manifest
}

func packUnpackRoundTrip(t *testing.T, compression types.CompressionType) {
	t.Helper()
	files := map[string]string{
		"notes.txt":      "hello",
		"DCIM/photo.jpg": "not really a jpeg",
	}
	staging, manifest := stageFiles(t, files)
	manifest.Compression = compression

	archiver := NewArchiver(newTestLogger(), compression)
	archivePath := filepath.Join(t.TempDir(), "out"+archiver.Extension())
	if err := archiver.Pack(context.Background(), staging, manifest, archivePath); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	destDir := t.TempDir()
	decoded, err := Unpack(context.Background(), newTestLogger(), archivePath, destDir)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if decoded.OKCount() != len(files) {
		t.Errorf("manifest OKCount = %d, want %d", decoded.OKCount(), len(files))
	}

	for rel, want := range files {
		got, err := os.ReadFile(filepath.Join(destDir, filepath.FromSlash(rel)))
		if err != nil {
			t.Errorf("extracted file %s missing: %v", rel, err)
			continue
		}
		if string(got) != want {
			t.Errorf("extracted %s = %q, want %q", rel, got, want)
		}
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	packUnpackRoundTrip(t, types.CompressionNone)
}

func TestPackUnpackRoundTripGzip(t *testing.T) {
	packUnpackRoundTrip(t, types.CompressionGzip)
}

func TestPackSkipsFailedEntries(t *testing.T) {
	staging, manifest := stageFiles(t, map[string]string{"kept.txt": "data"})
	manifest.Entries = append(manifest.Entries, Entry{
		Path:   "missing.txt",
		Status: EntrySkipped,
		Reason: "timeout",
	})

	archiver := NewArchiver(newTestLogger(), types.CompressionNone)
	archivePath := filepath.Join(t.TempDir(), "out.dvbackup")
	if err := archiver.Pack(context.Background(), staging, manifest, archivePath); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	destDir := t.TempDir()
	decoded, err := Unpack(context.Background(), newTestLogger(), archivePath, destDir)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if decoded.SkippedCount() != 1 {
		t.Errorf("skipped entry lost from manifest")
	}
	if _, err := os.Stat(filepath.Join(destDir, "missing.txt")); !os.IsNotExist(err) {
		t.Error("skipped entry should not be extracted")
	}
}

func TestManifestIsFirstEntry(t *testing.T) {
	staging, manifest := stageFiles(t, map[string]string{"a.txt": "a"})

	archiver := NewArchiver(newTestLogger(), types.CompressionNone)
	archivePath := filepath.Join(t.TempDir(), "out.dvbackup")
	if err := archiver.Pack(context.Background(), staging, manifest, archivePath); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	header, err := tar.NewReader(f).Next()
	if err != nil {
		t.Fatalf("reading first tar entry failed: %v", err)
	}
	if header.Name != ManifestFileName {
		t.Errorf("first entry = %q, want %q", header.Name, ManifestFileName)
	}
}

func TestUnpackRejectsArchiveWithoutLeadingManifest(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "bad.dvbackup")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(f)
	content := []byte("payload")
	if err := tw.WriteHeader(&tar.Header{Name: "data/x.txt", Mode: 0o600, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	f.Close()

	if _, err := Unpack(context.Background(), newTestLogger(), archivePath, t.TempDir()); err == nil {
		t.Fatal("expected rejection of archive without leading manifest")
	}
}

func TestSanitizeEntryName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"data/a.txt", "a.txt", false},
		{"data/sub/dir/b.txt", "sub/dir/b.txt", false},
		{"./data/c.txt", "c.txt", false},
		{"a.txt", "", true},
		{"data/", "", true},
		{"data/../escape.txt", "", true},
		{"data/sub/../../escape.txt", "", true},
		{"data//etc/passwd", "", true},
	}
	for _, tt := range tests {
		got, err := sanitizeEntryName(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("sanitizeEntryName(%q) accepted, want error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("sanitizeEntryName(%q) failed: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("sanitizeEntryName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
