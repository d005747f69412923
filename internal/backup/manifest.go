package backup

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/droidvault/droidvault/internal/types"
)

// ManifestFileName is the name of the manifest entry inside the archive.
// It is always the first entry of the tar stream.
const ManifestFileName = "manifest.json"

// ManifestFormatVersion is bumped whenever the manifest layout changes.
const ManifestFormatVersion = 1

// EntryStatus marks the outcome of one file pull.
type EntryStatus string

const (
	// EntryOK - file was pulled and checksummed
	EntryOK EntryStatus = "ok"

	// EntrySkipped - file could not be pulled; Reason carries the cause
	EntrySkipped EntryStatus = "skipped"
)

// Entry describes one file of the archive.
type Entry struct {
	Path   string      `json:"path"`
	Size   int64       `json:"size"`
	SHA256 string      `json:"sha256,omitempty"`
	Status EntryStatus `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// Manifest indexes the archive contents. It is embedded in the plaintext
// archive and used by the restore engine to verify completeness.
type Manifest struct {
	FormatVersion int                   `json:"format_version"`
	DeviceSerial  string                `json:"device_serial"`
	SourceRoot    string                `json:"source_root"`
	CreatedAt     time.Time             `json:"created_at"`
	Compression   types.CompressionType `json:"compression"`
	Entries       []Entry               `json:"entries"`
}

// NewManifest creates an empty manifest for one build run.
func NewManifest(serial, sourceRoot string, compression types.CompressionType) *Manifest {
	return &Manifest{
		FormatVersion: ManifestFormatVersion,
		DeviceSerial:  serial,
		SourceRoot:    sourceRoot,
		CreatedAt:     time.Now().UTC(),
		Compression:   compression,
	}
}

// OKCount returns the number of successfully pulled entries.
func (m *Manifest) OKCount() int {
	count := 0
	for _, e := range m.Entries {
		if e.Status == EntryOK {
			count++
		}
	}
	return count
}

// SkippedCount returns the number of skipped entries.
func (m *Manifest) SkippedCount() int {
	count := 0
	for _, e := range m.Entries {
		if e.Status == EntrySkipped {
			count++
		}
	}
	return count
}

// TotalBytes returns the byte total of successfully pulled entries.
func (m *Manifest) TotalBytes() int64 {
	var total int64
	for _, e := range m.Entries {
		if e.Status == EntryOK {
			total += e.Size
		}
	}
	return total
}

// Lookup returns the entry for a relative path.
func (m *Manifest) Lookup(path string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.Path == path {
			return e, true
		}
	}
	return Entry{}, false
}

// Encode serializes the manifest as indented JSON.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

// DecodeManifest parses manifest JSON and validates the format version.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	if m.FormatVersion != ManifestFormatVersion {
		return nil, fmt.Errorf("unsupported manifest format version %d", m.FormatVersion)
	}
	return &m, nil
}
