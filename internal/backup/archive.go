package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/droidvault/droidvault/internal/logging"
	"github.com/droidvault/droidvault/internal/types"
)

// dataPrefix is the directory all file entries live under inside the tar
// stream, keeping them apart from the manifest.
const dataPrefix = "data/"

// gzipMagic identifies a gzip-wrapped archive.
var gzipMagic = []byte{0x1f, 0x8b}

// Archiver packages a staging tree into a single plaintext archive with a
// leading manifest, and unpacks such archives again.
type Archiver struct {
	logger      *logging.Logger
	compression types.CompressionType
}

// NewArchiver creates an archiver. Only none and gz are supported.
func NewArchiver(logger *logging.Logger, compression types.CompressionType) *Archiver {
	if compression != types.CompressionGzip {
		compression = types.CompressionNone
	}
	return &Archiver{
		logger:      logger,
		compression: compression,
	}
}

// Extension returns the file extension for the plaintext archive.
func (a *Archiver) Extension() string {
	if a.compression == types.CompressionGzip {
		return ".dvbackup.gz"
	}
	return ".dvbackup"
}

// Pack writes manifest plus the staged files of all ok entries into a single
// archive at outputPath. The manifest is always the first tar entry.
func (a *Archiver) Pack(ctx context.Context, staging *StagingTree, manifest *Manifest, outputPath string) (err error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	var w io.Writer = out
	var gz *gzip.Writer
	if a.compression == types.CompressionGzip {
		gz = gzip.NewWriter(out)
		w = gz
	}

	tarWriter := tar.NewWriter(w)

	if err := a.writeManifestEntry(tarWriter, manifest); err != nil {
		return err
	}

	for _, entry := range manifest.Entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if entry.Status != EntryOK {
			continue
		}
		if err := a.writeFileEntry(tarWriter, staging, entry); err != nil {
			return err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finalize compression: %w", err)
		}
	}

	a.logger.Debug("Packaged %d file(s) into %s", manifest.OKCount(), outputPath)
	return nil
}

func (a *Archiver) writeManifestEntry(tarWriter *tar.Writer, manifest *Manifest) error {
	data, err := manifest.Encode()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    ManifestFileName,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: manifest.CreatedAt,
		Format:  tar.FormatPAX,
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write manifest header: %w", err)
	}
	if _, err := tarWriter.Write(data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func (a *Archiver) writeFileEntry(tarWriter *tar.Writer, staging *StagingTree, entry Entry) error {
	path := staging.Path(entry.Path)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("staged file vanished: %s: %w", entry.Path, err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create header for %s: %w", entry.Path, err)
	}
	header.Name = dataPrefix + filepath.ToSlash(entry.Path)
	header.Format = tar.FormatPAX

	if err := tarWriter.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open staged file %s: %w", entry.Path, err)
	}
	defer file.Close()

	if _, err := io.Copy(tarWriter, file); err != nil {
		return fmt.Errorf("failed to write %s to archive: %w", entry.Path, err)
	}

	a.logger.Debug("Added file to archive: %s", entry.Path)
	return nil
}

// Unpack extracts an archive into destDir and returns its manifest. The
// manifest must be the first tar entry; entry names are sanitized so a
// crafted archive cannot escape destDir.
func Unpack(ctx context.Context, logger *logging.Logger, archivePath, destDir string) (*Manifest, error) {
	in, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer in.Close()

	var r io.Reader = in
	magic := make([]byte, 2)
	if _, err := io.ReadFull(in, magic); err != nil {
		return nil, fmt.Errorf("archive too short: %w", err)
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind archive: %w", err)
	}
	if magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		gz, err := gzip.NewReader(in)
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed archive: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	tarReader := tar.NewReader(r)

	header, err := tarReader.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	if header.Name != ManifestFileName {
		return nil, fmt.Errorf("archive does not start with %s (got %s)", ManifestFileName, header.Name)
	}

	manifestData, err := io.ReadAll(io.LimitReader(tarReader, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	manifest, err := DecodeManifest(manifestData)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry: %w", err)
		}
		if !header.FileInfo().Mode().IsRegular() {
			continue
		}

		rel, err := sanitizeEntryName(header.Name)
		if err != nil {
			return nil, err
		}

		destPath := filepath.Join(destDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", rel, err)
		}

		if err := writeExtractedFile(destPath, tarReader, header.ModTime); err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", rel, err)
		}
		logger.Debug("Extracted: %s", rel)
	}

	return manifest, nil
}

func writeExtractedFile(destPath string, r io.Reader, modTime time.Time) error {
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if !modTime.IsZero() {
		_ = os.Chtimes(destPath, modTime, modTime)
	}
	return nil
}

// sanitizeEntryName validates a data entry name and returns the relative
// path below the data prefix.
func sanitizeEntryName(name string) (string, error) {
	cleaned := strings.TrimPrefix(name, "./")
	if !strings.HasPrefix(cleaned, dataPrefix) {
		return "", fmt.Errorf("unexpected archive entry %q", name)
	}
	rel := strings.TrimPrefix(cleaned, dataPrefix)
	if rel == "" {
		return "", fmt.Errorf("empty archive entry name")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path in archive entry %q", name)
	}
	if rel != filepath.ToSlash(filepath.Clean(rel)) || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("unsafe path in archive entry %q", name)
	}
	return rel, nil
}
