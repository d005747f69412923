// Package storage manages the local backup directory: listing produced
// archives and pruning old ones.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/droidvault/droidvault/internal/logging"
)

// archivePrefix matches artifacts produced by the backup workflow.
const archivePrefix = "backup_"

// archiveSuffixes lists the recognized artifact extensions.
var archiveSuffixes = []string{
	".dvbackup",
	".dvbackup.gz",
	".dvbackup.enc",
	".dvbackup.gz.enc",
}

// Archive describes one stored backup artifact.
type Archive struct {
	Path         string
	Name         string
	DeviceSerial string
	Size         int64
	ModTime      time.Time
	Encrypted    bool
}

// LocalStorage manages archives in one backup directory.
type LocalStorage struct {
	dir    string
	logger *logging.Logger
}

// NewLocalStorage creates a local storage manager.
func NewLocalStorage(logger *logging.Logger, dir string) (*LocalStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("backup directory cannot be empty")
	}
	return &LocalStorage{
		dir:    dir,
		logger: logger,
	}, nil
}

// List returns all archives in the backup directory, newest first.
func (l *LocalStorage) List(ctx context.Context) ([]Archive, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory %s: %w", l.dir, err)
	}

	archives := make([]Archive, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !isArchiveName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			l.logger.Warning("Failed to stat %s: %v", entry.Name(), err)
			continue
		}
		archives = append(archives, Archive{
			Path:         filepath.Join(l.dir, entry.Name()),
			Name:         entry.Name(),
			DeviceSerial: serialFromName(entry.Name()),
			Size:         info.Size(),
			ModTime:      info.ModTime(),
			Encrypted:    strings.HasSuffix(entry.Name(), ".enc"),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].ModTime.After(archives[j].ModTime)
	})
	return archives, nil
}

// ApplyRetention removes the oldest archives beyond maxBackups. A maxBackups
// of zero disables pruning. Returns the number of archives deleted.
func (l *LocalStorage) ApplyRetention(ctx context.Context, maxBackups int) (int, error) {
	if maxBackups <= 0 {
		return 0, nil
	}

	archives, err := l.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(archives) <= maxBackups {
		return 0, nil
	}

	deleted := 0
	for _, archive := range archives[maxBackups:] {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := os.Remove(archive.Path); err != nil {
			l.logger.Warning("Failed to delete old backup %s: %v", archive.Path, err)
			continue
		}
		l.logger.Info("Deleted old backup: %s", archive.Name)
		deleted++
	}
	return deleted, nil
}

// TotalSize returns the combined size of all stored archives.
func (l *LocalStorage) TotalSize(ctx context.Context) (int64, error) {
	archives, err := l.List(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, archive := range archives {
		total += archive.Size
	}
	return total, nil
}

func isArchiveName(name string) bool {
	if !strings.HasPrefix(name, archivePrefix) {
		return false
	}
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// serialFromName extracts the device serial from an archive file name of the
// form backup_<serial>_<timestamp>.<ext>.
func serialFromName(name string) string {
	trimmed := strings.TrimPrefix(name, archivePrefix)
	idx := strings.LastIndex(trimmed, "_")
	if idx <= 0 {
		return ""
	}
	// The timestamp itself holds one underscore (date_time).
	if idx2 := strings.LastIndex(trimmed[:idx], "_"); idx2 > 0 {
		return trimmed[:idx2]
	}
	return trimmed[:idx]
}
