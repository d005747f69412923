package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/droidvault/droidvault/internal/logging"
)

const (
	registryEnvVar      = "DROIDVAULT_STAGING_REGISTRY_PATH"
	defaultRegistryPath = "/var/run/droidvault/staging-dirs.json"
	registryFallbackDir = "droidvault"
)

type stagingDirRecord struct {
	Path      string    `json:"path"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
}

// StagingDirRegistry tracks live staging directories and can remove orphans
// left behind by crashed runs. It implements backup.StagingRegistry.
type StagingDirRegistry struct {
	registryPath string
	lockPath     string
	logger       *logging.Logger
	mu           sync.Mutex
}

// NewStagingDirRegistry initializes a registry at the given path.
func NewStagingDirRegistry(logger *logging.Logger, registryPath string) (*StagingDirRegistry, error) {
	if registryPath == "" {
		return nil, fmt.Errorf("registry path cannot be empty")
	}

	dir := filepath.Dir(registryPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	return &StagingDirRegistry{
		registryPath: registryPath,
		lockPath:     registryPath + ".lock",
		logger:       logger,
	}, nil
}

// Register stores the staging directory info for later cleanup.
func (r *StagingDirRegistry) Register(dir string) error {
	return r.withLock(func(entries []stagingDirRecord) ([]stagingDirRecord, error) {
		filtered := make([]stagingDirRecord, 0, len(entries)+1)
		for _, entry := range entries {
			if entry.Path != dir {
				filtered = append(filtered, entry)
			}
		}

		filtered = append(filtered, stagingDirRecord{
			Path:      dir,
			PID:       os.Getpid(),
			CreatedAt: time.Now().UTC(),
		})
		return filtered, nil
	})
}

// Deregister removes the directory from the registry.
func (r *StagingDirRegistry) Deregister(dir string) error {
	return r.withLock(func(entries []stagingDirRecord) ([]stagingDirRecord, error) {
		filtered := make([]stagingDirRecord, 0, len(entries))
		for _, entry := range entries {
			if entry.Path == dir {
				continue
			}
			filtered = append(filtered, entry)
		}
		return filtered, nil
	})
}

// CleanupOrphaned removes entries whose processes are gone or directories are
// too old. Returns the number of directories successfully removed.
func (r *StagingDirRegistry) CleanupOrphaned(maxAge time.Duration) (int, error) {
	now := time.Now().UTC()
	cleanedCount := 0
	err := r.withLock(func(entries []stagingDirRecord) ([]stagingDirRecord, error) {
		updated := make([]stagingDirRecord, 0, len(entries))
		for _, entry := range entries {
			stale := now.Sub(entry.CreatedAt) > maxAge
			alive := processAlive(entry.PID)

			if stale || !alive {
				r.logger.Debug("Cleaning orphaned staging dir %s (pid=%d)...", entry.Path, entry.PID)
				if err := os.RemoveAll(entry.Path); err != nil {
					r.logger.Warning("Failed to cleanup staging dir %s: %v", entry.Path, err)
					updated = append(updated, entry)
					continue
				}
				cleanedCount++
				continue
			}

			updated = append(updated, entry)
		}
		return updated, nil
	})
	return cleanedCount, err
}

func (r *StagingDirRegistry) withLock(mutator func([]stagingDirRecord) ([]stagingDirRecord, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lockFile, err := os.OpenFile(r.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open registry lock: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("flock registry: %w", err)
	}
	defer syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)

	entries, err := r.loadEntries()
	if err != nil {
		return err
	}

	modified, err := mutator(entries)
	if err != nil {
		return err
	}

	return r.saveEntries(modified)
}

func (r *StagingDirRegistry) loadEntries() ([]stagingDirRecord, error) {
	data, err := os.ReadFile(r.registryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []stagingDirRecord{}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	if len(data) == 0 {
		return []stagingDirRecord{}, nil
	}

	var entries []stagingDirRecord
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return entries, nil
}

func (r *StagingDirRegistry) saveEntries(entries []stagingDirRecord) error {
	content, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmpPath := r.registryPath + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o640); err != nil {
		return fmt.Errorf("write temp registry: %w", err)
	}
	return os.Rename(tmpPath, r.registryPath)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}

// ResolveRegistryPath returns the staging registry location, honoring the
// environment override and falling back to the user temp directory when the
// default location is not writable.
func ResolveRegistryPath() string {
	if custom := os.Getenv(registryEnvVar); strings.TrimSpace(custom) != "" {
		return custom
	}

	if err := os.MkdirAll(filepath.Dir(defaultRegistryPath), 0o755); err == nil {
		return defaultRegistryPath
	}

	fallback := filepath.Join(os.TempDir(), registryFallbackDir, "staging-dirs.json")
	_ = os.MkdirAll(filepath.Dir(fallback), 0o755)
	return fallback
}
