// Package checks performs pre-flight validation before a backup or restore
// run: directories, write permissions, disk space and the run lock.
package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/droidvault/droidvault/internal/logging"
	"github.com/droidvault/droidvault/internal/safefs"
)

// ErrLocked indicates another backup or restore run holds the lock.
var ErrLocked = errors.New("another operation is in progress")

// createTestFile is a small indirection over os.Create used by permission
// checks to allow tests to inject controlled failures (e.g., EIO) without
// depending on specific filesystem behavior.
var createTestFile = os.Create

var (
	osStat     = os.Stat
	osRemove   = os.Remove
	osOpenFile = os.OpenFile
	osMkdirAll = os.MkdirAll
	syncFile   = func(f *os.File) error { return f.Sync() }
)

// statfsTimeout bounds the disk-space probes.
const statfsTimeout = 5 * time.Second

// Checker performs pre-flight validation checks.
type Checker struct {
	logger *logging.Logger
	config *CheckerConfig
}

// CheckerConfig holds configuration for pre-flight checks.
type CheckerConfig struct {
	BackupDir           string
	StagingDir          string
	LogDir              string
	LockFilePath        string
	MaxLockAge          time.Duration
	SafetyFactor        float64 // Multiplier for estimated size (e.g., 1.5 = 50% buffer)
	SkipPermissionCheck bool
	DryRun              bool
}

// Validate checks if the checker configuration is valid.
func (c *CheckerConfig) Validate() error {
	if c.BackupDir == "" {
		return fmt.Errorf("backup directory cannot be empty")
	}
	if c.StagingDir == "" {
		return fmt.Errorf("staging directory cannot be empty")
	}
	if c.LockFilePath == "" {
		c.LockFilePath = filepath.Join(c.BackupDir, ".droidvault.lock")
	}
	if c.MaxLockAge <= 0 {
		return fmt.Errorf("max lock age must be positive")
	}
	if c.SafetyFactor < 1.0 {
		return fmt.Errorf("safety factor must be >= 1.0, got %.2f", c.SafetyFactor)
	}
	return nil
}

// CheckResult holds the result of a validation check.
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
	Error   error
}

// NewChecker creates a new pre-flight checker.
func NewChecker(logger *logging.Logger, config *CheckerConfig) *Checker {
	return &Checker{
		logger: logger,
		config: config,
	}
}

// RunAllChecks performs all pre-flight validation checks.
// Order is important: directories must exist before we can check disk space,
// permissions, or create the lock file in those directories.
func (c *Checker) RunAllChecks(ctx context.Context) ([]CheckResult, error) {
	c.logger.Debug("Running pre-flight validation checks")

	var results []CheckResult

	dirResult := c.CheckDirectories()
	results = append(results, dirResult)
	if !dirResult.Passed {
		return results, fmt.Errorf("directory check failed: %s", dirResult.Message)
	}

	if !c.config.SkipPermissionCheck {
		permResult := c.CheckPermissions()
		results = append(results, permResult)
		if !permResult.Passed {
			return results, fmt.Errorf("permissions check failed: %s", permResult.Message)
		}
	}

	lockResult := c.CheckLockFile()
	results = append(results, lockResult)
	if !lockResult.Passed {
		if errors.Is(lockResult.Error, ErrLocked) {
			return results, lockResult.Error
		}
		return results, fmt.Errorf("lock file check failed: %s", lockResult.Message)
	}

	c.logger.Debug("All pre-flight checks passed")
	return results, nil
}

// CheckDirectories verifies required directories exist, creating missing ones.
func (c *Checker) CheckDirectories() CheckResult {
	result := CheckResult{
		Name:   "Directories",
		Passed: false,
	}

	dirs := make(map[string]struct{})

	addDir := func(path string) {
		cleaned := filepath.Clean(path)
		if cleaned == "" || cleaned == "." || cleaned == "/" {
			return
		}
		dirs[cleaned] = struct{}{}
	}

	addDir(c.config.BackupDir)
	addDir(c.config.StagingDir)
	if c.config.LogDir != "" {
		addDir(c.config.LogDir)
	}
	addDir(filepath.Dir(c.config.LockFilePath))

	for dir := range dirs {
		c.logger.Debug("Checking directory: %s", dir)
		info, err := osStat(dir)
		if err == nil {
			if !info.IsDir() {
				result.Error = fmt.Errorf("required path is not a directory: %s", dir)
				result.Message = result.Error.Error()
				c.logger.Error("%s", result.Message)
				return result
			}
			continue
		}

		if !os.IsNotExist(err) {
			result.Error = fmt.Errorf("failed to stat directory %s: %w", dir, err)
			result.Message = result.Error.Error()
			c.logger.Error("%s", result.Message)
			return result
		}

		if c.config.DryRun {
			c.logger.Info("[DRY RUN] Would create directory: %s", dir)
			continue
		}

		if err := osMkdirAll(dir, 0o755); err != nil {
			result.Error = fmt.Errorf("failed to create directory %s: %w", dir, err)
			result.Message = result.Error.Error()
			c.logger.Error("%s", result.Message)
			return result
		}
		c.logger.Info("Created missing directory: %s", dir)
	}

	result.Passed = true
	result.Message = "All required directories exist"
	c.logger.Debug("%s", result.Message)
	return result
}

// CheckPermissions verifies write permissions on the backup and staging
// directories.
func (c *Checker) CheckPermissions() CheckResult {
	result := CheckResult{
		Name:   "Permissions",
		Passed: false,
	}

	dirs := []string{c.config.BackupDir, c.config.StagingDir}

	const maxAttempts = 3
	const retryDelay = 100 * time.Millisecond

	for _, dir := range dirs {
		c.logger.Debug("Checking permissions: %s", dir)
		testFile := filepath.Join(dir, fmt.Sprintf(".permission_test_%d", os.Getpid()))

		if c.config.DryRun {
			c.logger.Debug("[DRY RUN] Would test write permission in: %s", dir)
			continue
		}

		var lastErr error

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			f, err := createTestFile(testFile)
			if err == nil {
				f.Close()
				lastErr = nil
				break
			}

			lastErr = err

			// Treat filesystem I/O errors as potentially transient and retry
			if errors.Is(err, syscall.EIO) && attempt < maxAttempts {
				c.logger.Warning("I/O error while testing write in %s (attempt %d/%d), will retry: %v",
					dir, attempt, maxAttempts, err)
				time.Sleep(retryDelay)
				continue
			}
			break
		}

		if lastErr != nil {
			err := lastErr
			var reason string
			switch {
			case errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM):
				reason = "no write permission"
			case errors.Is(err, syscall.EROFS):
				reason = "filesystem is read-only"
			case errors.Is(err, syscall.EIO):
				reason = "filesystem I/O error while testing write"
			default:
				reason = "failed to test write permission"
			}

			result.Error = fmt.Errorf("%s in %s: %w", reason, dir, err)
			result.Message = result.Error.Error()
			c.logger.Error("%s", result.Message)
			return result
		}

		c.logger.Debug("Directory writable: %s", dir)
		if err := osRemove(testFile); err != nil {
			c.logger.Warning("Failed to remove test file %s: %v", testFile, err)
		}
	}

	result.Passed = true
	result.Message = "All directories are writable"
	c.logger.Debug("%s", result.Message)
	return result
}

// CheckDiskSpaceForEstimate checks whether the backup directory has room for
// an estimated archive size, applying the configured safety factor.
func (c *Checker) CheckDiskSpaceForEstimate(ctx context.Context, estimatedBytes int64) CheckResult {
	result := CheckResult{
		Name:   "Disk Space (Estimated)",
		Passed: false,
	}

	if estimatedBytes <= 0 {
		result.Passed = true
		result.Message = "No size estimate available, skipping disk space check"
		c.logger.Debug("%s", result.Message)
		return result
	}

	required := uint64(float64(estimatedBytes) * c.config.SafetyFactor)
	available, err := safefs.FreeBytes(ctx, c.config.BackupDir, statfsTimeout)
	if err != nil {
		result.Error = fmt.Errorf("disk space check failed (%s): %w", c.config.BackupDir, err)
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}

	if available < required {
		result.Error = fmt.Errorf("insufficient disk space on %s: %d bytes available, %d required (%.1fx of %d estimated)",
			c.config.BackupDir, available, required, c.config.SafetyFactor, estimatedBytes)
		result.Message = result.Error.Error()
		c.logger.Error("%s", result.Message)
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Sufficient disk space for estimated %d bytes (safety factor %.1fx)",
		estimatedBytes, c.config.SafetyFactor)
	c.logger.Debug("%s", result.Message)
	return result
}

// CheckLockFile checks for stale lock files and creates a new lock. A live
// lock from another run reports ErrLocked.
func (c *Checker) CheckLockFile() CheckResult {
	result := CheckResult{
		Name:   "Lock File",
		Passed: false,
	}

	lockPath := c.config.LockFilePath
	c.logger.Debug("Lock file path: %s", lockPath)

	if info, err := osStat(lockPath); err == nil {
		age := time.Since(info.ModTime())
		if age > c.config.MaxLockAge {
			c.logger.Warning("Removing stale lock file (age: %v)", age)
			if err := osRemove(lockPath); err != nil {
				result.Error = fmt.Errorf("failed to remove stale lock: %w", err)
				result.Message = result.Error.Error()
				return result
			}
		} else {
			result.Error = fmt.Errorf("%w (lock age: %v)", ErrLocked, age.Round(time.Second))
			result.Message = result.Error.Error()
			c.logger.Error("%s", result.Message)
			return result
		}
	}

	if !c.config.DryRun {
		c.logger.Debug("Creating lock file with PID %d", os.Getpid())
		f, err := osOpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err != nil {
			if os.IsExist(err) {
				result.Error = fmt.Errorf("%w: lock acquired by another run", ErrLocked)
				result.Message = result.Error.Error()
				c.logger.Error("%s", result.Message)
				return result
			}
			result.Error = fmt.Errorf("failed to create lock file: %w", err)
			result.Message = result.Error.Error()
			return result
		}
		defer f.Close()

		hostname, _ := os.Hostname()
		lockContent := fmt.Sprintf("pid=%d\nhost=%s\ntime=%s\n", os.Getpid(), hostname, time.Now().Format(time.RFC3339))
		if _, err := f.WriteString(lockContent); err != nil {
			result.Error = fmt.Errorf("failed to write lock file: %w", err)
			result.Message = result.Error.Error()
			return result
		}
		if err := syncFile(f); err != nil {
			c.logger.Warning("Failed to sync lock file %s: %v", lockPath, err)
		}
	} else {
		c.logger.Info("[DRY RUN] Would create lock file: %s", lockPath)
	}

	result.Passed = true
	result.Message = "Lock file acquired successfully"
	c.logger.Debug("%s", result.Message)
	return result
}

// ReleaseLock removes the lock file.
func (c *Checker) ReleaseLock() error {
	lockPath := c.config.LockFilePath

	if c.config.DryRun {
		c.logger.Info("[DRY RUN] Would release lock file: %s", lockPath)
		return nil
	}

	if err := osRemove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	c.logger.Debug("Lock file released: %s", lockPath)
	return nil
}

// GetDefaultCheckerConfig returns a default checker configuration.
func GetDefaultCheckerConfig(backupDir, stagingDir, logDir string) *CheckerConfig {
	return &CheckerConfig{
		BackupDir:           backupDir,
		StagingDir:          stagingDir,
		LogDir:              logDir,
		LockFilePath:        filepath.Join(backupDir, ".droidvault.lock"),
		MaxLockAge:          2 * time.Hour,
		SafetyFactor:        1.5, // 50% buffer over estimated size
		SkipPermissionCheck: false,
		DryRun:              false,
	}
}
