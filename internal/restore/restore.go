// Package restore pushes the contents of a backup archive back onto a
// device, verifying every file against the manifest on the way out.
package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"

	"github.com/droidvault/droidvault/internal/backup"
	"github.com/droidvault/droidvault/internal/bridge"
	"github.com/droidvault/droidvault/internal/cryptox"
	"github.com/droidvault/droidvault/internal/device"
	"github.com/droidvault/droidvault/internal/logging"
)

// Stage identifies the phase a restore is currently in, reported through the
// OnStage callback.
type Stage string

const (
	// StageVerifying - the archive container is being inspected
	StageVerifying Stage = "verifying"

	// StageDecrypting - the encrypted container is being opened
	StageDecrypting Stage = "decrypting"

	// StageExtracting - the plaintext archive is unpacked and its entries
	// checked against the manifest
	StageExtracting Stage = "extracting"

	// StagePushing - files are being transferred back to the device
	StagePushing Stage = "pushing"
)

// EntryOutcome marks the result of one restored file.
type EntryOutcome string

const (
	// OutcomeRestored - file was verified and pushed
	OutcomeRestored EntryOutcome = "restored"

	// OutcomeVerifyFailed - extracted file missing or mismatching its
	// manifest entry; never pushed
	OutcomeVerifyFailed EntryOutcome = "verify_failed"

	// OutcomePushFailed - file verified but the transfer failed
	OutcomePushFailed EntryOutcome = "push_failed"

	// OutcomeAbsent - file was recorded as skipped when the backup was taken
	OutcomeAbsent EntryOutcome = "absent_in_backup"
)

// EntryResult describes what happened to one archive entry.
type EntryResult struct {
	Path    string
	Outcome EntryOutcome
	Detail  string
}

// Report summarizes a restore run.
type Report struct {
	DeviceSerial string
	ArchivePath  string
	TargetRoot   string
	Format       cryptox.Format
	Manifest     *backup.Manifest
	Results      []EntryResult
	Duration     time.Duration
}

// RestoredCount returns the number of files pushed back successfully.
func (r *Report) RestoredCount() int {
	return r.countOutcome(OutcomeRestored)
}

// FailedCount returns the number of files that failed verification or
// whose push was rejected.
func (r *Report) FailedCount() int {
	return r.countOutcome(OutcomeVerifyFailed) + r.countOutcome(OutcomePushFailed)
}

// AbsentCount returns the number of entries the backup itself had skipped.
func (r *Report) AbsentCount() int {
	return r.countOutcome(OutcomeAbsent)
}

func (r *Report) countOutcome(outcome EntryOutcome) int {
	count := 0
	for _, result := range r.Results {
		if result.Outcome == outcome {
			count++
		}
	}
	return count
}

// Config holds configuration for restore runs.
type Config struct {
	// WorkDir is where decrypted and extracted intermediates live.
	WorkDir string

	// PushTimeout bounds each individual file transfer.
	PushTimeout time.Duration

	// Identities unlock age-encrypted archives. May be nil.
	Identities []age.Identity

	// OnStage is invoked on each phase change. May be nil.
	OnStage func(Stage)
}

// Validate checks the restore configuration and fills defaults.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work directory cannot be empty")
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 2 * time.Minute
	}
	return nil
}

// Engine restores archives onto a device.
type Engine struct {
	bridge bridge.Bridge
	logger *logging.Logger
	cfg    Config
}

// NewEngine creates a restore engine.
func NewEngine(logger *logging.Logger, br bridge.Bridge, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid restore config: %w", err)
	}
	return &Engine{
		bridge: br,
		logger: logger,
		cfg:    cfg,
	}, nil
}

func (e *Engine) stage(s Stage) {
	if e.cfg.OnStage != nil {
		e.cfg.OnStage(s)
	}
}

// Restore opens the archive at archivePath, verifies its contents and pushes
// them onto the device. targetRoot overrides the manifest's source root when
// non-empty. Entry-level failures - an extracted file that does not match its
// manifest entry, or a push the device rejects - are recorded in the report
// and do not stop the remaining entries; the call itself fails only when the
// archive cannot be opened or parsed.
func (e *Engine) Restore(ctx context.Context, dev device.Device, archivePath string, secret []byte, targetRoot string) (report *Report, err error) {
	start := time.Now()

	workDir := filepath.Join(e.cfg.WorkDir, "droidvault-restore-"+uuid.NewString())
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer func() {
		if removeErr := os.RemoveAll(workDir); removeErr != nil {
			e.logger.Warning("Failed to remove work directory %s: %v", workDir, removeErr)
		}
	}()

	e.stage(StageVerifying)
	plainPath, format, err := e.openArchive(archivePath, workDir, secret)
	if err != nil {
		return nil, err
	}

	e.stage(StageExtracting)
	extractDir := filepath.Join(workDir, "extract")
	manifest, err := backup.Unpack(ctx, e.logger, plainPath, extractDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", cryptox.ErrMalformedArchive, err)
	}
	e.logger.Info("Archive holds %d file(s), %d skipped at backup time",
		manifest.OKCount(), manifest.SkippedCount())

	verifyFailures, err := e.verifyExtracted(ctx, manifest, extractDir)
	if err != nil {
		return nil, err
	}

	if targetRoot == "" {
		targetRoot = manifest.SourceRoot
	}
	targetRoot, err = backup.ValidateSourceRoot(targetRoot)
	if err != nil {
		return nil, err
	}

	e.stage(StagePushing)
	results, err := e.pushAll(ctx, dev.Serial, manifest, extractDir, targetRoot, verifyFailures)
	if err != nil {
		return nil, err
	}

	report = &Report{
		DeviceSerial: dev.Serial,
		ArchivePath:  archivePath,
		TargetRoot:   targetRoot,
		Format:       format,
		Manifest:     manifest,
		Results:      results,
		Duration:     time.Since(start),
	}

	e.logger.Info("Restored %d file(s) to %s, %d failed",
		report.RestoredCount(), targetRoot, report.FailedCount())
	return report, nil
}

// openArchive decrypts the archive into workDir when it is encrypted, and
// returns the path of the plaintext archive.
func (e *Engine) openArchive(archivePath, workDir string, secret []byte) (string, cryptox.Format, error) {
	format, err := cryptox.DetectFormat(archivePath)
	if err != nil {
		return "", format, err
	}

	switch format {
	case cryptox.FormatPlain:
		e.logger.Debug("Archive is not encrypted: %s", archivePath)
		return archivePath, format, nil

	case cryptox.FormatPassphrase:
		e.stage(StageDecrypting)
		plainPath := filepath.Join(workDir, "decrypted.dvbackup")
		if err := cryptox.DecryptFile(archivePath, plainPath, secret); err != nil {
			return "", format, err
		}
		return plainPath, format, nil

	case cryptox.FormatAge:
		e.stage(StageDecrypting)
		if len(e.cfg.Identities) == 0 {
			return "", format, fmt.Errorf("archive %s needs an age identity", archivePath)
		}
		plainPath := filepath.Join(workDir, "decrypted.dvbackup")
		if err := cryptox.DecryptFileAge(archivePath, plainPath, e.cfg.Identities); err != nil {
			return "", format, err
		}
		return plainPath, format, nil
	}
	return "", format, fmt.Errorf("%w: unknown format", cryptox.ErrMalformedArchive)
}

// verifyExtracted checks every ok manifest entry against its extracted file.
// A missing file or checksum mismatch marks that entry as failed; the
// remaining entries are still restored.
func (e *Engine) verifyExtracted(ctx context.Context, manifest *backup.Manifest, extractDir string) (map[string]string, error) {
	failures := make(map[string]string)
	for _, entry := range manifest.Entries {
		if entry.Status != backup.EntryOK {
			continue
		}

		path := filepath.Join(extractDir, filepath.FromSlash(entry.Path))
		info, err := os.Stat(path)
		if err != nil {
			e.logger.Warning("Verification failed for %s: listed in manifest but missing from archive", entry.Path)
			failures[entry.Path] = "listed in manifest but missing from archive"
			continue
		}
		if info.Size() != entry.Size {
			e.logger.Warning("Verification failed for %s: size %d, manifest says %d", entry.Path, info.Size(), entry.Size)
			failures[entry.Path] = fmt.Sprintf("size %d, manifest says %d", info.Size(), entry.Size)
			continue
		}

		ok, err := backup.VerifyChecksum(ctx, e.logger, path, entry.SHA256)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warning("Verification failed for %s: %v", entry.Path, err)
			failures[entry.Path] = err.Error()
			continue
		}
		if !ok {
			e.logger.Warning("Verification failed for %s: checksum mismatch", entry.Path)
			failures[entry.Path] = "checksum mismatch"
		}
	}
	return failures, nil
}

// pushAll transfers verified files back to the device one at a time, checking
// for cancellation between transfers. Entries in verifyFailures are recorded
// as failed and never pushed.
func (e *Engine) pushAll(ctx context.Context, serial string, manifest *backup.Manifest, extractDir, targetRoot string, verifyFailures map[string]string) ([]EntryResult, error) {
	results := make([]EntryResult, 0, len(manifest.Entries))

	for _, entry := range manifest.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if entry.Status != backup.EntryOK {
			results = append(results, EntryResult{
				Path:    entry.Path,
				Outcome: OutcomeAbsent,
				Detail:  entry.Reason,
			})
			continue
		}
		if detail, failed := verifyFailures[entry.Path]; failed {
			results = append(results, EntryResult{
				Path:    entry.Path,
				Outcome: OutcomeVerifyFailed,
				Detail:  detail,
			})
			continue
		}

		localPath := filepath.Join(extractDir, filepath.FromSlash(entry.Path))
		remotePath := targetRoot + "/" + entry.Path

		if err := e.bridge.PushFile(ctx, serial, localPath, remotePath, e.cfg.PushTimeout); err != nil {
			e.logger.Warning("Push failed for %s: %v", remotePath, err)
			results = append(results, EntryResult{
				Path:    entry.Path,
				Outcome: OutcomePushFailed,
				Detail:  err.Error(),
			})
			continue
		}

		e.logger.Debug("Restored: %s", remotePath)
		results = append(results, EntryResult{Path: entry.Path, Outcome: OutcomeRestored})
	}
	return results, nil
}
