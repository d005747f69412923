// Package orchestrator drives complete backup and restore workflows: it
// acquires the run lock, selects the device, tracks phase transitions and
// maps every failure to an exit code.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"filippo.io/age"

	"github.com/droidvault/droidvault/internal/backup"
	"github.com/droidvault/droidvault/internal/bridge"
	"github.com/droidvault/droidvault/internal/checks"
	"github.com/droidvault/droidvault/internal/cryptox"
	"github.com/droidvault/droidvault/internal/device"
	"github.com/droidvault/droidvault/internal/diagnostics"
	"github.com/droidvault/droidvault/internal/logging"
	"github.com/droidvault/droidvault/internal/restore"
	"github.com/droidvault/droidvault/internal/types"
)

// ErrCancelled indicates the operator aborted the run.
var ErrCancelled = errors.New("operation cancelled")

// ErrBusy indicates a workflow is already running in this process.
var ErrBusy = errors.New("a workflow is already running")

// Phase names one step of a workflow. Backup runs move through
// idle -> pulling -> packaging -> encrypting -> done; restore runs through
// idle -> verifying -> decrypting -> extracting -> pushing -> done. Any
// failure lands in failed.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePulling    Phase = "pulling"
	PhasePackaging  Phase = "packaging"
	PhaseEncrypting Phase = "encrypting"
	PhaseDecrypting Phase = "decrypting"
	PhaseExtracting Phase = "extracting"
	PhaseVerifying  Phase = "verifying"
	PhasePushing    Phase = "pushing"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// WorkflowError wraps a failure with the phase it happened in and the exit
// code the process should report.
type WorkflowError struct {
	Phase Phase
	Code  types.ExitCode
	Err   error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s failed during %s: %v", e.Code, e.Phase, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Options configures the orchestrator.
type Options struct {
	StagingDir      string
	BackupDir       string
	RestoreWorkDir  string
	LockFilePath    string
	MaxLockAge      time.Duration
	QueryTimeout    time.Duration
	TransferTimeout time.Duration
	Workers         int
	Compression     types.CompressionType
	Encryption      types.EncryptionMode
	Recipients      []age.Recipient
	Identities      []age.Identity
	SafetyFactor    float64
	DryRun          bool
}

// BackupStats summarizes a completed backup run.
type BackupStats struct {
	Archive      types.ArchiveInfo
	FilesPulled  int
	FilesSkipped int
	BytesPulled  int64
	Duration     time.Duration
}

// Orchestrator owns one device bridge and runs workflows against it. Only
// one workflow may run at a time per process; concurrent runs across
// processes are refused through the lock file.
type Orchestrator struct {
	logger     *logging.Logger
	bridge     bridge.Bridge
	registry   *device.Registry
	stagingReg *StagingDirRegistry
	opts       Options

	mu      sync.Mutex
	running bool
	phase   Phase
}

// New creates an orchestrator. stagingReg may be nil.
func New(logger *logging.Logger, br bridge.Bridge, stagingReg *StagingDirRegistry, opts Options) *Orchestrator {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		logger:     logger,
		bridge:     br,
		registry:   device.NewRegistry(logger, br, opts.QueryTimeout),
		stagingReg: stagingReg,
		opts:       opts,
		phase:      PhaseIdle,
	}
}

// Phase returns the current workflow phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.logger.Debug("Workflow phase: %s", p)
}

func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrBusy
	}
	o.running = true
	o.phase = PhaseIdle
	return nil
}

func (o *Orchestrator) end(finalPhase Phase) {
	o.mu.Lock()
	o.running = false
	o.phase = finalPhase
	o.mu.Unlock()
}

// ListDevices returns the devices currently attached to the bridge.
func (o *Orchestrator) ListDevices(ctx context.Context) ([]device.Device, error) {
	devices, err := o.registry.List(ctx)
	if err != nil {
		return nil, o.wrap(PhaseIdle, err)
	}
	return devices, nil
}

// CollectDiagnostics gathers device health for the given serial.
func (o *Orchestrator) CollectDiagnostics(ctx context.Context, serial string) (*diagnostics.Report, error) {
	dev, err := o.registry.Select(ctx, serial)
	if err != nil {
		return nil, o.wrap(PhaseIdle, err)
	}

	collector := diagnostics.NewCollector(o.logger, o.bridge, o.opts.QueryTimeout)
	report, err := collector.Collect(ctx, dev)
	if err != nil {
		return nil, o.wrap(PhaseIdle, err)
	}
	return report, nil
}

// RunBackup executes the full backup workflow for one device and source root.
// The secret is required when passphrase encryption is configured.
func (o *Orchestrator) RunBackup(ctx context.Context, serial, sourceRoot string, secret []byte) (*BackupStats, error) {
	if err := o.begin(); err != nil {
		return nil, o.wrap(PhaseIdle, err)
	}
	finalPhase := PhaseFailed
	defer func() { o.end(finalPhase) }()

	start := time.Now()

	// Fail on a missing secret before touching the device.
	if o.opts.Encryption == types.EncryptionPassphrase && len(secret) == 0 {
		return nil, o.wrap(PhaseIdle, cryptox.ErrEmptySecret)
	}
	if o.opts.Encryption == types.EncryptionAge && len(o.opts.Recipients) == 0 {
		return nil, o.wrap(PhaseIdle, fmt.Errorf("age encryption configured without recipients"))
	}

	checker, err := o.preflight(ctx)
	if err != nil {
		return nil, o.wrap(PhaseIdle, err)
	}
	defer o.releaseLock(checker)

	dev, err := o.registry.Select(ctx, serial)
	if err != nil {
		return nil, o.wrap(PhaseIdle, err)
	}
	o.logger.Step("Backing up %s from %s", dev.DisplayName, sourceRoot)

	builder, err := backup.NewBuilder(o.logger, o.bridge, backup.BuilderConfig{
		StagingDir:   o.opts.StagingDir,
		OutputDir:    o.opts.BackupDir,
		ListTimeout:  o.opts.QueryTimeout,
		PullTimeout:  o.opts.TransferTimeout,
		Workers:      o.opts.Workers,
		Compression:  o.opts.Compression,
		SafetyFactor: o.opts.SafetyFactor,
		Registry:     o.stagingRegistry(),
		OnStage: func(s backup.Stage) {
			switch s {
			case backup.StagePulling:
				o.setPhase(PhasePulling)
			case backup.StagePackaging:
				o.setPhase(PhasePackaging)
			}
		},
	})
	if err != nil {
		return nil, o.wrap(PhaseIdle, err)
	}

	result, err := builder.Build(ctx, dev, sourceRoot)
	if err != nil {
		return nil, o.wrap(o.Phase(), err)
	}

	archivePath, err := o.encryptArchive(result.ArchivePath, secret)
	if err != nil {
		return nil, o.wrap(PhaseEncrypting, err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, o.wrap(PhaseEncrypting, fmt.Errorf("archive vanished: %w", err))
	}
	checksum, err := backup.GenerateChecksum(ctx, o.logger, archivePath)
	if err != nil {
		return nil, o.wrap(PhaseEncrypting, err)
	}

	stats := &BackupStats{
		Archive: types.ArchiveInfo{
			DeviceSerial: dev.Serial,
			Timestamp:    result.Manifest.CreatedAt,
			Path:         archivePath,
			Size:         info.Size(),
			Checksum:     checksum,
			Compression:  o.opts.Compression,
			Encryption:   o.opts.Encryption,
		},
		FilesPulled:  result.FilesPulled,
		FilesSkipped: result.FilesSkipped,
		BytesPulled:  result.BytesPulled,
		Duration:     time.Since(start),
	}

	finalPhase = PhaseDone
	o.setPhase(PhaseDone)
	o.logger.Step("Backup complete: %s (%d files, %d skipped)",
		archivePath, stats.FilesPulled, stats.FilesSkipped)
	return stats, nil
}

// RunRestore executes the full restore workflow. targetRoot overrides the
// archived source root when non-empty.
func (o *Orchestrator) RunRestore(ctx context.Context, serial, archivePath string, secret []byte, targetRoot string) (*restore.Report, error) {
	if err := o.begin(); err != nil {
		return nil, o.wrap(PhaseIdle, err)
	}
	finalPhase := PhaseFailed
	defer func() { o.end(finalPhase) }()

	checker, err := o.preflight(ctx)
	if err != nil {
		return nil, o.wrap(PhaseIdle, err)
	}
	defer o.releaseLock(checker)

	dev, err := o.registry.Select(ctx, serial)
	if err != nil {
		return nil, o.wrap(PhaseIdle, err)
	}
	o.logger.Step("Restoring %s onto %s", archivePath, dev.DisplayName)

	engine, err := restore.NewEngine(o.logger, o.bridge, restore.Config{
		WorkDir:     o.restoreWorkDir(),
		PushTimeout: o.opts.TransferTimeout,
		Identities:  o.opts.Identities,
		OnStage: func(s restore.Stage) {
			switch s {
			case restore.StageVerifying:
				o.setPhase(PhaseVerifying)
			case restore.StageDecrypting:
				o.setPhase(PhaseDecrypting)
			case restore.StageExtracting:
				o.setPhase(PhaseExtracting)
			case restore.StagePushing:
				o.setPhase(PhasePushing)
			}
		},
	})
	if err != nil {
		return nil, o.wrap(PhaseIdle, err)
	}

	report, err := engine.Restore(ctx, dev, archivePath, secret, targetRoot)
	if err != nil {
		return nil, o.wrap(o.Phase(), err)
	}

	finalPhase = PhaseDone
	o.setPhase(PhaseDone)
	o.logger.Step("Restore complete: %d file(s) restored, %d failed",
		report.RestoredCount(), report.FailedCount())
	return report, nil
}

// DecryptArchive opens an encrypted archive and writes the plaintext next to
// it, without touching any device.
func (o *Orchestrator) DecryptArchive(archivePath, outputPath string, secret []byte) error {
	format, err := cryptox.DetectFormat(archivePath)
	if err != nil {
		return o.wrap(PhaseDecrypting, err)
	}

	switch format {
	case cryptox.FormatPassphrase:
		err = cryptox.DecryptFile(archivePath, outputPath, secret)
	case cryptox.FormatAge:
		if len(o.opts.Identities) == 0 {
			err = fmt.Errorf("archive %s needs an age identity", archivePath)
		} else {
			err = cryptox.DecryptFileAge(archivePath, outputPath, o.opts.Identities)
		}
	default:
		err = fmt.Errorf("%s is not encrypted", archivePath)
	}
	if err != nil {
		return o.wrap(PhaseDecrypting, err)
	}

	o.logger.Step("Decrypted %s to %s", archivePath, outputPath)
	return nil
}

func (o *Orchestrator) preflight(ctx context.Context) (*checks.Checker, error) {
	cfg := &checks.CheckerConfig{
		BackupDir:    o.opts.BackupDir,
		StagingDir:   o.opts.StagingDir,
		LockFilePath: o.opts.LockFilePath,
		MaxLockAge:   o.opts.MaxLockAge,
		SafetyFactor: o.opts.SafetyFactor,
		DryRun:       o.opts.DryRun,
	}
	if cfg.MaxLockAge <= 0 {
		cfg.MaxLockAge = 2 * time.Hour
	}
	if cfg.SafetyFactor < 1.0 {
		cfg.SafetyFactor = 1.5
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	checker := checks.NewChecker(o.logger, cfg)
	if _, err := checker.RunAllChecks(ctx); err != nil {
		return nil, err
	}

	if o.stagingReg != nil {
		if cleaned, err := o.stagingReg.CleanupOrphaned(cfg.MaxLockAge); err != nil {
			o.logger.Warning("Orphaned staging cleanup failed: %v", err)
		} else if cleaned > 0 {
			o.logger.Info("Removed %d orphaned staging director%s", cleaned, pluralY(cleaned))
		}
	}
	return checker, nil
}

func (o *Orchestrator) releaseLock(checker *checks.Checker) {
	if err := checker.ReleaseLock(); err != nil {
		o.logger.Warning("Failed to release run lock: %v", err)
	}
}

// encryptArchive applies the configured encryption mode and removes the
// plaintext on success. Returns the final artifact path.
func (o *Orchestrator) encryptArchive(plainPath string, secret []byte) (string, error) {
	if o.opts.Encryption == types.EncryptionNone {
		return plainPath, nil
	}

	o.setPhase(PhaseEncrypting)
	encPath := plainPath + cryptox.EncryptedExtension

	var err error
	switch o.opts.Encryption {
	case types.EncryptionPassphrase:
		err = cryptox.EncryptFile(plainPath, encPath, secret)
	case types.EncryptionAge:
		err = cryptox.EncryptFileAge(plainPath, encPath, o.opts.Recipients)
	default:
		err = fmt.Errorf("unknown encryption mode %q", o.opts.Encryption)
	}
	if err != nil {
		return "", err
	}

	if err := os.Remove(plainPath); err != nil {
		o.logger.Warning("Failed to remove plaintext archive %s: %v", plainPath, err)
	}
	return encPath, nil
}

func (o *Orchestrator) stagingRegistry() backup.StagingRegistry {
	if o.stagingReg == nil {
		return nil
	}
	return o.stagingReg
}

func (o *Orchestrator) restoreWorkDir() string {
	if o.opts.RestoreWorkDir != "" {
		return o.opts.RestoreWorkDir
	}
	return o.opts.StagingDir
}

// wrap classifies an error into a WorkflowError carrying the exit code.
// Existing WorkflowErrors pass through unchanged.
func (o *Orchestrator) wrap(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	var wfErr *WorkflowError
	if errors.As(err, &wfErr) {
		return err
	}

	code := types.ExitGenericError
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled):
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
		code = types.ExitCancelled
	case errors.Is(err, checks.ErrLocked) || errors.Is(err, ErrBusy):
		code = types.ExitLockError
	case errors.Is(err, bridge.ErrUnavailable):
		code = types.ExitBridgeError
	case errors.Is(err, device.ErrNotFound), errors.Is(err, device.ErrUnauthorized):
		code = types.ExitDeviceError
	case errors.Is(err, backup.ErrStagingUnavailable):
		code = types.ExitDiskSpaceError
	case errors.Is(err, cryptox.ErrIntegrityCheckFailed):
		code = types.ExitVerificationError
	case errors.Is(err, cryptox.ErrEmptySecret), errors.Is(err, cryptox.ErrMalformedArchive):
		code = types.ExitCryptoError
	case errors.Is(err, backup.ErrInvalidSourcePath), errors.Is(err, backup.ErrNothingPulled):
		code = types.ExitBackupError
	case phase == PhasePulling || phase == PhasePackaging:
		code = types.ExitBackupError
	case phase == PhasePushing || phase == PhaseExtracting || phase == PhaseVerifying:
		code = types.ExitRestoreError
	case phase == PhaseEncrypting || phase == PhaseDecrypting:
		code = types.ExitCryptoError
	}

	return &WorkflowError{Phase: phase, Code: code, Err: err}
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
