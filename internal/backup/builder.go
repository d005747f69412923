package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/droidvault/droidvault/internal/bridge"
	"github.com/droidvault/droidvault/internal/device"
	"github.com/droidvault/droidvault/internal/logging"
	"github.com/droidvault/droidvault/internal/types"
)

var (
	// ErrInvalidSourcePath indicates the requested device path is not one of
	// the recognized backup roots.
	ErrInvalidSourcePath = errors.New("source path not allowed")

	// ErrNothingPulled indicates not a single file could be pulled from the
	// device.
	ErrNothingPulled = errors.New("no files could be pulled")
)

// AllowedSourceRoots is the allow-list of device paths a backup may pull.
// Arbitrary roots are rejected to bound the operation's blast radius.
var AllowedSourceRoots = []string{
	"/sdcard",      // full user data
	"/sdcard/DCIM", // media only
}

// Stage identifies the phase a build is currently in, reported through the
// OnStage callback so the orchestrator can drive its state machine.
type Stage string

const (
	// StagePulling - files are being transferred off the device
	StagePulling Stage = "pulling"

	// StagePackaging - the staging tree is being packaged into the archive
	StagePackaging Stage = "packaging"
)

// BuilderConfig holds configuration for archive builds.
type BuilderConfig struct {
	// StagingDir is the local directory staging trees are created under.
	StagingDir string

	// OutputDir is where the plaintext archive is written.
	OutputDir string

	// ListTimeout bounds the remote listing and size estimate queries.
	ListTimeout time.Duration

	// PullTimeout bounds each individual file transfer.
	PullTimeout time.Duration

	// Workers is the size of the pull worker pool.
	Workers int

	// Compression of the plaintext archive (none or gz).
	Compression types.CompressionType

	// SafetyFactor multiplies the estimated source size for the free-space
	// check (e.g. 1.5 = 50% buffer).
	SafetyFactor float64

	// Registry optionally records staging trees for orphan cleanup.
	Registry StagingRegistry

	// OnStage is invoked on each phase change. May be nil.
	OnStage func(Stage)
}

// Validate checks the builder configuration and fills defaults.
func (c *BuilderConfig) Validate() error {
	if c.StagingDir == "" {
		return fmt.Errorf("staging directory cannot be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}
	if c.ListTimeout <= 0 {
		c.ListTimeout = 30 * time.Second
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 2 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SafetyFactor < 1.0 {
		c.SafetyFactor = 1.2
	}
	return nil
}

// Result describes a completed build.
type Result struct {
	ArchivePath  string
	Manifest     *Manifest
	FilesPulled  int
	FilesSkipped int
	BytesPulled  int64
	Duration     time.Duration
}

// Builder pulls a device path tree into a staging area and packages it into
// a plaintext archive with a leading manifest.
type Builder struct {
	bridge bridge.Bridge
	logger *logging.Logger
	cfg    BuilderConfig
}

// NewBuilder creates an archive builder.
func NewBuilder(logger *logging.Logger, br bridge.Bridge, cfg BuilderConfig) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid builder config: %w", err)
	}
	return &Builder{
		bridge: br,
		logger: logger,
		cfg:    cfg,
	}, nil
}

func (b *Builder) stage(s Stage) {
	if b.cfg.OnStage != nil {
		b.cfg.OnStage(s)
	}
}

// Build pulls the file tree rooted at sourceRoot from the device and packages
// it into a single archive. Individual pull failures are recorded as skipped
// manifest entries; the build fails outright only when staging cannot be
// created or zero files were pulled.
func (b *Builder) Build(ctx context.Context, dev device.Device, sourceRoot string) (result *Result, err error) {
	start := time.Now()

	sourceRoot, err = ValidateSourceRoot(sourceRoot)
	if err != nil {
		return nil, err
	}

	b.stage(StagePulling)

	files, err := b.listRemoteFiles(ctx, dev.Serial, sourceRoot)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s is empty on %s", ErrNothingPulled, sourceRoot, dev.Serial)
	}
	b.logger.Info("Found %d file(s) under %s", len(files), sourceRoot)

	staging, err := NewStagingTree(b.logger, b.cfg.StagingDir, dev.Serial, b.cfg.Registry)
	if err != nil {
		return nil, err
	}
	defer staging.Remove()

	if estimate := b.estimateSourceBytes(ctx, dev.Serial, sourceRoot); estimate > 0 {
		required := uint64(float64(estimate) * b.cfg.SafetyFactor)
		if err := staging.CheckFreeSpace(ctx, required); err != nil {
			return nil, err
		}
		b.logger.Debug("Free-space check passed (estimate %d bytes, factor %.1f)", estimate, b.cfg.SafetyFactor)
	} else {
		b.logger.Warning("Could not estimate source size for %s, skipping free-space check", sourceRoot)
	}

	entries, err := b.pullAll(ctx, dev.Serial, sourceRoot, staging, files)
	if err != nil {
		return nil, err
	}

	manifest := NewManifest(dev.Serial, sourceRoot, b.cfg.Compression)
	manifest.Entries = entries

	if manifest.OKCount() == 0 {
		return nil, fmt.Errorf("%w: all %d file(s) failed", ErrNothingPulled, len(entries))
	}

	b.stage(StagePackaging)

	archiver := NewArchiver(b.logger, b.cfg.Compression)
	outputPath := filepath.Join(b.cfg.OutputDir,
		fmt.Sprintf("backup_%s_%s%s", dev.Serial, start.UTC().Format("20060102_150405"), archiver.Extension()))

	if err := archiver.Pack(ctx, staging, manifest, outputPath); err != nil {
		return nil, err
	}

	result = &Result{
		ArchivePath:  outputPath,
		Manifest:     manifest,
		FilesPulled:  manifest.OKCount(),
		FilesSkipped: manifest.SkippedCount(),
		BytesPulled:  manifest.TotalBytes(),
		Duration:     time.Since(start),
	}
	b.logger.Info("Packaged %d file(s), %d skipped, %d bytes",
		result.FilesPulled, result.FilesSkipped, result.BytesPulled)
	return result, nil
}

// pullAll transfers every listed file with a bounded worker pool. The entry
// slice is finalized only after every worker has finished, so packaging can
// never start while pulls are in flight.
func (b *Builder) pullAll(ctx context.Context, serial, sourceRoot string, staging *StagingTree, files []string) ([]Entry, error) {
	entries := make([]Entry, len(files))

	poolCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := b.cfg.Workers
	if workers > len(files) {
		workers = len(files)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				// Cancellation is cooperative: checked between
				// transfers, never mid-transfer.
				if poolCtx.Err() != nil {
					return
				}
				entries[idx] = b.pullOne(poolCtx, cancel, serial, sourceRoot, staging, files[idx])
			}
		}()
	}

	for idx := range files {
		if poolCtx.Err() != nil {
			break
		}
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	if cause := context.Cause(poolCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return nil, cause
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (b *Builder) pullOne(ctx context.Context, abort context.CancelCauseFunc, serial, sourceRoot string, staging *StagingTree, rel string) Entry {
	entry := Entry{Path: rel}

	if err := staging.EnsureParent(rel); err != nil {
		entry.Status = EntrySkipped
		entry.Reason = fmt.Sprintf("staging: %v", err)
		return entry
	}

	remotePath := sourceRoot + "/" + rel
	localPath := staging.Path(rel)

	if err := b.bridge.PullFile(ctx, serial, remotePath, localPath, b.cfg.PullTimeout); err != nil {
		b.logger.Warning("Pull failed for %s: %v", remotePath, err)
		// Distinguish a full staging filesystem from a per-file failure:
		// the former is fatal for the whole run.
		if spaceErr := staging.CheckFreeSpace(ctx, 1<<20); spaceErr != nil && ctx.Err() == nil {
			abort(spaceErr)
		}
		entry.Status = EntrySkipped
		entry.Reason = pullReason(err)
		return entry
	}

	info, err := os.Stat(localPath)
	if err != nil {
		entry.Status = EntrySkipped
		entry.Reason = fmt.Sprintf("stat after pull: %v", err)
		return entry
	}

	checksum, err := GenerateChecksum(ctx, b.logger, localPath)
	if err != nil {
		entry.Status = EntrySkipped
		entry.Reason = fmt.Sprintf("checksum: %v", err)
		return entry
	}

	entry.Size = info.Size()
	entry.SHA256 = checksum
	entry.Status = EntryOK
	return entry
}

// pullReason maps a bridge error to a short, stable reason code for the
// manifest.
func pullReason(err error) string {
	switch {
	case errors.Is(err, bridge.ErrTimeout):
		return "timeout"
	case errors.Is(err, bridge.ErrIO):
		return "transfer failed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}

// listRemoteFiles enumerates regular files under sourceRoot, returned as
// slash-separated paths relative to the root, in stable sorted order.
func (b *Builder) listRemoteFiles(ctx context.Context, serial, sourceRoot string) ([]string, error) {
	result, err := b.bridge.Run(ctx, serial, b.cfg.ListTimeout, "find", sourceRoot, "-type", "f")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", sourceRoot, err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("%w: find exited %d for %s", bridge.ErrIO, result.ExitCode, sourceRoot)
	}

	prefix := sourceRoot + "/"
	files := make([]string, 0, 64)
	for _, line := range strings.Split(result.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rel, ok := strings.CutPrefix(line, prefix)
		if !ok || rel == "" {
			continue
		}
		files = append(files, rel)
	}
	sort.Strings(files)
	return files, nil
}

// estimateSourceBytes asks the device for the size of the source tree.
// Returns 0 when the estimate is unavailable; the build then proceeds
// without an up-front space check.
func (b *Builder) estimateSourceBytes(ctx context.Context, serial, sourceRoot string) int64 {
	result, err := b.bridge.Run(ctx, serial, b.cfg.ListTimeout, "du", "-sk", sourceRoot)
	if err != nil || result.ExitCode != 0 {
		return 0
	}

	fields := strings.Fields(result.Stdout)
	if len(fields) == 0 {
		return 0
	}
	kb, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	return kb * 1024
}

// ValidateSourceRoot checks a device path against the allow-list and returns
// its normalized form. Restore targets pass through the same rule.
func ValidateSourceRoot(sourceRoot string) (string, error) {
	cleaned := strings.TrimRight(strings.TrimSpace(sourceRoot), "/")
	for _, allowed := range AllowedSourceRoots {
		if cleaned == allowed {
			return cleaned, nil
		}
	}
	return "", fmt.Errorf("%w: %q (allowed: %s)", ErrInvalidSourcePath, sourceRoot, strings.Join(AllowedSourceRoots, ", "))
}
