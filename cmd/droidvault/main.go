package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"filippo.io/age"

	"github.com/droidvault/droidvault/internal/bridge"
	"github.com/droidvault/droidvault/internal/cli"
	"github.com/droidvault/droidvault/internal/config"
	"github.com/droidvault/droidvault/internal/content"
	"github.com/droidvault/droidvault/internal/cryptox"
	"github.com/droidvault/droidvault/internal/logging"
	"github.com/droidvault/droidvault/internal/metrics"
	"github.com/droidvault/droidvault/internal/notify"
	"github.com/droidvault/droidvault/internal/orchestrator"
	"github.com/droidvault/droidvault/internal/restore"
	"github.com/droidvault/droidvault/internal/storage"
	"github.com/droidvault/droidvault/internal/types"
	"github.com/droidvault/droidvault/internal/version"
)

func main() {
	os.Exit(run())
}

var closeStdinOnce sync.Once

func run() int {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n%s\n", r, debug.Stack())
			os.Exit(types.ExitPanicError.Int())
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM: cancel the run context and close
	// stdin so interactive prompts unblock.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived signal %v, shutting down...\n", sig)
		cancel()
		closeStdinOnce.Do(func() {
			os.Stdin.Close()
		})
	}()

	args, err := cli.Parse(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return types.ExitSuccess.Int()
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return types.ExitConfigError.Int()
	}

	if args.ShowVersion {
		cli.PrintVersion(os.Stdout)
		return types.ExitSuccess.Int()
	}
	if args.ShowHelp {
		cli.PrintHelp(os.Stdout)
		return types.ExitSuccess.Int()
	}
	if args.Command == cli.CommandNone {
		cli.PrintHelp(os.Stderr)
		return types.ExitConfigError.Int()
	}

	cfg, err := loadConfiguration(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return types.ExitConfigError.Int()
	}

	logLevel := cfg.DebugLevel
	if args.LogLevelSet {
		logLevel = args.LogLevel
	}
	logger := logging.New(logLevel, cfg.UseColor && !args.NoColor)
	openLogFile(logger, cfg)
	defer logger.CloseLogFile()

	logger.Debug("droidvault %s starting (command: %s)", version.String(), args.Command)

	opts, err := buildOptions(cfg, args)
	if err != nil {
		logger.Error("%v", err)
		return types.ExitConfigError.Int()
	}

	br := bridge.NewADB(logger, cfg.ADBPath)
	orch := orchestrator.New(logger, br, newStagingRegistry(logger), opts)

	switch args.Command {
	case cli.CommandDetect:
		return runDetect(ctx, logger, orch)
	case cli.CommandDiagnose:
		return runDiagnose(ctx, logger, orch, args)
	case cli.CommandBackup:
		return runBackup(ctx, logger, cfg, orch, args)
	case cli.CommandBackupContacts:
		return runExportContacts(ctx, logger, cfg, orch, br, args)
	case cli.CommandBackupSMS:
		return runExportSMS(ctx, logger, cfg, orch, br, args)
	case cli.CommandRestore:
		return runRestore(ctx, logger, cfg, orch, br, args)
	case cli.CommandDecrypt:
		return runDecrypt(ctx, logger, orch, args)
	default:
		cli.PrintHelp(os.Stderr)
		return types.ExitConfigError.Int()
	}
}

func loadConfiguration(args *cli.Args) (*config.Config, error) {
	if args.ConfigPathSet {
		return config.LoadConfig(args.ConfigPath)
	}
	return config.LoadOrDefault(args.ConfigPath)
}

func openLogFile(logger *logging.Logger, cfg *config.Config) {
	if cfg.LogDir == "" {
		return
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		logger.Warning("Cannot create log directory %s: %v", cfg.LogDir, err)
		return
	}
	logPath := filepath.Join(cfg.LogDir, "droidvault.log")
	if err := logger.OpenLogFile(logPath); err != nil {
		logger.Warning("Cannot open log file %s: %v", logPath, err)
	}
}

// buildOptions maps configuration and flags onto orchestrator options,
// loading age key material when that mode is configured.
func buildOptions(cfg *config.Config, args *cli.Args) (orchestrator.Options, error) {
	opts := orchestrator.Options{
		StagingDir:      cfg.StagingDir,
		BackupDir:       cfg.BackupDir,
		LockFilePath:    cfg.LockPath,
		MaxLockAge:      cfg.MaxLockAge,
		QueryTimeout:    cfg.QueryTimeout,
		TransferTimeout: cfg.TransferTimeout,
		Workers:         cfg.TransferWorkers,
		Compression:     cfg.Compression,
		Encryption:      cfg.Encryption,
		SafetyFactor:    cfg.SafetyFactor,
		DryRun:          cfg.DryRun || args.DryRun,
	}

	if cfg.Encryption == types.EncryptionAge || cfg.AgeRecipientFile != "" {
		if cfg.AgeRecipientFile != "" {
			recipients, err := cryptox.ParseRecipients(cfg.AgeRecipientFile)
			if err != nil {
				return opts, fmt.Errorf("cannot load age recipients: %w", err)
			}
			opts.Recipients = recipients
		}
	}
	if cfg.AgeIdentityFile != "" {
		identities, err := loadIdentities(cfg.AgeIdentityFile)
		if err != nil {
			return opts, err
		}
		opts.Identities = identities
	}
	return opts, nil
}

func loadIdentities(path string) ([]age.Identity, error) {
	identities, err := cryptox.ParseIdentities(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load age identities: %w", err)
	}
	return identities, nil
}

func newStagingRegistry(logger *logging.Logger) *orchestrator.StagingDirRegistry {
	reg, err := orchestrator.NewStagingDirRegistry(logger, orchestrator.ResolveRegistryPath())
	if err != nil {
		// Orphan cleanup is best-effort; the workflows run without it.
		logger.Warning("Staging registry unavailable: %v", err)
		return nil
	}
	return reg
}

func runDetect(ctx context.Context, logger *logging.Logger, orch *orchestrator.Orchestrator) int {
	devices, err := orch.ListDevices(ctx)
	if err != nil {
		return reportFailure(logger, "detect", err)
	}
	renderDeviceList(os.Stdout, devices)
	return types.ExitSuccess.Int()
}

func runDiagnose(ctx context.Context, logger *logging.Logger, orch *orchestrator.Orchestrator, args *cli.Args) int {
	serial, err := resolveDeviceSerial(ctx, orch, args.DeviceSerial)
	if err != nil {
		return reportFailure(logger, "diagnose", err)
	}
	report, err := orch.CollectDiagnostics(ctx, serial)
	if err != nil {
		return reportFailure(logger, "diagnose", err)
	}
	renderDiagnostics(os.Stdout, report)
	return types.ExitSuccess.Int()
}

func runBackup(ctx context.Context, logger *logging.Logger, cfg *config.Config, orch *orchestrator.Orchestrator, args *cli.Args) int {
	serial, err := resolveDeviceSerial(ctx, orch, args.DeviceSerial)
	if err != nil {
		return reportFailure(logger, "backup", err)
	}

	sourceRoot := args.SourceRoot
	if sourceRoot == "" {
		sourceRoot = cfg.DefaultSource
	}

	secret, err := acquireBackupSecret(ctx, cfg, args)
	if err != nil {
		return reportFailure(logger, "backup", err)
	}
	defer zeroSecret(secret)

	startTime := time.Now()
	stats, err := orch.RunBackup(ctx, serial, sourceRoot, secret)
	exitCode := exitCodeFor(err)

	exportBackupMetrics(logger, cfg, serial, sourceRoot, startTime, exitCode, stats)
	sendBackupNotification(logger, cfg, "backup", serial, sourceRoot, startTime, exitCode, stats, err)

	if err != nil {
		return reportFailure(logger, "backup", err)
	}

	renderBackupSummary(os.Stdout, stats)
	applyRetention(ctx, logger, cfg)
	return exitCode.Int()
}

// runExportContacts and runExportSMS talk to the content providers directly;
// they bypass the archive workflow, mirroring their restore paths.
func runExportContacts(ctx context.Context, logger *logging.Logger, cfg *config.Config, orch *orchestrator.Orchestrator, br bridge.Bridge, args *cli.Args) int {
	serial, err := resolveDeviceSerial(ctx, orch, args.DeviceSerial)
	if err != nil {
		return reportFailure(logger, "backup-contacts", err)
	}

	store := content.NewStore(logger, br, cfg.QueryTimeout)
	path, err := store.ExportContacts(ctx, serial, filepath.Join(cfg.BackupDir, "contacts"))
	if err != nil {
		return reportFailure(logger, "backup-contacts", err)
	}
	fmt.Printf("Contacts saved to %s\n", path)
	return types.ExitSuccess.Int()
}

func runExportSMS(ctx context.Context, logger *logging.Logger, cfg *config.Config, orch *orchestrator.Orchestrator, br bridge.Bridge, args *cli.Args) int {
	serial, err := resolveDeviceSerial(ctx, orch, args.DeviceSerial)
	if err != nil {
		return reportFailure(logger, "backup-sms", err)
	}

	store := content.NewStore(logger, br, cfg.QueryTimeout)
	path, err := store.ExportSMS(ctx, serial, filepath.Join(cfg.BackupDir, "messages"))
	if err != nil {
		return reportFailure(logger, "backup-sms", err)
	}
	fmt.Printf("Messages saved to %s\n", path)
	return types.ExitSuccess.Int()
}

func runRestore(ctx context.Context, logger *logging.Logger, cfg *config.Config, orch *orchestrator.Orchestrator, br bridge.Bridge, args *cli.Args) int {
	serial, err := resolveDeviceSerial(ctx, orch, args.DeviceSerial)
	if err != nil {
		return reportFailure(logger, "restore", err)
	}

	// Contact and SMS exports restore through their content providers, not
	// through the archive workflow.
	switch {
	case strings.HasSuffix(args.ArchivePath, ".vcf"):
		store := content.NewStore(logger, br, cfg.QueryTimeout)
		if err := store.RestoreContacts(ctx, serial, args.ArchivePath); err != nil {
			return reportFailure(logger, "restore", err)
		}
		fmt.Println("Contact import started; confirm it on the device.")
		return types.ExitSuccess.Int()
	case strings.HasSuffix(args.ArchivePath, ".json"):
		store := content.NewStore(logger, br, cfg.QueryTimeout)
		restored, err := store.RestoreSMS(ctx, serial, args.ArchivePath)
		if err != nil {
			return reportFailure(logger, "restore", err)
		}
		fmt.Printf("Restored %d message(s).\n", restored)
		if restored == 0 {
			return types.ExitRestoreError.Int()
		}
		return types.ExitSuccess.Int()
	}

	targetLabel := args.TargetRoot
	if targetLabel == "" {
		targetLabel = "the recorded source directory"
	}
	proceed, err := confirmRestore(ctx, targetLabel)
	if err != nil {
		return reportFailure(logger, "restore", err)
	}
	if !proceed {
		logger.Info("Restore aborted by operator")
		return types.ExitCancelled.Int()
	}

	secret, err := acquireArchiveSecret(ctx, args, args.ArchivePath)
	if err != nil {
		return reportFailure(logger, "restore", err)
	}
	defer zeroSecret(secret)

	startTime := time.Now()
	report, err := orch.RunRestore(ctx, serial, args.ArchivePath, secret, args.TargetRoot)
	exitCode := restoreExitCode(report, err)
	sendRestoreNotification(logger, cfg, serial, startTime, exitCode, report, err)

	if err != nil {
		return reportFailure(logger, "restore", err)
	}

	renderRestoreSummary(os.Stdout, report)
	if exitCode != types.ExitSuccess {
		logger.Error("Restore failed: no files could be restored")
	}
	return exitCode.Int()
}

// restoreExitCode folds per-entry results into the process exit code: the
// engine reports entry failures instead of failing the call, but a run that
// restored nothing while entries failed still exits nonzero.
func restoreExitCode(report *restore.Report, err error) types.ExitCode {
	if err != nil {
		return exitCodeFor(err)
	}
	if report != nil && report.RestoredCount() == 0 && report.FailedCount() > 0 {
		return types.ExitRestoreError
	}
	return types.ExitSuccess
}

func runDecrypt(ctx context.Context, logger *logging.Logger, orch *orchestrator.Orchestrator, args *cli.Args) int {
	secret, err := acquireArchiveSecret(ctx, args, args.ArchivePath)
	if err != nil {
		return reportFailure(logger, "decrypt", err)
	}
	defer zeroSecret(secret)

	if err := orch.DecryptArchive(args.ArchivePath, args.OutputPath, secret); err != nil {
		return reportFailure(logger, "decrypt", err)
	}
	logger.Info("Archive decrypted successfully")
	return types.ExitSuccess.Int()
}

// exitCodeFor extracts the exit code from a workflow error.
func exitCodeFor(err error) types.ExitCode {
	if err == nil {
		return types.ExitSuccess
	}
	var wfErr *orchestrator.WorkflowError
	if errors.As(err, &wfErr) {
		return wfErr.Code
	}
	return types.ExitGenericError
}

func reportFailure(logger *logging.Logger, operation string, err error) int {
	code := exitCodeFor(err)
	logger.Error("%s failed: %v", operation, err)
	return code.Int()
}

func exportBackupMetrics(logger *logging.Logger, cfg *config.Config, serial, sourceRoot string, startTime time.Time, exitCode types.ExitCode, stats *orchestrator.BackupStats) {
	if !cfg.MetricsEnabled {
		return
	}

	hostname, _ := os.Hostname()
	m := &metrics.BackupMetrics{
		Hostname:     hostname,
		DeviceSerial: serial,
		SourceRoot:   sourceRoot,
		ToolVersion:  version.String(),
		StartTime:    startTime,
		EndTime:      time.Now(),
		Duration:     time.Since(startTime),
		ExitCode:     exitCode.Int(),
		ErrorCount:   logger.ErrorCount(),
		WarningCount: logger.WarningCount(),
	}
	if stats != nil {
		m.FilesPulled = stats.FilesPulled
		m.FilesSkipped = stats.FilesSkipped
		m.BytesPulled = stats.BytesPulled
		m.ArchiveSize = stats.Archive.Size
	}

	exporter := metrics.NewPrometheusExporter(cfg.MetricsDir, logger)
	if err := exporter.Export(m); err != nil {
		logger.Warning("Metrics export failed: %v", err)
	}
}

func notificationStatus(exitCode types.ExitCode, logger *logging.Logger) notify.Status {
	switch {
	case exitCode != types.ExitSuccess:
		return notify.StatusFailure
	case logger.HasWarnings():
		return notify.StatusWarning
	default:
		return notify.StatusSuccess
	}
}

func sendBackupNotification(logger *logging.Logger, cfg *config.Config, operation, serial, sourceRoot string, startTime time.Time, exitCode types.ExitCode, stats *orchestrator.BackupStats, runErr error) {
	notifier, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTimeout)
	if err != nil {
		logger.Warning("Webhook disabled: %v", err)
		return
	}
	if !notifier.Enabled() {
		return
	}

	hostname, _ := os.Hostname()
	event := &notify.Event{
		Tool:         "droidvault",
		Version:      version.String(),
		Hostname:     hostname,
		Operation:    operation,
		Status:       notificationStatus(exitCode, logger).String(),
		DeviceSerial: serial,
		SourceRoot:   sourceRoot,
		ExitCode:     exitCode.Int(),
		StartedAt:    startTime,
		FinishedAt:   time.Now(),
	}
	if stats != nil {
		event.ArchivePath = stats.Archive.Path
		event.ArchiveSize = stats.Archive.Size
		event.FilesPulled = stats.FilesPulled
		event.FilesSkipped = stats.FilesSkipped
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}

	// Notification delivery runs on its own deadline: the workflow context
	// may already be cancelled when reporting a failure.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.WebhookTimeout)
	defer cancel()
	if err := notifier.Send(ctx, event); err != nil {
		logger.Warning("%v", err)
	}
}

func sendRestoreNotification(logger *logging.Logger, cfg *config.Config, serial string, startTime time.Time, exitCode types.ExitCode, report *restore.Report, runErr error) {
	notifier, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTimeout)
	if err != nil {
		logger.Warning("Webhook disabled: %v", err)
		return
	}
	if !notifier.Enabled() {
		return
	}

	hostname, _ := os.Hostname()
	event := &notify.Event{
		Tool:         "droidvault",
		Version:      version.String(),
		Hostname:     hostname,
		Operation:    "restore",
		Status:       notificationStatus(exitCode, logger).String(),
		DeviceSerial: serial,
		ExitCode:     exitCode.Int(),
		StartedAt:    startTime,
		FinishedAt:   time.Now(),
	}
	if report != nil {
		event.ArchivePath = report.ArchivePath
		event.SourceRoot = report.TargetRoot
		event.FilesPulled = report.RestoredCount()
		event.FilesSkipped = report.FailedCount()
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.WebhookTimeout)
	defer cancel()
	if err := notifier.Send(ctx, event); err != nil {
		logger.Warning("%v", err)
	}
}

func applyRetention(ctx context.Context, logger *logging.Logger, cfg *config.Config) {
	if cfg.MaxLocalBackups <= 0 {
		return
	}
	store, err := storage.NewLocalStorage(logger, cfg.BackupDir)
	if err != nil {
		logger.Warning("Retention skipped: %v", err)
		return
	}
	deleted, err := store.ApplyRetention(ctx, cfg.MaxLocalBackups)
	if err != nil {
		logger.Warning("Retention failed: %v", err)
		return
	}
	if deleted > 0 {
		logger.Info("Retention removed %d old backup(s)", deleted)
	}
}

func zeroSecret(secret []byte) {
	for i := range secret {
		secret[i] = 0
	}
}
