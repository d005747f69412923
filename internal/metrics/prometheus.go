package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/droidvault/droidvault/internal/logging"
)

// BackupMetrics represents the subset of backup statistics exported as Prometheus metrics.
type BackupMetrics struct {
	Hostname     string
	DeviceSerial string
	SourceRoot   string
	ToolVersion  string

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	ExitCode     int
	ErrorCount   int
	WarningCount int
	FilesPulled  int
	FilesSkipped int
	BytesPulled  int64
	ArchiveSize  int64
}

// PrometheusExporter writes backup metrics in Prometheus textfile format for node_exporter.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger
}

// NewPrometheusExporter creates a new PrometheusExporter using the provided directory.
func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	return &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
	}
}

// Export writes the given metrics snapshot to droidvault_backup.prom in textfileDir.
func (pe *PrometheusExporter) Export(m *BackupMetrics) error {
	if pe == nil || m == nil {
		return nil
	}

	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}

	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	tmpPath := filepath.Join(pe.textfileDir, "droidvault_backup.prom.tmp")
	finalPath := filepath.Join(pe.textfileDir, "droidvault_backup.prom")

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create metrics file %s: %w", tmpPath, err)
	}
	defer f.Close()

	// Helper to write a single metric with HELP/TYPE
	writeMetric := func(name, mtype, help, value string) {
		fmt.Fprintf(f, "# HELP %s %s\n", name, help)
		fmt.Fprintf(f, "# TYPE %s %s\n", name, mtype)
		fmt.Fprintln(f, value)
	}

	startTs := float64(m.StartTime.Unix())
	endTs := float64(m.EndTime.Unix())
	if m.EndTime.IsZero() && !m.StartTime.IsZero() {
		endTs = float64(m.StartTime.Unix() + int64(m.Duration.Seconds()))
	}

	// Status gauge: 0=success, 1=warning, 2=error
	status := 0
	if m.ExitCode != 0 {
		status = 2
	} else if m.WarningCount > 0 {
		status = 1
	}

	writeMetric(
		"droidvault_backup_start_time_seconds",
		"gauge",
		"Unix timestamp of backup start",
		fmt.Sprintf("droidvault_backup_start_time_seconds %.0f", startTs),
	)

	writeMetric(
		"droidvault_backup_end_time_seconds",
		"gauge",
		"Unix timestamp of backup end",
		fmt.Sprintf("droidvault_backup_end_time_seconds %.0f", endTs),
	)

	writeMetric(
		"droidvault_backup_duration_seconds",
		"gauge",
		"Duration of last backup in seconds",
		fmt.Sprintf("droidvault_backup_duration_seconds %.2f", m.Duration.Seconds()),
	)

	writeMetric(
		"droidvault_backup_exit_code",
		"gauge",
		"Exit code of last backup",
		fmt.Sprintf("droidvault_backup_exit_code %d", m.ExitCode),
	)

	writeMetric(
		"droidvault_backup_status",
		"gauge",
		"Status of last backup (0=success,1=warning,2=error)",
		fmt.Sprintf("droidvault_backup_status %d", status),
	)

	writeMetric(
		"droidvault_backup_errors_total",
		"gauge",
		"Total number of errors in last backup",
		fmt.Sprintf("droidvault_backup_errors_total %d", m.ErrorCount),
	)

	writeMetric(
		"droidvault_backup_warnings_total",
		"gauge",
		"Total number of warnings in last backup",
		fmt.Sprintf("droidvault_backup_warnings_total %d", m.WarningCount),
	)

	writeMetric(
		"droidvault_backup_files_pulled_total",
		"gauge",
		"Total files successfully pulled during last backup",
		fmt.Sprintf("droidvault_backup_files_pulled_total %d", m.FilesPulled),
	)

	writeMetric(
		"droidvault_backup_files_skipped_total",
		"gauge",
		"Total files that failed to pull during last backup",
		fmt.Sprintf("droidvault_backup_files_skipped_total %d", m.FilesSkipped),
	)

	writeMetric(
		"droidvault_backup_bytes_pulled",
		"gauge",
		"Total number of bytes pulled during last backup",
		fmt.Sprintf("droidvault_backup_bytes_pulled %d", m.BytesPulled),
	)

	writeMetric(
		"droidvault_backup_archive_size_bytes",
		"gauge",
		"Size of last backup archive in bytes",
		fmt.Sprintf("droidvault_backup_archive_size_bytes %d", m.ArchiveSize),
	)

	// Static info metric with labels
	fmt.Fprintf(f, "# HELP droidvault_backup_info Static information about this backup instance\n")
	fmt.Fprintf(f, "# TYPE droidvault_backup_info gauge\n")
	fmt.Fprintf(
		f,
		"droidvault_backup_info{hostname=%q,device_serial=%q,source_root=%q,tool_version=%q} 1\n",
		m.Hostname,
		m.DeviceSerial,
		m.SourceRoot,
		m.ToolVersion,
	)

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync metrics file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename metrics file to %s: %w", finalPath, err)
	}

	if pe.logger != nil {
		pe.logger.Debug("Prometheus metrics exported to %s", finalPath)
	}

	return nil
}
