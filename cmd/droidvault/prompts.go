package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/droidvault/droidvault/internal/cli"
	"github.com/droidvault/droidvault/internal/config"
	"github.com/droidvault/droidvault/internal/cryptox"
	"github.com/droidvault/droidvault/internal/device"
	"github.com/droidvault/droidvault/internal/diagnostics"
	"github.com/droidvault/droidvault/internal/input"
	"github.com/droidvault/droidvault/internal/orchestrator"
	"github.com/droidvault/droidvault/internal/restore"
	"github.com/droidvault/droidvault/internal/tui"
	"github.com/droidvault/droidvault/internal/types"
	"github.com/droidvault/droidvault/pkg/utils"
)

var titleCaser = cases.Title(language.English)

// Swapped in tests.
var (
	isTerminal = func() bool {
		return term.IsTerminal(int(os.Stdin.Fd()))
	}
	pickDevice = tui.PickDevice
)

type deviceLister interface {
	ListDevices(ctx context.Context) ([]device.Device, error)
}

// resolveDeviceSerial decides which device to operate on: an explicit
// --device-id wins, a single authorized device is used directly, and several
// devices open the interactive picker.
func resolveDeviceSerial(ctx context.Context, lister deviceLister, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	devices, err := lister.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("no devices attached: connect a device and enable USB debugging")
	}

	var attached []device.Device
	for _, dev := range devices {
		if dev.State == types.StateAttached {
			attached = append(attached, dev)
		}
	}
	if len(attached) == 1 {
		return attached[0].Serial, nil
	}
	if len(attached) == 0 {
		return "", fmt.Errorf("no authorized devices: approve USB debugging on the device, or pass --device-id")
	}

	if !isTerminal() {
		return "", fmt.Errorf("multiple devices attached: pass --device-id")
	}
	chosen, err := pickDevice(devices)
	if err != nil {
		return "", err
	}
	return chosen.Serial, nil
}

// acquireBackupSecret obtains the passphrase for a new backup. Only the
// passphrase encryption mode needs one; age mode uses recipients from the
// configuration, and plain mode none.
func acquireBackupSecret(ctx context.Context, cfg *config.Config, args *cli.Args) ([]byte, error) {
	if cfg.Encryption != types.EncryptionPassphrase {
		return nil, nil
	}
	if args.SecretFile != "" {
		return input.ReadSecretFile(args.SecretFile)
	}
	if !isTerminal() {
		return nil, fmt.Errorf("passphrase required: pass --secret-file or run interactively")
	}
	return input.ReadSecretConfirmed(ctx, os.Stderr, int(os.Stdin.Fd()))
}

// acquireArchiveSecret obtains the passphrase for opening an existing
// archive, sniffing the container format first. age archives are opened with
// configured identities instead of a prompted secret.
func acquireArchiveSecret(ctx context.Context, args *cli.Args, archivePath string) ([]byte, error) {
	format, err := cryptox.DetectFormat(archivePath)
	if err != nil {
		return nil, err
	}
	if format != cryptox.FormatPassphrase {
		return nil, nil
	}
	if args.SecretFile != "" {
		return input.ReadSecretFile(args.SecretFile)
	}
	if !isTerminal() {
		return nil, fmt.Errorf("passphrase required: pass --secret-file or run interactively")
	}
	return input.ReadSecret(ctx, os.Stderr, "Enter passphrase", int(os.Stdin.Fd()))
}

// confirmRestore warns that restoring overwrites device files.
func confirmRestore(ctx context.Context, targetRoot string) (bool, error) {
	if !isTerminal() {
		return true, nil
	}
	reader := bufio.NewReader(os.Stdin)
	prompt := fmt.Sprintf("Restore will overwrite files under %s. Continue?", targetRoot)
	return input.Confirm(ctx, reader, os.Stderr, prompt, false)
}

func renderDeviceList(w io.Writer, devices []device.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No devices attached.")
		return
	}
	fmt.Fprintf(w, "%-24s %-14s %s\n", "SERIAL", "STATE", "NAME")
	for _, dev := range devices {
		fmt.Fprintf(w, "%-24s %-14s %s\n", dev.Serial, dev.State, dev.DisplayName)
	}
}

func renderDiagnostics(w io.Writer, report *diagnostics.Report) {
	fmt.Fprintf(w, "Device %s (collected %s)\n", report.Serial, report.CollectedAt.Format("2006-01-02 15:04:05 UTC"))
	for _, field := range report.Fields {
		fmt.Fprintf(w, "  %-16s %s\n", diagnosticsLabel(field.Name)+":", diagnosticsValue(field.Name, field.Value))
	}
}

// diagnosticsLabel turns a field name like battery_level into "Battery Level".
func diagnosticsLabel(name string) string {
	name = strings.TrimSuffix(name, "_bytes")
	return titleCaser.String(strings.ReplaceAll(name, "_", " "))
}

func diagnosticsValue(name, value string) string {
	if strings.HasSuffix(name, "_bytes") && value != diagnostics.Unavailable {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return utils.FormatBytes(n)
		}
	}
	if name == diagnostics.FieldBatteryLevel && value != diagnostics.Unavailable {
		return value + "%"
	}
	return value
}

func renderBackupSummary(w io.Writer, stats *orchestrator.BackupStats) {
	if stats == nil {
		return
	}
	fmt.Fprintln(w, "Backup complete.")
	fmt.Fprintf(w, "  Archive:   %s\n", stats.Archive.Path)
	fmt.Fprintf(w, "  Size:      %s\n", utils.FormatBytes(stats.Archive.Size))
	fmt.Fprintf(w, "  Checksum:  %s\n", stats.Archive.Checksum)
	fmt.Fprintf(w, "  Files:     %d pulled, %d skipped\n", stats.FilesPulled, stats.FilesSkipped)
	fmt.Fprintf(w, "  Data:      %s in %s\n", utils.FormatBytes(stats.BytesPulled), stats.Duration.Round(durationPrecision(stats.Duration)))
}

func renderRestoreSummary(w io.Writer, report *restore.Report) {
	if report == nil {
		return
	}
	fmt.Fprintln(w, "Restore complete.")
	fmt.Fprintf(w, "  Archive:   %s (%s)\n", report.ArchivePath, report.Format)
	fmt.Fprintf(w, "  Target:    %s on %s\n", report.TargetRoot, report.DeviceSerial)
	fmt.Fprintf(w, "  Files:     %d restored, %d failed, %d absent\n",
		report.RestoredCount(), report.FailedCount(), report.AbsentCount())
}

func durationPrecision(d time.Duration) time.Duration {
	if d >= 10*time.Second {
		return time.Second
	}
	return time.Millisecond
}
