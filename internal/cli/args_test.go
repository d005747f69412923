package cli

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/droidvault/droidvault/internal/types"
)

func parse(t *testing.T, argv ...string) *Args {
	t.Helper()
	args, err := Parse(argv, io.Discard)
	if err != nil {
		t.Fatalf("Parse(%v) failed: %v", argv, err)
	}
	return args
}

func TestParseDefaults(t *testing.T) {
	args := parse(t)
	if args.Command != CommandNone {
		t.Errorf("Command = %v, want none", args.Command)
	}
	if args.ConfigPath != "/etc/droidvault/droidvault.env" {
		t.Errorf("ConfigPath = %s", args.ConfigPath)
	}
	if args.ConfigPathSet {
		t.Error("ConfigPathSet should be false for default")
	}
	if args.LogLevelSet {
		t.Error("LogLevelSet should be false when not given")
	}
	if args.DryRun || args.NoColor || args.ShowHelp || args.ShowVersion {
		t.Error("boolean flags should default to false")
	}
}

func TestParseBackup(t *testing.T) {
	args := parse(t, "--backup", "--device-id", "serial1", "--source", "/sdcard/DCIM")
	if args.Command != CommandBackup {
		t.Errorf("Command = %v", args.Command)
	}
	if args.DeviceSerial != "serial1" {
		t.Errorf("DeviceSerial = %s", args.DeviceSerial)
	}
	if args.SourceRoot != "/sdcard/DCIM" {
		t.Errorf("SourceRoot = %s", args.SourceRoot)
	}
}

func TestParseContentExports(t *testing.T) {
	args := parse(t, "--backup-contacts", "--device-id", "serial1")
	if args.Command != CommandBackupContacts {
		t.Errorf("Command = %v, want backup-contacts", args.Command)
	}

	args = parse(t, "--backup-sms")
	if args.Command != CommandBackupSMS {
		t.Errorf("Command = %v, want backup-sms", args.Command)
	}

	if _, err := Parse([]string{"--backup-contacts", "--backup-sms"}, io.Discard); err == nil {
		t.Fatal("expected error for conflicting commands")
	}
}

func TestParseRestoreRequiresArchive(t *testing.T) {
	if _, err := Parse([]string{"--restore"}, io.Discard); err == nil {
		t.Fatal("expected error for --restore without --archive")
	}
	args := parse(t, "--restore", "--archive", "a.dvbackup.gz.enc", "--dest", "/sdcard")
	if args.Command != CommandRestore {
		t.Errorf("Command = %v", args.Command)
	}
	if args.TargetRoot != "/sdcard" {
		t.Errorf("TargetRoot = %s", args.TargetRoot)
	}
}

func TestParseDecryptRequiresArchive(t *testing.T) {
	if _, err := Parse([]string{"--decrypt"}, io.Discard); err == nil {
		t.Fatal("expected error for --decrypt without --archive")
	}
	args := parse(t, "--decrypt", "--archive", "a.enc", "--output", "a.tar")
	if args.OutputPath != "a.tar" {
		t.Errorf("OutputPath = %s", args.OutputPath)
	}
}

func TestParseRejectsMultipleCommands(t *testing.T) {
	if _, err := Parse([]string{"--backup", "--restore", "--archive", "x"}, io.Discard); err == nil {
		t.Fatal("expected error for conflicting commands")
	}
}

func TestParseConfigShorthand(t *testing.T) {
	args := parse(t, "-c", "/tmp/custom.env")
	if args.ConfigPath != "/tmp/custom.env" {
		t.Errorf("ConfigPath = %s", args.ConfigPath)
	}
	if !args.ConfigPathSet {
		t.Error("ConfigPathSet should be true")
	}
}

func TestParseLogLevel(t *testing.T) {
	args := parse(t, "--log-level", "debug")
	if args.LogLevel != types.LogLevelDebug {
		t.Errorf("LogLevel = %v", args.LogLevel)
	}
	if !args.LogLevelSet {
		t.Error("LogLevelSet should be true")
	}

	args = parse(t, "-l", "error")
	if args.LogLevel != types.LogLevelError {
		t.Errorf("LogLevel = %v", args.LogLevel)
	}
}

func TestParseHelpSkipsValidation(t *testing.T) {
	// --help must work even when a command is missing its required flags.
	args := parse(t, "--restore", "--help")
	if !args.ShowHelp {
		t.Error("ShowHelp should be true")
	}
}

func TestParseSecretFile(t *testing.T) {
	args := parse(t, "--backup", "--secret-file", "/run/secret")
	if args.SecretFile != "/run/secret" {
		t.Errorf("SecretFile = %s", args.SecretFile)
	}
}

func TestParseUnknownFlag(t *testing.T) {
	var errOut bytes.Buffer
	if _, err := Parse([]string{"--bogus"}, &errOut); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestPrintHelpListsCommands(t *testing.T) {
	var out bytes.Buffer
	PrintHelp(&out)
	help := out.String()
	for _, want := range []string{"--backup", "--backup-contacts", "--backup-sms", "--restore", "--detect", "--diagnose", "--decrypt", "secret-file"} {
		if !strings.Contains(help, want) {
			t.Errorf("help output missing %q", want)
		}
	}
}

func TestPrintVersion(t *testing.T) {
	var out bytes.Buffer
	PrintVersion(&out)
	if !strings.Contains(out.String(), "droidvault") {
		t.Errorf("version output = %q", out.String())
	}
	if !strings.Contains(out.String(), "Version:") {
		t.Errorf("version output missing version line: %q", out.String())
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		command Command
		want    string
	}{
		{CommandNone, "none"},
		{CommandDetect, "detect"},
		{CommandDiagnose, "diagnose"},
		{CommandBackup, "backup"},
		{CommandBackupContacts, "backup-contacts"},
		{CommandBackupSMS, "backup-sms"},
		{CommandRestore, "restore"},
		{CommandDecrypt, "decrypt"},
	}
	for _, tt := range tests {
		if got := tt.command.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
