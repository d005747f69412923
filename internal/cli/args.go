// Package cli parses the droidvault command line.
package cli

import (
	"flag"
	"fmt"
	"io"

	"github.com/droidvault/droidvault/internal/config"
	"github.com/droidvault/droidvault/internal/types"
	"github.com/droidvault/droidvault/internal/version"
)

// Command selects the workflow to run. Exactly one may be requested.
type Command int

const (
	CommandNone Command = iota
	CommandDetect
	CommandDiagnose
	CommandBackup
	CommandBackupContacts
	CommandBackupSMS
	CommandRestore
	CommandDecrypt
)

func (c Command) String() string {
	switch c {
	case CommandDetect:
		return "detect"
	case CommandDiagnose:
		return "diagnose"
	case CommandBackup:
		return "backup"
	case CommandBackupContacts:
		return "backup-contacts"
	case CommandBackupSMS:
		return "backup-sms"
	case CommandRestore:
		return "restore"
	case CommandDecrypt:
		return "decrypt"
	default:
		return "none"
	}
}

// Args holds the parsed command-line arguments.
type Args struct {
	Command Command

	ConfigPath    string
	ConfigPathSet bool

	DeviceSerial string
	SourceRoot   string
	TargetRoot   string
	ArchivePath  string
	OutputPath   string
	SecretFile   string

	LogLevel    types.LogLevel
	LogLevelSet bool
	DryRun      bool
	NoColor     bool

	ShowVersion bool
	ShowHelp    bool
}

// flagValues carries the raw flag targets that need post-processing.
type flagValues struct {
	detect         bool
	diagnose       bool
	backup         bool
	backupContacts bool
	backupSMS      bool
	restore        bool
	decrypt        bool

	configFlag  trackedString
	logLevelStr string
}

func defineFlags(fs *flag.FlagSet, args *Args, raw *flagValues) {
	fs.BoolVar(&raw.detect, "detect", false, "List attached devices and their authorization state")
	fs.BoolVar(&raw.diagnose, "diagnose", false, "Collect a device diagnostics snapshot")
	fs.BoolVar(&raw.backup, "backup", false, "Run the backup workflow")
	fs.BoolVar(&raw.backupContacts, "backup-contacts", false, "Export device contacts to a vCard file")
	fs.BoolVar(&raw.backupSMS, "backup-sms", false, "Export device SMS messages to a JSON file")
	fs.BoolVar(&raw.restore, "restore", false, "Run the restore workflow")
	fs.BoolVar(&raw.decrypt, "decrypt", false, "Decrypt an archive without restoring it")

	raw.configFlag.value = config.DefaultConfigPath
	fs.Var(&raw.configFlag, "config", "Path to configuration file")
	fs.Var(&raw.configFlag, "c", "Path to configuration file (shorthand)")

	fs.StringVar(&args.DeviceSerial, "device-id", "", "Device serial to operate on (skips the interactive picker)")
	fs.StringVar(&args.SourceRoot, "source", "", "Device directory to back up (default from config)")
	fs.StringVar(&args.TargetRoot, "dest", "", "Device directory to restore into (default: recorded source)")
	fs.StringVar(&args.ArchivePath, "archive", "", "Archive to restore or decrypt")
	fs.StringVar(&args.OutputPath, "output", "", "Output path for --decrypt (default: archive without .enc)")
	fs.StringVar(&args.SecretFile, "secret-file", "", "Read the passphrase from this file instead of prompting")

	fs.StringVar(&raw.logLevelStr, "log-level", "", "Log level (debug|info|warning|error|critical)")
	fs.StringVar(&raw.logLevelStr, "l", "", "Log level (shorthand)")

	fs.BoolVar(&args.DryRun, "dry-run", false, "Run pre-flight checks and device listing without transferring data")
	fs.BoolVar(&args.NoColor, "no-color", false, "Disable colored log output")

	fs.BoolVar(&args.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&args.ShowVersion, "v", false, "Show version information (shorthand)")
	fs.BoolVar(&args.ShowHelp, "help", false, "Show help message")
	fs.BoolVar(&args.ShowHelp, "h", false, "Show help message (shorthand)")
}

// Parse parses argv (without the program name) using its own FlagSet so tests
// can exercise it directly. Usage and parse errors are written to errOut.
func Parse(argv []string, errOut io.Writer) (*Args, error) {
	args := &Args{LogLevel: types.LogLevelNone}
	raw := &flagValues{}

	fs := flag.NewFlagSet("droidvault", flag.ContinueOnError)
	fs.SetOutput(errOut)
	defineFlags(fs, args, raw)
	fs.Usage = func() {
		printHelp(errOut, fs)
	}

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	args.ConfigPath = raw.configFlag.value
	args.ConfigPathSet = raw.configFlag.set

	if raw.logLevelStr != "" {
		args.LogLevel = types.ParseLogLevel(raw.logLevelStr)
		args.LogLevelSet = true
	}

	commands := 0
	for _, c := range []struct {
		enabled bool
		command Command
	}{
		{raw.detect, CommandDetect},
		{raw.diagnose, CommandDiagnose},
		{raw.backup, CommandBackup},
		{raw.backupContacts, CommandBackupContacts},
		{raw.backupSMS, CommandBackupSMS},
		{raw.restore, CommandRestore},
		{raw.decrypt, CommandDecrypt},
	} {
		if c.enabled {
			args.Command = c.command
			commands++
		}
	}
	if commands > 1 {
		return nil, fmt.Errorf("choose exactly one of --detect, --diagnose, --backup, --backup-contacts, --backup-sms, --restore, --decrypt")
	}

	if args.ShowHelp || args.ShowVersion {
		return args, nil
	}

	switch args.Command {
	case CommandRestore, CommandDecrypt:
		if args.ArchivePath == "" {
			return nil, fmt.Errorf("--%s requires --archive", args.Command)
		}
	}

	return args, nil
}

// PrintHelp writes the usage message.
func PrintHelp(w io.Writer) {
	fs := flag.NewFlagSet("droidvault", flag.ContinueOnError)
	fs.SetOutput(w)
	defineFlags(fs, &Args{}, &flagValues{})
	printHelp(w, fs)
}

func printHelp(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: droidvault [command] [options]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Secure backup and restore for USB-attached Android devices.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  --detect              List attached devices")
	fmt.Fprintln(w, "  --diagnose            Collect a device diagnostics snapshot")
	fmt.Fprintln(w, "  --backup              Pull, package and encrypt device data")
	fmt.Fprintln(w, "  --backup-contacts     Export contacts to a vCard file")
	fmt.Fprintln(w, "  --backup-sms          Export SMS messages to a JSON file")
	fmt.Fprintln(w, "  --restore             Decrypt, verify and push an archive back")
	fmt.Fprintln(w, "  --decrypt             Decrypt an archive without restoring")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Options:")
	fs.PrintDefaults()
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  droidvault --detect")
	fmt.Fprintln(w, "  droidvault --backup --device-id serial1 --source /sdcard/DCIM")
	fmt.Fprintln(w, "  droidvault --restore --archive backup_serial1_20260301_120000.dvbackup.gz.enc")
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintln(w, "droidvault")
	fmt.Fprintf(w, "Version: %s\n", version.String())
	if version.Commit != "" {
		fmt.Fprintf(w, "Commit: %s\n", version.Commit)
	}
	if version.Date != "" {
		fmt.Fprintf(w, "Built: %s\n", version.Date)
	}
}

// trackedString records whether the flag was set explicitly, so the default
// config path can be distinguished from -c with the same value.
type trackedString struct {
	value string
	set   bool
}

func (s *trackedString) String() string {
	return s.value
}

func (s *trackedString) Set(val string) error {
	s.value = val
	s.set = true
	return nil
}
