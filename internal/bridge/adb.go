package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/droidvault/droidvault/internal/logging"
	"github.com/droidvault/droidvault/internal/types"
)

// ADBDeps groups external dependencies used by the adb bridge so tests can
// inject controlled failures without a real adb binary.
type ADBDeps struct {
	LookPath       func(string) (string, error)
	CommandContext func(context.Context, string, ...string) *exec.Cmd
}

func defaultADBDeps() ADBDeps {
	return ADBDeps{
		LookPath:       exec.LookPath,
		CommandContext: exec.CommandContext,
	}
}

// ADB is the process-spawn implementation of Bridge on top of the adb CLI.
type ADB struct {
	logger  *logging.Logger
	binary  string
	deps    ADBDeps
	checked bool
}

// NewADB creates an adb-backed bridge. binary may be empty, in which case
// "adb" is resolved from PATH.
func NewADB(logger *logging.Logger, binary string) *ADB {
	if strings.TrimSpace(binary) == "" {
		binary = "adb"
	}
	return &ADB{
		logger: logger,
		binary: binary,
		deps:   defaultADBDeps(),
	}
}

// SetDeps overrides the external dependencies (for tests).
func (a *ADB) SetDeps(deps ADBDeps) {
	if deps.LookPath == nil {
		deps.LookPath = exec.LookPath
	}
	if deps.CommandContext == nil {
		deps.CommandContext = exec.CommandContext
	}
	a.deps = deps
	a.checked = false
}

func (a *ADB) ensureBinary() error {
	if a.checked {
		return nil
	}
	if _, err := a.deps.LookPath(a.binary); err != nil {
		return fmt.Errorf("%w: %s not found in PATH: %v", ErrUnavailable, a.binary, err)
	}
	a.checked = true
	return nil
}

// invoke runs one adb command with a bounded timeout and classifies failures
// into the bridge error taxonomy.
func (a *ADB) invoke(ctx context.Context, timeout time.Duration, args ...string) (RunResult, error) {
	if err := a.ensureBinary(); err != nil {
		return RunResult{}, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := a.deps.CommandContext(runCtx, a.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug("adb %s", strings.Join(args, " "))
	err := cmd.Run()

	result := RunResult{Stdout: stdout.String()}

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return result, fmt.Errorf("%w: adb %s after %s", ErrTimeout, args[0], timeout)
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			// Non-zero exit is reported to the caller through ExitCode,
			// with stderr folded in for diagnosis.
			return result, fmt.Errorf("%w: adb %s exited %d: %s",
				ErrIO, args[0], result.ExitCode, strings.TrimSpace(stderr.String()))
		}
		return result, fmt.Errorf("%w: adb %s: %v", ErrIO, args[0], err)
	}

	return result, nil
}

// ListAttached runs `adb devices -l` and parses the device table.
func (a *ADB) ListAttached(ctx context.Context, timeout time.Duration) ([]Attached, error) {
	result, err := a.invoke(ctx, timeout, "devices", "-l")
	if err != nil {
		return nil, err
	}
	return parseDeviceList(result.Stdout), nil
}

// Run executes a shell command on the selected device.
func (a *ADB) Run(ctx context.Context, serial string, timeout time.Duration, args ...string) (RunResult, error) {
	full := append([]string{"-s", serial, "shell"}, args...)
	return a.invoke(ctx, timeout, full...)
}

// PullFile copies a single remote file into localPath.
func (a *ADB) PullFile(ctx context.Context, serial, remotePath, localPath string, timeout time.Duration) error {
	_, err := a.invoke(ctx, timeout, "-s", serial, "pull", remotePath, localPath)
	return err
}

// PushFile copies a single local file to remotePath on the device.
func (a *ADB) PushFile(ctx context.Context, serial, localPath, remotePath string, timeout time.Duration) error {
	_, err := a.invoke(ctx, timeout, "-s", serial, "push", localPath, remotePath)
	return err
}

// parseDeviceList parses `adb devices -l` output. The first line is the
// "List of devices attached" banner; each following non-empty line is
// "<serial> <state> [key:value ...]".
func parseDeviceList(output string) []Attached {
	devices := make([]Attached, 0, 4)
	lines := strings.Split(output, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || (i == 0 && strings.HasPrefix(line, "List of devices")) {
			continue
		}
		if strings.HasPrefix(line, "*") {
			// daemon start notices
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		dev := Attached{
			Serial: fields[0],
			State:  classifyTransportState(fields[1]),
		}
		for _, field := range fields[2:] {
			if value, ok := strings.CutPrefix(field, "model:"); ok {
				dev.Model = strings.ReplaceAll(value, "_", " ")
			}
		}
		devices = append(devices, dev)
	}
	return devices
}

func classifyTransportState(state string) types.TransportState {
	switch state {
	case "device":
		return types.StateAttached
	case "unauthorized":
		return types.StateUnauthorized
	case "offline":
		return types.StateOffline
	default:
		return types.StateUnknown
	}
}
