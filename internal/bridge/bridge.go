// Package bridge defines the command bridge used to talk to the on-device
// debug daemon of an attached Android device, plus the default adb-based
// implementation. Everything above this package is written against the Bridge
// interface, so the core stays testable with a fake bridge.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/droidvault/droidvault/internal/types"
)

var (
	// ErrUnavailable indicates the bridge itself cannot be invoked
	// (e.g. the adb binary is not installed).
	ErrUnavailable = errors.New("command bridge unavailable")

	// ErrTimeout indicates a single bridge call exceeded its timeout.
	ErrTimeout = errors.New("bridge command timed out")

	// ErrIO indicates the bridge was invoked but the command failed
	// at the transport level.
	ErrIO = errors.New("bridge I/O error")
)

// Attached describes one entry of the bridge's device listing.
type Attached struct {
	Serial string
	State  types.TransportState
	Model  string
}

// RunResult carries the captured output of a shell command run on a device.
type RunResult struct {
	Stdout   string
	ExitCode int
}

// Bridge executes commands against attached devices. All four operations are
// potentially slow and blocking; implementations must honor the supplied
// timeout and context.
type Bridge interface {
	// ListAttached enumerates attached devices and their transport states.
	ListAttached(ctx context.Context, timeout time.Duration) ([]Attached, error)

	// Run executes a shell command on the device identified by serial and
	// returns its captured stdout and exit code.
	Run(ctx context.Context, serial string, timeout time.Duration, args ...string) (RunResult, error)

	// PullFile copies a single remote file to a local path.
	PullFile(ctx context.Context, serial, remotePath, localPath string, timeout time.Duration) error

	// PushFile copies a single local file to a remote path.
	PushFile(ctx context.Context, serial, localPath, remotePath string, timeout time.Duration) error
}
