// Package device enumerates attached devices through the command bridge and
// resolves an explicit selection. The registry never caches: attach/detach is
// asynchronous to this process, so every call re-queries live state.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/droidvault/droidvault/internal/bridge"
	"github.com/droidvault/droidvault/internal/logging"
	"github.com/droidvault/droidvault/internal/types"
)

var (
	// ErrNotFound indicates the requested serial is not in the current listing.
	ErrNotFound = errors.New("device not found")

	// ErrUnauthorized indicates the device is attached but USB debugging
	// was not approved on the device.
	ErrUnauthorized = errors.New("device unauthorized")
)

// Device identifies one attached device.
type Device struct {
	Serial      string
	DisplayName string
	State       types.TransportState
}

// Registry lists and selects attached devices.
type Registry struct {
	bridge  bridge.Bridge
	logger  *logging.Logger
	timeout time.Duration
}

// NewRegistry creates a registry on top of the given bridge. timeout bounds
// each listing call; zero selects a sane default.
func NewRegistry(logger *logging.Logger, br bridge.Bridge, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		bridge:  br,
		logger:  logger,
		timeout: timeout,
	}
}

// List enumerates attached devices. No devices is an empty slice, not an
// error; only a failure to invoke the bridge itself is an error.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	attached, err := r.bridge.ListAttached(ctx, r.timeout)
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(attached))
	for _, entry := range attached {
		name := entry.Model
		if name == "" {
			name = entry.Serial
		}
		devices = append(devices, Device{
			Serial:      entry.Serial,
			DisplayName: name,
			State:       entry.State,
		})
	}

	r.logger.Debug("Device listing returned %d device(s)", len(devices))
	return devices, nil
}

// Select resolves a serial against a fresh listing. A bridge timeout during
// selection escalates to ErrNotFound: a device that cannot be listed in time
// is treated as absent.
func (r *Registry) Select(ctx context.Context, serial string) (Device, error) {
	devices, err := r.List(ctx)
	if err != nil {
		if errors.Is(err, bridge.ErrTimeout) {
			return Device{}, fmt.Errorf("%w: listing timed out for %s", ErrNotFound, serial)
		}
		return Device{}, err
	}

	for _, dev := range devices {
		if dev.Serial != serial {
			continue
		}
		switch dev.State {
		case types.StateAttached:
			return dev, nil
		case types.StateUnauthorized:
			return Device{}, fmt.Errorf("%w: %s (approve USB debugging on the device)", ErrUnauthorized, serial)
		default:
			return Device{}, fmt.Errorf("%w: %s is %s", ErrNotFound, serial, dev.State)
		}
	}

	return Device{}, fmt.Errorf("%w: %s", ErrNotFound, serial)
}
