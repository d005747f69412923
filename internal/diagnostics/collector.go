// Package diagnostics collects a best-effort health report from an attached
// device. Every query is independently fault tolerant: a failing query yields
// the Unavailable sentinel for its field instead of aborting the report.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/droidvault/droidvault/internal/bridge"
	"github.com/droidvault/droidvault/internal/device"
	"github.com/droidvault/droidvault/internal/logging"
)

// Unavailable is the sentinel value reported for a field whose query failed.
const Unavailable = "unavailable"

// Field names, in the fixed order they appear in every report.
const (
	FieldModel         = "model"
	FieldOSVersion     = "os_version"
	FieldBatteryLevel  = "battery_level"
	FieldBatteryStatus = "battery_status"
	FieldStorageTotal  = "storage_total_bytes"
	FieldStorageFree   = "storage_free_bytes"
)

// Field is one named value of a report.
type Field struct {
	Name  string
	Value string
}

// Report is an immutable diagnostics snapshot. Field order is fixed and
// independent of query completion order.
type Report struct {
	Serial      string
	CollectedAt time.Time
	Fields      []Field
}

// Get returns the value for a field name, or the empty string.
func (r *Report) Get(name string) string {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Collector issues the fixed diagnostics queries through the bridge.
type Collector struct {
	bridge  bridge.Bridge
	logger  *logging.Logger
	timeout time.Duration
}

// NewCollector creates a diagnostics collector. timeout bounds each
// individual query.
func NewCollector(logger *logging.Logger, br bridge.Bridge, timeout time.Duration) *Collector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Collector{
		bridge:  br,
		logger:  logger,
		timeout: timeout,
	}
}

type query struct {
	field string
	args  []string
	parse func(stdout string) (string, error)
}

func identity(stdout string) (string, error) {
	value := strings.TrimSpace(stdout)
	if value == "" {
		return "", fmt.Errorf("empty output")
	}
	return value, nil
}

// Collect runs every diagnostics query in order and assembles the report.
// The operation as a whole fails only when the device has vanished entirely,
// i.e. every single query failed at the bridge level.
func (c *Collector) Collect(ctx context.Context, dev device.Device) (*Report, error) {
	queries := []query{
		{FieldModel, []string{"getprop", "ro.product.model"}, identity},
		{FieldOSVersion, []string{"getprop", "ro.build.version.release"}, identity},
		{FieldBatteryLevel, []string{"dumpsys", "battery"}, parseBatteryLevel},
		{FieldBatteryStatus, []string{"dumpsys", "battery"}, parseBatteryStatus},
		{FieldStorageTotal, []string{"df", "-k", "/data"}, parseStorageTotal},
		{FieldStorageFree, []string{"df", "-k", "/data"}, parseStorageFree},
	}

	report := &Report{
		Serial:      dev.Serial,
		CollectedAt: time.Now().UTC(),
		Fields:      make([]Field, 0, len(queries)),
	}

	bridgeFailures := 0
	for _, q := range queries {
		value, err := c.runQuery(ctx, dev.Serial, q)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			c.logger.Warning("Diagnostics query %s failed: %v", q.field, err)
			if isBridgeError(err) {
				bridgeFailures++
			}
			value = Unavailable
		}
		report.Fields = append(report.Fields, Field{Name: q.field, Value: value})
	}

	if bridgeFailures == len(queries) {
		return nil, fmt.Errorf("%w: %s stopped responding during diagnostics", device.ErrNotFound, dev.Serial)
	}

	c.logger.Debug("Diagnostics collected for %s (%d fields)", dev.Serial, len(report.Fields))
	return report, nil
}

func (c *Collector) runQuery(ctx context.Context, serial string, q query) (string, error) {
	result, err := c.bridge.Run(ctx, serial, c.timeout, q.args...)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("query exited %d", result.ExitCode)
	}
	return q.parse(result.Stdout)
}

func isBridgeError(err error) bool {
	return errors.Is(err, bridge.ErrTimeout) ||
		errors.Is(err, bridge.ErrIO) ||
		errors.Is(err, bridge.ErrUnavailable)
}

var batteryStatusNames = map[string]string{
	"1": "unknown",
	"2": "charging",
	"3": "discharging",
	"4": "not charging",
	"5": "full",
}

func parseBatteryLevel(stdout string) (string, error) {
	value, err := dumpsysValue(stdout, "level")
	if err != nil {
		return "", err
	}
	if _, err := strconv.Atoi(value); err != nil {
		return "", fmt.Errorf("battery level %q is not numeric", value)
	}
	return value, nil
}

func parseBatteryStatus(stdout string) (string, error) {
	code, err := dumpsysValue(stdout, "status")
	if err != nil {
		return "", err
	}
	if name, ok := batteryStatusNames[code]; ok {
		return name, nil
	}
	return code, nil
}

// dumpsysValue extracts "  key: value" from dumpsys output.
func dumpsysValue(output, key string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if value, ok := strings.CutPrefix(line, key+":"); ok {
			return strings.TrimSpace(value), nil
		}
	}
	return "", fmt.Errorf("field %q not found in dumpsys output", key)
}

func parseStorageTotal(stdout string) (string, error) {
	total, _, err := parseDF(stdout)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(total, 10), nil
}

func parseStorageFree(stdout string) (string, error) {
	_, free, err := parseDF(stdout)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(free, 10), nil
}

// parseDF reads the data row of `df -k` output and returns total and
// available bytes.
func parseDF(output string) (total, free int64, err error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("df output too short")
	}

	// Filesystem 1K-blocks Used Available Use% Mounted on
	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		return 0, 0, fmt.Errorf("unexpected df row: %q", lines[1])
	}

	totalKB, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse df total: %w", err)
	}
	freeKB, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse df available: %w", err)
	}

	return totalKB * 1024, freeKB * 1024, nil
}
