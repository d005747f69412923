// Package content exports and restores data held by the device content
// providers: contacts as a vCard file and SMS messages as JSON. Both travel
// outside the archive workflow since they are queried, not pulled as files.
package content

import (
	"strings"
	"time"

	"github.com/droidvault/droidvault/internal/bridge"
	"github.com/droidvault/droidvault/internal/logging"
)

// Store queries and writes device content providers.
type Store struct {
	bridge  bridge.Bridge
	logger  *logging.Logger
	timeout time.Duration
}

// NewStore creates a content store. timeout bounds each provider command.
func NewStore(logger *logging.Logger, br bridge.Bridge, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{
		bridge:  br,
		logger:  logger,
		timeout: timeout,
	}
}

// parseRow slices one "Row: N key=value, key=value" line of `content query`
// output along the given projection keys. Values may contain commas, so the
// next key marker terminates each value, not the comma. NULL columns are
// dropped.
func parseRow(line string, keys []string) map[string]string {
	row := make(map[string]string, len(keys))
	for i, key := range keys {
		marker := key + "="
		start := strings.Index(line, marker)
		if start < 0 {
			continue
		}
		start += len(marker)

		end := len(line)
		for _, next := range keys[i+1:] {
			if idx := strings.Index(line[start:], ", "+next+"="); idx >= 0 {
				end = start + idx
				break
			}
		}

		if value := strings.TrimSpace(line[start:end]); value != "" && value != "NULL" {
			row[key] = value
		}
	}
	return row
}

func timestampSuffix() string {
	return time.Now().UTC().Format("20060102_150405")
}
