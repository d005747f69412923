package content

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const smsURI = "content://sms"

// Message is one SMS row. Type follows the provider encoding: 1 received,
// 2 sent.
type Message struct {
	Address string `json:"address"`
	Date    int64  `json:"date"`
	Body    string `json:"body"`
	Type    int    `json:"type"`
}

// QuerySMS reads the SMS provider. Rows without both an address and a body
// are dropped.
func (s *Store) QuerySMS(ctx context.Context, serial string) ([]Message, error) {
	result, err := s.bridge.Run(ctx, serial, s.timeout,
		"content", "query", "--uri", smsURI,
		"--projection", "address:date:body:type")
	if err != nil {
		return nil, fmt.Errorf("sms query failed: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("sms query exited %d", result.ExitCode)
	}

	var messages []Message
	for _, line := range strings.Split(result.Stdout, "\n") {
		if !strings.Contains(line, "Row:") {
			continue
		}
		row := parseRow(line, []string{"address", "date", "body", "type"})
		if row["address"] == "" || row["body"] == "" {
			continue
		}

		msg := Message{Address: row["address"], Body: row["body"], Type: 1}
		if date, err := strconv.ParseInt(row["date"], 10, 64); err == nil {
			msg.Date = date
		}
		if typ, err := strconv.Atoi(row["type"]); err == nil {
			msg.Type = typ
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ExportSMS queries the device and writes sms_<serial>_<timestamp>.json under
// destDir. Returns the file path.
func (s *Store) ExportSMS(ctx context.Context, serial, destDir string) (string, error) {
	messages, err := s.QuerySMS(ctx, serial)
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		s.logger.Warning("No messages found on %s", serial)
	}

	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cannot encode messages: %w", err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", destDir, err)
	}
	path := filepath.Join(destDir, fmt.Sprintf("sms_%s_%s.json", serial, timestampSuffix()))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("cannot write %s: %w", path, err)
	}

	s.logger.Step("Exported %d message(s) to %s", len(messages), path)
	return path, nil
}

var smsBodyEscaper = strings.NewReplacer(`"`, `\"`, `'`, `\'`)

// RestoreSMS inserts every message from a JSON export back into the SMS
// provider, one `content insert` per row. A rejected insert is logged and
// skipped. Returns the number of messages inserted.
func (s *Store) RestoreSMS(ctx context.Context, serial, jsonPath string) (int, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return 0, fmt.Errorf("cannot read %s: %w", jsonPath, err)
	}
	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return 0, fmt.Errorf("%s is not an SMS export: %w", jsonPath, err)
	}
	if len(messages) == 0 {
		return 0, fmt.Errorf("%s holds no messages", jsonPath)
	}

	restored := 0
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return restored, err
		}

		// The body crosses the device shell once more, hence the quoting.
		result, err := s.bridge.Run(ctx, serial, s.timeout,
			"content", "insert", "--uri", smsURI,
			"--bind", "address:s:"+msg.Address,
			"--bind", `body:s:"`+smsBodyEscaper.Replace(msg.Body)+`"`,
			"--bind", fmt.Sprintf("date:l:%d", msg.Date),
			"--bind", fmt.Sprintf("type:i:%d", msg.Type))
		if err != nil {
			s.logger.Warning("Insert failed for message to %s: %v", msg.Address, err)
			continue
		}
		if result.ExitCode != 0 {
			s.logger.Warning("Insert for message to %s exited %d", msg.Address, result.ExitCode)
			continue
		}
		restored++
	}

	s.logger.Step("Restored %d of %d message(s)", restored, len(messages))
	return restored, nil
}
