// Package notify delivers backup run results to an operator-configured
// webhook endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/droidvault/droidvault/internal/logging"
)

// Status classifies the outcome reported to the webhook.
type Status int

const (
	StatusSuccess Status = iota
	StatusWarning
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWarning:
		return "warning"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Event is the payload posted after a backup or restore run.
type Event struct {
	Tool         string    `json:"tool"`
	Version      string    `json:"version"`
	Hostname     string    `json:"hostname"`
	Operation    string    `json:"operation"`
	Status       string    `json:"status"`
	DeviceSerial string    `json:"device_serial,omitempty"`
	SourceRoot   string    `json:"source_root,omitempty"`
	ArchivePath  string    `json:"archive_path,omitempty"`
	ArchiveSize  int64     `json:"archive_size_bytes,omitempty"`
	FilesPulled  int       `json:"files_pulled,omitempty"`
	FilesSkipped int       `json:"files_skipped,omitempty"`
	ExitCode     int       `json:"exit_code"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// WebhookNotifier posts run results as JSON to a single endpoint. Delivery
// failures are never fatal to the workflow that triggered them.
type WebhookNotifier struct {
	endpoint   string
	logger     *logging.Logger
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

// NewWebhookNotifier creates a notifier for the given endpoint URL. An empty
// endpoint yields a disabled notifier whose Send is a no-op.
func NewWebhookNotifier(logger *logging.Logger, endpoint string, timeout time.Duration) (*WebhookNotifier, error) {
	if endpoint != "" {
		parsed, err := url.Parse(endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid webhook URL %q", maskURL(endpoint))
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookNotifier{
		endpoint:   endpoint,
		logger:     logger,
		client:     &http.Client{Timeout: timeout},
		maxRetries: 2,
		retryDelay: 2 * time.Second,
	}, nil
}

// Enabled reports whether an endpoint is configured.
func (w *WebhookNotifier) Enabled() bool {
	return w != nil && w.endpoint != ""
}

// Send posts the event. Transient failures (network errors, 5xx responses)
// are retried with a fixed delay.
func (w *WebhookNotifier) Send(ctx context.Context, event *Event) error {
	if !w.Enabled() || event == nil {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			w.logger.Debug("Webhook retry %d/%d after %v", attempt, w.maxRetries, w.retryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryDelay):
			}
		}

		retryable, err := w.post(ctx, body)
		if err == nil {
			w.logger.Debug("Webhook delivered to %s", maskURL(w.endpoint))
			return nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return fmt.Errorf("webhook delivery to %s failed: %w", maskURL(w.endpoint), lastErr)
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "droidvault")

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("endpoint returned HTTP %d", resp.StatusCode)
	}
}

// maskURL hides credentials and query strings when a URL appears in logs or
// error messages.
func maskURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if parsed.User != nil {
		parsed.User = url.User("***")
	}
	if parsed.RawQuery != "" {
		parsed.RawQuery = "***"
	}
	return parsed.String()
}
