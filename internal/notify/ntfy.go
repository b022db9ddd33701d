package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/crossbario/crossbar-sub003/internal/config"
)

const userAgent = "uploader/0.1.0"

// NewPublisher builds an ntfy publisher when notifications.ntfy_url is set and
// a Nop publisher otherwise.
func NewPublisher(cfg *config.Config, logger *slog.Logger) Publisher {
	base := strings.TrimSpace(cfg.Notifications.NtfyURL)
	if base == "" {
		return Nop{}
	}
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return NewNtfyPublisher(base, timeout, cfg.Notifications.RetryMax, logger)
}

// NtfyPublisher posts each payload as JSON to <base>/<topic>.
type NtfyPublisher struct {
	base   string
	client *retryablehttp.Client
}

// NewNtfyPublisher returns a publisher with bounded retries on transport
// errors and 5xx responses.
func NewNtfyPublisher(base string, timeout time.Duration, retryMax int, logger *slog.Logger) *NtfyPublisher {
	client := retryablehttp.NewClient()
	client.RetryMax = max(retryMax, 0)
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	return &NtfyPublisher{
		base:   strings.TrimRight(base, "/"),
		client: client,
	}
}

// Publish sends payload to topic.
func (p *NtfyPublisher) Publish(ctx context.Context, topic string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode ntfy payload: %w", err)
	}

	endpoint := p.base + "/" + url.PathEscape(topic)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	if status, _ := payload["status"].(string); status != "" {
		name, _ := payload["name"].(string)
		req.Header.Set("Title", fmt.Sprintf("Upload %s: %s", status, name))
		req.Header.Set("Tags", "upload,"+status)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
