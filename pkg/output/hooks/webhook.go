// Package hooks provides event hooks for real-time integrations.
// Hooks are called during scan execution to send events to logs, metrics,
// tracing backends, SMS gateways and generic webhooks.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/finding"
	"github.com/luminousflow/luminous/pkg/output/dispatcher"
	"github.com/luminousflow/luminous/pkg/output/events"
	"github.com/luminousflow/luminous/pkg/retry"
)

// Compile-time interface check.
var _ dispatcher.Hook = (*WebhookHook)(nil)

// WebhookHook posts events as JSON to an HTTP endpoint.
// It supports retries with exponential backoff, custom headers,
// and filtering by severity.
type WebhookHook struct {
	endpoint string
	client   *http.Client
	opts     WebhookOptions
}

// WebhookOptions configures the webhook hook behavior.
type WebhookOptions struct {
	// Headers to include in requests.
	Headers map[string]string

	// Timeout for HTTP requests (default: 15s).
	Timeout time.Duration

	// RetryCount for failed requests (default: 3).
	RetryCount int

	// MinSeverity filters vulnerability events below this severity.
	MinSeverity finding.Severity

	// IncludeProgress also forwards scan_progress and scan_log events.
	IncludeProgress bool
}

// NewWebhookHook creates a new webhook hook that sends events to the given endpoint.
// The hook is safe for concurrent use.
func NewWebhookHook(endpoint string, opts WebhookOptions) *WebhookHook {
	if opts.Timeout == 0 {
		opts.Timeout = duration.HTTPNotify
	}
	if opts.RetryCount == 0 {
		opts.RetryCount = defaults.RetryMedium
	}

	return &WebhookHook{
		endpoint: endpoint,
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
	}
}

// Name implements dispatcher.Named.
func (h *WebhookHook) Name() string { return "webhook" }

// OnEvent sends the event to the configured webhook endpoint.
func (h *WebhookHook) OnEvent(ctx context.Context, event events.Event) error {
	if !h.opts.IncludeProgress {
		switch event.EventType() {
		case events.EventTypeProgress, events.EventTypeLog:
			return nil
		}
	}
	if ve, ok := event.(*events.VulnerabilityEvent); ok && h.opts.MinSeverity != "" {
		if !ve.Data.Vulnerability.Severity.AtLeast(h.opts.MinSeverity) {
			return nil
		}
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = h.opts.RetryCount
	return retry.Do(ctx, cfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
		if err != nil {
			return retry.Stop(fmt.Errorf("webhook: create request: %w", err))
		}

		req.Header.Set("Content-Type", defaults.ContentTypeJSON)
		req.Header.Set("User-Agent", defaults.UserAgent())
		req.Header.Set("X-Luminous-Event-Type", string(event.EventType()))
		for key, value := range h.opts.Headers {
			req.Header.Set(key, value)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: request failed: %w", err)
		}
		defer resp.Body.Close()
		return retry.CheckStatus(resp)
	})
}

// EventTypes returns nil to receive all event types.
// Filtering is done in OnEvent based on options.
func (h *WebhookHook) EventTypes() []events.EventType {
	return nil
}
