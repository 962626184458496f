// Package http delivers error events to an external webhook.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"dlflow/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	queueSize      = 64
)

// Webhook POSTs each ErrorEvent as JSON. Delivery is asynchronous; when the
// backlog is full new events are dropped and logged.
type Webhook struct {
	URL     string
	Headers map[string]string

	client *http.Client
	queue  chan domain.ErrorEvent
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Webhook{
		URL:    url,
		client: &http.Client{Timeout: timeout},
		queue:  make(chan domain.ErrorEvent, queueSize),
	}
}

// HandleError queues ev for delivery without blocking.
func (w *Webhook) HandleError(ev domain.ErrorEvent) {
	select {
	case w.queue <- ev:
	default:
		log.Warn().Str("task_id", ev.TaskID).Str("class", string(ev.Class)).Msg("webhook backlog full, dropping alert")
	}
}

// Run delivers queued events until ctx is done.
func (w *Webhook) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.queue:
			if err := w.Post(ctx, ev); err != nil {
				log.Warn().Err(err).Str("task_id", ev.TaskID).Msg("webhook delivery failed")
			}
		}
	}
}

// Post sends a single event and reports 4xx/5xx answers as errors.
func (w *Webhook) Post(ctx context.Context, ev domain.ErrorEvent) error {
	if w.URL == "" {
		return fmt.Errorf("URL is required")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
