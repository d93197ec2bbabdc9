// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// WebhookEvent is the event name carried by every webhook payload.
const WebhookEvent = "archivist.forward"

// Webhook POSTs a JSON description of the file to a URL.
type Webhook struct {
	url     string
	method  string
	headers map[string]string
	auth    string
	client  *http.Client
	now     func() time.Time
}

// NewWebhook validates cfg and creates a webhook transport.
func NewWebhook(cfg DestinationConfig) (*Webhook, error) {
	if err := validateURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("destination %s: %w", cfg.ID, err)
	}
	method := strings.ToUpper(cfg.Method)
	switch method {
	case "":
		method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, fmt.Errorf("destination %s: webhook method must be POST, PUT, or PATCH", cfg.ID)
	}
	return &Webhook{
		url:     cfg.URL,
		method:  method,
		headers: cfg.Headers,
		auth:    cfg.Auth,
		client:  newHTTPClient(cfg.Timeout),
		now:     time.Now,
	}, nil
}

// Kind implements Transport.
func (w *Webhook) Kind() Kind {
	return KindWebhook
}

// WebhookPayload is the body sent to webhook destinations.
type WebhookPayload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	File      Request   `json:"file"`
}

// Deliver sends req. The item id doubles as the Idempotency-Key so a
// receiver can drop redeliveries after a lease reclaim.
func (w *Webhook) Deliver(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(WebhookPayload{Event: WebhookEvent, Timestamp: w.now().UTC(), File: req})
	if err != nil {
		return "", newError(ErrorCodeInvalidRequest, fmt.Sprintf("marshal payload: %v", err), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(body))
	if err != nil {
		return "", newError(ErrorCodeInvalidConfig, fmt.Sprintf("create request: %v", err), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Idempotency-Key", req.ItemID)
	for k, v := range w.headers {
		httpReq.Header.Set(k, v)
	}
	if w.auth != "" {
		httpReq.Header.Set("Authorization", w.auth)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return "", newError(classifyTransportError(err), fmt.Sprintf("send webhook: %v", err), err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		respBody = []byte("(failed to read response)")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return externalID(respBody), nil
	}

	de := newError(classifyStatus(resp.StatusCode), fmt.Sprintf("webhook returned %s", strings.TrimSpace(string(respBody))), nil)
	de.Status = resp.StatusCode
	de.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), w.now())
	return "", de
}

// externalID extracts an "id" or "message_id" from a JSON response.
func externalID(body []byte) string {
	var resp struct {
		ID        any `json:"id"`
		MessageID any `json:"message_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	for _, v := range []any{resp.ID, resp.MessageID} {
		switch id := v.(type) {
		case string:
			if id != "" {
				return id
			}
		case float64:
			return fmt.Sprintf("%.0f", id)
		}
	}
	return ""
}
