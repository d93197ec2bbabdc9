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
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const telegramAPI = "https://api.telegram.org"

// Telegram copies the source message into a destination chat through the
// Bot API. The file itself never passes through the archive.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	silent  bool
	client  *http.Client
	now     func() time.Time
}

// NewTelegram validates cfg and creates a Telegram transport.
func NewTelegram(cfg DestinationConfig) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("destination %s: telegram bot token is required", cfg.ID)
	}
	parts := strings.Split(cfg.BotToken, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("destination %s: invalid telegram bot token format", cfg.ID)
	}
	if cfg.ChatID == "" {
		return nil, fmt.Errorf("destination %s: telegram chat id is required", cfg.ID)
	}
	base := cfg.URL
	if base == "" {
		base = telegramAPI
	} else if err := validateURL(base); err != nil {
		return nil, fmt.Errorf("destination %s: %w", cfg.ID, err)
	}
	return &Telegram{
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		baseURL: strings.TrimRight(base, "/"),
		silent:  cfg.Silent,
		client:  newHTTPClient(cfg.Timeout),
		now:     time.Now,
	}, nil
}

// Kind implements Transport.
func (t *Telegram) Kind() Kind {
	return KindTelegram
}

type copyMessageRequest struct {
	ChatID              string `json:"chat_id"`
	FromChatID          string `json:"from_chat_id"`
	MessageID           int64  `json:"message_id"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// Deliver calls copyMessage and returns the new message id.
func (t *Telegram) Deliver(ctx context.Context, req Request) (string, error) {
	msgID, err := strconv.ParseInt(req.SourceMessageID, 10, 64)
	if err != nil {
		return "", newError(ErrorCodeInvalidRequest, fmt.Sprintf("source message id %q is not numeric", req.SourceMessageID), err)
	}
	body, err := json.Marshal(copyMessageRequest{
		ChatID:              t.chatID,
		FromChatID:          req.SourceChannelID,
		MessageID:           msgID,
		DisableNotification: t.silent,
	})
	if err != nil {
		return "", newError(ErrorCodeInvalidRequest, fmt.Sprintf("marshal payload: %v", err), err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/copyMessage", t.baseURL, t.token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", newError(ErrorCodeInvalidConfig, "create request failed", nil)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		// The URL embeds the token; never surface the raw client error.
		return "", newError(classifyTransportError(err), "telegram request failed", nil)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", newError(ErrorCodeConnectionFailed, fmt.Sprintf("read response: %v", err), err)
	}
	var apiResp telegramResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		de := newError(classifyStatus(resp.StatusCode), fmt.Sprintf("parse response: %v", err), err)
		de.Status = resp.StatusCode
		return "", de
	}
	if apiResp.OK {
		return strconv.FormatInt(apiResp.Result.MessageID, 10), nil
	}

	de := newError(classifyTelegramError(apiResp.ErrorCode, apiResp.Description), apiResp.Description, nil)
	de.Status = apiResp.ErrorCode
	if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
		de.RetryAfter = time.Duration(apiResp.Parameters.RetryAfter) * time.Second
	}
	return "", de
}

func classifyTelegramError(code int, description string) string {
	switch code {
	case http.StatusUnauthorized:
		return ErrorCodeAuthFailed
	case http.StatusBadRequest:
		if strings.Contains(description, "chat not found") || strings.Contains(description, "message to copy not found") {
			return ErrorCodeNotFound
		}
		return ErrorCodeInvalidRequest
	case http.StatusForbidden:
		return ErrorCodeForbidden
	case http.StatusTooManyRequests:
		return ErrorCodeRateLimited
	default:
		if code >= 500 {
			return ErrorCodeServerError
		}
		return ErrorCodeUnknown
	}
}
