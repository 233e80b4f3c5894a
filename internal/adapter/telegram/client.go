// Package telegram implements the Bot API send gateway.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/tg-broadcast/internal/adapter/observability"
	"github.com/fairyhunter13/tg-broadcast/internal/domain"
)

// Client implements domain.BotAPI over HTTPS. Provider-side failures are
// never returned as errors: every reachable response, parseable or not,
// comes back as a domain.ProviderResponse so the classifier sees one shape.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// New constructs a gateway against baseURL (the production API host unless
// overridden for tests) with the given per-request timeout.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// apiResponse is the provider envelope. retry_after lives in parameters and
// arrives as a JSON number or, from some proxies, a numeric string.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter json.RawMessage `json:"retry_after"`
	} `json:"parameters"`
}

func parseRetryAfter(raw json.RawMessage) *int {
	if len(raw) == 0 {
		return nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, cerr := strconv.Atoi(s); cerr == nil {
			return &v
		}
	}
	return nil
}

// SendText delivers a text message to one chat.
func (c *Client) SendText(ctx domain.Context, chatID int64, text, parseMode string, disablePreview bool, replyMarkup string) (domain.ProviderResponse, error) {
	body := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if parseMode != "" {
		body["parse_mode"] = parseMode
	}
	if disablePreview {
		body["disable_web_page_preview"] = true
	}
	if replyMarkup != "" {
		body["reply_markup"] = json.RawMessage(replyMarkup)
	}
	return c.call(ctx, "sendMessage", body)
}

// SendPhoto delivers a photo (file_id or URL) with an optional caption.
func (c *Client) SendPhoto(ctx domain.Context, chatID int64, photoRef, caption, parseMode string, replyMarkup string) (domain.ProviderResponse, error) {
	body := map[string]any{
		"chat_id": chatID,
		"photo":   photoRef,
	}
	if caption != "" {
		body["caption"] = caption
	}
	if parseMode != "" {
		body["parse_mode"] = parseMode
	}
	if replyMarkup != "" {
		body["reply_markup"] = json.RawMessage(replyMarkup)
	}
	return c.call(ctx, "sendPhoto", body)
}

func (c *Client) call(ctx context.Context, method string, body map[string]any) (domain.ProviderResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.ProviderResponse{}, fmt.Errorf("op=telegram.%s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return domain.ProviderResponse{}, fmt.Errorf("op=telegram.%s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	observability.TelegramRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		// Network-level failure: the provider never answered. Surfaced as a
		// transport response so the classifier schedules a retry.
		slog.Debug("telegram transport error", slog.String("method", method), slog.Any("error", err))
		return domain.ProviderResponse{Transport: true, Description: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ProviderResponse{Transport: true, Description: err.Error()}, nil
	}

	var api apiResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		// 502 HTML from an intermediary, truncated body, and the like.
		return domain.ProviderResponse{
			OK:          false,
			ErrorCode:   resp.StatusCode,
			Description: "non-JSON body",
		}, nil
	}

	out := domain.ProviderResponse{
		OK:          api.OK,
		ErrorCode:   api.ErrorCode,
		Description: api.Description,
	}
	if api.Parameters != nil {
		out.RetryAfter = parseRetryAfter(api.Parameters.RetryAfter)
	}
	return out, nil
}
