package line

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://api.line.me"
	defaultDataBaseURL = "https://api-data.line.me"
	replyPath          = "/v2/bot/message/reply"

	// MaxReplyMessages is the most messages one reply token can carry.
	MaxReplyMessages = 5

	maxContentSize = 50 << 20 // 50 MB
	maxErrorBody   = 4 << 10
)

// APIError is a non-2xx response from the Messaging API.
type APIError struct {
	StatusCode int
	Message    string
	Details    []APIErrorDetail
}

// APIErrorDetail is one entry of the "details" array in an error response.
type APIErrorDetail struct {
	Message  string `json:"message"`
	Property string `json:"property"`
}

func (e *APIError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("line API error (status %d): %s: %s %s", e.StatusCode, e.Message, e.Details[0].Property, e.Details[0].Message)
	}
	return fmt.Sprintf("line API error (status %d): %s", e.StatusCode, e.Message)
}

// Client calls the reply and content endpoints with a channel access token.
type Client struct {
	accessToken string
	baseURL     string
	dataBaseURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithBaseURL overrides the messaging API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithDataBaseURL overrides the content API base URL (useful for testing).
func WithDataBaseURL(url string) Option {
	return func(c *Client) { c.dataBaseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Messaging API client.
func NewClient(accessToken string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		accessToken: accessToken,
		baseURL:     defaultBaseURL,
		dataBaseURL: defaultDataBaseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reply sends messages using a reply token. A token is single-use, so all
// messages for one event go out in one call.
func (c *Client) Reply(ctx context.Context, replyToken string, messages ...Message) error {
	if replyToken == "" {
		return fmt.Errorf("line: empty reply token")
	}
	if len(messages) == 0 || len(messages) > MaxReplyMessages {
		return fmt.Errorf("line: reply must carry 1 to %d messages, got %d", MaxReplyMessages, len(messages))
	}

	body, err := json.Marshal(map[string]any{
		"replyToken": replyToken,
		"messages":   messages,
	})
	if err != nil {
		return fmt.Errorf("marshaling reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+replyPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := decodeAPIError(resp)
		c.logger.ErrorContext(ctx, "line reply non-200",
			slog.Int("status", resp.StatusCode),
			slog.String("error", apiErr.Error()),
		)
		return apiErr
	}

	c.logger.DebugContext(ctx, "line reply sent", slog.Int("messages", len(messages)))
	return nil
}

// Content downloads the binary content of a user-sent image, video, audio or
// file message and returns it with its content type.
func (c *Client) Content(ctx context.Context, messageID string) ([]byte, string, error) {
	url := fmt.Sprintf("%s/v2/bot/message/%s/content", c.dataBaseURL, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating content request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", decodeAPIError(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxContentSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if len(data) > maxContentSize {
		return nil, "", fmt.Errorf("content of message %s exceeds %d bytes", messageID, maxContentSize)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Message string           `json:"message"`
		Details []APIErrorDetail `json:"details"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		apiErr.Message = payload.Message
		apiErr.Details = payload.Details
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
