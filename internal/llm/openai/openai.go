// Package openai implements the LLM provider interface for the OpenAI Chat Completions API.
// The same client talks to Azure OpenAI deployments, GitHub Models and Ollama,
// which all expose a compatible API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jkaninda/chatrelay/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	completionsPath  = "/v1/chat/completions"
	defaultMaxTokens = 4096

	// DefaultAzureAPIVersion is the Azure OpenAI data-plane version used when none is configured.
	DefaultAzureAPIVersion = "2024-10-21"
)

// Client implements llm.Provider and llm.StreamingProvider using the Chat Completions API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	path       string
	name       string
	httpClient *http.Client
	logger     *slog.Logger

	// Azure mode: deployment-scoped URL, api-version query and api-key header.
	azureDeployment string
	azureAPIVersion string
}

// Option configures the OpenAI client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithPath overrides the completions path appended to the base URL
// (GitHub Models serves "/chat/completions" without the "/v1" prefix).
func WithPath(path string) Option {
	return func(c *Client) { c.path = path }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithAzure switches the client to Azure OpenAI addressing. The base URL
// must be the resource endpoint, e.g. https://myres.openai.azure.com.
func WithAzure(deployment, apiVersion string) Option {
	return func(c *Client) {
		if apiVersion == "" {
			apiVersion = DefaultAzureAPIVersion
		}
		c.azureDeployment = deployment
		c.azureAPIVersion = apiVersion
		c.name = "azure"
	}
}

// NewClient creates an OpenAI-compatible provider.
// For Ollama, use WithBaseURL("http://localhost:11434") and WithName("ollama").
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		path:       completionsPath,
		name:       "openai",
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

func (c *Client) endpoint() string {
	if c.azureDeployment != "" {
		return c.baseURL + "/openai/deployments/" + url.PathEscape(c.azureDeployment) +
			"/chat/completions?api-version=" + url.QueryEscape(c.azureAPIVersion)
	}
	return c.baseURL + c.path
}

func (c *Client) newHTTPRequest(ctx context.Context, apiReq apiRequest) (*http.Request, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch {
	case c.apiKey == "":
	case c.azureDeployment != "":
		httpReq.Header.Set("api-key", c.apiKey)
	default:
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return httpReq, nil
}

// SendMessage sends the conversation to the Chat Completions API.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	httpReq, err := c.newHTTPRequest(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	resp := toResponse(&apiResp)

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)

	return resp, nil
}

// StreamMessage implements llm.StreamingProvider over the server-sent event stream.
func (c *Client) StreamMessage(ctx context.Context, req *llm.Request, events chan<- llm.StreamEvent) error {
	defer close(events)

	fail := func(err error) error {
		events <- llm.StreamEvent{Type: llm.EventError, Error: err}
		return err
	}

	httpReq, err := c.newHTTPRequest(ctx, c.buildRequest(req, true))
	if err != nil {
		return fail(err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fail(fmt.Errorf("sending request: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return fail(fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody)))
	}

	finished := false
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			events <- llm.StreamEvent{Type: llm.EventDone}
			return nil
		}

		var chunk apiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.DebugContext(ctx, "skipping malformed stream chunk",
				slog.String("provider", c.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if chunk.Error != nil {
			return fail(fmt.Errorf("stream error: %s", chunk.Error.Message))
		}

		// Azure sends content-filter chunks with no choices.
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				events <- llm.StreamEvent{Type: llm.EventText, Content: choice.Delta.Content}
			}
			if choice.FinishReason != "" {
				finished = true
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fail(fmt.Errorf("reading stream: %w", err))
	}
	if !finished {
		return fail(llm.ErrIncompleteStream)
	}

	events <- llm.StreamEvent{Type: llm.EventDone}
	return nil
}

func (c *Client) buildRequest(req *llm.Request, stream bool) apiRequest {
	var messages []apiMessage

	// System prompt becomes a system message.
	if req.SystemPrompt != "" {
		messages = append(messages, apiMessage{
			Role:    "system",
			Content: req.SystemPrompt,
		})
	}

	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	apiReq := apiRequest{
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	// Azure selects the model through the deployment name.
	if c.azureDeployment == "" {
		apiReq.Model = c.model
	}
	return apiReq
}

// convertMessage maps an llm.Message to the wire format. Messages carrying an
// image become a content-part array; everything else is sent as a plain string.
func convertMessage(m llm.Message) apiMessage {
	msg := apiMessage{Role: string(m.Role)}
	hasImage := false
	for _, b := range m.ContentBlocks {
		if b.Type == llm.BlockImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		msg.Content = m.TextContent()
		return msg
	}

	parts := make([]apiContentPart, 0, len(m.ContentBlocks))
	for _, b := range m.ContentBlocks {
		switch b.Type {
		case llm.BlockText:
			parts = append(parts, apiContentPart{Type: "text", Text: b.Text})
		case llm.BlockImage:
			parts = append(parts, apiContentPart{
				Type:     "image_url",
				ImageURL: &apiImageURL{URL: b.DataURL(), Detail: b.Detail},
			})
		}
	}
	msg.Content = parts
	return msg
}

func toResponse(apiResp *apiResponse) *llm.Response {
	resp := &llm.Response{
		Usage: llm.Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}
	if len(apiResp.Choices) == 0 {
		return resp
	}

	choice := apiResp.Choices[0]
	resp.Content = choice.Message.Content
	// Normalize stop reasons to canonical values.
	resp.StopReason = normalizeFinishReason(choice.FinishReason)
	return resp
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

// --- OpenAI API wire types (unexported) ---

type apiRequest struct {
	Model     string       `json:"model,omitempty"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
	Stream    bool         `json:"stream,omitempty"`
}

// apiMessage.Content is either a string or []apiContentPart.
type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type apiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *apiImageURL `json:"image_url,omitempty"`
}

type apiImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type apiResponse struct {
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message      apiChoiceMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type apiChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiStreamChunk struct {
	Choices []apiStreamChoice `json:"choices"`
	Error   *apiError         `json:"error,omitempty"`
}

type apiStreamChoice struct {
	Delta        apiChoiceMessage `json:"delta"`
	FinishReason string           `json:"finish_reason"`
}

type apiError struct {
	Message string `json:"message"`
}
