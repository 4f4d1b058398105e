package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jkaninda/chatrelay/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendMessage_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request structure.
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != completionsPath {
			t.Errorf("expected path %s, got %s", completionsPath, r.URL.Path)
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}

		if req.Model != "gpt-4o" {
			t.Errorf("expected model gpt-4o, got %q", req.Model)
		}
		if req.MaxTokens != 128 {
			t.Errorf("expected max_tokens 128, got %d", req.MaxTokens)
		}
		if req.Stream {
			t.Error("expected stream=false")
		}
		// Should have system + user messages.
		if len(req.Messages) != 2 {
			t.Errorf("expected 2 messages, got %d", len(req.Messages))
			return
		}
		if req.Messages[0].Role != "system" {
			t.Errorf("expected system role, got %q", req.Messages[0].Role)
		}
		if req.Messages[1].Role != "user" || req.Messages[1].Content != "Hi" {
			t.Errorf("unexpected user message: %+v", req.Messages[1])
		}

		resp := apiResponse{
			Choices: []apiChoice{{
				Message:      apiChoiceMessage{Role: "assistant", Content: "Hello!"},
				FinishReason: "stop",
			}},
			Usage: apiUsage{PromptTokens: 10, CompletionTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "You are helpful.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
		MaxTokens:    128,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("expected content Hello!, got %q", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("expected stop reason end_turn, got %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestSendMessage_Azure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/deployments/gpt-4o-mini/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if v := r.URL.Query().Get("api-version"); v != DefaultAzureAPIVersion {
			t.Errorf("expected api-version %s, got %q", DefaultAzureAPIVersion, v)
		}
		if r.Header.Get("api-key") != "azure-key" {
			t.Errorf("expected api-key header, got %q", r.Header.Get("api-key"))
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no Authorization header, got %q", auth)
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Model != "" {
			t.Errorf("expected model omitted in Azure mode, got %q", req.Model)
		}

		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"OK"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	client := NewClient("azure-key", "", discardLogger(), WithBaseURL(srv.URL+"/"), WithAzure("gpt-4o-mini", ""))
	if client.Name() != "azure" {
		t.Errorf("expected name azure, got %q", client.Name())
	}
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "OK" {
		t.Errorf("expected OK, got %q", resp.Content)
	}
}

func TestSendMessage_ImageContentParts(t *testing.T) {
	var captured struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ハチワレ"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	client := NewClient("k", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "classify",
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			ContentBlocks: []llm.ContentBlock{
				llm.TextBlock("who is this?"),
				llm.ImageBlock("image/jpeg", []byte{0xff, 0xd8}, "low"),
			},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captured.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(captured.Messages))
	}

	var parts []apiContentPart
	if err := json.Unmarshal(captured.Messages[1].Content, &parts); err != nil {
		t.Fatalf("expected content part array: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[0].Type != "text" || parts[0].Text != "who is this?" {
		t.Errorf("unexpected text part: %+v", parts[0])
	}
	if parts[1].Type != "image_url" || parts[1].ImageURL == nil {
		t.Fatalf("unexpected image part: %+v", parts[1])
	}
	if parts[1].ImageURL.URL != "data:image/jpeg;base64,/9g=" {
		t.Errorf("unexpected data URL %q", parts[1].ImageURL.URL)
	}
	if parts[1].ImageURL.Detail != "low" {
		t.Errorf("expected detail low, got %q", parts[1].ImageURL.Detail)
	}
}

func TestSendMessage_NoAuth(t *testing.T) {
	// Ollama scenario: no API key.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no Authorization header, got %q", auth)
		}
		resp := apiResponse{
			Choices: []apiChoice{{
				Message:      apiChoiceMessage{Role: "assistant", Content: "OK"},
				FinishReason: "stop",
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("", "llama3.1", discardLogger(), WithBaseURL(srv.URL), WithName("ollama"))
	if client.Name() != "ollama" {
		t.Errorf("expected name ollama, got %q", client.Name())
	}

	resp, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "OK" {
		t.Errorf("expected content OK, got %q", resp.Content)
	}
}

func TestSendMessage_GitHubModelsPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hi"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	client := NewClient("gh-token", "openai/gpt-4.1", discardLogger(),
		WithBaseURL(srv.URL+"/inference"), WithPath("/chat/completions"))
	if _, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
}

func TestStreamMessage_Deltas(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[],"prompt_filter_results":[]}`,
		`data: {"choices":[{"delta":{"role":"assistant","content":""}}]}`,
		`data: {"choices":[{"delta":{"content":"こん"}}]}`,
		`: keep-alive`,
		`data: {"choices":[{"delta":{"content":"にちは"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	client := NewClient("k", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	events := make(chan llm.StreamEvent, 16)
	if err := client.StreamMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	}, events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	var done bool
	for ev := range events {
		switch ev.Type {
		case llm.EventText:
			got = append(got, ev.Content)
		case llm.EventDone:
			done = true
		case llm.EventError:
			t.Fatalf("unexpected error event: %v", ev.Error)
		}
	}
	if !done {
		t.Error("expected done event")
	}
	if strings.Join(got, "|") != "こん|にちは" {
		t.Errorf("unexpected deltas %q", got)
	}
}

func TestStreamMessage_Collect(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		`data: {"choices":[{"delta":{"content":", world"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	client := NewClient("k", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	text, err := llm.Collect(context.Background(), client, &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hello, world" {
		t.Errorf("expected %q, got %q", "Hello, world", text)
	}
}

func TestStreamMessage_Truncated(t *testing.T) {
	srv := sseServer(t, `data: {"choices":[{"delta":{"content":"partial"}}]}`)
	defer srv.Close()

	client := NewClient("k", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	text, err := llm.Collect(context.Background(), client, &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if !errors.Is(err, llm.ErrIncompleteStream) {
		t.Fatalf("expected ErrIncompleteStream, got %v", err)
	}
	if text != "partial" {
		t.Errorf("expected partial text to be reported, got %q", text)
	}
}

func TestStreamMessage_InStreamError(t *testing.T) {
	srv := sseServer(t, `data: {"error":{"message":"content filtered"}}`)
	defer srv.Close()

	client := NewClient("k", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	_, err := llm.Collect(context.Background(), client, &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "content filtered") {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestStreamMessage_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient("k", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	events := make(chan llm.StreamEvent, 4)
	err := client.StreamMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	}, events)
	if err == nil {
		t.Fatal("expected error")
	}
	ev, ok := <-events
	if !ok || ev.Type != llm.EventError {
		t.Errorf("expected error event, got %+v", ev)
	}
	if _, ok := <-events; ok {
		t.Error("expected channel to be closed")
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"content_filter", "content_filter"},
	}
	for _, tt := range tests {
		if got := normalizeFinishReason(tt.input); got != tt.want {
			t.Errorf("normalizeFinishReason(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
