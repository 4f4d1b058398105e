// Package llm defines the provider-agnostic interface for completion backends.
package llm

import (
	"context"
	"encoding/base64"
)

// Provider is the abstraction over any completion backend (Azure OpenAI, OpenAI, Anthropic, etc.).
type Provider interface {
	// SendMessage sends a conversation to the model and returns its complete response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "azure").
	Name() string
}

// Request represents a full conversation sent to the model.
// SystemPrompt is sent ahead of Messages and is never part of stored history.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
}

// Message is a single turn in the conversation.
// Either Content (plain text) or ContentBlocks (structured) should be set, not both.
type Message struct {
	Role          Role
	Content       string         // Plain text. Empty when ContentBlocks is used.
	ContentBlocks []ContentBlock // Structured content. Nil when Content is used.
}

// TextContent returns the concatenated text from all text blocks,
// or the plain Content field if no blocks are present.
func (m *Message) TextContent() string {
	if len(m.ContentBlocks) == 0 {
		return m.Content
	}
	var s string
	for _, b := range m.ContentBlocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// Block types.
const (
	BlockText  = "text"
	BlockImage = "image"
)

// ContentBlock is a tagged union representing a piece of message content.
// The Type field determines which other fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"` // "text" or "image"

	// text block fields
	Text string `json:"text,omitempty"`

	// image block fields
	MediaType string `json:"media_type,omitempty"` // e.g. "image/jpeg"
	Data      []byte `json:"data,omitempty"`       // raw image bytes
	Detail    string `json:"detail,omitempty"`     // "low", "high" or "auto"; provider hint
}

// DataURL returns the image as an RFC 2397 data URL.
func (b ContentBlock) DataURL() string {
	return "data:" + b.MediaType + ";base64," + base64.StdEncoding.EncodeToString(b.Data)
}

// Base64 returns the image payload base64-encoded.
func (b ContentBlock) Base64() string {
	return base64.StdEncoding.EncodeToString(b.Data)
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock creates an inline image content block.
func ImageBlock(mediaType string, data []byte, detail string) ContentBlock {
	return ContentBlock{Type: BlockImage, MediaType: mediaType, Data: data, Detail: detail}
}

// Role identifies who sent a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the model returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens"
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
