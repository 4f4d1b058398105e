package llm

import (
	"context"
	"errors"
	"strings"
)

// Stream event types.
const (
	EventText  = "text"
	EventDone  = "done"
	EventError = "error"
)

// ErrIncompleteStream is returned when a stream closes without signalling completion.
var ErrIncompleteStream = errors.New("stream closed before completion")

// StreamEvent represents a single event in a streaming response.
type StreamEvent struct {
	Type    string // "text", "done", "error"
	Content string // Text delta for "text" events.
	Error   error  // Error for "error" events.
}

// StreamingProvider extends Provider with streaming support.
// Providers that don't support streaming can be wrapped with
// NonStreamingAdapter to provide buffered streaming.
type StreamingProvider interface {
	Provider
	// StreamMessage sends a request and streams events to the channel.
	// The channel is closed when the response is complete or an error occurs.
	StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) error
}

// NonStreamingAdapter wraps a regular Provider to implement StreamingProvider
// by buffering the full response and sending it as a single event.
type NonStreamingAdapter struct {
	Provider
}

// StreamMessage calls SendMessage and sends the result as buffered events.
func (a *NonStreamingAdapter) StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) error {
	defer close(events)

	resp, err := a.SendMessage(ctx, req)
	if err != nil {
		events <- StreamEvent{Type: EventError, Error: err}
		return err
	}

	if resp.Content != "" {
		events <- StreamEvent{Type: EventText, Content: resp.Content}
	}
	events <- StreamEvent{Type: EventDone}
	return nil
}

// AsStreaming returns p itself when it streams natively, otherwise a NonStreamingAdapter.
func AsStreaming(p Provider) StreamingProvider {
	if sp, ok := p.(StreamingProvider); ok {
		return sp
	}
	return &NonStreamingAdapter{Provider: p}
}

// Collect streams req through p and folds every non-empty text delta, in
// arrival order, into one string. It returns only after the provider closes
// the stream. On failure the partial text accumulated so far is returned
// alongside the error so callers can decide what to do with it.
//
// Canceling ctx aborts the underlying provider request.
func Collect(ctx context.Context, p Provider, req *Request) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan StreamEvent, 16)
	result := make(chan error, 1)
	sp := AsStreaming(p)
	go func() {
		result <- sp.StreamMessage(ctx, req, events)
	}()

	var (
		b         strings.Builder
		streamErr error
		done      bool
	)
	for ev := range events {
		switch ev.Type {
		case EventText:
			if ev.Content != "" {
				b.WriteString(ev.Content)
			}
		case EventDone:
			done = true
		case EventError:
			if streamErr == nil {
				streamErr = ev.Error
			}
		}
	}

	err := <-result
	if streamErr != nil {
		return b.String(), streamErr
	}
	if err != nil {
		return b.String(), err
	}
	if !done {
		return b.String(), ErrIncompleteStream
	}
	return b.String(), nil
}
