package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// FallbackProvider wraps multiple providers and tries them in order.
// If the primary provider fails, subsequent providers are tried until
// one succeeds or all have failed.
//
// Streaming requests only fall back while nothing has been emitted yet:
// once a provider has sent a delta, its failure is final.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider creates a provider that tries each provider in order.
// At least one provider is required.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if len(providers) == 0 {
		panic("FallbackProvider requires at least one provider")
	}
	return &FallbackProvider{
		providers: providers,
		logger:    logger,
	}
}

// SendMessage tries each provider in order, returning the first successful response.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for i, p := range f.providers {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		lastErr = err
		f.warn(ctx, p, err, i)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(f.providers), lastErr)
}

// StreamMessage streams from the first provider that starts successfully.
func (f *FallbackProvider) StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) error {
	defer close(events)

	var lastErr error
	for i, p := range f.providers {
		inner := make(chan StreamEvent, 16)
		result := make(chan error, 1)
		go func(sp StreamingProvider) {
			result <- sp.StreamMessage(ctx, req, inner)
		}(AsStreaming(p))

		emitted := false
		var streamErr error
		for ev := range inner {
			if ev.Type == EventError {
				if streamErr == nil {
					streamErr = ev.Error
				}
				continue
			}
			emitted = true
			events <- ev
		}
		err := <-result
		if streamErr != nil {
			err = streamErr
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if emitted || ctx.Err() != nil {
			events <- StreamEvent{Type: EventError, Error: err}
			return err
		}
		f.warn(ctx, p, err, i)
	}

	err := fmt.Errorf("all %d providers failed, last error: %w", len(f.providers), lastErr)
	events <- StreamEvent{Type: EventError, Error: err}
	return err
}

func (f *FallbackProvider) warn(ctx context.Context, p Provider, err error, i int) {
	f.logger.WarnContext(ctx, "provider failed, trying next",
		slog.String("provider", p.Name()),
		slog.String("error", err.Error()),
		slog.Int("attempt", i+1),
		slog.Int("remaining", len(f.providers)-i-1),
	)
}

// Name returns a composite name indicating fallback configuration.
func (f *FallbackProvider) Name() string {
	return f.providers[0].Name() + "+fallback"
}
