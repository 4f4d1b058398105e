package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/chatrelay/internal/llm"
)

// InstrumentedProvider wraps an llm.Provider with metrics and tracing. It
// always implements llm.StreamingProvider; providers without native
// streaming are adapted.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	now     func() time.Time
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		now:     time.Now,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()
	ctx, span := p.startSpan(ctx, "llm.send_message", provider, req)
	if span != nil {
		defer span.End()
	}

	start := p.now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := p.now().Sub(start).Seconds()

	p.finishSpan(span, err)
	if span != nil && resp != nil {
		span.SetAttributes(
			attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
			attribute.String("llm.stop_reason", resp.StopReason),
		)
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, "send", status(err)).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, "send").Observe(duration)
		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}

// StreamMessage forwards every event from the wrapped provider unchanged and
// closes events when the inner stream ends.
func (p *InstrumentedProvider) StreamMessage(ctx context.Context, req *llm.Request, events chan<- llm.StreamEvent) error {
	provider := p.inner.Name()
	ctx, span := p.startSpan(ctx, "llm.stream_message", provider, req)
	if span != nil {
		defer span.End()
	}

	inner := make(chan llm.StreamEvent, 16)
	result := make(chan error, 1)
	sp := llm.AsStreaming(p.inner)

	start := p.now()
	go func() {
		result <- sp.StreamMessage(ctx, req, inner)
	}()

	var (
		deltas    int
		bytes     int
		streamErr error
	)
	for ev := range inner {
		switch ev.Type {
		case llm.EventText:
			if deltas == 0 && p.metrics != nil {
				p.metrics.LLMTimeToFirstDelta.WithLabelValues(provider).Observe(p.now().Sub(start).Seconds())
			}
			deltas++
			bytes += len(ev.Content)
		case llm.EventError:
			if streamErr == nil {
				streamErr = ev.Error
			}
		}
		events <- ev
	}
	close(events)

	err := <-result
	if err == nil {
		err = streamErr
	}
	duration := p.now().Sub(start).Seconds()

	p.finishSpan(span, err)
	if span != nil {
		span.SetAttributes(
			attribute.Int("llm.deltas", deltas),
			attribute.Int("llm.reply_bytes", bytes),
		)
	}
	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, "stream", status(err)).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, "stream").Observe(duration)
	}
	return err
}

func (p *InstrumentedProvider) startSpan(ctx context.Context, name, provider string, req *llm.Request) (context.Context, trace.Span) {
	if p.tracer == nil {
		return ctx, nil
	}
	return p.tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.Int("llm.messages", len(req.Messages)),
			attribute.Int("llm.max_tokens", req.MaxTokens),
		))
}

func (p *InstrumentedProvider) finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

var (
	_ llm.Provider          = (*InstrumentedProvider)(nil)
	_ llm.StreamingProvider = (*InstrumentedProvider)(nil)
)
