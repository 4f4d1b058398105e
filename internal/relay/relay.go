// Package relay turns a user's message into a model reply. It builds the
// prompt from the conversation history, calls the completion provider,
// folds streamed deltas into one reply and writes the new turns back.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/chatrelay/internal/history"
	"github.com/jkaninda/chatrelay/internal/llm"
)

const (
	DefaultMaxTokens = 128
	DefaultTimeout   = 60 * time.Second

	DefaultSystemPrompt = "あなたは日本語を話すAIアシスタントです。できるだけ簡潔に返答を返します。"

	DefaultClassifyPrompt = "あなたは特定のキャラクターの名前を当てるAIアシスタントです。" +
		"キャラクターたちは結構似ているのでよーく特徴を見て答えを出してください。" +
		"見分けるポイントは頭部の色に注目です。書かれている文字に騙されないようにしてください。" +
		"キャラクターの名前は「くりまんじゅう」、「ハチワレ」、「ちいかわ」のいずれかです。" +
		"他のキャラクターの画像には「わかりません。」と答えてください。"
	DefaultClassifyQuestion = "このキャラクターの名前は？"
	DefaultImageDetail      = "low"
)

var (
	// ErrTimeout is matched by errors.Is when the provider call exceeded the configured timeout.
	ErrTimeout = errors.New("completion timed out")
	// ErrEmptyReply is returned when the provider finished without producing any text.
	ErrEmptyReply = errors.New("completion produced no text")
)

// Error describes a failed relay operation. History is never modified when
// an Error is returned.
type Error struct {
	Op           string // "reply" or "classify"
	Conversation string // empty for classify
	Partial      int    // bytes of streamed text discarded with the failure
	Err          error
}

func (e *Error) Error() string {
	if e.Conversation == "" {
		return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("relay %s for %s: %v", e.Op, e.Conversation, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config tunes the relay. Zero values fall back to the package defaults.
type Config struct {
	SystemPrompt     string
	MaxTokens        int
	Stream           bool
	Timeout          time.Duration
	ClassifyPrompt   string
	ClassifyQuestion string
	ImageDetail      string
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ClassifyPrompt == "" {
		c.ClassifyPrompt = DefaultClassifyPrompt
	}
	if c.ClassifyQuestion == "" {
		c.ClassifyQuestion = DefaultClassifyQuestion
	}
	if c.ImageDetail == "" {
		c.ImageDetail = DefaultImageDetail
	}
	return c
}

// Result is a successful reply.
type Result struct {
	Text       string
	HistoryLen int // stored turns after the reply was folded back
	Duration   time.Duration
}

// Relay connects the history store to a completion provider.
type Relay struct {
	provider llm.Provider
	store    *history.Store
	cfg      Config
	metrics  *Metrics
	logger   *slog.Logger
}

// New creates a Relay. metrics may be nil.
func New(provider llm.Provider, store *history.Store, cfg Config, metrics *Metrics, logger *slog.Logger) *Relay {
	return &Relay{
		provider: provider,
		store:    store,
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
		logger:   logger,
	}
}

// Reply sends userText to the model in the context of the conversation id and
// returns the generated reply. Concurrent calls for the same id are
// serialized; calls for different ids run independently.
func (r *Relay) Reply(ctx context.Context, id, userText string) (*Result, error) {
	start := time.Now()

	unlock, err := r.store.Lock(ctx, id)
	if err != nil {
		return nil, r.fail(ctx, &Error{Op: "reply", Conversation: id, Err: err}, start)
	}
	defer unlock()

	prior := r.store.Get(id)
	turns := append(prior, llm.Message{Role: llm.RoleUser, Content: userText})

	text, err := r.complete(ctx, &llm.Request{
		SystemPrompt: r.cfg.SystemPrompt,
		Messages:     turns,
		MaxTokens:    r.cfg.MaxTokens,
	})
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			re.Op, re.Conversation = "reply", id
		}
		return nil, r.fail(ctx, err, start)
	}

	turns = append(turns, llm.Message{Role: llm.RoleAssistant, Content: text})
	r.store.Append(id, turns)

	res := &Result{
		Text:       text,
		HistoryLen: r.store.Len(id),
		Duration:   time.Since(start),
	}
	r.logger.InfoContext(ctx, "reply generated",
		slog.String("conversation_id", id),
		slog.Int("prior_turns", len(prior)),
		slog.Int("history_len", res.HistoryLen),
		slog.Int("reply_bytes", len(text)),
		slog.Duration("duration", res.Duration),
	)
	r.observe("reply", "success", start, len(text))
	return res, nil
}

// Classify asks the model to label a single image. It is stateless: no
// history is read or written.
func (r *Relay) Classify(ctx context.Context, image []byte, mimeType string) (string, error) {
	start := time.Now()
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	label, err := r.complete(ctx, &llm.Request{
		SystemPrompt: r.cfg.ClassifyPrompt,
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			ContentBlocks: []llm.ContentBlock{
				llm.TextBlock(r.cfg.ClassifyQuestion),
				llm.ImageBlock(mimeType, image, r.cfg.ImageDetail),
			},
		}},
		MaxTokens: r.cfg.MaxTokens,
	})
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			re.Op = "classify"
		}
		return "", r.fail(ctx, err, start)
	}

	r.logger.InfoContext(ctx, "image classified",
		slog.Int("image_bytes", len(image)),
		slog.String("label", label),
		slog.Duration("duration", time.Since(start)),
	)
	r.observe("classify", "success", start, len(label))
	return label, nil
}

// complete runs one bounded provider call and returns the full reply text.
// Partial streamed output is discarded on failure.
func (r *Relay) complete(ctx context.Context, req *llm.Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var (
		text string
		err  error
	)
	if r.cfg.Stream {
		text, err = llm.Collect(callCtx, r.provider, req)
	} else {
		var resp *llm.Response
		resp, err = r.provider.SendMessage(callCtx, req)
		if resp != nil {
			text = resp.Content
		}
	}

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %w", ErrTimeout, r.cfg.Timeout, err)
		}
		return "", &Error{Partial: len(text), Err: err}
	}
	if text == "" {
		return "", &Error{Err: ErrEmptyReply}
	}
	return text, nil
}

func (r *Relay) fail(ctx context.Context, err error, start time.Time) error {
	attrs := []any{
		slog.String("provider", r.provider.Name()),
		slog.String("error", err.Error()),
		slog.Duration("duration", time.Since(start)),
	}
	op := "reply"
	var re *Error
	if errors.As(err, &re) {
		op = re.Op
		if re.Conversation != "" {
			attrs = append(attrs, slog.String("conversation_id", re.Conversation))
		}
		if re.Partial > 0 {
			attrs = append(attrs, slog.Int("discarded_bytes", re.Partial))
		}
	}
	r.logger.ErrorContext(ctx, "relay failed", attrs...)

	status := "error"
	if errors.Is(err, ErrTimeout) {
		status = "timeout"
	}
	r.observe(op, status, start, 0)
	return err
}

func (r *Relay) observe(op, status string, start time.Time, replyBytes int) {
	if r.metrics == nil {
		return
	}
	r.metrics.Requests.WithLabelValues(op, status).Inc()
	r.metrics.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if status == "success" {
		r.metrics.ReplyBytes.WithLabelValues(op).Observe(float64(replyBytes))
	}
}
