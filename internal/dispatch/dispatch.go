// Package dispatch routes inbound LINE events: canned replies for known
// triggers, media echo for images and audio, and the model for everything
// the user types.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/chatrelay/internal/line"
	"github.com/jkaninda/chatrelay/internal/media"
	"github.com/jkaninda/chatrelay/internal/relay"
)

// Mode selects how message events are handled.
type Mode string

const (
	// ModeChat relays text to the model and echoes media.
	ModeChat Mode = "chat"
	// ModeVision classifies images and answers everything else with a hint.
	ModeVision Mode = "vision"
)

const (
	DefaultVisionHint    = "ちいかわキャラクターの画像を送ってね！"
	DefaultAudioDuration = 60000 // milliseconds
	LocationTitle        = "my location"
)

// Actions reported in a Result.
const (
	ActionCanned   = "canned"
	ActionRelay    = "relay"
	ActionImage    = "echo_image"
	ActionAudio    = "echo_audio"
	ActionLocation = "echo_location"
	ActionClassify = "classify"
	ActionHint     = "hint"
)

// Platform is the subset of the LINE client the dispatcher needs.
type Platform interface {
	Reply(ctx context.Context, replyToken string, messages ...line.Message) error
	Content(ctx context.Context, messageID string) ([]byte, string, error)
}

// Completer produces model output.
type Completer interface {
	Reply(ctx context.Context, id, userText string) (*relay.Result, error)
	Classify(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Config tunes the dispatcher.
type Config struct {
	Mode          Mode
	Catalog       *Catalog // nil = DefaultCatalog()
	FailureReply  string   // sent to the user when handling their event fails; empty = silent
	VisionHint    string
	AudioDuration int
}

// Result describes how one event was handled. Ignored events have no Result.
type Result struct {
	Type     string `json:"type"`
	Action   string `json:"action"`
	Messages int    `json:"messages"`
}

// Dispatcher handles webhook events.
type Dispatcher struct {
	platform  Platform
	completer Completer
	store     media.Store
	cfg       Config
	metrics   *Metrics
	logger    *slog.Logger
}

// New creates a Dispatcher. store and metrics may be nil.
func New(platform Platform, completer Completer, store media.Store, cfg Config, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Mode == "" {
		cfg.Mode = ModeChat
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.VisionHint == "" {
		cfg.VisionHint = DefaultVisionHint
	}
	if cfg.AudioDuration <= 0 {
		cfg.AudioDuration = DefaultAudioDuration
	}
	if store == nil {
		store = media.Disabled{}
	}
	return &Dispatcher{
		platform:  platform,
		completer: completer,
		store:     store,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// HandleBatch handles every event of one delivery concurrently and waits for
// all of them. Results are in input order; ignored events yield nil. If any
// event fails the first error is returned, but the other events still run to
// completion and send their replies.
func (d *Dispatcher) HandleBatch(ctx context.Context, events []line.Event) ([]*Result, error) {
	results := make([]*Result, len(events))

	var g errgroup.Group
	for i := range events {
		ev := &events[i]
		g.Go(func() error {
			res, err := d.Dispatch(ctx, ev)
			if err != nil {
				d.sendFailureReply(ctx, ev)
				return fmt.Errorf("event %d (%s): %w", i, ev.Type, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Dispatch handles a single event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *line.Event) (*Result, error) {
	var (
		res *Result
		err error
	)
	if d.cfg.Mode == ModeVision {
		res, err = d.dispatchVision(ctx, ev)
	} else {
		res, err = d.dispatchChat(ctx, ev)
	}

	d.observe(ev, res, err)
	if err != nil {
		d.logger.ErrorContext(ctx, "event handling failed",
			slog.String("event_type", ev.Type),
			slog.String("conversation_id", ev.ConversationID()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	if res != nil {
		d.logger.InfoContext(ctx, "event handled",
			slog.String("event_type", ev.Type),
			slog.String("action", res.Action),
			slog.String("conversation_id", ev.ConversationID()),
		)
	}
	return res, nil
}

func (d *Dispatcher) dispatchChat(ctx context.Context, ev *line.Event) (*Result, error) {
	switch ev.Type {
	case line.EventPostback:
		if ev.Postback == nil {
			return nil, nil
		}
		msgs, ok := d.cfg.Catalog.Postback(ev.Postback.Data)
		if !ok {
			return nil, nil
		}
		return d.reply(ctx, ev, ActionCanned, msgs...)

	case line.EventMessage:
		if ev.Message == nil {
			return nil, nil
		}
		switch ev.Message.Type {
		case line.MessageText:
			if msgs, ok := d.cfg.Catalog.Text(ev.Message.Text); ok {
				return d.reply(ctx, ev, ActionCanned, msgs...)
			}
			out, err := d.completer.Reply(ctx, ev.ConversationID(), ev.Message.Text)
			if err != nil {
				return nil, err
			}
			return d.reply(ctx, ev, ActionRelay, line.TextMessage(out.Text))

		case line.MessageImage:
			url, err := d.storeContent(ctx, ev.Message.ID, ".jpg")
			if err != nil {
				return nil, err
			}
			return d.reply(ctx, ev, ActionImage, line.ImageMessage(url, url))

		case line.MessageAudio:
			url, err := d.storeContent(ctx, ev.Message.ID, ".mp3")
			if err != nil {
				return nil, err
			}
			return d.reply(ctx, ev, ActionAudio, line.AudioMessage(url, d.cfg.AudioDuration))

		case line.MessageLocation:
			m := ev.Message
			return d.reply(ctx, ev, ActionLocation, line.LocationMessage(LocationTitle, m.Address, m.Latitude, m.Longitude))
		}
	}
	return nil, nil
}

func (d *Dispatcher) dispatchVision(ctx context.Context, ev *line.Event) (*Result, error) {
	switch ev.Type {
	case line.EventMessage:
		if ev.Message != nil && ev.Message.Type == line.MessageImage {
			data, contentType, err := d.platform.Content(ctx, ev.Message.ID)
			if err != nil {
				return nil, fmt.Errorf("downloading image: %w", err)
			}
			label, err := d.completer.Classify(ctx, data, contentType)
			if err != nil {
				return nil, err
			}
			return d.reply(ctx, ev, ActionClassify, line.TextMessage(label))
		}
		return d.reply(ctx, ev, ActionHint, line.TextMessage(d.cfg.VisionHint))
	case line.EventPostback:
		return d.reply(ctx, ev, ActionHint, line.TextMessage(d.cfg.VisionHint))
	}
	return nil, nil
}

// storeContent downloads a message's content and stores it under a random name.
func (d *Dispatcher) storeContent(ctx context.Context, messageID, ext string) (string, error) {
	data, contentType, err := d.platform.Content(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("downloading content: %w", err)
	}
	url, err := d.store.Put(ctx, media.NewObjectName(ext), data, contentType)
	if err != nil {
		return "", fmt.Errorf("storing content: %w", err)
	}
	return url, nil
}

func (d *Dispatcher) reply(ctx context.Context, ev *line.Event, action string, msgs ...line.Message) (*Result, error) {
	if err := d.platform.Reply(ctx, ev.ReplyToken, msgs...); err != nil {
		return nil, fmt.Errorf("sending reply: %w", err)
	}
	return &Result{Type: ev.Type, Action: action, Messages: len(msgs)}, nil
}

// sendFailureReply tells the user their event failed, when configured to.
// The reply token may already be spent, so errors are only logged.
func (d *Dispatcher) sendFailureReply(ctx context.Context, ev *line.Event) {
	if d.cfg.FailureReply == "" || ev.ReplyToken == "" {
		return
	}
	if err := d.platform.Reply(ctx, ev.ReplyToken, line.TextMessage(d.cfg.FailureReply)); err != nil {
		d.logger.WarnContext(ctx, "failure reply not delivered",
			slog.String("conversation_id", ev.ConversationID()),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) observe(ev *line.Event, res *Result, err error) {
	if d.metrics == nil {
		return
	}
	action, status := "ignored", "success"
	if res != nil {
		action = res.Action
	}
	if err != nil {
		action, status = "none", "error"
	}
	d.metrics.Events.WithLabelValues(ev.Type, action, status).Inc()
}
