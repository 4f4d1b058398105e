// Package cli implements an interactive REPL that talks to the relay
// directly, without LINE. Useful for trying prompts and providers locally.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/chatrelay/internal/gateway"
	"github.com/jkaninda/chatrelay/internal/llm"
	"github.com/jkaninda/chatrelay/internal/relay"
)

// Replier produces a reply for one conversation turn.
type Replier interface {
	Reply(ctx context.Context, id, userText string) (*relay.Result, error)
}

// History is the subset of the history store the REPL commands use.
type History interface {
	Get(id string) []llm.Message
	Delete(id string)
}

// Gateway is the interactive command-line interface.
type Gateway struct {
	replier        Replier
	history        History
	logger         *slog.Logger
	in             io.Reader
	out            io.Writer
	done           chan struct{} // closed by Stop to signal shutdown
	conversationID string        // persistent for the entire CLI session
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithIO replaces stdin/stdout (useful for testing).
func WithIO(in io.Reader, out io.Writer) Option {
	return func(g *Gateway) {
		g.in = in
		g.out = out
	}
}

// WithConversationID pins the conversation id instead of a random one.
func WithConversationID(id string) Option {
	return func(g *Gateway) { g.conversationID = id }
}

// NewGateway creates a CLI gateway backed by the relay. history may be nil,
// which disables the /history and /reset commands.
func NewGateway(r Replier, h History, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		replier:        r,
		history:        h,
		logger:         logger,
		in:             os.Stdin,
		out:            os.Stdout,
		done:           make(chan struct{}),
		conversationID: "cli-" + uuid.New().String(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start runs the interactive REPL. Blocks until ctx is cancelled,
// Stop is called, input ends, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(g.in)

	fmt.Fprintln(g.out, "chatrelay local chat")
	fmt.Fprintln(g.out, `Type your message, /history, /reset, or "exit" to quit.`)
	fmt.Fprintln(g.out)

	for {
		fmt.Fprint(g.out, "you> ")

		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		text := strings.TrimSpace(scanner.Text())
		switch {
		case text == "":
			continue
		case text == "exit" || text == "quit":
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		case text == "/history":
			g.printHistory()
			continue
		case text == "/reset":
			if g.history != nil {
				g.history.Delete(g.conversationID)
			}
			fmt.Fprintln(g.out, "History cleared.")
			continue
		}

		res, err := g.replier.Reply(ctx, g.conversationID, text)
		if err != nil {
			g.logger.ErrorContext(ctx, "relay failed",
				slog.String("conversation_id", g.conversationID),
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(g.out, "error: %v\n", err)
			continue
		}

		fmt.Fprintf(g.out, "bot> %s\n", res.Text)
		g.logger.DebugContext(ctx, "cli reply",
			slog.Int("history_len", res.HistoryLen),
			slog.Duration("duration", res.Duration),
		)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

func (g *Gateway) printHistory() {
	if g.history == nil {
		fmt.Fprintln(g.out, "History is not available.")
		return
	}
	turns := g.history.Get(g.conversationID)
	if len(turns) == 0 {
		fmt.Fprintln(g.out, "(empty)")
		return
	}
	for i, m := range turns {
		fmt.Fprintf(g.out, "%2d %-9s %s\n", i+1, m.Role, m.TextContent())
	}
}

var _ gateway.Gateway = (*Gateway)(nil)
