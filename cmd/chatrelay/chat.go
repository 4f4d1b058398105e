package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/chatrelay/internal/gateway/cli"
)

var chatConversation string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the configured provider from the terminal",
	Long: `chat runs the relay against stdin and stdout with the same prompt,
history and provider settings the webhook uses. LINE credentials are not needed.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "conversation id to use (default: local)")
}

func runChat(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []cli.Option
	if chatConversation != "" {
		opts = append(opts, cli.WithConversationID(chatConversation))
	}
	gw := cli.NewGateway(sc.Relay, sc.History, logger, opts...)
	defer gw.Stop(context.Background())

	return gw.Start(ctx)
}
