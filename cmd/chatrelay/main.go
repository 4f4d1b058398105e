// chatrelay relays LINE conversations to an LLM completion API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "chatrelay relays LINE chats to an LLM and replies with the completion.",
	Long: `chatrelay is a LINE Messaging API webhook. It verifies each delivery,
answers canned triggers and media directly, and forwards free text to a
completion provider while keeping a short per-user conversation history.`,
	RunE:          runServe, // Default to serving the webhook.
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file (env only when empty)")
	rootCmd.AddCommand(serveCmd, chatCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
