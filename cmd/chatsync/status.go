package main

import (
	"context"
	"fmt"
	"time"

	"github.com/healthevents/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status [peer-id]",
	Short: "Show configuration and check the chat server",
	Long: "Display the current configuration. When a server is configured, probe the push channel " +
		"and, if a peer id is given, the history endpoint for that room.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:        %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Fprintf(out, "  Token:           %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Fprintln(out, "  Token:           (not set)")
		}
		fmt.Fprintf(out, "  User ID:         %s\n", valueOrDefault(cfg.Identity.UserID, "(not set)"))
		fmt.Fprintf(out, "  Name:            %s\n", valueOrDefault(cfg.Identity.Name, "(not set)"))
		fmt.Fprintf(out, "  Reconnect delay: %s\n", valueOrDefault(cfg.Chat.ReconnectDelay, "(default)"))
		fmt.Fprintf(out, "  Log level:       %s\n", valueOrDefault(cfg.Chat.LogLevel, "warn"))

		if cfg.Default.BaseURL == "" || cfg.Identity.UserID == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		room := cfg.Identity.UserID
		if len(args) == 1 {
			room = chatsync.RoomID(cfg.Identity.UserID, args[0])
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		conn, err := newTransport(cfg).Dial(ctx, room)
		if err != nil {
			fmt.Fprintf(out, "  Push channel:    UNREACHABLE (%v)\n", err)
		} else {
			fmt.Fprintf(out, "  Push channel:    OK (%s)\n", time.Since(start).Round(time.Millisecond))
			_ = conn.Close("status probe")
		}

		if len(args) == 1 {
			raw, err := newClient(cfg).History(ctx, room)
			if err != nil {
				fmt.Fprintf(out, "  History:         ERROR (%v)\n", err)
			} else {
				fmt.Fprintf(out, "  History:         %d messages in %s\n", len(raw), room)
			}
		}
		return nil
	},
}
