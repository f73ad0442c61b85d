package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/healthevents/chatsync"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the newest n messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output normalized messages as JSON")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <peer-id>",
	Short: "Print the conversation with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		self := selfParticipant(cfg)
		room := chatsync.RoomID(self.ID, args[0])

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		store := chatsync.NewConversationStore(nil)
		inbound := chatsync.NewInboundHandler(self, store, newClient(cfg), newLogger(cfg, cmd.ErrOrStderr()), nil, nil)
		if err := inbound.LoadHistory(ctx, room); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		msgs := store.Snapshot(room)
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[:historyLimit]
		}

		out := cmd.OutOrStdout()
		if historyJSON {
			b, _ := json.MarshalIndent(chatsync.ConversationEntry{RoomID: room, Messages: msgs}, "", "  ")
			fmt.Fprintln(out, string(b))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages found.")
			return nil
		}
		// oldest first reads naturally in a terminal
		for i := len(msgs) - 1; i >= 0; i-- {
			fmt.Fprintln(out, formatMessage(msgs[i], self.ID))
		}
		return nil
	},
}
