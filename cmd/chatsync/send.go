package main

import (
	"context"
	"fmt"
	"time"

	"github.com/healthevents/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendFile    string
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "Attach a file")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for the server to confirm")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> [message]",
	Short: "Send one message and wait for confirmation",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}

		draft := chatsync.Draft{}
		if len(args) == 2 {
			draft.Text = args[1]
		}
		if sendFile != "" {
			f, err := chatsync.ReadFileUpload(sendFile)
			if err != nil {
				return err
			}
			draft.File = f
		}

		s := newSession(cfg, cmd.ErrOrStderr())
		defer s.Shutdown()

		connected := make(chan struct{}, 1)
		s.On(chatsync.EventConnection, func(_ string, payload any) {
			if payload.(chatsync.ConnectionState) == chatsync.StateConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		})
		failed := make(chan chatsync.Notice, 1)
		s.On(chatsync.EventNotice, func(_ string, payload any) {
			n := payload.(chatsync.Notice)
			if n.Kind == chatsync.NoticeDeliveryFailed || n.Kind == chatsync.NoticeUploadFailed {
				select {
				case failed <- n:
				default:
				}
			}
		})

		room := s.Open(chatsync.Participant{ID: args[0]})

		// give the push channel a moment; the HTTP fallback covers the rest
		select {
		case <-connected:
		case <-time.After(3 * time.Second):
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		msg, err := s.Send(ctx, draft)
		if err != nil {
			return err
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case n := <-failed:
				if n.TempID == msg.TempID {
					return fmt.Errorf("message not delivered: %w", n.Err)
				}
			case <-ctx.Done():
				return fmt.Errorf("no confirmation within %s; message may still arrive", sendTimeout)
			case <-ticker.C:
				if m, ok := findByTempID(s.History(room), msg.TempID); ok && !m.Pending {
					fmt.Fprintf(cmd.OutOrStdout(), "Message sent to room %s\n", room)
					fmt.Fprintf(cmd.OutOrStdout(), "  Message ID: %s\n", m.ID)
					fmt.Fprintf(cmd.OutOrStdout(), "  Text:       %s\n", m.Text)
					return nil
				}
			}
		}
	},
}

func findByTempID(msgs []chatsync.Message, tempID string) (chatsync.Message, bool) {
	for _, m := range msgs {
		if m.TempID == tempID {
			return m, true
		}
	}
	return chatsync.Message{}, false
}
