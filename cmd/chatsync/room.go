package main

import (
	"fmt"

	"github.com/healthevents/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(roomCmd)
}

var roomCmd = &cobra.Command{
	Use:   "room <user-id> [user-id]",
	Short: "Print the room id shared by two users",
	Long:  "Print the room id of a two-party conversation. With one argument the configured user is the other party.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, b := "", args[0]
		if len(args) == 2 {
			a, b = args[0], args[1]
		} else {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			a = cfg.Identity.UserID
		}
		fmt.Fprintln(cmd.OutOrStdout(), chatsync.RoomID(a, b))
		return nil
	},
}
