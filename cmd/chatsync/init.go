package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initToken string
	initName  string
)

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "Bearer token for the chat API")
	initCmd.Flags().StringVar(&initName, "name", "", "Display name used on sent messages")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <user-id>",
	Short: "Store server and identity in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing the chat server URL and your user id in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		cfg.Identity.UserID = args[1]
		if initToken != "" {
			cfg.Default.Token = initToken
		}
		if initName != "" {
			cfg.Identity.Name = initName
		}
		if cfg.Chat.ReconnectDelay == "" {
			cfg.Chat.ReconnectDelay = "3s"
		}
		if cfg.Chat.LogLevel == "" {
			cfg.Chat.LogLevel = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
		return nil
	},
}
