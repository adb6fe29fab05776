package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/roomsync"
)

var initBaseURL string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Data source URL (default "+roomsync.DefaultBaseURL+")")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.roomsync/config.toml",
	Long:  "Initialize the roomsync CLI by storing your session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		id, err := roomsync.IdentityFromToken(token)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.Storage == "" {
			cfg.Default.Storage = "sqlite"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s (%s) saved to %s\n", id.DisplayName, id.UserID, path)
		return nil
	},
}
