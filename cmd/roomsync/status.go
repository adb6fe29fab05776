package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/roomsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, the identity behind the token and the persisted voice session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, roomsync.DefaultBaseURL))
		fmt.Printf("  Storage:     %s\n", valueOrDefault(cfg.Default.Storage, "memory"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		id, err := roomsync.IdentityFromToken(cfg.Auth.Token)
		if err != nil {
			fmt.Printf("  Token:       unreadable (%v)\n", err)
			return nil
		}
		fmt.Printf("  User:        %s (%s)\n", id.DisplayName, id.UserID)
		fmt.Printf("  Token:       %s\n", tokenStatus(id, time.Now()))
		fmt.Printf("  Signature:   %s\n", signatureStatus(cfg.Auth.Token, cfg.Auth.SigningKey))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, release, err := openStorage(ctx, cfg)
		if err != nil {
			fmt.Printf("  Storage error: %v\n", err)
			return nil
		}
		defer release()

		fmt.Println()
		fmt.Println("Voice:")
		printVoiceRecord(ctx, store)
		return nil
	},
}

func tokenStatus(id roomsync.Identity, now time.Time) string {
	switch {
	case id.ExpiresAt.IsZero():
		return "present (no expiry set)"
	case id.Expired(now):
		return fmt.Sprintf("EXPIRED (expired %s)", id.ExpiresAt.Format(time.RFC3339))
	default:
		return fmt.Sprintf("valid (expires %s)", id.ExpiresAt.Format(time.RFC3339))
	}
}

// signatureStatus checks token against the configured signing key.
func signatureStatus(token, key string) string {
	if key == "" {
		return "not checked (auth.signing_key not set)"
	}
	if _, err := roomsync.VerifyToken(token, []byte(key)); err != nil {
		return fmt.Sprintf("INVALID (%v)", err)
	}
	return "verified"
}
