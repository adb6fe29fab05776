package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/roomsync"
)

func init() {
	rootCmd.AddCommand(voiceCmd)
	voiceCmd.AddCommand(voiceStatusCmd)
	voiceCmd.AddCommand(voiceClearCmd)
}

var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Inspect the persisted voice session",
}

var voiceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted voice session record",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, release, err := openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer release()
		printVoiceRecord(ctx, store)
		return nil
	},
}

var voiceClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove a stale voice session and leave its call",
	Long:  "Remove the persisted voice record when it is stale or belongs to another user, leaving the call on the data source.",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, release, err := openStorage(ctx, e.cfg)
		if err != nil {
			return err
		}
		defer release()

		tracker := roomsync.NewVoiceTracker(e.id, store, e.client(), e.sync)
		if tracker.Recover(ctx) {
			fmt.Println("Stale voice session removed.")
		} else {
			fmt.Println("No stale voice session.")
		}
		return nil
	},
}

func printVoiceRecord(ctx context.Context, store roomsync.Storage) {
	rec, err := roomsync.ReadVoiceRecord(ctx, store)
	switch {
	case err != nil:
		fmt.Printf("  Record:      unreadable (%v)\n", err)
	case rec == nil:
		fmt.Println("  Record:      (none)")
	default:
		age := time.Since(rec.HeartbeatAt).Round(time.Second)
		fmt.Printf("  Room:        %s\n", rec.RoomID)
		fmt.Printf("  User:        %s\n", rec.UserID)
		fmt.Printf("  Client:      %s\n", rec.ClientID)
		fmt.Printf("  Heartbeat:   %s ago\n", age)
	}
}
