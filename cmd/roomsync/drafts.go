package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/roomsync"
)

var draftsKeep []string

func init() {
	rootCmd.AddCommand(draftsCmd)
	draftsCmd.AddCommand(draftsListCmd)
	draftsCmd.AddCommand(draftsSetCmd)
	draftsCmd.AddCommand(draftsClearCmd)
	draftsCmd.AddCommand(draftsPruneCmd)
	draftsPruneCmd.Flags().StringSliceVar(&draftsKeep, "keep", nil, "Room ids whose drafts are kept (default: keep all rooms, drop expired)")
}

var draftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "Manage saved composer drafts",
}

// withDrafts runs fn against the draft cache of the configured storage.
func withDrafts(fn func(ctx context.Context, drafts *roomsync.LocalCache, userID string) error) error {
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
	return fn(ctx, roomsync.NewDraftCache(store, e.sync), e.id.UserID)
}

var draftsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drafts, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDrafts(func(ctx context.Context, drafts *roomsync.LocalCache, userID string) error {
			entries := drafts.Entries(ctx, userID)
			if len(entries) == 0 {
				fmt.Println("No drafts.")
				return nil
			}
			for _, roomID := range drafts.Recent(ctx, userID) {
				e := entries[roomID]
				fmt.Printf("%-24s %s  %s\n", roomID, e.UpdatedAt.Format(time.RFC3339), e.Value)
			}
			return nil
		})
	},
}

var draftsSetCmd = &cobra.Command{
	Use:   "set <room-id> <content>",
	Short: "Save a draft for a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDrafts(func(ctx context.Context, drafts *roomsync.LocalCache, userID string) error {
			drafts.Set(ctx, userID, args[0], args[1])
			fmt.Printf("Draft saved for %s\n", args[0])
			return nil
		})
	},
}

var draftsClearCmd = &cobra.Command{
	Use:   "clear <room-id>",
	Short: "Remove the draft of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDrafts(func(ctx context.Context, drafts *roomsync.LocalCache, userID string) error {
			drafts.Clear(ctx, userID, args[0])
			fmt.Printf("Draft cleared for %s\n", args[0])
			return nil
		})
	},
}

var draftsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop expired drafts and drafts of rooms not kept",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDrafts(func(ctx context.Context, drafts *roomsync.LocalCache, userID string) error {
			before := len(drafts.Entries(ctx, userID))
			var known []string
			if cmd.Flags().Changed("keep") {
				known = append([]string{}, draftsKeep...)
			}
			drafts.Prune(ctx, userID, known)
			after := len(drafts.Entries(ctx, userID))
			fmt.Printf("Pruned %d drafts, %d left\n", before-after, after)
			return nil
		})
	},
}
