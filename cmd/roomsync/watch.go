package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/roomsync"
)

var (
	watchFocus  bool
	watchStatus string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchFocus, "focus", false, "Focus the first room so its messages are not counted unread")
	watchCmd.Flags().StringVar(&watchStatus, "status", "", "Advertise a presence status (online, idle, dnd)")
}

var watchCmd = &cobra.Command{
	Use:   "watch [room-id...]",
	Short: "Keep rooms in sync and print every change",
	Long:  "Open the user's rooms, relationships and presence, plus the messages and typing of each given room, and print changes until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		e, err := loadEnv()
		if err != nil {
			return err
		}
		store, release, err := openStorage(ctx, e.cfg)
		if err != nil {
			return err
		}
		defer release()

		client := e.client()
		transport := roomsync.NewWSTransport(client.WSURL(), e.cfg.Auth.Token, e.sync)
		defer transport.Close()

		session, err := roomsync.NewSession(e.id, e.sync, roomsync.Deps{
			Transport: transport,
			Source:    client,
			Storage:   store,
		})
		if err != nil {
			return err
		}
		defer session.Teardown()
		watchSession(session)

		if err := transport.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("push channel unavailable, polling until reconnect")
		}
		if err := session.Start(ctx); err != nil {
			return err
		}
		for _, roomID := range args {
			if err := session.OpenRoom(roomID); err != nil {
				return err
			}
		}
		if watchFocus && len(args) > 0 {
			session.FocusRoom(args[0])
		}
		if watchStatus != "" {
			if err := session.Presence().SetStatus(ctx, roomsync.PresenceStatus(watchStatus)); err != nil {
				log.Warn().Err(err).Msg("presence not advertised")
			}
		}

		// SIGHUP refetches every open scope.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		log.Info().Str("user", e.id.UserID).Int("rooms", len(args)).Msg("watching")
		for done := false; !done; {
			select {
			case <-ctx.Done():
				done = true
			case <-hup:
				if err := session.Resync(); err != nil {
					log.Warn().Err(err).Msg("resync failed")
					continue
				}
				log.Info().Msg("resync requested")
			}
		}
		printSummary(session, args)
		return nil
	},
}

func watchSession(s *roomsync.Session) {
	s.Manager().OnHealth(func(n roomsync.HealthNotice) {
		log.Info().Str("scope", n.Scope.Key()).Str("health", string(n.Health)).Bool("polling", n.Polling).Msg("channel")
	})
	s.Reconciler().OnChange(func(n roomsync.ChangeNotice) {
		line := fmt.Sprintf("%-10s %-7s %-12s %s", n.Scope.Key(), n.Type, n.Kind, n.ID)
		if n.Kind == roomsync.KindMessage && n.Type != roomsync.EventDelete {
			if m, ok := s.Reconciler().Message(n.Scope.Target, n.ID); ok {
				line += "  " + m.AuthorID + ": " + m.Content
			}
		}
		fmt.Println(line)
	})
	s.Typing().OnTyping(func(n roomsync.TypingNotice) {
		if len(n.Names) == 0 {
			fmt.Printf("%s: nobody typing\n", n.RoomID)
			return
		}
		fmt.Printf("%s: %s typing\n", n.RoomID, strings.Join(n.Names, ", "))
	})
	s.Presence().OnPresence(func(n roomsync.PresenceNotice) {
		fmt.Printf("presence   %s is %s\n", n.UserID, n.Status)
	})
	s.Voice().OnVoice(func(n roomsync.VoiceNotice) {
		switch {
		case n.Superseded:
			fmt.Println("voice      session taken over by another client")
		case n.RoomID == "":
			fmt.Println("voice      left")
		default:
			fmt.Printf("voice      in %s\n", n.RoomID)
		}
	})
}

func printSummary(s *roomsync.Session, rooms []string) {
	r := s.Reconciler()
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Rooms: %d, unread: %d\n", len(r.Rooms()), r.TotalUnread())
	for _, roomID := range rooms {
		fmt.Fprintf(os.Stderr, "  %s: %d messages, %d unread\n", roomID, len(r.Messages(roomID)), r.Unread(roomID))
	}
}
