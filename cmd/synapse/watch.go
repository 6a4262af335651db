package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	synapse "github.com/synapse-im/synapse-go"
	"github.com/spf13/cobra"
)

var watchVerbose bool

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id...]",
	Short: "Stream realtime events, optionally scoped to conversations",
	Long: `Connect to the realtime channel and print events as they arrive.
With no arguments, watches conversation-list events only. With one or
more conversation IDs, joins those rooms and prints their messages too.
Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg := getClient()

		level := slog.LevelWarn
		if watchVerbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		base := cfg.Default.BaseURL
		if base == "" {
			base = synapse.DefaultBaseURL
		}
		origin := strings.TrimSuffix(base, "/api")
		channel := synapse.NewRealtimeChannel(origin, synapse.StaticToken(cfg.Auth.Token), &synapse.RealtimeConfig{
			AutoReconnect: true,
			Logger:        logger,
		})

		channel.OnMessageNew(func(m synapse.Message) {
			fmt.Printf("[%s] %s\n", m.ConversationID, formatMessage(m, cfg.Auth.UserID))
		})
		channel.OnMessageEdited(func(m synapse.Message) {
			fmt.Printf("[%s] (edited) %s\n", m.ConversationID, formatMessage(m, cfg.Auth.UserID))
		})
		channel.OnMessageDeleted(func(ev synapse.MessageDeletedEvent) {
			fmt.Printf("[%s] message %s deleted\n", ev.ConversationID, ev.MessageID)
		})
		channel.OnConversationNew(func(c synapse.Conversation) {
			fmt.Printf("new conversation: %s (%s)\n", c.DisplayName(cfg.Auth.UserID), c.ID)
		})
		channel.OnConversationUpdated(func(c synapse.Conversation) {
			fmt.Printf("conversation updated: %s (%s)\n", c.DisplayName(cfg.Auth.UserID), c.ID)
		})
		channel.OnPresenceChanged(func(ev synapse.PresenceEvent) {
			fmt.Printf("presence: %s is %s\n", ev.UserID, ev.Status)
		})
		channel.OnDisconnected(func(reason string) {
			fmt.Fprintf(os.Stderr, "disconnected: %s\n", reason)
		})
		channel.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d, in %s)\n", attempt, delay)
		})
		channel.OnConnected(func() {
			fmt.Fprintln(os.Stderr, "connected")
			// Rooms are per-connection state, so re-join after every connect.
			for _, id := range args {
				if err := channel.JoinRoom(context.Background(), id); err != nil {
					fmt.Fprintf(os.Stderr, "join %s: %v\n", id, err)
				}
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := channel.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return channel.Disconnect()
	},
}

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Log connection details")
}
