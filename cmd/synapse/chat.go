package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	synapse "github.com/synapse-im/synapse-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatsJSONOutput bool
	chatsFilter     string

	historyLimit int
	historyAll   bool
	historyJSON  bool

	sendReplyTo string
	sendImage   string
)

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		dir := synapse.NewConversationDirectory(client, cfg.Auth.UserID)
		if err := dir.Load(ctx); err != nil {
			return fmt.Errorf("load conversations: %w", err)
		}

		convos := dir.Conversations()
		if chatsFilter != "" {
			convos = dir.Filter(chatsFilter)
		}

		if chatsJSONOutput {
			out, err := json.MarshalIndent(convos, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		if len(convos) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convos {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			last := ""
			if c.LastMessage != nil {
				last = " — " + truncate(c.LastMessage.Content, 40)
			}
			fmt.Printf("%s  %-24s [%s]%s%s\n", c.ID, c.DisplayName(cfg.Auth.UserID), c.Type, unread, last)
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's message history, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		conversationID := args[0]

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		tl := synapse.NewMessageTimeline(client, historyLimit)
		if err := tl.Load(ctx, conversationID); err != nil {
			return err
		}
		if historyAll {
			for tl.HasMore() {
				if err := tl.LoadOlder(ctx); err != nil {
					return err
				}
			}
		}

		msgs := tl.Messages()
		if historyJSON {
			out, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m, cfg.Auth.UserID))
		}
		if tl.HasMore() {
			fmt.Println("... older messages available (use --all)")
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		conversationID := args[0]
		content := strings.Join(args[1:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Messages.Send(ctx, conversationID, &synapse.SendMessageParams{
			Content: content,
			Image:   sendImage,
			ReplyTo: sendReplyTo,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, formatTimestamp(msg.CreatedAt))
		return nil
	},
}

// ============================================================================
// direct / group
// ============================================================================

var directCmd = &cobra.Command{
	Use:   "direct <user-id>",
	Short: "Open (or create) a direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conv, err := client.Conversations.CreateDirect(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Conversation %s\n", conv.ID)
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group <name> <user-id...>",
	Short: "Create a group conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conv, err := client.Conversations.CreateGroup(ctx, args[0], args[1:])
		if err != nil {
			return err
		}
		fmt.Printf("Group %s created: %s\n", conv.Name, conv.ID)
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation's messages as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return client.Messages.MarkRead(ctx, args[0], "")
	},
}

func init() {
	chatsCmd.Flags().BoolVar(&chatsJSONOutput, "json", false, "Output raw JSON")
	chatsCmd.Flags().StringVar(&chatsFilter, "filter", "", "Filter by display name substring")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Page size")
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "Fetch all older pages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringVar(&sendReplyTo, "reply", "", "Reply-target message ID")
	sendCmd.Flags().StringVar(&sendImage, "image", "", "Image URL to attach")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
