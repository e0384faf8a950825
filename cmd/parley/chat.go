package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	parley "github.com/enrollworks/parley"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsJSON bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// send
	sendJSON bool

	// start
	startJSON bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations in the configured scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		cfg := mustConfig()
		scope := getScope(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.ListConversations(ctx, scope)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			return printJSON(conversations)
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range conversations {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			preview := c.LastMessagePreview
			if preview == "" {
				preview = "(no messages)"
			}
			fmt.Printf("  %s  [%s]  %s%s\n", c.ID, c.LastMessageAt.Local().Format("2006-01-02 15:04"), preview, unread)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show messages in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		messages, err := client.ListMessages(ctx, conversationID, messagesLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			return printJSON(messages)
		}

		if len(messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for i := range messages {
			fmt.Println(renderMessage(&messages[i]))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, body := args[0], args[1]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.CreateMessage(ctx, &parley.CreateMessageRequest{
			ConversationID: conversationID,
			Body:           body,
			ClientTempID:   uuid.NewString(),
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if sendJSON {
			return printJSON(msg)
		}

		fmt.Printf("Message sent to conversation %s\n", conversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Body:       %s\n", msg.Body)
		return nil
	},
}

// ============================================================================
// start
// ============================================================================

var startCmd = &cobra.Command{
	Use:   "start <user-id> [user-id...]",
	Short: "Start a conversation with one or more users",
	Long:  "Start a conversation in the configured scope. Starting a second conversation\nwith the same participants returns the existing one.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		cfg := mustConfig()
		scope := getScope(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.CreateConversation(ctx, scope, args)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if startJSON {
			return printJSON(conv)
		}

		fmt.Printf("Conversation: %s\n", conv.ID)
		fmt.Printf("  Scope:        %s\n", conv.Scope())
		fmt.Printf("  Participants: %v\n", conv.ParticipantIDs)
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkConversationRead(ctx, conversationID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Conversation %s marked as read.\n", conversationID)
		return nil
	},
}

// ============================================================================
// delete
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message you sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		messageID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.DeleteMessage(ctx, messageID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Deleted message %s.\n", messageID)
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

func renderMessage(m *parley.Message) string {
	when := m.CreatedAt.Local().Format("15:04:05")
	if m.Deleted() {
		return fmt.Sprintf("[%s] %s: (deleted)", when, m.SenderID)
	}
	body := m.Body
	if body == "" && len(m.Attachments) > 0 {
		body = "(attachment) " + m.Attachments[0].Name
	}
	suffix := ""
	switch m.Status {
	case parley.StatusPending:
		suffix = " …"
	case parley.StatusFailed:
		suffix = " ✗ " + m.SendError
	}
	return fmt.Sprintf("[%s] %s: %s%s", when, m.SenderID, body, suffix)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	// conversations
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	// messages
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Maximum number of messages to return")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	// send
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	// start
	startCmd.Flags().BoolVar(&startJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(deleteCmd)
}
