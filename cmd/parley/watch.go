package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	parley "github.com/enrollworks/parley"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Watch conversations live",
	Long: "Attach to the event stream and render changes as they arrive.\n" +
		"Without an argument, watches the conversation list. With a conversation ID,\n" +
		"opens the thread: incoming messages print as they land, lines you type are\n" +
		"sent, and typing indicators from other participants show up inline.\n\n" +
		"Thread commands: /read marks the thread read, /typing signals composing,\n" +
		"/who prints participant presence, /quit exits.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, scope, viewer := getMessenger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := m.Start(startCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("cannot attach: %w", err)
		}
		defer m.Close()

		fmt.Printf("Attached as %s to %s. Ctrl+C to exit.\n\n", viewer, scope)

		if len(args) == 0 {
			return watchList(ctx, m)
		}
		return watchThread(ctx, stop, m, viewer, args[0])
	},
}

// ============================================================================
// Conversation list mode
// ============================================================================

func watchList(ctx context.Context, m *parley.Messenger) error {
	var mu sync.Mutex
	render := func() {
		mu.Lock()
		defer mu.Unlock()
		conversations := m.Conversations()
		fmt.Printf("--- %d conversations ---\n", len(conversations))
		for _, c := range conversations {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			preview := c.LastMessagePreview
			if preview == "" {
				preview = "(no messages)"
			}
			fmt.Printf("  %s  [%s]  %s%s\n", c.ID, c.LastMessageAt.Local().Format("15:04"), preview, unread)
		}
	}

	m.OnConversationsChanged(render)
	render()

	<-ctx.Done()
	return nil
}

// ============================================================================
// Thread mode
// ============================================================================

func watchThread(ctx context.Context, stop context.CancelFunc, m *parley.Messenger, viewer, conversationID string) error {
	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	_, err := m.Open(openCtx, conversationID)
	cancel()
	if err != nil {
		return fmt.Errorf("cannot open conversation: %w", err)
	}
	defer m.CloseConversation(conversationID)

	if err := markRead(m, conversationID); err != nil {
		fmt.Fprintf(os.Stderr, "mark read: %v\n", err)
	}

	// Print each message once, and again when its status flips or it
	// gets deleted.
	type rendered struct {
		status  parley.MessageStatus
		deleted bool
	}
	var mu sync.Mutex
	seen := make(map[string]rendered)
	render := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, msg := range m.Messages(conversationID) {
			cur := rendered{status: msg.Status, deleted: msg.Deleted()}
			if prev, ok := seen[msg.ID]; ok && prev == cur {
				continue
			}
			seen[msg.ID] = cur
			fmt.Println(renderMessage(&msg))
		}
	}

	m.OnMessagesChanged(conversationID, render)
	render()

	go watchTyping(ctx, m, conversationID)
	go threadInput(ctx, stop, m, viewer, conversationID)

	<-ctx.Done()
	return nil
}

// watchTyping polls the typing set and prints transitions.
func watchTyping(ctx context.Context, m *parley.Messenger, conversationID string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users := m.TypingUsers(conversationID)
			cur := strings.Join(users, ", ")
			if cur != last && cur != "" {
				fmt.Printf("… %s typing\n", cur)
			}
			last = cur
		}
	}
}

// threadInput reads stdin lines and turns them into sends or commands.
func threadInput(ctx context.Context, stop context.CancelFunc, m *parley.Messenger, viewer, conversationID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			stop()
			return
		case line == "/read":
			if err := markRead(m, conversationID); err != nil {
				fmt.Fprintf(os.Stderr, "mark read: %v\n", err)
			}
		case line == "/typing":
			typingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := m.StartTyping(typingCtx, conversationID)
			cancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "typing: %v\n", err)
			}
		case line == "/who":
			printPresence(m, viewer, conversationID)
		default:
			sendCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			_, err := m.Send(sendCtx, conversationID, line, nil)
			cancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
	}
}

func markRead(m *parley.Messenger, conversationID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.MarkRead(ctx, conversationID)
}

func printPresence(m *parley.Messenger, viewer, conversationID string) {
	conv, ok := m.Conversation(conversationID)
	if !ok {
		return
	}
	participants := append([]string(nil), conv.ParticipantIDs...)
	sort.Strings(participants)
	for _, id := range participants {
		if id == viewer {
			continue
		}
		p := m.Presence(id)
		if p.IsOnline {
			fmt.Printf("  %s is online\n", id)
		} else if !p.LastSeenAt.IsZero() {
			fmt.Printf("  %s is offline, last seen %s\n", id, p.LastSeenAt.Local().Format("15:04:05"))
		} else {
			fmt.Printf("  %s is offline\n", id)
		}
	}
}
