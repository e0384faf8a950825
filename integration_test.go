//go:build integration

package parley_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/enrollworks/parley"
)

// These tests run against a real parleyd deployment. They require:
//
//	PARLEY_TOKEN_TEST    bearer token for the test viewer
//	PARLEY_TENANT_TEST   tenant the token belongs to
//	PARLEY_PEER_ID_TEST  a second user id to start chats with
//	PARLEY_BASE_URL_TEST optional base URL (empty means the local default)
//
// Run with: go test -tags integration -run TestIntegration

// helpers ---------------------------------------------------------------

func integrationToken(t *testing.T) string {
	t.Helper()
	token := os.Getenv("PARLEY_TOKEN_TEST")
	if token == "" {
		t.Fatal("PARLEY_TOKEN_TEST environment variable is required")
	}
	return token
}

func integrationTenant(t *testing.T) string {
	t.Helper()
	tenant := os.Getenv("PARLEY_TENANT_TEST")
	if tenant == "" {
		t.Fatal("PARLEY_TENANT_TEST environment variable is required")
	}
	return tenant
}

func integrationPeer(t *testing.T) string {
	t.Helper()
	peer := os.Getenv("PARLEY_PEER_ID_TEST")
	if peer == "" {
		t.Fatal("PARLEY_PEER_ID_TEST environment variable is required")
	}
	return peer
}

func integrationBaseURL() string {
	return os.Getenv("PARLEY_BASE_URL_TEST")
}

func newIntegrationClient(t *testing.T) *parley.Client {
	t.Helper()
	if base := integrationBaseURL(); base != "" {
		return parley.NewClient(integrationToken(t), parley.WithBaseURL(base))
	}
	return parley.NewClient(integrationToken(t))
}

func integrationScope(t *testing.T) parley.Scope {
	t.Helper()
	return parley.Scope{TenantID: integrationTenant(t), Domain: parley.DomainInternal}
}

func uniqueTempID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// =======================================================================
// Group 1: Durable Store API
// =======================================================================

func TestIntegration_ListConversations(t *testing.T) {
	client := newIntegrationClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	convs, err := client.ListConversations(ctx, integrationScope(t))
	if err != nil {
		t.Fatalf("ListConversations error: %v", err)
	}
	t.Logf("viewer has %d conversations in scope", len(convs))
}

func TestIntegration_MessageLifecycle(t *testing.T) {
	client := newIntegrationClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Second)
	defer cancel()

	// ---------------------------------------------------------------
	// 1.1  Create (or land on) the conversation with the peer
	// ---------------------------------------------------------------
	conv, err := client.CreateConversation(ctx, integrationScope(t), []string{integrationPeer(t)})
	if err != nil {
		t.Fatalf("CreateConversation error: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("expected a conversation id")
	}
	t.Logf("conversation %s participants=%v", conv.ID, conv.ParticipantIDs)

	// ---------------------------------------------------------------
	// 1.2  Create a message, then replay the same idempotency key
	// ---------------------------------------------------------------
	tempID := uniqueTempID("gotest")
	msg, err := client.CreateMessage(ctx, &parley.CreateMessageRequest{
		ConversationID: conv.ID,
		Body:           "integration test message",
		ClientTempID:   tempID,
	})
	if err != nil {
		t.Fatalf("CreateMessage error: %v", err)
	}
	if msg.ID == "" || msg.Status != parley.StatusConfirmed {
		t.Fatalf("expected a confirmed row, got %+v", msg)
	}
	t.Logf("created message %s", msg.ID)

	replay, err := client.CreateMessage(ctx, &parley.CreateMessageRequest{
		ConversationID: conv.ID,
		Body:           "integration test message",
		ClientTempID:   tempID,
	})
	if err != nil {
		t.Fatalf("CreateMessage replay error: %v", err)
	}
	if replay.ID != msg.ID {
		t.Fatalf("replay created a duplicate: %s and %s", msg.ID, replay.ID)
	}

	// ---------------------------------------------------------------
	// 1.3  The row shows up in the history window
	// ---------------------------------------------------------------
	rows, err := client.ListMessages(ctx, conv.ID, 50)
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
	found := false
	for _, row := range rows {
		if row.ID == msg.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("message %s missing from history of %d rows", msg.ID, len(rows))
	}

	// ---------------------------------------------------------------
	// 1.4  Mark read zeroes the viewer's unread count
	// ---------------------------------------------------------------
	if err := client.MarkConversationRead(ctx, conv.ID); err != nil {
		t.Fatalf("MarkConversationRead error: %v", err)
	}
	convs, err := client.ListConversations(ctx, integrationScope(t))
	if err != nil {
		t.Fatalf("ListConversations error: %v", err)
	}
	for _, c := range convs {
		if c.ID == conv.ID && c.UnreadCount != 0 {
			t.Fatalf("expected unread 0 after mark read, got %d", c.UnreadCount)
		}
	}

	// ---------------------------------------------------------------
	// 1.5  Delete tombstones the row and stays idempotent
	// ---------------------------------------------------------------
	if err := client.DeleteMessage(ctx, msg.ID); err != nil {
		t.Fatalf("DeleteMessage error: %v", err)
	}
	if err := client.DeleteMessage(ctx, msg.ID); err != nil {
		t.Fatalf("repeated DeleteMessage error: %v", err)
	}
	rows, err = client.ListMessages(ctx, conv.ID, 50)
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
	for _, row := range rows {
		if row.ID == msg.ID && !row.Deleted() {
			t.Fatal("expected the deleted row to carry deletedAt")
		}
	}
}

// =======================================================================
// Group 2: Event Stream
// =======================================================================

func TestIntegration_StreamDeliversChanges(t *testing.T) {
	client := newIntegrationClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	conv, err := client.CreateConversation(ctx, integrationScope(t), []string{integrationPeer(t)})
	if err != nil {
		t.Fatalf("CreateConversation error: %v", err)
	}

	stream := parley.NewEventStream(parley.StreamConfig{
		URL:   integrationBaseURL(),
		Token: integrationToken(t),
	})
	sub, err := stream.Subscribe(ctx, integrationScope(t))
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Close()

	events := make(chan parley.Event, 16)
	sub.OnEvent(func(ev parley.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	msg, err := client.CreateMessage(ctx, &parley.CreateMessageRequest{
		ConversationID: conv.ID,
		Body:           "stream integration test",
		ClientTempID:   uniqueTempID("gostream"),
	})
	if err != nil {
		t.Fatalf("CreateMessage error: %v", err)
	}

	deadline := time.After(30 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Entity == parley.EntityMessage && ev.Message != nil && ev.Message.ID == msg.ID {
				t.Logf("received %s event for %s", ev.Kind, msg.ID)
				return
			}
		case <-deadline:
			t.Fatalf("no stream event for message %s within 30s", msg.ID)
		}
	}
}
