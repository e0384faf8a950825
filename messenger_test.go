package parley

import (
	"context"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fake Stream
// ============================================================================

// fakeStream satisfies Subscriber with a subscription that never dials.
// Tests drive its dispatcher directly to simulate gateway traffic.
type fakeStream struct {
	mu         sync.Mutex
	subscribes int
	err        error
	sub        *Subscription
}

func (f *fakeStream) Subscribe(ctx context.Context, scope Scope) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.err != nil {
		return nil, f.err
	}
	f.sub = &Subscription{
		scope:      scope,
		dispatcher: newStreamDispatcher(),
		recon:      &reconnector{baseDelay: time.Second, maxDelay: 30 * time.Second},
		state:      StateConnected,
	}
	return f.sub, nil
}

func (f *fakeStream) subscription() *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sub
}

func makeTestMessenger(t *testing.T) (*Messenger, *fakeBackend, *fakeStream) {
	t.Helper()
	backend := newFakeBackend()
	backend.conversations = []Conversation{makeConversation("c-1", "u-alice", "u-bob")}
	stream := &fakeStream{}
	m, err := NewMessenger(MessengerConfig{
		Auth:    AuthContext{ViewerID: "u-alice", TenantID: "acme", Domains: []Domain{DomainInternal, DomainPartner}},
		Domain:  DomainInternal,
		Backend: backend,
		Stream:  stream,
		// Negative interval keeps the periodic loop out of unit tests.
		ResyncInterval: -1,
	})
	if err != nil {
		t.Fatalf("new messenger: %v", err)
	}
	return m, backend, stream
}

// ============================================================================
// Construction
// ============================================================================

func TestNewMessenger(t *testing.T) {
	backend := newFakeBackend()
	stream := &fakeStream{}
	auth := AuthContext{ViewerID: "u-alice", TenantID: "acme", Domains: []Domain{DomainInternal}}

	t.Run("viewer and tenant are required", func(t *testing.T) {
		_, err := NewMessenger(MessengerConfig{Auth: AuthContext{TenantID: "acme"}, Domain: DomainInternal, Backend: backend, Stream: stream})
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		_, err = NewMessenger(MessengerConfig{Auth: AuthContext{ViewerID: "u-alice"}, Domain: DomainInternal, Backend: backend, Stream: stream})
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("backend and stream are required", func(t *testing.T) {
		_, err := NewMessenger(MessengerConfig{Auth: auth, Domain: DomainInternal, Stream: stream})
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		_, err = NewMessenger(MessengerConfig{Auth: auth, Domain: DomainInternal, Backend: backend})
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("unknown domains are rejected", func(t *testing.T) {
		_, err := NewMessenger(MessengerConfig{Auth: auth, Domain: "payments", Backend: backend, Stream: stream})
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("a domain outside the identity's grants is refused", func(t *testing.T) {
		_, err := NewMessenger(MessengerConfig{Auth: auth, Domain: DomainPartner, Backend: backend, Stream: stream})
		if !IsPermission(err) {
			t.Fatalf("expected permission error, got %v", err)
		}
	})

	t.Run("a granted domain constructs", func(t *testing.T) {
		m, err := NewMessenger(MessengerConfig{Auth: auth, Domain: DomainInternal, Backend: backend, Stream: stream})
		if err != nil {
			t.Fatalf("new messenger: %v", err)
		}
		want := Scope{TenantID: "acme", Domain: DomainInternal}
		if m.Scope() != want {
			t.Fatalf("expected scope %v, got %v", want, m.Scope())
		}
		if m.ViewerID() != "u-alice" {
			t.Fatalf("expected viewer u-alice, got %s", m.ViewerID())
		}
	})
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestMessengerStart(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	t.Run("start loads the conversation list", func(t *testing.T) {
		m, backend, _ := makeTestMessenger(t)
		defer m.Close()

		if err := m.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
		if got := backend.count("ListConversations"); got != 1 {
			t.Fatalf("expected 1 initial load, got %d", got)
		}
		if convs := m.Conversations(); len(convs) != 1 || convs[0].ID != "c-1" {
			t.Fatalf("expected c-1 loaded, got %+v", convs)
		}
		if m.StreamState() != StateConnected {
			t.Fatalf("expected connected, got %s", m.StreamState())
		}
	})

	t.Run("stream events reach the store", func(t *testing.T) {
		m, _, stream := makeTestMessenger(t)
		defer m.Close()
		if err := m.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}

		stream.subscription().dispatcher.emitEvent(Event{
			Kind:    EventInsert,
			Entity:  EntityMessage,
			Message: makeMessage("m-1", "c-1", "u-bob", base),
		})

		if rows := m.Messages("c-1"); len(rows) != 1 || rows[0].ID != "m-1" {
			t.Fatalf("expected m-1 merged, got %+v", rows)
		}
		conv, _ := m.Conversation("c-1")
		if conv.UnreadCount != 1 {
			t.Fatalf("expected unread 1, got %d", conv.UnreadCount)
		}
	})

	t.Run("typing signals reach the aggregator", func(t *testing.T) {
		m, _, stream := makeTestMessenger(t)
		defer m.Close()
		if err := m.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}

		stream.subscription().dispatcher.emitTyping(TypingEvent{ConversationID: "c-1", UserID: "u-bob", Active: true})

		if got := m.TypingUsers("c-1"); len(got) != 1 || got[0] != "u-bob" {
			t.Fatalf("expected [u-bob], got %v", got)
		}
	})

	t.Run("presence heartbeats reach the tracker", func(t *testing.T) {
		m, _, stream := makeTestMessenger(t)
		defer m.Close()
		if err := m.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}

		stream.subscription().dispatcher.emitPresence(HeartbeatEvent{UserID: "u-bob", At: time.Now().UTC()})

		if rec := m.Presence("u-bob"); !rec.IsOnline {
			t.Fatalf("expected u-bob online, got %+v", rec)
		}
	})

	t.Run("every reattach resyncs", func(t *testing.T) {
		m, backend, stream := makeTestMessenger(t)
		defer m.Close()
		if err := m.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}

		stream.subscription().dispatcher.emitConnected()

		waitFor(t, "reconnect resync", func() bool {
			return backend.count("ListConversations") >= 2
		})
	})

	t.Run("unrecoverable stream errors reach the handler", func(t *testing.T) {
		backend := newFakeBackend()
		stream := &fakeStream{}
		var got error
		m, err := NewMessenger(MessengerConfig{
			Auth:           AuthContext{ViewerID: "u-alice", TenantID: "acme", Domains: []Domain{DomainInternal}},
			Domain:         DomainInternal,
			Backend:        backend,
			Stream:         stream,
			ResyncInterval: -1,
			OnStreamError:  func(err error) { got = err },
		})
		if err != nil {
			t.Fatalf("new messenger: %v", err)
		}
		defer m.Close()
		if err := m.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}

		cause := newError(KindPermission, "access revoked", nil)
		stream.subscription().dispatcher.emitError(cause)

		if got != cause {
			t.Fatalf("expected the error handed through, got %v", got)
		}
	})

	t.Run("second start is rejected", func(t *testing.T) {
		m, _, _ := makeTestMessenger(t)
		defer m.Close()
		if err := m.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := m.Start(ctx); !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("start after close is rejected", func(t *testing.T) {
		m, _, _ := makeTestMessenger(t)
		m.Close()
		if err := m.Start(ctx); !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("subscribe failure surfaces", func(t *testing.T) {
		m, _, stream := makeTestMessenger(t)
		stream.err = newError(KindTransient, "gateway down", nil)

		if err := m.Start(ctx); !IsTransient(err) {
			t.Fatalf("expected the subscribe failure, got %v", err)
		}
	})

	t.Run("initial load failure closes the subscription and permits retry", func(t *testing.T) {
		m, backend, stream := makeTestMessenger(t)
		defer m.Close()
		backend.listConversations = func(scope Scope) ([]Conversation, error) {
			return nil, &APIError{Status: 503, Code: "UNAVAILABLE", Message: "warming up"}
		}

		if err := m.Start(ctx); err == nil {
			t.Fatal("expected the initial load failure to surface")
		}
		if sub := stream.subscription(); !sub.isClosed() {
			t.Fatal("expected the dangling subscription closed")
		}

		backend.listConversations = nil
		if err := m.Start(ctx); err != nil {
			t.Fatalf("expected a later start to succeed, got %v", err)
		}
	})
}

func TestMessengerClose(t *testing.T) {
	ctx := context.Background()

	t.Run("close is idempotent", func(t *testing.T) {
		m, _, stream := makeTestMessenger(t)
		if err := m.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}

		if err := m.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := m.Close(); err != nil {
			t.Fatalf("second close: %v", err)
		}
		if !stream.subscription().isClosed() {
			t.Fatal("expected the subscription closed")
		}
		if m.StreamState() != StateDisconnected {
			t.Fatalf("expected disconnected, got %s", m.StreamState())
		}
	})

	t.Run("snapshots stay readable after close", func(t *testing.T) {
		m, _, _ := makeTestMessenger(t)
		if err := m.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
		m.Close()

		if convs := m.Conversations(); len(convs) != 1 {
			t.Fatalf("expected the cached list readable, got %+v", convs)
		}
	})
}

// ============================================================================
// Typing Surface
// ============================================================================

func TestMessengerTyping(t *testing.T) {
	ctx := context.Background()

	t.Run("typing before start is a transient drop", func(t *testing.T) {
		m, _, _ := makeTestMessenger(t)

		if err := m.StartTyping(ctx, "c-1"); !IsTransient(err) {
			t.Fatalf("expected transient drop, got %v", err)
		}
	})

	t.Run("typing without a live connection is a transient drop", func(t *testing.T) {
		m, _, _ := makeTestMessenger(t)
		defer m.Close()
		if err := m.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}

		// The fake subscription never dials, so there is no conn to
		// write to. Best effort means an error, not a queue.
		if err := m.StopTyping(ctx, "c-1"); !IsTransient(err) {
			t.Fatalf("expected transient drop, got %v", err)
		}
	})
}
