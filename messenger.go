package parley

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const defaultResyncInterval = 5 * time.Minute

// ============================================================================
// Auth Context
// ============================================================================

// AuthContext carries the identity a messaging surface runs under.
type AuthContext struct {
	ViewerID string
	TenantID string

	// Domains lists the surfaces this identity may use. Staff
	// identities typically carry both, external collaborators only
	// the partner domain.
	Domains []Domain
}

func (a AuthContext) allows(domain Domain) bool {
	for _, d := range a.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// ============================================================================
// Messenger
// ============================================================================

// MessengerConfig configures one domain's messaging facade.
type MessengerConfig struct {
	Auth    AuthContext
	Domain  Domain
	Backend Backend
	Stream  Subscriber

	// WriteTimeout bounds each durable write. Default: 10s.
	WriteTimeout time.Duration

	// MessagePageSize is the history window fetched on first open.
	// Default: 100.
	MessagePageSize int

	// TypingTTL is how long a typing indicator survives without a
	// refresh. Default: 5s.
	TypingTTL time.Duration

	// PresenceStaleAfter is how long after the last heartbeat a user
	// still counts as online. Default: 45s.
	PresenceStaleAfter time.Duration

	// ResyncInterval is the periodic reconciliation cadence that
	// backstops dropped events. Default: 5m; negative disables it.
	ResyncInterval time.Duration

	// OnStreamError receives failures the stream cannot recover from
	// on its own, such as access being revoked mid-session.
	OnStreamError func(error)
}

// Messenger is the messaging entry point for one (tenant, domain)
// scope. Internal and partner surfaces each construct their own; the
// two share nothing.
type Messenger struct {
	scope    Scope
	viewerID string

	store    *Store
	typing   *TypingAggregator
	presence *PresenceTracker
	stream   Subscriber

	resyncEvery   time.Duration
	onStreamError func(error)

	mu      sync.Mutex
	sub     *Subscription
	started bool
	closed  bool

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewMessenger validates the identity against the requested domain and
// builds the facade. It performs no I/O; Start attaches everything.
func NewMessenger(cfg MessengerConfig) (*Messenger, error) {
	if cfg.Auth.ViewerID == "" || cfg.Auth.TenantID == "" {
		return nil, newError(KindValidation, "messenger: viewer id and tenant id are required", nil)
	}
	if cfg.Backend == nil {
		return nil, newError(KindValidation, "messenger: backend is required", nil)
	}
	if cfg.Stream == nil {
		return nil, newError(KindValidation, "messenger: stream is required", nil)
	}
	scope := Scope{TenantID: cfg.Auth.TenantID, Domain: cfg.Domain}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Auth.allows(cfg.Domain) {
		return nil, newError(KindPermission,
			fmt.Sprintf("messenger: %s has no access to the %s domain", cfg.Auth.ViewerID, cfg.Domain), nil)
	}

	resyncEvery := cfg.ResyncInterval
	if resyncEvery == 0 {
		resyncEvery = defaultResyncInterval
	}

	return &Messenger{
		scope:    scope,
		viewerID: cfg.Auth.ViewerID,
		store: NewStore(StoreConfig{
			Scope:           scope,
			ViewerID:        cfg.Auth.ViewerID,
			Backend:         cfg.Backend,
			WriteTimeout:    cfg.WriteTimeout,
			MessagePageSize: cfg.MessagePageSize,
		}),
		typing:        NewTypingAggregator(cfg.Auth.ViewerID, cfg.TypingTTL),
		presence:      NewPresenceTracker(cfg.PresenceStaleAfter),
		stream:        cfg.Stream,
		resyncEvery:   resyncEvery,
		onStreamError: cfg.OnStreamError,
		stopCh:        make(chan struct{}),
	}, nil
}

// Start subscribes to the scope's event stream, loads the initial
// conversation list, and begins tracking typing and presence. Failure
// of the initial attach or load is returned to the caller; everything
// after that self-heals in the background.
func (m *Messenger) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return newError(KindValidation, "messenger: already closed", nil)
	}
	if m.started {
		m.mu.Unlock()
		return newError(KindValidation, "messenger: already started", nil)
	}
	m.mu.Unlock()

	sub, err := m.stream.Subscribe(ctx, m.scope)
	if err != nil {
		return err
	}

	sub.OnEvent(m.store.Apply)
	sub.OnTyping(m.typing.Observe)
	sub.OnPresence(func(ev HeartbeatEvent) { m.presence.Observe(ev.UserID, ev.At) })
	// Reattaches resync off the read loop so event flow is not stalled
	// behind the fetches. The merges interleave idempotently.
	sub.OnConnected(func() { go m.resync("reconnect") })
	sub.OnError(func(err error) {
		glog.Errorf("parley: stream error scope=%s: %v", m.scope, err)
		if m.onStreamError != nil {
			safeCall(func() { m.onStreamError(err) })
		}
	})

	// Handlers are registered only now, after the first attach, so any
	// events that raced past them are picked up by this initial load.
	if err := m.store.Resync(ctx); err != nil {
		sub.Close()
		return err
	}

	m.typing.Start()
	m.presence.Start()

	m.mu.Lock()
	m.sub = sub
	m.started = true
	m.mu.Unlock()

	if m.resyncEvery > 0 {
		go m.resyncLoop()
	}
	glog.V(1).Infof("parley: messenger started scope=%s viewer=%s", m.scope, m.viewerID)
	return nil
}

// Close tears down the stream, the sweepers, and the periodic resync.
// Idempotent. Durable writes already in flight still finish; their
// confirmations simply have nobody left to notify.
func (m *Messenger) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		sub := m.sub
		m.sub = nil
		m.mu.Unlock()

		close(m.stopCh)
		if sub != nil {
			sub.Close()
		}
		m.typing.Stop()
		m.presence.Stop()
		glog.V(1).Infof("parley: messenger closed scope=%s", m.scope)
	})
	return nil
}

func (m *Messenger) resyncLoop() {
	ticker := time.NewTicker(m.resyncEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.resync("periodic")
		}
	}
}

// resync converges the store with the durable record. Failures are
// absorbed; the next reattach or tick tries again.
func (m *Messenger) resync(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.store.Resync(ctx); err != nil {
		glog.Warningf("parley: %s resync failed scope=%s: %v", reason, m.scope, err)
	}
}

// ============================================================================
// Conversation Surface
// ============================================================================

// Scope returns the scope this messenger serves.
func (m *Messenger) Scope() Scope {
	return m.scope
}

// ViewerID returns the identity the messenger runs under.
func (m *Messenger) ViewerID() string {
	return m.viewerID
}

// StreamState reports the connection state of the subscription.
func (m *Messenger) StreamState() StreamState {
	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()
	if sub == nil {
		return StateDisconnected
	}
	return sub.State()
}

// Conversations lists the scope's conversations, most recent activity
// first.
func (m *Messenger) Conversations() []Conversation {
	return m.store.Conversations()
}

// Conversation returns one conversation by ID.
func (m *Messenger) Conversation(id string) (Conversation, bool) {
	return m.store.Conversation(id)
}

// Open makes a conversation the active one and returns its timeline.
func (m *Messenger) Open(ctx context.Context, conversationID string) ([]Message, error) {
	return m.store.Open(ctx, conversationID)
}

// CloseConversation unmarks the active conversation and drops its
// change listeners.
func (m *Messenger) CloseConversation(conversationID string) {
	m.store.CloseConversation(conversationID)
}

// Messages returns the current timeline snapshot of a conversation.
func (m *Messenger) Messages(conversationID string) []Message {
	return m.store.Messages(conversationID)
}

// Send appends optimistically and writes through. See Store.Send.
func (m *Messenger) Send(ctx context.Context, conversationID, body string, attachments []Attachment) (string, error) {
	return m.store.Send(ctx, conversationID, body, attachments)
}

// Retry replays the durable write for a failed send.
func (m *Messenger) Retry(ctx context.Context, clientTempID string) error {
	return m.store.Retry(ctx, clientTempID)
}

// Delete tombstones a message and writes through.
func (m *Messenger) Delete(ctx context.Context, messageID string) error {
	return m.store.Delete(ctx, messageID)
}

// MarkRead zeroes the unread count and moves the durable watermark.
func (m *Messenger) MarkRead(ctx context.Context, conversationID string) error {
	return m.store.MarkRead(ctx, conversationID)
}

// StartChat creates or revives a conversation with the participants.
func (m *Messenger) StartChat(ctx context.Context, participantIDs []string) (Conversation, error) {
	return m.store.StartChat(ctx, participantIDs)
}

// OnConversationsChanged registers a list change callback.
func (m *Messenger) OnConversationsChanged(fn func()) {
	m.store.OnConversationsChanged(fn)
}

// OnMessagesChanged registers a timeline change callback for one
// conversation.
func (m *Messenger) OnMessagesChanged(conversationID string, fn func()) {
	m.store.OnMessagesChanged(conversationID, fn)
}

// ============================================================================
// Typing and Presence Surface
// ============================================================================

// StartTyping tells peers the viewer began typing. Best effort: when
// the stream is down the signal is dropped, never queued.
func (m *Messenger) StartTyping(ctx context.Context, conversationID string) error {
	return m.sendTyping(ctx, conversationID, true)
}

// StopTyping clears the viewer's typing indicator for peers.
func (m *Messenger) StopTyping(ctx context.Context, conversationID string) error {
	return m.sendTyping(ctx, conversationID, false)
}

func (m *Messenger) sendTyping(ctx context.Context, conversationID string, active bool) error {
	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()
	if sub == nil {
		return newError(KindTransient, "messenger: not started", nil)
	}
	return sub.SendTyping(ctx, conversationID, active)
}

// TypingUsers returns who is typing in a conversation, viewer
// excluded.
func (m *Messenger) TypingUsers(conversationID string) []string {
	return m.typing.TypingUsers(conversationID)
}

// Presence returns one user's availability.
func (m *Messenger) Presence(userID string) PresenceRecord {
	return m.presence.Presence(userID)
}

// PresenceSnapshot returns every tracked user's availability.
func (m *Messenger) PresenceSnapshot() []PresenceRecord {
	return m.presence.Snapshot()
}
