package parley

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

const (
	defaultWriteTimeout    = 10 * time.Second
	defaultMessagePageSize = 100

	localIDPrefix = "local-"
)

// ============================================================================
// Store
// ============================================================================

// StoreConfig configures a conversation store.
type StoreConfig struct {
	Scope    Scope
	ViewerID string
	Backend  Backend

	// WriteTimeout bounds each durable write. Default: 10s.
	WriteTimeout time.Duration

	// MessagePageSize is the history window fetched when a
	// conversation first opens. Default: 100.
	MessagePageSize int
}

// Store is the in-memory conversation cache for one scope. It applies
// optimistic local writes immediately, writes through to the durable
// store, and reconciles both with row-change events from the stream.
//
// All mutations serialize through one mutex; change callbacks fire
// after the lock is released. Snapshots returned to callers are
// copies and never alias internal state.
type Store struct {
	scope    Scope
	viewerID string
	backend  Backend

	writeTimeout time.Duration
	pageSize     int
	now          func() time.Time

	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      map[string][]*Message // conversation -> rows sorted by (createdAt, id)
	byID          map[string]*Message
	pendingTemp   map[string]string    // client temp ID -> local row ID, until confirmed
	confirmedTemp map[string]string    // client temp ID -> server row ID, after confirmation
	tombstones    map[string]time.Time // message ID -> deletedAt
	loaded        map[string]bool      // conversation -> history fetched
	fetching      map[string]bool      // conversation -> lazy fetch in flight
	openID        string

	listListeners    []func()
	messageListeners map[string][]func()
}

// NewStore creates an empty store bound to one scope and viewer.
func NewStore(cfg StoreConfig) *Store {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MessagePageSize <= 0 {
		cfg.MessagePageSize = defaultMessagePageSize
	}
	return &Store{
		scope:            cfg.Scope,
		viewerID:         cfg.ViewerID,
		backend:          cfg.Backend,
		writeTimeout:     cfg.WriteTimeout,
		pageSize:         cfg.MessagePageSize,
		now:              time.Now,
		conversations:    make(map[string]*Conversation),
		messages:         make(map[string][]*Message),
		byID:             make(map[string]*Message),
		pendingTemp:      make(map[string]string),
		confirmedTemp:    make(map[string]string),
		tombstones:       make(map[string]time.Time),
		loaded:           make(map[string]bool),
		fetching:         make(map[string]bool),
		messageListeners: make(map[string][]func()),
	}
}

// ============================================================================
// Change Notifications
// ============================================================================

// storeNotices accumulates which views a mutation dirtied while the
// lock is held. Handlers run only after the lock is released.
type storeNotices struct {
	list          bool
	conversations map[string]bool
}

func (n *storeNotices) touchList() {
	n.list = true
}

func (n *storeNotices) touchConversation(id string) {
	if n.conversations == nil {
		n.conversations = make(map[string]bool)
	}
	n.conversations[id] = true
}

func (s *Store) collectLocked(n *storeNotices) []func() {
	var fns []func()
	if n.list {
		fns = append(fns, s.listListeners...)
	}
	for id := range n.conversations {
		fns = append(fns, s.messageListeners[id]...)
	}
	return fns
}

func runHandlers(fns []func()) {
	for _, fn := range fns {
		safeCall(fn)
	}
}

// OnConversationsChanged registers a callback fired after any merge
// that changed the conversation list or its ordering inputs.
func (s *Store) OnConversationsChanged(fn func()) {
	s.mu.Lock()
	s.listListeners = append(s.listListeners, fn)
	s.mu.Unlock()
}

// OnMessagesChanged registers a callback for one conversation's
// timeline. CloseConversation drops all of that conversation's
// callbacks at once.
func (s *Store) OnMessagesChanged(conversationID string, fn func()) {
	s.mu.Lock()
	s.messageListeners[conversationID] = append(s.messageListeners[conversationID], fn)
	s.mu.Unlock()
}

// ============================================================================
// Snapshots
// ============================================================================

// Conversations returns the conversation list ordered by most recent
// activity first.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, *conv)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns one conversation by ID.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversations[id]
	if conv == nil {
		return Conversation{}, false
	}
	return *conv, true
}

// Messages returns the current timeline of a conversation in ascending
// (createdAt, id) order, tombstoned rows included.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[conversationID]
	out := make([]Message, 0, len(list))
	for _, m := range list {
		out = append(out, *m)
	}
	return out
}

// ============================================================================
// Operations
// ============================================================================

// Open makes a conversation the active one and returns its timeline,
// fetching the history window on first open. An ID the store has never
// seen is resolved against the durable store before failing.
func (s *Store) Open(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	known := s.conversations[conversationID] != nil
	s.mu.Unlock()

	if !known {
		conv, err := s.backend.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		n := &storeNotices{}
		s.seedConversationLocked(conv, n)
		fns := s.collectLocked(n)
		s.mu.Unlock()
		runHandlers(fns)
	}

	s.mu.Lock()
	needsLoad := !s.loaded[conversationID]
	s.mu.Unlock()

	if needsLoad {
		history, err := s.backend.ListMessages(ctx, conversationID, s.pageSize)
		if err != nil {
			return nil, err
		}
		s.mergeFetchedMessages(conversationID, history)
	}

	s.mu.Lock()
	s.openID = conversationID
	s.mu.Unlock()
	return s.Messages(conversationID), nil
}

// CloseConversation drops the active marker and the view's change
// listeners. In-flight writes still reconcile afterwards; they just
// stop notifying anyone.
func (s *Store) CloseConversation(conversationID string) {
	s.mu.Lock()
	if s.openID == conversationID {
		s.openID = ""
	}
	delete(s.messageListeners, conversationID)
	s.mu.Unlock()
}

// Send appends the message optimistically, then writes through to the
// durable store. The returned client temp ID tracks the message until
// confirmation replaces it with the server row. On write failure the
// optimistic row is kept, marked failed, and can be retried.
func (s *Store) Send(ctx context.Context, conversationID, body string, attachments []Attachment) (string, error) {
	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return "", newError(KindValidation, "send: empty message", nil)
	}

	s.mu.Lock()
	if s.conversations[conversationID] == nil {
		s.mu.Unlock()
		return "", newError(KindValidation, fmt.Sprintf("send: unknown conversation %s", conversationID), nil)
	}
	tempID := uuid.NewString()
	local := &Message{
		ID:             localIDPrefix + tempID,
		ConversationID: conversationID,
		SenderID:       s.viewerID,
		Body:           body,
		Attachments:    attachments,
		CreatedAt:      s.now().UTC(),
		ClientTempID:   tempID,
		Status:         StatusPending,
	}
	n := &storeNotices{}
	s.insertMessageLocked(local)
	s.pendingTemp[tempID] = local.ID
	s.bumpConversationLocked(local, true, n)
	n.touchConversation(conversationID)
	fns := s.collectLocked(n)
	s.mu.Unlock()
	runHandlers(fns)

	return tempID, s.writeMessage(ctx, tempID, &CreateMessageRequest{
		ConversationID: conversationID,
		Body:           body,
		Attachments:    attachments,
		ClientTempID:   tempID,
	})
}

// Retry replays the durable write for a failed send, reusing the same
// client temp ID so the server dedupes if the first attempt actually
// landed. Retrying an already-confirmed temp ID is a no-op.
func (s *Store) Retry(ctx context.Context, tempID string) error {
	s.mu.Lock()
	if _, ok := s.confirmedTemp[tempID]; ok {
		s.mu.Unlock()
		return nil
	}
	localID, ok := s.pendingTemp[tempID]
	local := s.byID[localID]
	if !ok || local == nil {
		s.mu.Unlock()
		return newError(KindValidation, fmt.Sprintf("retry: unknown temp id %s", tempID), nil)
	}
	n := &storeNotices{}
	local.Status = StatusPending
	local.SendError = ""
	req := &CreateMessageRequest{
		ConversationID: local.ConversationID,
		Body:           local.Body,
		Attachments:    local.Attachments,
		ClientTempID:   tempID,
	}
	n.touchConversation(local.ConversationID)
	fns := s.collectLocked(n)
	s.mu.Unlock()
	runHandlers(fns)

	return s.writeMessage(ctx, tempID, req)
}

// Delete tombstones a message optimistically and writes through,
// reverting the tombstone if the durable delete fails. Deleting an
// already-deleted message is a no-op. A failed send is discarded
// locally instead, since nothing durable exists to delete.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	msg := s.byID[messageID]
	if msg == nil {
		s.mu.Unlock()
		return newError(KindValidation, fmt.Sprintf("delete: unknown message %s", messageID), nil)
	}
	if msg.DeletedAt != nil {
		s.mu.Unlock()
		return nil
	}

	n := &storeNotices{}
	switch msg.Status {
	case StatusFailed:
		s.removeMessageLocked(msg)
		delete(s.pendingTemp, msg.ClientTempID)
		n.touchConversation(msg.ConversationID)
		fns := s.collectLocked(n)
		s.mu.Unlock()
		runHandlers(fns)
		return nil
	case StatusPending:
		s.mu.Unlock()
		return newError(KindConflict, fmt.Sprintf("delete: message %s is still sending", messageID), nil)
	}

	deletedAt := s.now().UTC()
	msg.DeletedAt = &deletedAt
	s.tombstones[messageID] = deletedAt
	conversationID := msg.ConversationID
	n.touchConversation(conversationID)
	fns := s.collectLocked(n)
	s.mu.Unlock()
	runHandlers(fns)

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	err := s.backend.DeleteMessage(writeCtx, messageID)
	if err == nil || IsConflict(err) {
		return nil
	}
	glog.Warningf("parley: delete failed message=%s: %v", messageID, err)

	// Revert the optimistic tombstone, unless a server-side delete for
	// the same row landed in the meantime.
	s.mu.Lock()
	n = &storeNotices{}
	if cur := s.byID[messageID]; cur != nil && cur.DeletedAt != nil && cur.DeletedAt.Equal(deletedAt) {
		cur.DeletedAt = nil
		delete(s.tombstones, messageID)
		n.touchConversation(conversationID)
	}
	fns = s.collectLocked(n)
	s.mu.Unlock()
	runHandlers(fns)
	return err
}

// MarkRead zeroes the unread count and moves the viewer's durable read
// watermark. An already-read conversation returns immediately with no
// network call. If the durable write fails the local zero stands; the
// next resync restores whatever the server believes.
func (s *Store) MarkRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	conv := s.conversations[conversationID]
	if conv == nil {
		s.mu.Unlock()
		return newError(KindValidation, fmt.Sprintf("mark read: unknown conversation %s", conversationID), nil)
	}
	already := conv.UnreadCount == 0
	conv.UnreadCount = 0
	n := &storeNotices{}
	if !already {
		n.touchList()
	}
	fns := s.collectLocked(n)
	s.mu.Unlock()
	runHandlers(fns)

	if already {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.backend.MarkConversationRead(writeCtx, conversationID); err != nil && !IsConflict(err) {
		glog.Warningf("parley: mark read failed conversation=%s: %v", conversationID, err)
		return err
	}
	return nil
}

// StartChat creates a conversation with the given participants, or
// returns the existing thread when one already connects the same set.
// The viewer is always included and the set is deduplicated.
func (s *Store) StartChat(ctx context.Context, participantIDs []string) (Conversation, error) {
	set := map[string]bool{s.viewerID: true}
	for _, id := range participantIDs {
		if id != "" {
			set[id] = true
		}
	}
	if len(set) < 2 {
		return Conversation{}, newError(KindValidation, "start chat: need at least one other participant", nil)
	}
	participants := make([]string, 0, len(set))
	for id := range set {
		participants = append(participants, id)
	}
	sort.Strings(participants)

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	conv, err := s.backend.CreateConversation(writeCtx, s.scope, participants)
	if err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	n := &storeNotices{}
	s.seedConversationLocked(conv, n)
	out := *s.conversations[conv.ID]
	fns := s.collectLocked(n)
	s.mu.Unlock()
	runHandlers(fns)
	return out, nil
}

// Resync refetches the conversation list and the history of every
// loaded conversation, merging through the same reconciler the stream
// feeds. It runs after every reattach and on the periodic safety-net
// tick, and converges local state with whatever was missed while the
// stream was down.
func (s *Store) Resync(ctx context.Context) error {
	convs, err := s.backend.ListConversations(ctx, s.scope)
	if err != nil {
		return err
	}

	s.mu.Lock()
	n := &storeNotices{}
	for i := range convs {
		s.seedConversationLocked(&convs[i], n)
	}
	loadedIDs := make([]string, 0, len(s.loaded))
	for id := range s.loaded {
		loadedIDs = append(loadedIDs, id)
	}
	fns := s.collectLocked(n)
	s.mu.Unlock()
	runHandlers(fns)

	sort.Strings(loadedIDs)
	for _, conversationID := range loadedIDs {
		history, err := s.backend.ListMessages(ctx, conversationID, s.pageSize)
		if err != nil {
			return err
		}
		s.mergeFetchedMessages(conversationID, history)
	}
	glog.V(1).Infof("parley: resynced scope=%s conversations=%d loaded=%d", s.scope, len(convs), len(loadedIDs))
	return nil
}

// ============================================================================
// Stream Reconciliation
// ============================================================================

// Apply merges one stream event. Called from the stream read loop, so
// merges happen in arrival order; every path is idempotent because
// delivery is at least once.
func (s *Store) Apply(ev Event) {
	s.mu.Lock()
	n := &storeNotices{}
	switch ev.Entity {
	case EntityMessage:
		if ev.Message != nil {
			s.applyMessageLocked(ev.Kind, ev.Message, false, n)
		}
	case EntityConversation:
		if ev.Conversation != nil {
			s.applyConversationEventLocked(ev.Kind, ev.Conversation, n)
		}
	}
	fns := s.collectLocked(n)
	s.mu.Unlock()
	runHandlers(fns)
}

// applyMessageLocked merges one message row into the store. viaFetch
// marks rows that came from a read-path fetch or a local write-through
// rather than the live stream: those never move unread counts and
// never trigger lazy conversation fetches.
func (s *Store) applyMessageLocked(kind EventKind, in *Message, viaFetch bool, n *storeNotices) {
	if kind == EventDelete {
		deletedAt := s.now().UTC()
		if in.DeletedAt != nil {
			deletedAt = *in.DeletedAt
		}
		s.tombstones[in.ID] = deletedAt
		if existing := s.byID[in.ID]; existing != nil {
			if existing.DeletedAt == nil {
				at := deletedAt
				existing.DeletedAt = &at
				n.touchConversation(existing.ConversationID)
			}
			return
		}
		// Tombstone for a row never loaded: remembered so a late
		// insert cannot resurrect the message.
		glog.V(2).Infof("parley: tombstone for unloaded message %s", in.ID)
		if !viaFetch {
			s.maybeFetchConversationLocked(in.ConversationID)
		}
		return
	}

	row := *in
	tempID := row.ClientTempID
	row.Status = StatusConfirmed
	row.ClientTempID = ""
	row.SendError = ""
	if at, ok := s.tombstones[row.ID]; ok && row.DeletedAt == nil {
		row.DeletedAt = &at
	}
	if row.DeletedAt != nil {
		s.tombstones[row.ID] = *row.DeletedAt
	}

	// A row carrying our temp ID confirms the optimistic entry: the
	// local row goes away and the server row takes its place.
	if tempID != "" {
		if localID, ok := s.pendingTemp[tempID]; ok {
			if local := s.byID[localID]; local != nil {
				s.removeMessageLocked(local)
			}
			delete(s.pendingTemp, tempID)
			s.confirmedTemp[tempID] = row.ID
			glog.V(2).Infof("parley: confirmed send temp=%s id=%s", tempID, row.ID)
		}
	}

	if existing := s.byID[row.ID]; existing != nil {
		resort := !existing.CreatedAt.Equal(row.CreatedAt)
		*existing = row
		if resort {
			s.resortLocked(row.ConversationID)
		}
		n.touchConversation(row.ConversationID)
		s.bumpConversationLocked(&row, viaFetch, n)
		return
	}

	s.insertMessageLocked(&row)
	n.touchConversation(row.ConversationID)
	s.bumpConversationLocked(&row, viaFetch, n)

	// Unread moves only for genuinely new peer messages landing in a
	// conversation that is not on screen. Replays hit the existing-row
	// path above and cannot double count.
	if kind == EventInsert && !viaFetch && row.DeletedAt == nil &&
		row.SenderID != s.viewerID && row.ConversationID != s.openID {
		if conv := s.conversations[row.ConversationID]; conv != nil {
			conv.UnreadCount++
			n.touchList()
		}
	}
}

// applyConversationEventLocked merges a conversation row that arrived
// over the stream. Broadcast rows cannot carry viewer-relative unread
// counts, so local unread always wins here; only fetches reset it.
func (s *Store) applyConversationEventLocked(kind EventKind, in *Conversation, n *storeNotices) {
	if kind == EventDelete {
		glog.V(2).Infof("parley: ignoring conversation delete %s", in.ID)
		return
	}

	row := *in
	existing := s.conversations[row.ID]
	if existing == nil {
		row.UnreadCount = 0
		s.conversations[row.ID] = &row
		n.touchList()
		return
	}

	// Stale replays must not regress the ordering key.
	if !row.LastMessageAt.Before(existing.LastMessageAt) {
		existing.LastMessageAt = row.LastMessageAt
		existing.LastMessagePreview = row.LastMessagePreview
	}
	existing.ParticipantIDs = row.ParticipantIDs
	existing.TenantID = row.TenantID
	existing.Domain = row.Domain
	existing.CreatedAt = row.CreatedAt
	n.touchList()
}

// seedConversationLocked merges a conversation fetched from the
// durable store. Fetched rows are authoritative, including the unread
// count, except for the conversation the viewer currently has open:
// that one stays read until they navigate away.
func (s *Store) seedConversationLocked(in *Conversation, n *storeNotices) {
	row := *in
	existing := s.conversations[row.ID]
	if existing == nil {
		s.conversations[row.ID] = &row
		n.touchList()
		return
	}
	if row.ID == s.openID {
		row.UnreadCount = existing.UnreadCount
	}
	if row.LastMessageAt.Before(existing.LastMessageAt) {
		// An optimistic send can be ahead of the fetched row.
		row.LastMessageAt = existing.LastMessageAt
		row.LastMessagePreview = existing.LastMessagePreview
	}
	*existing = row
	n.touchList()
}

// bumpConversationLocked advances the conversation's activity fields
// for a merged message.
func (s *Store) bumpConversationLocked(m *Message, viaFetch bool, n *storeNotices) {
	conv := s.conversations[m.ConversationID]
	if conv == nil {
		if !viaFetch {
			s.maybeFetchConversationLocked(m.ConversationID)
		}
		return
	}
	if m.DeletedAt != nil {
		return
	}
	if !m.CreatedAt.Before(conv.LastMessageAt) {
		conv.LastMessageAt = m.CreatedAt
		conv.LastMessagePreview = messagePreview(m)
		n.touchList()
	}
}

// maybeFetchConversationLocked starts a single-flight background fetch
// for a conversation the store has never seen. The event that
// triggered it is kept either way; the fetch only fills in the list
// row.
func (s *Store) maybeFetchConversationLocked(conversationID string) {
	if conversationID == "" || s.conversations[conversationID] != nil || s.fetching[conversationID] {
		return
	}
	s.fetching[conversationID] = true
	go s.fetchConversation(conversationID)
}

func (s *Store) fetchConversation(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	conv, err := s.backend.GetConversation(ctx, conversationID)

	s.mu.Lock()
	delete(s.fetching, conversationID)
	if err != nil {
		s.mu.Unlock()
		glog.Warningf("parley: lazy conversation fetch %s: %v", conversationID, err)
		return
	}
	n := &storeNotices{}
	s.seedConversationLocked(conv, n)
	fns := s.collectLocked(n)
	s.mu.Unlock()
	runHandlers(fns)
}

func (s *Store) mergeFetchedMessages(conversationID string, history []Message) {
	s.mu.Lock()
	n := &storeNotices{}
	for i := range history {
		s.applyMessageLocked(EventUpdate, &history[i], true, n)
	}
	s.loaded[conversationID] = true
	n.touchConversation(conversationID)
	fns := s.collectLocked(n)
	s.mu.Unlock()
	runHandlers(fns)
}

// ============================================================================
// Durable Write-Through
// ============================================================================

// writeMessage performs the durable append for an optimistic row and
// reconciles the outcome into the store.
func (s *Store) writeMessage(ctx context.Context, tempID string, req *CreateMessageRequest) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	row, err := s.backend.CreateMessage(writeCtx, req)
	switch {
	case err == nil:
		s.confirm(tempID, row)
		return nil
	case IsConflict(err):
		// An earlier attempt landed. The confirmation reaches us
		// through the stream or the next resync.
		glog.V(1).Infof("parley: send temp=%s already durable: %v", tempID, err)
		return nil
	default:
		s.markFailed(tempID, err)
		return err
	}
}

func (s *Store) confirm(tempID string, row *Message) {
	s.mu.Lock()
	n := &storeNotices{}
	confirmed := *row
	confirmed.ClientTempID = tempID
	s.applyMessageLocked(EventInsert, &confirmed, true, n)
	fns := s.collectLocked(n)
	s.mu.Unlock()
	runHandlers(fns)
}

func (s *Store) markFailed(tempID string, cause error) {
	s.mu.Lock()
	n := &storeNotices{}
	if localID, ok := s.pendingTemp[tempID]; ok {
		if local := s.byID[localID]; local != nil && local.Status == StatusPending {
			local.Status = StatusFailed
			local.SendError = cause.Error()
			n.touchConversation(local.ConversationID)
			glog.Warningf("parley: send failed conversation=%s temp=%s: %v", local.ConversationID, tempID, cause)
		}
	}
	fns := s.collectLocked(n)
	s.mu.Unlock()
	runHandlers(fns)
}

// ============================================================================
// Ordering Helpers
// ============================================================================

func messageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) insertMessageLocked(m *Message) {
	list := s.messages[m.ConversationID]
	i := sort.Search(len(list), func(i int) bool { return !messageLess(list[i], m) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = m
	s.messages[m.ConversationID] = list
	s.byID[m.ID] = m
}

func (s *Store) removeMessageLocked(m *Message) {
	list := s.messages[m.ConversationID]
	for i, cur := range list {
		if cur.ID == m.ID {
			s.messages[m.ConversationID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	delete(s.byID, m.ID)
}

func (s *Store) resortLocked(conversationID string) {
	list := s.messages[conversationID]
	sort.SliceStable(list, func(i, j int) bool { return messageLess(list[i], list[j]) })
}

func messagePreview(m *Message) string {
	if m.Body != "" {
		r := []rune(m.Body)
		if len(r) > 120 {
			return string(r[:120])
		}
		return m.Body
	}
	if len(m.Attachments) > 0 {
		return m.Attachments[0].Name
	}
	return ""
}
