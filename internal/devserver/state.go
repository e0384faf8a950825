package devserver

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/enrollworks/parley"
)

var (
	errNotFound  = errors.New("not found")
	errForbidden = errors.New("forbidden")
)

// state is the in-memory durable store. Rows live until the process
// exits; good enough for development and tests.
type state struct {
	mu             sync.RWMutex
	conversations  map[string]*parley.Conversation
	byParticipants map[string]string // scope|participants -> conversation ID
	messages       map[string][]*parley.Message
	byID           map[string]*parley.Message
	byTempID       map[string]string               // client temp ID -> message ID
	reads          map[string]map[string]time.Time // conversation -> viewer -> watermark
	revoked        map[string]bool
}

func newState() *state {
	return &state{
		conversations:  make(map[string]*parley.Conversation),
		byParticipants: make(map[string]string),
		messages:       make(map[string][]*parley.Message),
		byID:           make(map[string]*parley.Message),
		byTempID:       make(map[string]string),
		reads:          make(map[string]map[string]time.Time),
		revoked:        make(map[string]bool),
	}
}

func (st *state) revoke(token string) {
	st.mu.Lock()
	st.revoked[token] = true
	st.mu.Unlock()
}

func (st *state) isRevoked(token string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.revoked[token]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// canonicalParticipants dedupes and sorts a participant set so that
// the same people always map to the same thread.
func canonicalParticipants(ids []string) []string {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func participantsKey(scope parley.Scope, participants []string) string {
	return scope.String() + "|" + strings.Join(participants, ",")
}

// ============================================================================
// Conversations
// ============================================================================

// unreadLocked counts peer messages newer than the viewer's read
// watermark. Requires at least a read lock.
func (st *state) unreadLocked(conversationID, viewer string) int {
	watermark := st.reads[conversationID][viewer]
	n := 0
	for _, m := range st.messages[conversationID] {
		if m.SenderID != viewer && m.DeletedAt == nil && m.CreatedAt.After(watermark) {
			n++
		}
	}
	return n
}

// viewForLocked shapes a conversation row for one viewer.
func (st *state) viewForLocked(conv *parley.Conversation, viewer string) parley.Conversation {
	out := *conv
	out.ParticipantIDs = append([]string(nil), conv.ParticipantIDs...)
	out.UnreadCount = st.unreadLocked(conv.ID, viewer)
	return out
}

// broadcastViewLocked shapes a conversation row for the stream, where
// no single viewer exists. Unread counts are viewer-relative and so
// never travel on broadcasts.
func (st *state) broadcastViewLocked(conv *parley.Conversation) parley.Conversation {
	out := *conv
	out.ParticipantIDs = append([]string(nil), conv.ParticipantIDs...)
	out.UnreadCount = 0
	return out
}

func (st *state) listConversations(scope parley.Scope, viewer string) []parley.Conversation {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := []parley.Conversation{}
	for _, conv := range st.conversations {
		if conv.TenantID != scope.TenantID || conv.Domain != scope.Domain {
			continue
		}
		if !contains(conv.ParticipantIDs, viewer) {
			continue
		}
		out = append(out, st.viewForLocked(conv, viewer))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (st *state) getConversation(id, viewer string) (parley.Conversation, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	conv := st.conversations[id]
	if conv == nil || !contains(conv.ParticipantIDs, viewer) {
		return parley.Conversation{}, errNotFound
	}
	return st.viewForLocked(conv, viewer), nil
}

// createConversation returns the existing thread when one already
// connects the same participant set in the scope.
func (st *state) createConversation(scope parley.Scope, participantIDs []string, viewer string, now time.Time) (parley.Conversation, bool) {
	participants := canonicalParticipants(append(participantIDs, viewer))
	key := participantsKey(scope, participants)

	st.mu.Lock()
	defer st.mu.Unlock()

	if id, ok := st.byParticipants[key]; ok {
		return st.viewForLocked(st.conversations[id], viewer), false
	}

	conv := &parley.Conversation{
		ID:             "c-" + uuid.NewString(),
		TenantID:       scope.TenantID,
		Domain:         scope.Domain,
		ParticipantIDs: participants,
		LastMessageAt:  now,
		CreatedAt:      now,
	}
	st.conversations[conv.ID] = conv
	st.byParticipants[key] = conv.ID
	return st.viewForLocked(conv, viewer), true
}

// conversationInfo returns the participant set and scope of a
// conversation, for stream relay filtering.
func (st *state) conversationInfo(id string) ([]string, parley.Scope, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	conv := st.conversations[id]
	if conv == nil {
		return nil, parley.Scope{}, false
	}
	return append([]string(nil), conv.ParticipantIDs...), conv.Scope(), true
}

func (st *state) markRead(conversationID, viewer string, now time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	conv := st.conversations[conversationID]
	if conv == nil || !contains(conv.ParticipantIDs, viewer) {
		return errNotFound
	}
	if st.reads[conversationID] == nil {
		st.reads[conversationID] = make(map[string]time.Time)
	}
	st.reads[conversationID][viewer] = now
	return nil
}

// ============================================================================
// Messages
// ============================================================================

func messageBefore(a, b *parley.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (st *state) listMessages(conversationID, viewer string, limit int) ([]parley.Message, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	conv := st.conversations[conversationID]
	if conv == nil || !contains(conv.ParticipantIDs, viewer) {
		return nil, errNotFound
	}

	rows := st.messages[conversationID]
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]parley.Message, 0, len(rows))
	for _, m := range rows {
		out = append(out, *m)
	}
	return out, nil
}

// createMessage appends durably. A replayed client temp ID returns the
// row the first attempt created instead of a duplicate.
func (st *state) createMessage(viewer string, req *parley.CreateMessageRequest, now time.Time) (parley.Message, parley.Conversation, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	conv := st.conversations[req.ConversationID]
	if conv == nil || !contains(conv.ParticipantIDs, viewer) {
		return parley.Message{}, parley.Conversation{}, false, errNotFound
	}

	if id, ok := st.byTempID[req.ClientTempID]; ok && req.ClientTempID != "" {
		return *st.byID[id], st.broadcastViewLocked(conv), false, nil
	}

	m := &parley.Message{
		ID:             "m-" + uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       viewer,
		Body:           req.Body,
		Attachments:    req.Attachments,
		CreatedAt:      now,
		ClientTempID:   req.ClientTempID,
		Status:         parley.StatusConfirmed,
	}

	rows := st.messages[req.ConversationID]
	i := sort.Search(len(rows), func(i int) bool { return !messageBefore(rows[i], m) })
	rows = append(rows, nil)
	copy(rows[i+1:], rows[i:])
	rows[i] = m
	st.messages[req.ConversationID] = rows
	st.byID[m.ID] = m
	if req.ClientTempID != "" {
		st.byTempID[req.ClientTempID] = m.ID
	}

	conv.LastMessageAt = m.CreatedAt
	conv.LastMessagePreview = previewOf(m)
	return *m, st.broadcastViewLocked(conv), true, nil
}

// deleteMessage tombstones a row. Only the sender may delete their own
// message; deleting an already-deleted row is a no-op.
func (st *state) deleteMessage(messageID, viewer string, now time.Time) (parley.Message, parley.Conversation, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	m := st.byID[messageID]
	if m == nil {
		return parley.Message{}, parley.Conversation{}, false, errNotFound
	}
	conv := st.conversations[m.ConversationID]
	if conv == nil || !contains(conv.ParticipantIDs, viewer) {
		return parley.Message{}, parley.Conversation{}, false, errNotFound
	}
	if m.SenderID != viewer {
		return parley.Message{}, parley.Conversation{}, false, errForbidden
	}
	if m.DeletedAt != nil {
		return *m, st.broadcastViewLocked(conv), false, nil
	}

	at := now
	m.DeletedAt = &at

	// The thread keeps its place in the list; only the preview follows
	// the latest still-visible message.
	conv.LastMessagePreview = ""
	rows := st.messages[m.ConversationID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].DeletedAt == nil {
			conv.LastMessagePreview = previewOf(rows[i])
			break
		}
	}
	return *m, st.broadcastViewLocked(conv), true, nil
}

func previewOf(m *parley.Message) string {
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
