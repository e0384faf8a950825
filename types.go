package parley

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Scope
// ============================================================================

// Domain selects which messaging surface a scope addresses. Internal and
// partner conversations never share storage, streams, or caches.
type Domain string

const (
	DomainInternal Domain = "internal"
	DomainPartner  Domain = "partner"
)

// Scope identifies one isolated slice of the messaging backend: a tenant
// crossed with a domain.
type Scope struct {
	TenantID string `json:"tenantId"`
	Domain   Domain `json:"domain"`
}

func (s Scope) String() string {
	return s.TenantID + "/" + string(s.Domain)
}

// Validate reports whether the scope is fully specified.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return newError(KindValidation, "scope: tenant id is required", nil)
	}
	switch s.Domain {
	case DomainInternal, DomainPartner:
		return nil
	default:
		return newError(KindValidation, fmt.Sprintf("scope: unknown domain %q", s.Domain), nil)
	}
}

// ============================================================================
// Core Records
// ============================================================================

// MessageStatus tracks a message through the optimistic send pipeline.
// Rows read back from the durable store are always confirmed.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// Attachment is file metadata carried on a message. The bytes live
// elsewhere; the record only points at them.
type Attachment struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Message is a single chat message. ClientTempID is set only while a
// locally-sent message awaits confirmation from the durable store;
// confirmation assigns the server ID and clears it.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Body           string        `json:"body"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	DeletedAt      *time.Time    `json:"deletedAt,omitempty"`
	ClientTempID   string        `json:"clientTempId,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`

	// SendError describes the failure when Status is StatusFailed.
	SendError string `json:"sendError,omitempty"`
}

// Deleted reports whether the message carries a tombstone. Deleted rows
// stay in the store so existing references keep resolving.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Conversation is a thread between two or more participants within a
// single scope. UnreadCount is relative to the viewer that fetched it.
type Conversation struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenantId"`
	Domain             Domain    `json:"domain"`
	ParticipantIDs     []string  `json:"participantIds"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Scope returns the scope the conversation belongs to.
func (c *Conversation) Scope() Scope {
	return Scope{TenantID: c.TenantID, Domain: c.Domain}
}

// PresenceRecord is the tracked availability of one user.
type PresenceRecord struct {
	UserID     string    `json:"userId"`
	IsOnline   bool      `json:"isOnline"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// ============================================================================
// Stream Events
// ============================================================================

// EventKind is the row-change verb carried on a stream event.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// EntityType names the record type a stream event refers to.
type EntityType string

const (
	EntityMessage      EntityType = "message"
	EntityConversation EntityType = "conversation"
)

// Event is one normalized row change from the event stream. Exactly one
// of Message or Conversation is set, matching Entity. Delivery is at
// least once; consumers must merge idempotently.
type Event struct {
	Kind         EventKind
	Entity       EntityType
	Message      *Message
	Conversation *Conversation
}

// TypingEvent reports a user starting or stopping typing in a
// conversation. Active starts or refreshes the indicator.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Active         bool   `json:"active"`
}

// HeartbeatEvent is one presence heartbeat relayed by the stream.
type HeartbeatEvent struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// ============================================================================
// Durable Store Envelope
// ============================================================================

// APIError is the standard error payload returned by the durable store.
// Status carries the HTTP status the payload arrived with.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Result is the generic response envelope returned by every durable
// store endpoint.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
