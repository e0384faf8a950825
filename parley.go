// Package parley is the client-side synchronization core for EnrollWorks
// messaging. It combines a durable store client, a reconnecting event
// stream, and an in-memory store that reconciles optimistic local writes
// with authoritative row-change events.
//
// Usage:
//
//	client := parley.NewClient(token, parley.WithBaseURL("https://msg.example.com"))
//	stream := parley.NewEventStream(parley.StreamConfig{
//		URL:      "https://msg.example.com",
//		Token:    token,
//		ViewerID: "u-7f3a",
//	})
//	m, err := parley.NewMessenger(parley.MessengerConfig{
//		Auth:    parley.AuthContext{ViewerID: "u-7f3a", TenantID: "acme", Domains: []parley.Domain{parley.DomainInternal}},
//		Domain:  parley.DomainInternal,
//		Backend: client,
//		Stream:  stream,
//	})
package parley

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL points at a local parleyd. Production deployments
	// always override it.
	DefaultBaseURL = "http://localhost:8475"

	// DefaultTimeout is the default HTTP client timeout.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Durable Store Contract
// ============================================================================

// Backend is the durable store surface the synchronization core reads
// from and writes through. *Client is the HTTP implementation; tests
// substitute fakes.
type Backend interface {
	ListConversations(ctx context.Context, scope Scope) ([]Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, scope Scope, participantIDs []string) (*Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	CreateMessage(ctx context.Context, req *CreateMessageRequest) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// CreateConversationRequest is the body for POST /v1/conversations.
type CreateConversationRequest struct {
	Scope          Scope    `json:"scope"`
	ParticipantIDs []string `json:"participantIds"`
}

// CreateMessageRequest is the body for POST /v1/messages. ClientTempID
// is the idempotency key: replaying the same request returns the row
// created the first time instead of a duplicate.
type CreateMessageRequest struct {
	ConversationID string       `json:"conversationId"`
	Body           string       `json:"body"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ClientTempID   string       `json:"clientTempId"`
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the durable messaging store over HTTP. The sender
// identity is derived server-side from the bearer token.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

var _ Backend = (*Client)(nil)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL overrides the durable store base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithTimeout overrides the HTTP request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a durable store client authenticated by token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured durable store base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		values := url.Values{}
		for k, v := range query {
			if v != "" {
				values.Set(k, v)
			}
		}
		if encoded := values.Encode(); encoded != "" {
			u += "?" + encoded
		}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	return data, resp.StatusCode, nil
}

// do runs one request and peels the result envelope. Transport errors
// come back classified as transient; envelope errors keep whatever the
// server said, annotated with the HTTP status.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, newError(KindTransient, fmt.Sprintf("%s %s", method, path), err)
	}

	result, err := decodeJSON[Result](data)
	if err != nil {
		return nil, newError(KindTransient, fmt.Sprintf("%s %s: bad response envelope", method, path), err)
	}
	if result.Error != nil {
		result.Error.Status = status
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, newError(KindTransient, fmt.Sprintf("%s %s: status %d", method, path, status), nil)
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &v, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations fetches every conversation visible to the viewer in
// the given scope, with viewer-relative unread counts.
func (c *Client) ListConversations(ctx context.Context, scope Scope) ([]Conversation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	result, err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, map[string]string{
		"tenant": scope.TenantID,
		"domain": string(scope.Domain),
	})
	if err != nil {
		return nil, err
	}
	var conversations []Conversation
	if err := result.Decode(&conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

// GetConversation fetches a single conversation by ID.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	result, err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[Conversation](result)
}

// CreateConversation creates a conversation, or returns the existing
// one when a thread between the same participants already exists in
// the scope.
func (c *Client) CreateConversation(ctx context.Context, scope Scope, participantIDs []string) (*Conversation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	result, err := c.do(ctx, http.MethodPost, "/v1/conversations", &CreateConversationRequest{
		Scope:          scope,
		ParticipantIDs: participantIDs,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[Conversation](result)
}

// MarkConversationRead sets the viewer's read watermark to now.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

// ============================================================================
// Messages
// ============================================================================

// ListMessages fetches the most recent messages of a conversation in
// ascending (createdAt, id) order, tombstones included. A limit of 0
// uses the server default.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := map[string]string{}
	if limit > 0 {
		query["limit"] = fmt.Sprintf("%d", limit)
	}
	result, err := c.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var messages []Message
	if err := result.Decode(&messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// CreateMessage durably appends a message and returns the stored row.
func (c *Client) CreateMessage(ctx context.Context, req *CreateMessageRequest) (*Message, error) {
	result, err := c.do(ctx, http.MethodPost, "/v1/messages", req, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[Message](result)
}

// DeleteMessage tombstones a message. The row survives with deletedAt
// set; it is never physically removed.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/messages/"+url.PathEscape(id), nil, nil)
	return err
}

func decodeResult[T any](result *Result) (*T, error) {
	var v T
	if err := result.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}
