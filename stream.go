package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Protocol
// ============================================================================

// StreamEnvelope frames every message on the stream, in both
// directions. Type selects the payload shape.
type StreamEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChangePayload is the wire form of a row-change event.
type ChangePayload struct {
	Kind   EventKind       `json:"kind"`
	Entity EntityType      `json:"entity"`
	Record json.RawMessage `json:"record"`
}

// ErrorPayload is a server-reported stream error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Close codes the gateway uses to refuse a subscription outright.
const (
	statusUnauthorized websocket.StatusCode = 4401
	statusForbidden    websocket.StatusCode = 4403
)

// StreamState describes the connection state of a subscription.
type StreamState string

const (
	StateDisconnected StreamState = "disconnected"
	StateConnecting   StreamState = "connecting"
	StateConnected    StreamState = "connected"
	StateReconnecting StreamState = "reconnecting"
)

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig configures the event stream connection.
type StreamConfig struct {
	// URL is the push gateway base. http(s) schemes are rewritten to
	// ws(s) automatically.
	URL string

	// Token authenticates the subscription.
	Token string

	// ViewerID is stamped onto outgoing heartbeats and typing signals.
	ViewerID string

	// BaseDelay and MaxDelay bound the reconnect backoff envelope.
	// Defaults: 1s and 30s.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// HeartbeatInterval is the application ping cadence. A connection
	// with no inbound frames for three intervals is torn down and
	// redialed. Default: 20s.
	HeartbeatInterval time.Duration

	// DialTimeout bounds a single connect attempt. Default: 10s.
	DialTimeout time.Duration

	// HTTPClient optionally overrides the client used for the
	// websocket handshake.
	HTTPClient *http.Client
}

func (c *StreamConfig) defaults() {
	if c.URL == "" {
		c.URL = DefaultBaseURL
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 1 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
}

func streamURL(base string, scope Scope, token string) string {
	u := strings.TrimRight(base, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)

	values := url.Values{}
	values.Set("token", token)
	values.Set("tenant", scope.TenantID)
	values.Set("domain", string(scope.Domain))
	return u + "/v1/stream?" + values.Encode()
}

// ============================================================================
// Dispatcher
// ============================================================================

// streamDispatcher fans a subscription's frames out to registered
// handlers. Row-change handlers run synchronously on the read loop so
// arrival order is preserved per connection.
type streamDispatcher struct {
	mu             sync.RWMutex
	onEvent        []func(Event)
	onTyping       []func(TypingEvent)
	onPresence     []func(HeartbeatEvent)
	onError        []func(error)
	onConnected    []func()
	onDisconnected []func(error)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newStreamDispatcher() *streamDispatcher {
	return &streamDispatcher{}
}

// safeCall shields the caller from handler panics.
func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("parley: handler panic: %v", r)
		}
	}()
	fn()
}

func (d *streamDispatcher) emitEvent(ev Event) {
	d.mu.RLock()
	handlers := make([]func(Event), len(d.onEvent))
	copy(handlers, d.onEvent)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		safeCall(func() { h(ev) })
	}
}

func (d *streamDispatcher) emitTyping(ev TypingEvent) {
	d.mu.RLock()
	handlers := make([]func(TypingEvent), len(d.onTyping))
	copy(handlers, d.onTyping)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		safeCall(func() { h(ev) })
	}
}

func (d *streamDispatcher) emitPresence(ev HeartbeatEvent) {
	d.mu.RLock()
	handlers := make([]func(HeartbeatEvent), len(d.onPresence))
	copy(handlers, d.onPresence)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		safeCall(func() { h(ev) })
	}
}

func (d *streamDispatcher) emitError(err error) {
	d.mu.RLock()
	handlers := make([]func(error), len(d.onError))
	copy(handlers, d.onError)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		safeCall(func() { h(err) })
	}
}

func (d *streamDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := make([]func(), len(d.onConnected))
	copy(handlers, d.onConnected)
	d.mu.RUnlock()
	for _, h := range handlers {
		safeCall(h)
	}
}

func (d *streamDispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := make([]func(error), len(d.onDisconnected))
	copy(handlers, d.onDisconnected)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		safeCall(func() { h(err) })
	}
}

func (d *streamDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := make([]func(int, time.Duration), len(d.onReconnecting))
	copy(handlers, d.onReconnecting)
	d.mu.RUnlock()
	for _, h := range handlers {
		h := h
		safeCall(func() { h(attempt, delay) })
	}
}

// ============================================================================
// Reconnect Backoff
// ============================================================================

// reconnector computes reconnect delays. Only the run loop touches it.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// next returns the attempt number and a full-jitter delay: a uniform
// draw from [0, min(maxDelay, baseDelay*2^attempt)]. A connection that
// stayed up for over a minute resets the attempt counter.
func (r *reconnector) next() (int, time.Duration) {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	ceiling := float64(r.baseDelay) * math.Pow(2, float64(r.attempt))
	if ceiling > float64(r.maxDelay) {
		ceiling = float64(r.maxDelay)
	}
	r.attempt++
	return r.attempt, time.Duration(rand.Float64() * ceiling)
}

// ============================================================================
// Event Stream
// ============================================================================

// Subscriber opens scoped event stream subscriptions. *EventStream is
// the websocket implementation; tests substitute fakes.
type Subscriber interface {
	Subscribe(ctx context.Context, scope Scope) (*Subscription, error)
}

// EventStream dials scoped subscriptions against the push gateway.
type EventStream struct {
	cfg StreamConfig
}

var _ Subscriber = (*EventStream)(nil)

// NewEventStream creates an event stream factory. Zero config fields
// fall back to defaults.
func NewEventStream(cfg StreamConfig) *EventStream {
	cfg.defaults()
	return &EventStream{cfg: cfg}
}

// Subscribe opens one subscription for a scope. The initial dial is
// synchronous and its failure is returned to the caller; once attached,
// the subscription reconnects on its own with jittered exponential
// backoff until Close is called or the server denies access.
func (es *EventStream) Subscribe(ctx context.Context, scope Scope) (*Subscription, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	s := &Subscription{
		scope:      scope,
		cfg:        es.cfg,
		dispatcher: newStreamDispatcher(),
		recon:      &reconnector{baseDelay: es.cfg.BaseDelay, maxDelay: es.cfg.MaxDelay},
		state:      StateConnecting,
	}
	conn, err := s.connect(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx, conn)
	return s, nil
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is one live event stream attachment for a scope. The
// opener owns it and must Close it when the surface unmounts.
type Subscription struct {
	scope Scope
	cfg   StreamConfig

	dispatcher *streamDispatcher
	recon      *reconnector

	mu     sync.Mutex
	conn   *websocket.Conn
	state  StreamState
	closed bool

	cancel    context.CancelFunc
	closeOnce sync.Once

	lastFrame atomic.Int64
}

// Scope returns the scope this subscription is attached to.
func (s *Subscription) Scope() Scope {
	return s.scope
}

// State returns the current connection state.
func (s *Subscription) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) setState(state StreamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// OnEvent registers a handler for normalized row-change events.
// Handlers run on the read loop, in arrival order.
func (s *Subscription) OnEvent(handler func(Event)) {
	s.dispatcher.mu.Lock()
	defer s.dispatcher.mu.Unlock()
	s.dispatcher.onEvent = append(s.dispatcher.onEvent, handler)
}

// OnTyping registers a handler for typing signals.
func (s *Subscription) OnTyping(handler func(TypingEvent)) {
	s.dispatcher.mu.Lock()
	defer s.dispatcher.mu.Unlock()
	s.dispatcher.onTyping = append(s.dispatcher.onTyping, handler)
}

// OnPresence registers a handler for presence heartbeats.
func (s *Subscription) OnPresence(handler func(HeartbeatEvent)) {
	s.dispatcher.mu.Lock()
	defer s.dispatcher.mu.Unlock()
	s.dispatcher.onPresence = append(s.dispatcher.onPresence, handler)
}

// OnError registers a handler for stream errors the subscription will
// not recover from on its own.
func (s *Subscription) OnError(handler func(error)) {
	s.dispatcher.mu.Lock()
	defer s.dispatcher.mu.Unlock()
	s.dispatcher.onError = append(s.dispatcher.onError, handler)
}

// OnConnected registers a handler fired on every successful attach,
// including reattaches after a drop. Callers use it to resync state
// that changed while the stream was down.
func (s *Subscription) OnConnected(handler func()) {
	s.dispatcher.mu.Lock()
	defer s.dispatcher.mu.Unlock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, handler)
}

// OnDisconnected registers a handler fired when the connection drops.
func (s *Subscription) OnDisconnected(handler func(error)) {
	s.dispatcher.mu.Lock()
	defer s.dispatcher.mu.Unlock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, handler)
}

// OnReconnecting registers a handler fired before each reconnect wait.
func (s *Subscription) OnReconnecting(handler func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	defer s.dispatcher.mu.Unlock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, handler)
}

// SendTyping signals that the viewer started or stopped typing in a
// conversation. Best effort: if the stream is down the signal is
// dropped, never queued.
func (s *Subscription) SendTyping(ctx context.Context, conversationID string, active bool) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return newError(KindTransient, "stream not connected", nil)
	}
	return s.writeFrame(ctx, conn, "typing", TypingEvent{
		ConversationID: conversationID,
		UserID:         s.cfg.ViewerID,
		Active:         active,
	})
}

// Close tears the subscription down. Idempotent; no events are
// delivered after it returns.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "client close")
		}
		glog.V(1).Infof("parley: stream closed scope=%s", s.scope)
	})
	return nil
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ============================================================================
// Connection Lifecycle
// ============================================================================

// connect dials, waits for the server hello, and installs the
// connection. Auth refusals come back as permission errors so callers
// know not to retry them.
func (s *Subscription) connect(ctx context.Context) (*websocket.Conn, error) {
	s.setState(StateConnecting)
	wsURL := streamURL(s.cfg.URL, s.scope, s.cfg.Token)

	dialCtx, cancelDial := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancelDial()

	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPClient: s.cfg.HTTPClient})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, newError(KindPermission, fmt.Sprintf("stream subscribe %s: status %d", s.scope, resp.StatusCode), err)
		}
		if isTerminalStreamErr(err) {
			return nil, newError(KindPermission, fmt.Sprintf("stream subscribe %s: access denied", s.scope), err)
		}
		return nil, newError(KindTransient, fmt.Sprintf("stream subscribe %s", s.scope), err)
	}

	// The first frame must be the server hello.
	helloCtx, cancelHello := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancelHello()

	_, data, err := conn.Read(helloCtx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "no hello")
		if isTerminalStreamErr(err) {
			return nil, newError(KindPermission, fmt.Sprintf("stream subscribe %s: access denied", s.scope), err)
		}
		return nil, newError(KindTransient, "stream hello", err)
	}
	var env StreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "hello" {
		conn.Close(websocket.StatusProtocolError, "bad hello")
		return nil, newError(KindTransient, fmt.Sprintf("stream hello: unexpected frame %q", env.Type), err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client close")
		return nil, newError(KindTransient, "subscription closed", nil)
	}
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	s.touch()
	s.recon.markConnected()
	glog.V(1).Infof("parley: stream connected scope=%s", s.scope)
	s.dispatcher.emitConnected()
	return conn, nil
}

// run owns the connection for the subscription's whole life: consume
// until the connection drops, then back off and redial, forever, until
// Close or a terminal refusal.
func (s *Subscription) run(ctx context.Context, conn *websocket.Conn) {
	for {
		err := s.consume(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		closed := s.closed
		if !closed {
			s.state = StateDisconnected
		}
		s.mu.Unlock()

		if closed || ctx.Err() != nil {
			return
		}

		glog.Warningf("parley: stream dropped scope=%s: %v", s.scope, err)
		s.dispatcher.emitDisconnected(err)

		if isTerminalStreamErr(err) {
			s.dispatcher.emitError(newError(KindPermission, fmt.Sprintf("stream %s: access revoked", s.scope), err))
			return
		}

		conn = s.redial(ctx)
		if conn == nil {
			return
		}
	}
}

// redial retries connect with backoff until it succeeds, the
// subscription closes, or the gateway refuses access.
func (s *Subscription) redial(ctx context.Context) *websocket.Conn {
	for {
		attempt, delay := s.recon.next()
		s.setState(StateReconnecting)
		s.dispatcher.emitReconnecting(attempt, delay)
		glog.V(1).Infof("parley: stream reconnecting scope=%s attempt=%d delay=%s", s.scope, attempt, delay.Truncate(time.Millisecond))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := s.connect(ctx)
		if err == nil {
			return conn
		}
		if IsPermission(err) {
			s.dispatcher.emitError(err)
			return nil
		}
		glog.Warningf("parley: stream reconnect failed scope=%s: %v", s.scope, err)
	}
}

// consume reads frames until the connection dies. A heartbeat loop
// runs alongside it for the lifetime of this one connection.
func (s *Subscription) consume(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.heartbeatLoop(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return err
		}
		s.touch()

		var env StreamEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			glog.Warningf("parley: stream frame decode failed scope=%s: %v", s.scope, err)
			continue
		}
		if err := s.handleFrame(&env); err != nil {
			return err
		}
	}
}

// handleFrame routes one inbound frame. A non-nil return tears the
// connection down.
func (s *Subscription) handleFrame(env *StreamEnvelope) error {
	switch env.Type {
	case "hello", "pong":
		// Liveness only; the connect handshake already consumed the
		// meaningful hello.
		return nil

	case "change":
		var p ChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			glog.Warningf("parley: bad change payload scope=%s: %v", s.scope, err)
			return nil
		}
		if ev, ok := normalizeChange(&p); ok {
			s.dispatcher.emitEvent(ev)
		}
		return nil

	case "typing":
		var p TypingEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			glog.Warningf("parley: bad typing payload scope=%s: %v", s.scope, err)
			return nil
		}
		s.dispatcher.emitTyping(p)
		return nil

	case "presence":
		var p HeartbeatEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			glog.Warningf("parley: bad presence payload scope=%s: %v", s.scope, err)
			return nil
		}
		s.dispatcher.emitPresence(p)
		return nil

	case "error":
		var p ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			glog.Warningf("parley: bad error payload scope=%s: %v", s.scope, err)
			return nil
		}
		apiErr := &APIError{Code: p.Code, Message: p.Message}
		if IsPermission(apiErr) {
			return newError(KindPermission, fmt.Sprintf("stream %s", s.scope), apiErr)
		}
		glog.Warningf("parley: stream error frame scope=%s: %v", s.scope, apiErr)
		s.dispatcher.emitError(apiErr)
		return nil

	default:
		glog.V(2).Infof("parley: ignoring stream frame type %q", env.Type)
		return nil
	}
}

// normalizeChange converts a wire change into a typed Event. Frames
// that do not decode into a known entity are dropped.
func normalizeChange(p *ChangePayload) (Event, bool) {
	switch p.Kind {
	case EventInsert, EventUpdate, EventDelete:
	default:
		glog.V(2).Infof("parley: ignoring change kind %q", p.Kind)
		return Event{}, false
	}

	ev := Event{Kind: p.Kind, Entity: p.Entity}
	switch p.Entity {
	case EntityMessage:
		var m Message
		if err := json.Unmarshal(p.Record, &m); err != nil || m.ID == "" {
			return Event{}, false
		}
		ev.Message = &m
	case EntityConversation:
		var c Conversation
		if err := json.Unmarshal(p.Record, &c); err != nil || c.ID == "" {
			return Event{}, false
		}
		ev.Conversation = &c
	default:
		glog.V(2).Infof("parley: ignoring change entity %q", p.Entity)
		return Event{}, false
	}
	return ev, true
}

// heartbeatLoop pings the gateway on a ticker. The ping doubles as the
// viewer's presence heartbeat. If no frame at all has arrived for three
// intervals the connection is presumed dead and closed, which bounces
// the read loop into a reconnect.
func (s *Subscription) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stale := time.Since(s.lastFrameTime()); stale > 3*s.cfg.HeartbeatInterval {
				glog.Warningf("parley: stream stale for %s scope=%s, forcing reconnect", stale.Truncate(time.Second), s.scope)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			err := s.writeFrame(ctx, conn, "ping", HeartbeatEvent{
				UserID: s.cfg.ViewerID,
				At:     time.Now().UTC(),
			})
			if err != nil {
				glog.V(1).Infof("parley: ping failed scope=%s: %v", s.scope, err)
				conn.Close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

func (s *Subscription) writeFrame(ctx context.Context, conn *websocket.Conn, frameType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	frame, err := json.Marshal(&StreamEnvelope{Type: frameType, Payload: data})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frameType, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

func (s *Subscription) touch() {
	s.lastFrame.Store(time.Now().UnixNano())
}

func (s *Subscription) lastFrameTime() time.Time {
	return time.Unix(0, s.lastFrame.Load())
}

// isTerminalStreamErr reports whether the stream failure means access
// was denied, in which case reconnecting cannot help.
func isTerminalStreamErr(err error) bool {
	if err == nil {
		return false
	}
	if IsPermission(err) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case statusUnauthorized, statusForbidden:
		return true
	}
	return false
}
