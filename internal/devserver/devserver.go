// Package devserver is an in-memory stand-in for the durable messaging
// store and its push gateway. It serves the same REST surface and
// stream protocol the production backend does, which makes it the
// target for local development, the CLI's default endpoint, and the
// end-to-end tests.
//
// Auth is deliberately primitive: the bearer token IS the user ID, and
// tokens can be revoked at runtime to simulate lost access.
package devserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/enrollworks/parley"
)

// Server holds the store, the stream hub, and the HTTP surface.
type Server struct {
	state  *state
	hub    *hub
	now    func() time.Time
	router chi.Router
}

// New builds a server with empty state.
func New() *Server {
	s := &Server{
		state: newState(),
		hub:   newHub(),
		now:   time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stream", s.handleStream)
		r.Get("/conversations", s.handleListConversations)
		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Get("/conversations/{id}/messages", s.handleListMessages)
		r.Post("/conversations/{id}/read", s.handleMarkRead)
		r.Post("/messages", s.handleCreateMessage)
		r.Delete("/messages/{id}", s.handleDeleteMessage)
	})

	s.router = r
	return s
}

// Handler returns the HTTP surface, ready to serve.
func (s *Server) Handler() http.Handler {
	return s.router
}

// RevokeToken makes a token start failing auth, simulating access
// revoked mid-session. Already-attached streams stay up until they
// next reconnect.
func (s *Server) RevokeToken(token string) {
	s.state.revoke(token)
}

// ============================================================================
// Envelope Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("devserver: write response: %v", err)
	}
}

func writeData(w http.ResponseWriter, data interface{}) {
	if data == nil {
		writeJSON(w, http.StatusOK, &parley.Result{OK: true})
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &parley.Result{OK: true, Data: payload})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, &parley.Result{
		OK:    false,
		Error: &parley.APIError{Code: code, Message: message},
	})
}

// viewer resolves the dev auth scheme: the bearer token is the user
// ID. Returns a non-zero HTTP status when auth fails.
func (s *Server) viewer(r *http.Request) (string, int) {
	token := r.Header.Get("Authorization")
	if len(token) > 7 && token[:7] == "Bearer " {
		token = token[7:]
	} else {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", http.StatusUnauthorized
	}
	if s.state.isRevoked(token) {
		return "", http.StatusForbidden
	}
	return token, 0
}

func (s *Server) authed(w http.ResponseWriter, r *http.Request) (string, bool) {
	viewer, status := s.viewer(r)
	if status == http.StatusUnauthorized {
		writeError(w, status, "UNAUTHORIZED", "missing or empty bearer token")
		return "", false
	}
	if status == http.StatusForbidden {
		writeError(w, status, "FORBIDDEN", "token has been revoked")
		return "", false
	}
	return viewer, true
}

func scopeFromQuery(r *http.Request) (parley.Scope, error) {
	scope := parley.Scope{
		TenantID: r.URL.Query().Get("tenant"),
		Domain:   parley.Domain(r.URL.Query().Get("domain")),
	}
	return scope, scope.Validate()
}

// ============================================================================
// REST Handlers
// ============================================================================

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.authed(w, r)
	if !ok {
		return
	}
	scope, err := scopeFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	writeData(w, s.state.listConversations(scope, viewer))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.authed(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	conv, err := s.state.getConversation(id, viewer)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no conversation "+id)
		return
	}
	writeData(w, conv)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.authed(w, r)
	if !ok {
		return
	}
	var req parley.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "bad request body: "+err.Error())
		return
	}
	if err := req.Scope.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	if len(canonicalParticipants(append(req.ParticipantIDs, viewer))) < 2 {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "a conversation needs at least two participants")
		return
	}

	conv, created := s.state.createConversation(req.Scope, req.ParticipantIDs, viewer, s.now().UTC())
	if created {
		glog.V(1).Infof("devserver: conversation created id=%s scope=%s", conv.ID, req.Scope)
		s.broadcastChange(req.Scope, conv.ParticipantIDs, parley.EventInsert, parley.EntityConversation, conv)
	}
	writeData(w, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.authed(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "bad limit "+raw)
			return
		}
		limit = n
	}
	messages, err := s.state.listMessages(id, viewer, limit)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no conversation "+id)
		return
	}
	writeData(w, messages)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.authed(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.state.markRead(id, viewer, s.now().UTC()); err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no conversation "+id)
		return
	}
	writeData(w, nil)
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.authed(w, r)
	if !ok {
		return
	}
	var req parley.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "bad request body: "+err.Error())
		return
	}
	if req.ConversationID == "" || req.ClientTempID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "conversationId and clientTempId are required")
		return
	}
	if req.Body == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "a message needs a body or attachments")
		return
	}

	msg, conv, created, err := s.state.createMessage(viewer, &req, s.now().UTC())
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no conversation "+req.ConversationID)
		return
	}
	if created {
		metricMessagesCreated.Inc()
		scope := conv.Scope()
		s.broadcastChange(scope, conv.ParticipantIDs, parley.EventInsert, parley.EntityMessage, msg)
		s.broadcastChange(scope, conv.ParticipantIDs, parley.EventUpdate, parley.EntityConversation, conv)
	} else {
		glog.V(1).Infof("devserver: replayed send temp=%s -> %s", req.ClientTempID, msg.ID)
	}
	writeData(w, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.authed(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	msg, conv, changed, err := s.state.deleteMessage(id, viewer, s.now().UTC())
	switch err {
	case nil:
	case errForbidden:
		writeError(w, http.StatusForbidden, "FORBIDDEN", "only the sender can delete a message")
		return
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no message "+id)
		return
	}
	if changed {
		scope := conv.Scope()
		s.broadcastChange(scope, conv.ParticipantIDs, parley.EventDelete, parley.EntityMessage, msg)
		s.broadcastChange(scope, conv.ParticipantIDs, parley.EventUpdate, parley.EntityConversation, conv)
	}
	writeData(w, msg)
}

// ============================================================================
// Stream Handler
// ============================================================================

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	viewer, status := s.viewer(r)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	scope, err := scopeFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("devserver: stream upgrade failed: %v", err)
		return
	}

	c := &session{
		viewer: viewer,
		scope:  scope,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	// The hello must be the first frame out, so queue it before the
	// session can receive broadcasts.
	hello, err := envelopeFrame("hello", map[string]interface{}{
		"scope":    scope,
		"viewerId": viewer,
	})
	if err != nil {
		conn.Close()
		return
	}
	c.send <- hello

	s.hub.add(c)
	glog.V(1).Infof("devserver: stream attached viewer=%s scope=%s", viewer, scope)

	go s.writeLoop(c)
	s.readLoop(c)

	s.hub.remove(c)
	c.stop()
	conn.Close()
	glog.V(1).Infof("devserver: stream detached viewer=%s scope=%s", viewer, scope)
}

func (s *Server) readLoop(c *session) {
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			glog.V(2).Infof("devserver: stream read ended viewer=%s: %v", c.viewer, err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env parley.StreamEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			glog.Warningf("devserver: bad client frame viewer=%s: %v", c.viewer, err)
			continue
		}
		s.handleClientFrame(c, &env)
	}
}

func (s *Server) writeLoop(c *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				glog.V(2).Infof("devserver: stream write failed viewer=%s: %v", c.viewer, err)
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (s *Server) handleClientFrame(c *session, env *parley.StreamEnvelope) {
	switch env.Type {
	case "ping":
		var hb parley.HeartbeatEvent
		if len(env.Payload) > 0 {
			_ = json.Unmarshal(env.Payload, &hb)
		}
		// The gateway, not the client, asserts identity.
		hb.UserID = c.viewer
		if hb.At.IsZero() {
			hb.At = s.now().UTC()
		}
		s.reply(c, "pong", map[string]string{"userId": c.viewer})
		s.broadcastScope(c.scope, "presence", hb)

	case "typing":
		var ev parley.TypingEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil || ev.ConversationID == "" {
			return
		}
		ev.UserID = c.viewer
		participants, scope, ok := s.state.conversationInfo(ev.ConversationID)
		if !ok || scope != c.scope {
			return
		}
		s.broadcastParticipants(scope, participants, "typing", ev, c)

	default:
		glog.V(2).Infof("devserver: ignoring client frame type %q", env.Type)
	}
}

// ============================================================================
// Broadcast Plumbing
// ============================================================================

func envelopeFrame(frameType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&parley.StreamEnvelope{Type: frameType, Payload: data})
}

// broadcastScope fans a frame out to every session on the scope.
// Presence is scope-wide; everything row-level goes through
// broadcastParticipants instead.
func (s *Server) broadcastScope(scope parley.Scope, frameType string, payload interface{}) {
	frame, err := envelopeFrame(frameType, payload)
	if err != nil {
		glog.Errorf("devserver: marshal %s frame: %v", frameType, err)
		return
	}
	metricFramesOut.WithLabelValues(frameType).Inc()
	s.hub.broadcast(frame, func(c *session) bool { return c.scope == scope })
}

// broadcastParticipants fans a frame out to scope sessions whose
// viewer is in the participant set, mirroring the row-level visibility
// the production stream enforces. exclude skips the originating
// session.
func (s *Server) broadcastParticipants(scope parley.Scope, participants []string, frameType string, payload interface{}, exclude *session) {
	set := make(map[string]bool, len(participants))
	for _, p := range participants {
		set[p] = true
	}
	frame, err := envelopeFrame(frameType, payload)
	if err != nil {
		glog.Errorf("devserver: marshal %s frame: %v", frameType, err)
		return
	}
	metricFramesOut.WithLabelValues(frameType).Inc()
	s.hub.broadcast(frame, func(c *session) bool {
		return c != exclude && c.scope == scope && set[c.viewer]
	})
}

func (s *Server) broadcastChange(scope parley.Scope, participants []string, kind parley.EventKind, entity parley.EntityType, record interface{}) {
	data, err := json.Marshal(record)
	if err != nil {
		glog.Errorf("devserver: marshal change record: %v", err)
		return
	}
	s.broadcastParticipants(scope, participants, "change", &parley.ChangePayload{
		Kind:   kind,
		Entity: entity,
		Record: data,
	}, nil)
}

func (s *Server) reply(c *session, frameType string, payload interface{}) {
	frame, err := envelopeFrame(frameType, payload)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}
