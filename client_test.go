package parley

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func envelopeHandler(t *testing.T, check func(r *http.Request), result *Result) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		if result.Error != nil && result.Error.Status != 0 {
			w.WriteHeader(result.Error.Status)
		}
		if err := json.NewEncoder(w).Encode(result); err != nil {
			t.Errorf("encode envelope: %v", err)
		}
	})
}

func mustData(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestClientRequests(t *testing.T) {
	ctx := context.Background()
	scope := Scope{TenantID: "acme", Domain: DomainInternal}

	t.Run("list conversations sends scope and bearer token", func(t *testing.T) {
		srv := httptest.NewServer(envelopeHandler(t, func(r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
				t.Errorf("expected bearer token, got %q", got)
			}
			if r.URL.Path != "/v1/conversations" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			q := r.URL.Query()
			if q.Get("tenant") != "acme" || q.Get("domain") != "internal" {
				t.Errorf("unexpected scope query %v", q)
			}
		}, &Result{OK: true, Data: mustData(t, []Conversation{{ID: "c-1"}})}))
		defer srv.Close()

		client := NewClient("tok-1", WithBaseURL(srv.URL))
		convs, err := client.ListConversations(ctx, scope)
		if err != nil {
			t.Fatalf("list conversations: %v", err)
		}
		if len(convs) != 1 || convs[0].ID != "c-1" {
			t.Fatalf("expected [c-1], got %+v", convs)
		}
	})

	t.Run("create message round-trips the idempotency key", func(t *testing.T) {
		srv := httptest.NewServer(envelopeHandler(t, func(r *http.Request) {
			var req CreateMessageRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
				return
			}
			if req.ClientTempID != "t-1" || req.ConversationID != "c-1" {
				t.Errorf("unexpected request %+v", req)
			}
		}, &Result{OK: true, Data: mustData(t, &Message{ID: "m-1", ClientTempID: "t-1"})}))
		defer srv.Close()

		client := NewClient("tok-1", WithBaseURL(srv.URL))
		msg, err := client.CreateMessage(ctx, &CreateMessageRequest{
			ConversationID: "c-1",
			Body:           "hello",
			ClientTempID:   "t-1",
		})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		if msg.ID != "m-1" {
			t.Fatalf("expected m-1, got %+v", msg)
		}
	})

	t.Run("list messages only sends a positive limit", func(t *testing.T) {
		var gotLimit string
		srv := httptest.NewServer(envelopeHandler(t, func(r *http.Request) {
			gotLimit = r.URL.Query().Get("limit")
		}, &Result{OK: true, Data: mustData(t, []Message{})}))
		defer srv.Close()

		client := NewClient("tok-1", WithBaseURL(srv.URL))
		if _, err := client.ListMessages(ctx, "c-1", 50); err != nil {
			t.Fatalf("list messages: %v", err)
		}
		if gotLimit != "50" {
			t.Fatalf("expected limit 50, got %q", gotLimit)
		}
		if _, err := client.ListMessages(ctx, "c-1", 0); err != nil {
			t.Fatalf("list messages: %v", err)
		}
		if gotLimit != "" {
			t.Fatalf("expected no limit param, got %q", gotLimit)
		}
	})

	t.Run("invalid scopes fail before the network", func(t *testing.T) {
		client := NewClient("tok-1", WithBaseURL("http://127.0.0.1:1"))
		if _, err := client.ListConversations(ctx, Scope{}); !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func TestClientErrorMapping(t *testing.T) {
	ctx := context.Background()

	t.Run("envelope errors keep code and gain the http status", func(t *testing.T) {
		srv := httptest.NewServer(envelopeHandler(t, nil, &Result{
			OK:    false,
			Error: &APIError{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "token revoked"},
		}))
		defer srv.Close()

		client := NewClient("tok-1", WithBaseURL(srv.URL))
		_, err := client.GetConversation(ctx, "c-1")
		if !IsPermission(err) {
			t.Fatalf("expected permission error, got %v", err)
		}
		apiErr, ok := err.(*APIError)
		if !ok {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if apiErr.Status != http.StatusForbidden || apiErr.Code != "FORBIDDEN" {
			t.Fatalf("expected 403 FORBIDDEN, got %+v", apiErr)
		}
	})

	t.Run("a failed envelope without details is transient", func(t *testing.T) {
		srv := httptest.NewServer(envelopeHandler(t, nil, &Result{OK: false}))
		defer srv.Close()

		client := NewClient("tok-1", WithBaseURL(srv.URL))
		if err := client.DeleteMessage(ctx, "m-1"); !IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
	})

	t.Run("a garbled envelope is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>proxy error</html>"))
		}))
		defer srv.Close()

		client := NewClient("tok-1", WithBaseURL(srv.URL))
		if err := client.MarkConversationRead(ctx, "c-1"); !IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
	})

	t.Run("transport failures are transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
		srv.Close()

		client := NewClient("tok-1", WithBaseURL(srv.URL))
		if err := client.DeleteMessage(ctx, "m-1"); !IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
	})
}
