package devserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/enrollworks/parley"
)

var testScope = parley.Scope{TenantID: "acme", Domain: parley.DomainInternal}

var testBase = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func sendTestMessage(t *testing.T, st *state, conv, sender, body string, at time.Time) parley.Message {
	t.Helper()
	msg, _, created, err := st.createMessage(sender, &parley.CreateMessageRequest{
		ConversationID: conv,
		Body:           body,
		ClientTempID:   "t-" + sender + "-" + body,
	}, at)
	assert.NoError(t, err)
	assert.True(t, created)
	return msg
}

func TestCreateConversationDedupe(t *testing.T) {
	st := newState()

	first, created := st.createConversation(testScope, []string{"u-bob"}, "u-alice", testBase)
	assert.True(t, created)
	assert.ElementsMatch(t, []string{"u-alice", "u-bob"}, first.ParticipantIDs)

	// Same people, any order, any duplication: the same thread.
	second, created := st.createConversation(testScope, []string{"u-alice", "u-bob", "u-bob"}, "u-bob", testBase.Add(time.Hour))
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Same people in the other domain: a separate thread.
	partner := parley.Scope{TenantID: "acme", Domain: parley.DomainPartner}
	third, created := st.createConversation(partner, []string{"u-bob"}, "u-alice", testBase)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestUnreadWatermark(t *testing.T) {
	st := newState()
	conv, _ := st.createConversation(testScope, []string{"u-bob"}, "u-alice", testBase)

	sendTestMessage(t, st, conv.ID, "u-bob", "one", testBase.Add(1*time.Second))
	sendTestMessage(t, st, conv.ID, "u-bob", "two", testBase.Add(2*time.Second))

	list := st.listConversations(testScope, "u-alice")
	assert.Len(t, list, 1)
	assert.Equal(t, 2, list[0].UnreadCount)

	// The sender's own messages never count against them.
	bobView, err := st.getConversation(conv.ID, "u-bob")
	assert.NoError(t, err)
	assert.Equal(t, 0, bobView.UnreadCount)

	assert.NoError(t, st.markRead(conv.ID, "u-alice", testBase.Add(3*time.Second)))
	aliceView, err := st.getConversation(conv.ID, "u-alice")
	assert.NoError(t, err)
	assert.Equal(t, 0, aliceView.UnreadCount)

	// Only messages past the watermark count.
	late := sendTestMessage(t, st, conv.ID, "u-bob", "three", testBase.Add(4*time.Second))
	aliceView, err = st.getConversation(conv.ID, "u-alice")
	assert.NoError(t, err)
	assert.Equal(t, 1, aliceView.UnreadCount)

	// Tombstoned rows stop counting.
	_, _, changed, err := st.deleteMessage(late.ID, "u-bob", testBase.Add(5*time.Second))
	assert.NoError(t, err)
	assert.True(t, changed)
	aliceView, err = st.getConversation(conv.ID, "u-alice")
	assert.NoError(t, err)
	assert.Equal(t, 0, aliceView.UnreadCount)
}

func TestCreateMessageReplay(t *testing.T) {
	st := newState()
	conv, _ := st.createConversation(testScope, []string{"u-bob"}, "u-alice", testBase)

	req := &parley.CreateMessageRequest{ConversationID: conv.ID, Body: "hi", ClientTempID: "t-1"}
	first, _, created, err := st.createMessage("u-alice", req, testBase.Add(time.Second))
	assert.NoError(t, err)
	assert.True(t, created)

	again, _, created, err := st.createMessage("u-alice", req, testBase.Add(time.Minute))
	assert.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	rows, err := st.listMessages(conv.ID, "u-alice", 0)
	assert.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCreateMessageVisibility(t *testing.T) {
	st := newState()
	conv, _ := st.createConversation(testScope, []string{"u-bob"}, "u-alice", testBase)

	_, _, _, err := st.createMessage("u-zoe", &parley.CreateMessageRequest{
		ConversationID: conv.ID, Body: "hi", ClientTempID: "t-1",
	}, testBase)
	assert.ErrorIs(t, err, errNotFound)

	_, _, _, err = st.createMessage("u-alice", &parley.CreateMessageRequest{
		ConversationID: "c-ghost", Body: "hi", ClientTempID: "t-2",
	}, testBase)
	assert.ErrorIs(t, err, errNotFound)
}

func TestDeleteMessage(t *testing.T) {
	st := newState()
	conv, _ := st.createConversation(testScope, []string{"u-bob"}, "u-alice", testBase)
	first := sendTestMessage(t, st, conv.ID, "u-alice", "first", testBase.Add(1*time.Second))
	second := sendTestMessage(t, st, conv.ID, "u-alice", "second", testBase.Add(2*time.Second))

	// Only the sender may delete.
	_, _, _, err := st.deleteMessage(second.ID, "u-bob", testBase.Add(3*time.Second))
	assert.ErrorIs(t, err, errForbidden)

	// Outsiders see nothing at all.
	_, _, _, err = st.deleteMessage(second.ID, "u-zoe", testBase.Add(3*time.Second))
	assert.ErrorIs(t, err, errNotFound)

	msg, convView, changed, err := st.deleteMessage(second.ID, "u-alice", testBase.Add(3*time.Second))
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.NotNil(t, msg.DeletedAt)

	// The preview falls back to the latest visible row; the thread
	// keeps its place in the list.
	assert.Equal(t, "first", convView.LastMessagePreview)
	assert.True(t, convView.LastMessageAt.Equal(second.CreatedAt))

	// Deleting again is a no-op.
	_, _, changed, err = st.deleteMessage(second.ID, "u-alice", testBase.Add(4*time.Second))
	assert.NoError(t, err)
	assert.False(t, changed)

	// The tombstone stays in the timeline.
	rows, err := st.listMessages(conv.ID, "u-alice", 0)
	assert.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, first.ID, rows[0].ID)
	assert.Nil(t, rows[0].DeletedAt)
	assert.NotNil(t, rows[1].DeletedAt)
}

func TestListMessagesWindow(t *testing.T) {
	st := newState()
	conv, _ := st.createConversation(testScope, []string{"u-bob"}, "u-alice", testBase)
	sendTestMessage(t, st, conv.ID, "u-alice", "one", testBase.Add(1*time.Second))
	sendTestMessage(t, st, conv.ID, "u-bob", "two", testBase.Add(2*time.Second))
	sendTestMessage(t, st, conv.ID, "u-alice", "three", testBase.Add(3*time.Second))

	rows, err := st.listMessages(conv.ID, "u-alice", 2)
	assert.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, "two", rows[0].Body)
	assert.Equal(t, "three", rows[1].Body)

	all, err := st.listMessages(conv.ID, "u-alice", 0)
	assert.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = st.listMessages(conv.ID, "u-zoe", 0)
	assert.ErrorIs(t, err, errNotFound)
}

func TestScopeIsolation(t *testing.T) {
	st := newState()
	conv, _ := st.createConversation(testScope, []string{"u-bob"}, "u-alice", testBase)

	partner := parley.Scope{TenantID: "acme", Domain: parley.DomainPartner}
	assert.Empty(t, st.listConversations(partner, "u-alice"))

	otherTenant := parley.Scope{TenantID: "globex", Domain: parley.DomainInternal}
	assert.Empty(t, st.listConversations(otherTenant, "u-alice"))

	_, err := st.getConversation(conv.ID, "u-zoe")
	assert.ErrorIs(t, err, errNotFound)
}

func TestRevoke(t *testing.T) {
	st := newState()
	assert.False(t, st.isRevoked("u-alice"))
	st.revoke("u-alice")
	assert.True(t, st.isRevoked("u-alice"))
	assert.False(t, st.isRevoked("u-bob"))
}
