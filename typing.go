package parley

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	defaultTypingTTL    = 5 * time.Second
	typingSweepInterval = 1 * time.Second
)

// ============================================================================
// Typing Aggregator
// ============================================================================

// TypingAggregator folds raw typing signals into per-conversation
// indicator sets. An indicator expires after a TTL unless refreshed, so
// a peer that vanishes mid-keystroke cannot leave a stuck "is typing"
// line on screen. The viewer's own signals are excluded from reads.
//
// Reads prune lazily, so answers are correct even before Start; the
// background sweeper only bounds memory.
type TypingAggregator struct {
	viewerID   string
	ttl        time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]map[string]time.Time // conversation -> user -> expiry
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTypingAggregator creates an aggregator for one viewer. A zero ttl
// uses the 5s default.
func NewTypingAggregator(viewerID string, ttl time.Duration) *TypingAggregator {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &TypingAggregator{
		viewerID:   viewerID,
		ttl:        ttl,
		sweepEvery: typingSweepInterval,
		now:        time.Now,
		entries:    make(map[string]map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the background sweeper. Calling it twice is a no-op.
func (t *TypingAggregator) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	go t.sweepLoop()
}

// Stop halts the sweeper. Idempotent.
func (t *TypingAggregator) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Observe applies one typing signal. Active starts or refreshes the
// indicator; inactive removes it immediately.
func (t *TypingAggregator) Observe(ev TypingEvent) {
	if ev.ConversationID == "" || ev.UserID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[ev.ConversationID]
	if !ev.Active {
		if users != nil {
			delete(users, ev.UserID)
			if len(users) == 0 {
				delete(t.entries, ev.ConversationID)
			}
		}
		return
	}
	if users == nil {
		users = make(map[string]time.Time)
		t.entries[ev.ConversationID] = users
	}
	users[ev.UserID] = t.now().Add(t.ttl)
}

// TypingUsers returns who is currently typing in a conversation,
// sorted, excluding the viewer.
func (t *TypingAggregator) TypingUsers(conversationID string) []string {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[conversationID]
	if len(users) == 0 {
		return nil
	}

	var out []string
	for userID, expiry := range users {
		if !expiry.After(now) {
			delete(users, userID)
			continue
		}
		if userID == t.viewerID {
			continue
		}
		out = append(out, userID)
	}
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
	sort.Strings(out)
	return out
}

func (t *TypingAggregator) sweepLoop() {
	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *TypingAggregator) sweep() {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for conversationID, users := range t.entries {
		for userID, expiry := range users {
			if !expiry.After(now) {
				glog.V(2).Infof("parley: typing indicator expired conversation=%s user=%s", conversationID, userID)
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(t.entries, conversationID)
		}
	}
}
