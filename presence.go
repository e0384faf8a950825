package parley

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultPresenceStaleAfter = 45 * time.Second
	presenceSweepInterval     = 10 * time.Second
)

// ============================================================================
// Presence Tracker
// ============================================================================

// PresenceTracker resolves heartbeats into per-user availability. A
// user with a heartbeat inside the staleness window is online; after
// the window they flip offline but keep their last-seen timestamp.
// Heartbeats merge last-write-wins by wall clock, so late or replayed
// heartbeats can only move lastSeenAt forward.
type PresenceTracker struct {
	staleAfter time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	records map[string]PresenceRecord
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPresenceTracker creates a tracker. A zero staleAfter uses the
// 45s default.
func NewPresenceTracker(staleAfter time.Duration) *PresenceTracker {
	if staleAfter <= 0 {
		staleAfter = defaultPresenceStaleAfter
	}
	return &PresenceTracker{
		staleAfter: staleAfter,
		sweepEvery: presenceSweepInterval,
		now:        time.Now,
		records:    make(map[string]PresenceRecord),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the staleness sweeper. Calling it twice is a no-op.
func (p *PresenceTracker) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	go p.sweepLoop()
}

// Stop halts the sweeper. Idempotent.
func (p *PresenceTracker) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Observe applies one heartbeat. A zero timestamp means "now".
func (p *PresenceTracker) Observe(userID string, at time.Time) {
	if userID == "" {
		return
	}
	if at.IsZero() {
		at = p.now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.records[userID]
	rec.UserID = userID
	if at.After(rec.LastSeenAt) {
		rec.LastSeenAt = at
	}
	rec.IsOnline = p.now().Sub(rec.LastSeenAt) <= p.staleAfter
	p.records[userID] = rec
}

// Presence returns the availability of one user. Unknown users are
// offline with a zero lastSeenAt. Freshness is recomputed on read, so
// the answer never waits on the sweeper.
func (p *PresenceTracker) Presence(userID string) PresenceRecord {
	p.mu.RLock()
	rec, ok := p.records[userID]
	p.mu.RUnlock()

	if !ok {
		return PresenceRecord{UserID: userID}
	}
	rec.IsOnline = p.now().Sub(rec.LastSeenAt) <= p.staleAfter
	return rec
}

// Snapshot returns every tracked user, sorted by user ID.
func (p *PresenceTracker) Snapshot() []PresenceRecord {
	now := p.now()

	p.mu.RLock()
	out := make([]PresenceRecord, 0, len(p.records))
	for _, rec := range p.records {
		rec.IsOnline = now.Sub(rec.LastSeenAt) <= p.staleAfter
		out = append(out, rec)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (p *PresenceTracker) sweepLoop() {
	ticker := time.NewTicker(p.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep flips stale records offline in place. Records are never
// evicted; the last-seen timestamp stays available.
func (p *PresenceTracker) sweep() {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for userID, rec := range p.records {
		online := now.Sub(rec.LastSeenAt) <= p.staleAfter
		if rec.IsOnline != online {
			rec.IsOnline = online
			p.records[userID] = rec
		}
	}
}
