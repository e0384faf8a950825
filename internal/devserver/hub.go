package devserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/enrollworks/parley"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 3 * time.Second

	// Send protocol pings with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next frame from the peer.
	pongWait = 25 * time.Second

	// Max inbound frame size.
	readLimit = 1 << 16

	// Per-session outbound buffer, in frames.
	sendBuffer = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Dev server only; origins are not enforced.
		return true
	},
}

// session is one attached stream connection.
type session struct {
	viewer string
	scope  parley.Scope
	conn   *websocket.Conn
	send   chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

func (c *session) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// hub tracks attached sessions and fans frames out to them.
type hub struct {
	mu       sync.Mutex
	sessions map[*session]bool
}

func newHub() *hub {
	return &hub{sessions: make(map[*session]bool)}
}

func (h *hub) add(c *session) {
	h.mu.Lock()
	h.sessions[c] = true
	h.mu.Unlock()
	metricStreamSessions.Inc()
}

func (h *hub) remove(c *session) {
	h.mu.Lock()
	known := h.sessions[c]
	delete(h.sessions, c)
	h.mu.Unlock()
	if known {
		metricStreamSessions.Dec()
	}
}

// broadcast queues a frame on every session the filter accepts. A
// session too slow to drain its buffer gets its connection closed; the
// client reconnects and resyncs, so nothing is lost for good.
func (h *hub) broadcast(frame []byte, match func(*session) bool) {
	h.mu.Lock()
	var stale []*session
	for c := range h.sessions {
		if !match(c) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		glog.Warningf("devserver: dropping slow stream session viewer=%s scope=%s", c.viewer, c.scope)
		c.conn.Close()
	}
}
