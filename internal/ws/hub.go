package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amgateway/amgateway/internal/api"
	"github.com/amgateway/amgateway/internal/store"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxInbound   = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Message is the JSON envelope sent on every broadcast.
type Message struct {
	Event string               `json:"event"`
	Data  api.SnapshotResponse `json:"data"`
}

// Hub fans the status document out to every connected client.
//
// Every document is a complete view of the gateway, so a client that falls
// behind only ever has the newest one queued; older ones are replaced.
type Hub struct {
	store    *store.Store
	session  api.SessionStatus
	interval time.Duration

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	latest chan []byte   // capacity 1, newest document wins
	done   chan struct{} // closed when the hub shuts down
}

func newSubscriber() *subscriber {
	return &subscriber{latest: make(chan []byte, 1), done: make(chan struct{})}
}

// offer queues msg, replacing any document the client has not taken yet.
func (s *subscriber) offer(msg []byte) {
	for {
		select {
		case s.latest <- msg:
			return
		default:
		}
		select {
		case <-s.latest:
		default:
		}
	}
}

// New creates a Hub that reads from st and sess and broadcasts every interval.
func New(st *store.Store, sess api.SessionStatus, interval time.Duration) *Hub {
	return &Hub{
		store:    st,
		session:  sess,
		interval: interval,
		subs:     make(map[*subscriber]struct{}),
	}
}

// Run broadcasts every interval until ctx is cancelled, then disconnects all
// clients.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-t.C:
			h.broadcast()
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams documents until the client
// disconnects or the hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	sub := newSubscriber()
	if msg, err := h.encode(); err == nil {
		sub.offer(msg)
	}
	if !h.add(sub) {
		return
	}
	defer h.remove(sub)

	gone := make(chan struct{})
	go discardInbound(conn, gone)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg := <-sub.latest:
			if err := write(conn, websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-sub.done:
			write(conn, websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}

func (h *Hub) add(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[sub] = struct{}{}
	return true
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *Hub) broadcast() {
	msg, err := h.encode()
	if err != nil {
		slog.Error("ws: encode snapshot", "err", err)
		return
	}
	h.mu.Lock()
	for sub := range h.subs {
		sub.offer(msg)
	}
	h.mu.Unlock()
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		close(sub.done)
		delete(h.subs, sub)
	}
}

func (h *Hub) encode() ([]byte, error) {
	return json.Marshal(Message{
		Event: "snapshot",
		Data:  api.BuildSnapshot(h.store, h.session),
	})
}

func write(conn *websocket.Conn, kind int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(kind, data)
}

// discardInbound reads and drops client frames so pongs and close frames are
// processed, and closes gone when the connection fails.
func discardInbound(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(maxInbound)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
