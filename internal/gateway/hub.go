package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Triviape/triviape-sub002/internal/domain"
	"github.com/Triviape/triviape-sub002/internal/protocol"
)

// Hub tracks the current connection of every authenticated player. It is the session
// broadcaster: events are addressed to players, not to connections.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*conn)}
}

// Broadcast queues e on the connection of every listed player. It never blocks, so events keep
// the order in which a session emits them.
func (h *Hub) Broadcast(playerIDs []string, e protocol.Event) {
	env, err := protocol.EventEnvelope(e)
	if err != nil {
		slog.Error("gateway: encode event failed", "event", e.EventName(), "error", err)
		return
	}

	b, err := json.Marshal(env)
	if err != nil {
		slog.Error("gateway: marshal envelope failed", "event", e.EventName(), "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, id := range playerIDs {
		if c, ok := h.conns[id]; ok {
			c.enqueue(b)
		}
	}
}

// Connected reports whether the player has a live connection.
func (h *Hub) Connected(playerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.conns[playerID]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns)
}

// register makes c the current connection of its player and returns the one it replaces.
func (h *Hub) register(c *conn) *conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.conns[c.profile.PlayerID]
	h.conns[c.profile.PlayerID] = c
	return old
}

// unregister reports false when c had already been replaced by a newer connection.
func (h *Hub) unregister(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns[c.profile.PlayerID] != c {
		return false
	}
	delete(h.conns, c.profile.PlayerID)
	return true
}

// conn is one authenticated websocket. Only the write pump writes data frames.
type conn struct {
	ws      *websocket.Conn
	profile domain.Profile
	send    chan []byte
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	sessions map[string]struct{}
}

func newConn(ws *websocket.Conn, p domain.Profile) *conn {
	return &conn{
		ws:       ws,
		profile:  p,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		sessions: make(map[string]struct{}),
	}
}

func (c *conn) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- b:
		return true
	default:
		slog.Warn("gateway: send buffer full, dropping connection", "player", c.profile.PlayerID)
		c.close()
		return false
	}
}

func (c *conn) reply(env protocol.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		slog.Error("gateway: marshal reply failed", "event", env.EventName, "error", err)
		return
	}
	c.enqueue(b)
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *conn) join(sessionID string) {
	c.mu.Lock()
	c.sessions[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *conn) leave(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *conn) joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// adopt takes over the sessions of the connection c replaces.
func (c *conn) adopt(old *conn) {
	for _, id := range old.joined() {
		c.join(id)
	}
}
