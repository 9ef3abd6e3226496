// Package transport implements the duplex WebSocket connection manager
// agents dial into, generalized from codeready-toolchain-tarsy's WSHub
// (register/unregister/broadcast channel trio owned by a single goroutine)
// from an anonymous broadcast hub to a per-agentId connection map with
// heartbeat and forced disconnect on missed pongs.
package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is one registered agent connection plus its heartbeat bookkeeping.
type Conn struct {
	AgentID     string
	ws          *websocket.Conn
	send        chan []byte
	missedPongs int
	mu          sync.Mutex
}

func (c *Conn) markPong() {
	c.mu.Lock()
	c.missedPongs = 0
	c.mu.Unlock()
}

// Hub owns the register/unregister/dispatch loop for all live agent
// connections — the single goroutine that is the sole mutator of the
// connection map, per the control plane's single-writer-per-component rule.
type Hub struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	MaxConns     int

	register   chan *Conn
	unregister chan *Conn
	mu         sync.RWMutex
	conns      map[string]*Conn

	// OnDisconnect is invoked (outside the hub's lock) whenever an agent's
	// connection is torn down, so the router/registry can react.
	OnDisconnect func(agentID string)
	// OnMessage is invoked for every inbound frame.
	OnMessage func(agentID string, data []byte)
}

// NewHub constructs a Hub with the given heartbeat tuning.
func NewHub(pingInterval, pongTimeout time.Duration, maxConns int) *Hub {
	return &Hub{
		PingInterval: pingInterval,
		PongTimeout:  pongTimeout,
		MaxConns:     maxConns,
		register:     make(chan *Conn),
		unregister:   make(chan *Conn),
		conns:        make(map[string]*Conn),
	}
}

// Run drives the hub's register/unregister loop until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.conns[c.AgentID] = c
			n := len(h.conns)
			h.mu.Unlock()
			slog.Info("agent connected", "agentId", c.AgentID, "total", n)
		case c := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.conns[c.AgentID]; ok && cur == c {
				delete(h.conns, c.AgentID)
			}
			h.mu.Unlock()
			_ = c.ws.Close()
			close(c.send)
			if h.OnDisconnect != nil {
				h.OnDisconnect(c.AgentID)
			}
			slog.Info("agent disconnected", "agentId", c.AgentID)
		case <-ticker.C:
			h.pingAll()
		}
	}
}

func (h *Hub) pingAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.mu.Lock()
		c.missedPongs++
		missed := c.missedPongs
		c.mu.Unlock()
		// pingAll runs on the Run goroutine, so it cannot send on the
		// unbuffered unregister channel itself; closing the socket ends the
		// read pump and HandleWS unregisters the connection.
		if missed > 3 {
			_ = c.ws.Close()
			continue
		}
		if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			_ = c.ws.Close()
		}
	}
}

// Send writes data to a connected agent's outbound queue, dropping it if the
// queue is full (backpressure: slow consumers never block the hub).
func (h *Hub) Send(agentID string, data []byte) bool {
	h.mu.RLock()
	c, ok := h.conns[agentID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Connected reports whether an agent currently has a live socket.
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[agentID]
	return ok
}

// ConnectedAgents lists every agent with a live socket.
func (h *Hub) ConnectedAgents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	return out
}

// HandleWS upgrades the request to a websocket for the given agentId and
// starts its read/write pumps. Blocks until the connection closes.
func (h *Hub) HandleWS(agentID string, w http.ResponseWriter, r *http.Request) {
	if h.MaxConns > 0 && len(h.ConnectedAgents()) >= h.MaxConns {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "agentId", agentID, "error", err)
		return
	}
	c := &Conn{AgentID: agentID, ws: ws, send: make(chan []byte, 64)}
	ws.SetPongHandler(func(string) error {
		c.markPong()
		return nil
	})
	h.register <- c

	done := make(chan struct{})
	go h.writePump(c, done)
	h.readPump(c)
	close(done)
	h.unregister <- c
}

func (h *Hub) readPump(c *Conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(c.AgentID, data)
		}
	}
}

func (h *Hub) writePump(c *Conn, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
