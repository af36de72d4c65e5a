package server

import (
	"log/slog"
	"sync"
	"time"
)

// Hub owns the set of live connections for one endpoint type: it indexes
// them by user and room, fans out messages, and runs the heartbeat monitor
// that detects half-open connections.
type Hub struct {
	name    string
	cfg     *Config
	logger  *slog.Logger
	metrics *Metrics

	// onRemove runs once per connection after it leaves the hub, outside
	// the hub lock. The sync engine uses it for its close path.
	onRemove func(*Conn)

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	byUser  map[string]*Conn
	byRoom  map[string]map[*Conn]struct{}
	timers  map[*Conn]*time.Timer
	stopCh  chan struct{}
	running bool
}

func newHub(name string, cfg *Config, logger *slog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		name:    name,
		cfg:     cfg,
		logger:  logger.With("component", "hub", "endpoint", name),
		metrics: metrics,
		conns:   make(map[*Conn]struct{}),
		byUser:  make(map[string]*Conn),
		byRoom:  make(map[string]map[*Conn]struct{}),
		timers:  make(map[*Conn]*time.Timer),
	}
}

// Start launches the heartbeat monitor. Calling Start on a running hub
// restarts it.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		h.Stop()
		h.mu.Lock()
		if h.running {
			// A concurrent Start won the restart; its monitor stands.
			h.mu.Unlock()
			return
		}
	}
	h.running = true
	h.stopCh = make(chan struct{})
	stop := h.stopCh
	h.mu.Unlock()

	go h.heartbeatLoop(stop)
}

// Stop closes every connection and halts the heartbeat monitor. Safe to call
// multiple times.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.running {
		h.running = false
		close(h.stopCh)
	}
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.Remove(c)
	}
}

// Accept registers a new connection: marks it alive, wires the pong handler,
// and indexes it by user (last writer wins) and room.
func (h *Hub) Accept(c *Conn) {
	c.ws.SetReadLimit(h.cfg.MaxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		h.handlePong(c)
		return nil
	})

	h.mu.Lock()
	h.conns[c] = struct{}{}
	if c.userID != "" {
		h.byUser[c.userID] = c
	}
	if c.roomID != "" {
		room, ok := h.byRoom[c.roomID]
		if !ok {
			room = make(map[*Conn]struct{})
			h.byRoom[c.roomID] = room
		}
		room[c] = struct{}{}
	}
	h.mu.Unlock()

	h.metrics.connectionsActive.WithLabelValues(h.name).Inc()
	h.metrics.connectionsTotal.WithLabelValues(h.name).Inc()
	h.logger.Debug("connection accepted", "conn", c.id, "user", c.userID, "room", c.roomID)
}

// Remove deregisters a connection and force-closes its socket. Idempotent
// and order-independent with heartbeat-triggered removal.
func (h *Hub) Remove(c *Conn) {
	if !c.markClosed() {
		return
	}

	h.mu.Lock()
	delete(h.conns, c)
	if cur, ok := h.byUser[c.userID]; ok && cur == c {
		delete(h.byUser, c.userID)
	}
	if room, ok := h.byRoom[c.roomID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.byRoom, c.roomID)
		}
	}
	if t, ok := h.timers[c]; ok {
		t.Stop()
		delete(h.timers, c)
	}
	h.mu.Unlock()

	c.ws.Close()
	h.metrics.connectionsActive.WithLabelValues(h.name).Dec()
	h.logger.Debug("connection removed", "conn", c.id)

	if h.onRemove != nil {
		h.onRemove(c)
	}
}

// Broadcast sends data to every open connection.
func (h *Hub) Broadcast(data []byte) {
	for _, c := range h.snapshot() {
		c.send(data)
	}
}

// SendToUser sends data to the connection registered for the user id, if
// any. Absent targets are skipped silently.
func (h *Hub) SendToUser(userID string, data []byte) {
	h.mu.Lock()
	c, ok := h.byUser[userID]
	h.mu.Unlock()
	if ok {
		c.sendText(data)
	}
}

// SendToUsers sends data to each listed user.
func (h *Hub) SendToUsers(userIDs []string, data []byte) {
	for _, id := range userIDs {
		h.SendToUser(id, data)
	}
}

// SendToRoom sends data to every open connection in the room.
func (h *Hub) SendToRoom(roomID string, data []byte) {
	h.mu.Lock()
	room := h.byRoom[roomID]
	conns := make([]*Conn, 0, len(room))
	for c := range room {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.sendText(data)
	}
}

// Len reports the number of registered connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) snapshot() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// heartbeatLoop probes every connection each PingInterval. A connection
// whose previous probe went unanswered is removed; otherwise its liveness
// flag drops, a probe goes out, and a one-shot timer removes it unless the
// pong arrives within PingTimeout.
func (h *Hub) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.probeAll()
		}
	}
}

func (h *Hub) probeAll() {
	for _, c := range h.snapshot() {
		if !c.isAlive() {
			h.evict(c)
			continue
		}
		c.setAlive(false)
		if err := c.ping(); err != nil {
			h.evict(c)
			continue
		}
		h.armTimeout(c)
	}
}

func (h *Hub) armTimeout(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.timers[c]; ok {
		t.Stop()
	}
	h.timers[c] = time.AfterFunc(h.cfg.PingTimeout, func() {
		if !c.isAlive() {
			h.evict(c)
		}
	})
}

func (h *Hub) evict(c *Conn) {
	h.logger.Info("heartbeat eviction", "conn", c.id, "user", c.userID, "room", c.roomID)
	h.metrics.connectionsEvicted.Inc()
	h.Remove(c)
}

func (h *Hub) handlePong(c *Conn) {
	c.setAlive(true)
	c.ws.SetReadDeadline(time.Now().Add(h.cfg.PingInterval + h.cfg.PingTimeout))
	h.mu.Lock()
	if t, ok := h.timers[c]; ok {
		t.Stop()
		delete(h.timers, c)
	}
	h.mu.Unlock()
}
