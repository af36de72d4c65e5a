package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is one live client connection owned by a Hub. The hub is the only
// writer of its liveness state; everything else reaches the connection
// through send.
type Conn struct {
	id       string
	userID   string
	roomID   string
	endpoint string

	ws  *websocket.Conn
	hub *Hub

	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu       sync.Mutex
	open     bool
	alive    bool
	lastPong time.Time
}

func newConn(ws *websocket.Conn, hub *Hub, userID, roomID string) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		userID:       userID,
		roomID:       roomID,
		endpoint:     hub.name,
		ws:           ws,
		hub:          hub,
		writeTimeout: hub.cfg.WriteTimeout,
		open:         true,
		alive:        true,
		lastPong:     time.Now(),
	}
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// UserID returns the user identifier from the upgrade request, if any.
func (c *Conn) UserID() string { return c.userID }

// RoomID returns the room identifier from the upgrade request.
func (c *Conn) RoomID() string { return c.roomID }

// Open reports whether the connection accepts writes.
func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// markClosed flips the connection to closed, reporting whether this call did
// the flip. Removal paths use it to stay idempotent.
func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.open
	c.open = false
	return was
}

func (c *Conn) setAlive(alive bool) {
	c.mu.Lock()
	c.alive = alive
	if alive {
		c.lastPong = time.Now()
	}
	c.mu.Unlock()
}

func (c *Conn) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// send writes one binary message. A write on a closed connection or a write
// error hands the connection to the hub's removal path.
func (c *Conn) send(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

// sendText writes one text message, used by the relay endpoint's JSON frames.
func (c *Conn) sendText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) write(messageType int, data []byte) error {
	if !c.Open() {
		return websocket.ErrCloseSent
	}
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	err := c.ws.WriteMessage(messageType, data)
	c.writeMu.Unlock()
	if err != nil {
		// Removal runs off this goroutine: sends happen under session
		// locks that the close path needs to take.
		go c.hub.Remove(c)
	}
	return err
}

// ping sends a low-level liveness probe.
func (c *Conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}
