// Package client provides a reconnecting peer for the document
// synchronization endpoint. It keeps a local replica, pushes local edits,
// merges remote ones, and survives connection drops with exponential
// backoff.
package client

import (
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/coedit-dev/coedit/pkg/awareness"
	"github.com/coedit-dev/coedit/pkg/crdt"
	"github.com/coedit-dev/coedit/pkg/protocol"
)

// Config holds configuration for a Provider.
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8080/sync".
	URL string

	// Room is the document id to synchronize.
	Room string

	// UserID identifies this peer to the server. Optional.
	UserID string

	// InitialBackoff is the first reconnect delay.
	// Default: 250 milliseconds.
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay.
	// Default: 30 seconds.
	MaxBackoff time.Duration

	// MaxRetries bounds consecutive failed connection attempts before the
	// provider gives up. Zero retries forever.
	MaxRetries uint64

	// WriteTimeout is the maximum time to wait when sending a frame.
	// Default: 10 seconds.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger.With("component", "client") }
}

// WithDoc attaches an existing document instead of a fresh one.
func WithDoc(doc *crdt.Doc) Option {
	return func(p *Provider) { p.doc = doc }
}

// Provider is a synchronized replica of one document. Access the document
// through Transact; the provider serializes local edits against incoming
// remote updates.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	doc *crdt.Doc
	aw  *awareness.Awareness

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	closed    bool
	queue     [][]byte

	synced     chan struct{}
	syncedOnce sync.Once
	done       chan struct{}
}

// New creates a Provider. Call Connect to start synchronizing.
func New(cfg Config, opts ...Option) *Provider {
	p := &Provider{
		cfg:    cfg.withDefaults(),
		logger: slog.Default().With("component", "client"),
		aw:     awareness.New(),
		synced: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.doc == nil {
		p.doc = crdt.NewDoc()
	}
	p.doc.OnUpdate(p.onLocalUpdate)
	return p
}

// Doc returns the underlying document. Mutate it only through Transact.
func (p *Provider) Doc() *crdt.Doc { return p.doc }

// Synced returns a channel closed after the first completed handshake.
func (p *Provider) Synced() <-chan struct{} { return p.synced }

// Transact runs fn with exclusive access to the document. Edits made inside
// fn are pushed to the server, or queued while disconnected.
func (p *Provider) Transact(fn func(doc *crdt.Doc)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.doc)
}

// SetAwarenessState publishes this peer's presence state. A nil state
// announces departure.
func (p *Provider) SetAwarenessState(state json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := p.aw.SetState(p.doc.ClientID(), state)
	if ch.Empty() {
		return
	}
	p.sendOrQueue(protocol.EncodeAwareness(p.aw.EncodeUpdate(ch.Touched())))
}

// Connect starts the connection loop. It returns immediately; use Synced to
// wait for the first handshake.
func (p *Provider) Connect() {
	go p.run()
}

// Close announces departure, stops reconnecting, and closes the connection.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.aw.States()[p.doc.ClientID()] != nil {
		ch := p.aw.SetState(p.doc.ClientID(), nil)
		if !ch.Empty() && p.connected {
			p.writeLocked(protocol.EncodeAwareness(p.aw.EncodeUpdate(ch.Touched())))
		}
	}
	ws := p.ws
	p.mu.Unlock()

	close(p.done)
	if ws != nil {
		ws.Close()
	}
}

func (p *Provider) run() {
	bo := p.newBackoff()
	for {
		select {
		case <-p.done:
			return
		default:
		}

		ws, err := p.dial()
		if err != nil {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				p.logger.Error("giving up after repeated connection failures",
					"room", p.cfg.Room, "error", err)
				return
			}
			p.logger.Warn("connection failed, retrying",
				"room", p.cfg.Room, "wait", wait, "error", err)
			select {
			case <-p.done:
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		select {
		case <-p.done:
			ws.Close()
			return
		default:
		}

		p.handshake(ws)
		p.readLoop(ws)

		p.mu.Lock()
		p.connected = false
		p.ws = nil
		closed := p.closed
		p.mu.Unlock()
		ws.Close()
		if closed {
			return
		}
		p.logger.Info("connection lost, reconnecting", "room", p.cfg.Room)
	}
}

func (p *Provider) newBackoff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.InitialBackoff
	exp.MaxInterval = p.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	if p.cfg.MaxRetries > 0 {
		return backoff.WithMaxRetries(exp, p.cfg.MaxRetries)
	}
	return exp
}

func (p *Provider) dial() (*websocket.Conn, error) {
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("roomId", p.cfg.Room)
	if p.cfg.UserID != "" {
		q.Set("userId", p.cfg.UserID)
	}
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return ws, err
}

// handshake announces the local vector, replays queued frames, and
// republishes the local awareness state on the fresh connection.
func (p *Provider) handshake(ws *websocket.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ws = ws
	p.connected = true

	p.writeLocked(protocol.EncodeSyncStep1(p.doc.EncodeStateVector()))
	for _, frame := range p.queue {
		p.writeLocked(frame)
	}
	p.queue = nil

	if state := p.aw.States()[p.doc.ClientID()]; state != nil {
		p.writeLocked(protocol.EncodeAwareness(
			p.aw.EncodeUpdate([]uint64{p.doc.ClientID()})))
	}
}

func (p *Provider) readLoop(ws *websocket.Conn) {
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := p.handleFrame(frame); err != nil {
			p.logger.Warn("bad frame from server", "room", p.cfg.Room, "error", err)
			return
		}
	}
}

func (p *Provider) handleFrame(frame []byte) error {
	d := protocol.NewDecoder(frame)
	msgType, err := protocol.ReadMessageType(d)
	if err != nil {
		return err
	}

	switch msgType {
	case protocol.MessageSync:
		step, body, err := protocol.ReadSyncStep(d)
		if err != nil {
			return err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		switch step {
		case protocol.SyncStep1:
			remote, err := crdt.DecodeVector(body)
			if err != nil {
				return err
			}
			if diff := p.doc.EncodeDiff(remote); diff != nil {
				p.writeLocked(protocol.EncodeSyncStep2(diff))
			}
			// The server opens with its vector; answering it completes
			// the handshake even when neither side has data to send.
			p.syncedOnce.Do(func() { close(p.synced) })
			return nil
		case protocol.SyncStep2, protocol.SyncUpdate:
			if err := p.doc.ApplyUpdate(body, p); err != nil {
				return err
			}
			if step == protocol.SyncStep2 {
				p.syncedOnce.Do(func() { close(p.synced) })
			}
			return nil
		default:
			return protocol.ErrUnknownSyncStep
		}

	case protocol.MessageAwareness:
		body, err := protocol.ReadAwareness(d)
		if err != nil {
			return err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		_, err = p.aw.ApplyUpdate(body)
		return err

	default:
		return protocol.ErrUnknownMessageType
	}
}

// onLocalUpdate runs under the provider mutex for edits made via Transact.
// Updates the provider itself applied come back with p as origin and stay
// local.
func (p *Provider) onLocalUpdate(update []byte, origin any) {
	if origin == p {
		return
	}
	p.sendOrQueue(protocol.EncodeSyncUpdate(update))
}

func (p *Provider) sendOrQueue(frame []byte) {
	if p.connected {
		p.writeLocked(frame)
		return
	}
	p.queue = append(p.queue, frame)
}

func (p *Provider) writeLocked(frame []byte) {
	if p.ws == nil {
		return
	}
	p.ws.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	if err := p.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		p.logger.Warn("write failed", "room", p.cfg.Room, "error", err)
	}
}

// AwarenessStates returns the last known presence state per client.
func (p *Provider) AwarenessStates() map[uint64]json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aw.States()
}
