// Package server implements the collaborative document synchronization
// server: websocket endpoints for CRDT sync and message relay, a
// heartbeat-monitored connection manager, the per-document session registry,
// and the bridges to persistence and change notification.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coedit-dev/coedit/pkg/notify"
	"github.com/coedit-dev/coedit/pkg/storage"
)

// Server is the HTTP/WebSocket front of the synchronization service.
type Server struct {
	cfg      *Config
	logger   *slog.Logger
	metrics  *Metrics
	store    storage.Store
	notifier *notify.Notifier

	registry   *Registry
	syncHub    *Hub
	messageHub *Hub

	upgrader   websocket.Upgrader
	router     chi.Router
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	store      storage.Store
	notifier   *notify.Notifier
	registerer prometheus.Registerer
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStore enables durable persistence for document sessions.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithNotifier enables webhook change notifications.
func WithNotifier(n *notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithRegisterer sets the Prometheus registerer for server metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New creates a Server with the given configuration.
func New(cfg *Config, opts ...Option) *Server {
	cfg = cfg.withDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		logger:   o.logger.With("component", "server"),
		metrics:  NewMetrics(o.registerer),
		store:    o.store,
		notifier: o.notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	if s.upgrader.CheckOrigin == nil {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	s.syncHub = newHub("sync", cfg, o.logger, s.metrics)
	s.messageHub = newHub("message", cfg, o.logger, s.metrics)
	s.registry = NewRegistry(cfg, o.store, o.notifier, o.logger, s.metrics)
	s.syncHub.onRemove = func(c *Conn) {
		if sess, ok := s.registry.Get(c.roomID); ok {
			sess.HandleClose(c)
		}
	}

	r := chi.NewRouter()
	r.Get(cfg.SyncPath, s.handleSync)
	r.Get(cfg.MessagePath, s.handleMessage)
	s.router = r
	return s
}

// Registry returns the document session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Handler returns the HTTP handler serving both websocket endpoints.
// Requests outside the registered paths get a 404 before any handshake.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		http.Error(w, "missing roomId", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("userId")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := newConn(ws, s.syncHub, userID, roomID)
	s.syncHub.Accept(c)

	sess := s.registry.GetOrCreate(roomID)
	sess.Bind(c)
	s.readLoop(c, sess)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	userID := r.URL.Query().Get("userId")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := newConn(ws, s.messageHub, userID, roomID)
	s.messageHub.Accept(c)
	s.relayLoop(c)
}

// readLoop pumps frames from a sync connection into the protocol engine
// until the connection dies or violates the protocol.
func (s *Server) readLoop(c *Conn, sess *DocSession) {
	defer s.syncHub.Remove(c)

	for {
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.PingInterval + s.cfg.PingTimeout))
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				s.logger.Warn("read error", "conn", c.id, "error", err)
			}
			return
		}
		if err := sess.HandleFrame(c, frame); err != nil {
			s.logger.Warn("protocol error", "conn", c.id, "doc", sess.id, "error", err)
			return
		}
	}
}

// Start launches the background hubs without binding a listener, for
// embedding the handler in an existing HTTP server.
func (s *Server) Start() {
	s.syncHub.Start()
	s.messageHub.Start()
}

// Run starts the server and blocks until a shutdown signal or a listener
// error.
func (s *Server) Run() error {
	s.Start()

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.router,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.cfg.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown closes every connection (flushing session persistence through
// the normal close paths), then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.syncHub.Stop()
	s.messageHub.Stop()
	if s.notifier != nil {
		s.notifier.Close()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}
	s.logger.Info("server shutdown complete")
	return nil
}
