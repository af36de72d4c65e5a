package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coedit-dev/coedit/pkg/awareness"
	"github.com/coedit-dev/coedit/pkg/crdt"
	"github.com/coedit-dev/coedit/pkg/notify"
	"github.com/coedit-dev/coedit/pkg/storage"
)

// Registry maps a document id to exactly one live session. It only stores
// and retrieves; eviction happens solely on the sync engine's close path,
// after persistence has flushed.
type Registry struct {
	cfg      *Config
	logger   *slog.Logger
	metrics  *Metrics
	store    storage.Store    // nil means sessions are purely in-memory
	notifier *notify.Notifier // nil disables change notifications

	mu       sync.Mutex
	sessions map[string]*DocSession
}

// NewRegistry creates a session registry. store and notifier may be nil.
func NewRegistry(cfg *Config, store storage.Store, notifier *notify.Notifier, logger *slog.Logger, metrics *Metrics) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger.With("component", "registry"),
		metrics:  metrics,
		store:    store,
		notifier: notifier,
		sessions: make(map[string]*DocSession),
	}
}

// GetOrCreate returns the session for the document id, creating and binding
// it to persistence on first reference. Creation is atomic: concurrent
// lookups for one id always observe the same session.
func (r *Registry) GetOrCreate(docID string) *DocSession {
	r.mu.Lock()
	if s, ok := r.sessions[docID]; ok {
		r.mu.Unlock()
		return s
	}
	s := newDocSession(docID, r)
	r.sessions[docID] = s
	r.mu.Unlock()

	r.metrics.sessionsActive.Inc()
	r.metrics.sessionsTotal.Inc()
	r.logger.Debug("session created", "doc", docID)

	if r.store == nil {
		close(s.loaded)
	} else {
		go r.bindPersistence(s)
	}
	return s
}

// Get returns the live session for the document id, if any.
func (r *Registry) Get(docID string) (*DocSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[docID]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// release flushes persistence for a session whose last connection departed,
// then evicts it unless a new connection raced in during the flush.
func (r *Registry) release(s *DocSession) {
	r.writeState(context.Background(), s)
	if r.notifier.Enabled() {
		r.notifier.Flush(s.id)
	}

	r.mu.Lock()
	s.mu.Lock()
	if len(s.conns) == 0 && r.sessions[s.id] == s {
		delete(r.sessions, s.id)
		r.metrics.sessionsActive.Dec()
		r.logger.Debug("session evicted", "doc", s.id)
	}
	s.mu.Unlock()
	r.mu.Unlock()
}

// DocSession is the unit of collaboration: one shared document, its
// awareness map, and the connections bound to it. The session mutex
// serializes every merge and fan-out for the document.
type DocSession struct {
	id  string
	reg *Registry

	// loaded closes once the persistence bind has finished (immediately
	// for in-memory sessions). Connections handshake only after it.
	loaded chan struct{}

	mu           sync.Mutex
	doc          *crdt.Doc
	aw           *awareness.Awareness
	conns        map[*Conn]map[uint64]struct{}
	owners       map[uint64]*Conn
	persistReady bool
}

func newDocSession(docID string, r *Registry) *DocSession {
	s := &DocSession{
		id:     docID,
		reg:    r,
		loaded: make(chan struct{}),
		doc:    crdt.NewDoc(crdt.WithGC(r.cfg.GC)),
		aw:     awareness.New(),
		conns:  make(map[*Conn]map[uint64]struct{}),
		owners: make(map[uint64]*Conn),
	}
	s.doc.OnUpdate(s.onDocUpdate)
	return s
}

// ID returns the document id.
func (s *DocSession) ID() string { return s.id }

// ConnCount reports the number of bound connections.
func (s *DocSession) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
