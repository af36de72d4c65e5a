package server

import (
	"context"
	"fmt"

	"github.com/coedit-dev/coedit/pkg/awareness"
	"github.com/coedit-dev/coedit/pkg/crdt"
	"github.com/coedit-dev/coedit/pkg/notify"
	"github.com/coedit-dev/coedit/pkg/protocol"
)

// persistTag marks updates replayed out of the durable log so the fan-out
// path neither re-appends nor re-notifies them.
type persistTag struct{}

var originPersistence persistTag

// Bind attaches a connection to the session: waits for the persistence load
// to finish, then runs the server side of the handshake by sending SyncStep1
// with the current state vector plus the full awareness picture.
func (s *DocSession) Bind(c *Conn) {
	<-s.loaded

	s.mu.Lock()
	s.conns[c] = make(map[uint64]struct{})
	sv := s.doc.EncodeStateVector()
	snapshot := s.aw.EncodeAll()
	s.mu.Unlock()

	// The hub may have dropped the connection while the load was in
	// flight. Its close path ran before the binding existed, so run it
	// again now that it does.
	if !c.Open() {
		s.HandleClose(c)
		return
	}

	c.send(protocol.EncodeSyncStep1(sv))
	s.reg.metrics.framesOut.WithLabelValues("sync").Inc()
	if snapshot != nil {
		c.send(protocol.EncodeAwareness(snapshot))
		s.reg.metrics.framesOut.WithLabelValues("awareness").Inc()
	}
}

// HandleFrame processes one incoming frame from a bound connection. A
// non-nil error is a protocol violation; the caller tears the connection
// down and leaves the session intact.
func (s *DocSession) HandleFrame(c *Conn, frame []byte) error {
	d := protocol.NewDecoder(frame)
	msgType, err := protocol.ReadMessageType(d)
	if err != nil {
		return err
	}

	switch msgType {
	case protocol.MessageSync:
		s.reg.metrics.framesIn.WithLabelValues("sync").Inc()
		return s.handleSync(c, d)
	case protocol.MessageAwareness:
		s.reg.metrics.framesIn.WithLabelValues("awareness").Inc()
		return s.handleAwareness(c, d)
	default:
		return fmt.Errorf("message type %d: %w", msgType, protocol.ErrUnknownMessageType)
	}
}

func (s *DocSession) handleSync(c *Conn, d *protocol.Decoder) error {
	step, body, err := protocol.ReadSyncStep(d)
	if err != nil {
		return err
	}

	switch step {
	case protocol.SyncStep1:
		remote, err := crdt.DecodeVector(body)
		if err != nil {
			return err
		}
		s.mu.Lock()
		diff := s.doc.EncodeDiff(remote)
		s.mu.Unlock()
		// A peer that is already caught up gets no reply.
		if diff != nil {
			c.send(protocol.EncodeSyncStep2(diff))
			s.reg.metrics.framesOut.WithLabelValues("sync").Inc()
		}
		return nil

	case protocol.SyncStep2, protocol.SyncUpdate:
		s.mu.Lock()
		err := s.doc.ApplyUpdate(body, c)
		s.mu.Unlock()
		return err

	default:
		return fmt.Errorf("sync step %d: %w", step, protocol.ErrUnknownSyncStep)
	}
}

func (s *DocSession) handleAwareness(c *Conn, d *protocol.Decoder) error {
	update, err := protocol.ReadAwareness(d)
	if err != nil {
		return err
	}

	s.mu.Lock()
	controlled, bound := s.conns[c]
	if !bound {
		s.mu.Unlock()
		return nil
	}
	// Entries touching a client id another connection controls are
	// ignored, not fatal; the rest of the update still applies.
	rejected := false
	update, err = awareness.Filter(update, func(id uint64) bool {
		owner, owned := s.owners[id]
		if owned && owner != c {
			rejected = true
			return false
		}
		return true
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if rejected {
		s.reg.logger.Warn("awareness entries rejected", "doc", s.id, "conn", c.id)
	}
	if update == nil {
		s.mu.Unlock()
		return nil
	}
	ch, err := s.aw.ApplyUpdate(update)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	for _, id := range ch.Added {
		s.owners[id] = c
		controlled[id] = struct{}{}
	}
	for _, id := range ch.Removed {
		delete(s.owners, id)
		delete(controlled, id)
	}
	var out []byte
	if !ch.Empty() {
		out = s.aw.EncodeUpdate(ch.Touched())
	}
	conns := s.connSnapshot()
	s.mu.Unlock()

	if out != nil {
		s.broadcastAwareness(conns, out)
	}
	return nil
}

// HandleClose runs the close path for a departing connection: release the
// awareness client ids it controlled, broadcast their departure, and when
// the binding map empties, flush persistence and evict the session.
func (s *DocSession) HandleClose(c *Conn) {
	s.mu.Lock()
	ids, bound := s.conns[c]
	if !bound {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c)

	released := make([]uint64, 0, len(ids))
	for id := range ids {
		if s.owners[id] == c {
			delete(s.owners, id)
			released = append(released, id)
		}
	}
	var out []byte
	if len(released) > 0 {
		if ch := s.aw.Remove(released); !ch.Empty() {
			out = s.aw.EncodeUpdate(released)
		}
	}
	last := len(s.conns) == 0
	conns := s.connSnapshot()
	s.mu.Unlock()

	if out != nil {
		s.broadcastAwareness(conns, out)
	}
	if last {
		s.reg.release(s)
	}
}

// onDocUpdate is the session's fan-out hook, invoked by the document with
// the session mutex held: every applied update goes to all bound
// connections except the strict origin, then to the durable log and the
// change notifier.
func (s *DocSession) onDocUpdate(update []byte, origin any) {
	frame := protocol.EncodeSyncUpdate(update)
	originConn, _ := origin.(*Conn)
	for c := range s.conns {
		if c == originConn {
			continue
		}
		c.send(frame)
		s.reg.metrics.framesOut.WithLabelValues("sync").Inc()
	}

	if _, replayed := origin.(persistTag); replayed {
		return
	}
	if s.persistReady && s.reg.store != nil {
		if err := s.reg.store.AppendUpdate(context.Background(), s.id, update); err != nil {
			s.reg.metrics.persistenceErrors.Inc()
			s.reg.logger.Error("append update", "doc", s.id, "error", err)
		}
	}
	if s.reg.notifier.Enabled() {
		s.reg.notifier.DocChanged(s.id, s.materialize)
	}
}

func (s *DocSession) connSnapshot() []*Conn {
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *DocSession) broadcastAwareness(conns []*Conn, update []byte) {
	frame := protocol.EncodeAwareness(update)
	for _, c := range conns {
		c.send(frame)
		s.reg.metrics.framesOut.WithLabelValues("awareness").Inc()
	}
}

// materialize renders the configured shared types as plain JSON values for
// the change notifier. It runs on the notifier's timer goroutine.
func (s *DocSession) materialize() map[string]notify.TypeContent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]notify.TypeContent)
	for name, kind := range s.reg.notifier.Objects() {
		var content any
		switch kind {
		case "text":
			content = s.doc.Text(name).String()
		case "list", "array":
			values := s.doc.List(name).Values()
			items := make([]any, len(values))
			for i, v := range values {
				items[i] = v.ToJSON()
			}
			content = items
		case "map":
			m := s.doc.Map(name)
			entries := make(map[string]any, m.Len())
			for _, k := range m.Keys() {
				if v, ok := m.Get(k); ok {
					entries[k] = v.ToJSON()
				}
			}
			content = entries
		case "xml":
			nodes := s.doc.XML(name).Nodes()
			items := make([]any, len(nodes))
			for i := range nodes {
				items[i] = crdt.Element(&nodes[i]).ToJSON()
			}
			content = items
		default:
			s.reg.logger.Warn("unknown notifier object kind", "name", name, "kind", kind)
			continue
		}
		out[name] = notify.TypeContent{Type: kind, Content: content}
	}
	return out
}
