package server

import (
	"context"
	"time"

	"github.com/coedit-dev/coedit/pkg/crdt"
)

const persistenceTimeout = 30 * time.Second

// bindPersistence replays the durable log into a freshly created session and
// marks it for incremental appends. Load failures leave the session purely
// in-memory: it keeps synchronizing, never appends, and skips the teardown
// snapshot so a partial state cannot clobber the stored one.
func (r *Registry) bindPersistence(s *DocSession) {
	defer close(s.loaded)

	ctx, cancel := context.WithTimeout(context.Background(), persistenceTimeout)
	defer cancel()

	snapshot, updates, err := r.store.Load(ctx, s.id)
	if err != nil {
		r.metrics.persistenceErrors.Inc()
		r.logger.Error("load document", "doc", s.id, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.doc.StateVector()) == 0 {
		// Nothing raced in; replay straight into the live document.
		if snapshot != nil {
			if err := s.doc.ApplySnapshot(snapshot); err != nil {
				r.metrics.persistenceErrors.Inc()
				r.logger.Error("apply snapshot", "doc", s.id, "error", err)
				return
			}
		}
		for _, u := range updates {
			if err := s.doc.ApplyUpdate(u, originPersistence); err != nil {
				r.logger.Warn("skip corrupt stored update", "doc", s.id, "error", err)
			}
		}
		s.persistReady = true
		return
	}

	// Edits arrived while the load was in flight. Rebuild the stored state
	// on a scratch document, append the raced-ahead live delta to the log,
	// then merge the stored state forward into the live document.
	scratch := crdt.NewDoc(crdt.WithGC(r.cfg.GC))
	if snapshot != nil {
		if err := scratch.ApplySnapshot(snapshot); err != nil {
			r.metrics.persistenceErrors.Inc()
			r.logger.Error("apply snapshot", "doc", s.id, "error", err)
			return
		}
	}
	for _, u := range updates {
		if err := scratch.ApplyUpdate(u, nil); err != nil {
			r.logger.Warn("skip corrupt stored update", "doc", s.id, "error", err)
		}
	}

	if diff := s.doc.EncodeDiff(scratch.StateVector()); diff != nil {
		if err := r.store.AppendUpdate(ctx, s.id, diff); err != nil {
			r.metrics.persistenceErrors.Inc()
			r.logger.Error("append racing updates", "doc", s.id, "error", err)
			return
		}
	}
	if stored := scratch.EncodeDiff(s.doc.StateVector()); stored != nil {
		if err := s.doc.ApplyUpdate(stored, originPersistence); err != nil {
			r.logger.Error("merge stored state", "doc", s.id, "error", err)
			return
		}
	}
	s.persistReady = true
}

// writeState flushes the session's compacted state as a snapshot, but only
// while no connection is bound. A connection racing back in skips the flush;
// its own close path repeats it.
func (r *Registry) writeState(ctx context.Context, s *DocSession) {
	if r.store == nil {
		return
	}
	s.mu.Lock()
	if len(s.conns) > 0 {
		// A connection raced back in; its own close path flushes later.
		s.mu.Unlock()
		return
	}
	if !s.persistReady {
		s.mu.Unlock()
		return
	}
	s.doc.Compact()
	snapshot := s.doc.EncodeSnapshot()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, persistenceTimeout)
	defer cancel()
	if err := r.store.SaveSnapshot(ctx, s.id, snapshot); err != nil {
		r.metrics.persistenceErrors.Inc()
		r.logger.Error("save snapshot", "doc", s.id, "error", err)
	}
}
