// Package crdt implements the conflict-free replicated document model.
//
// A document is a set of named shared types (text, list, map, xml). Every
// edit produces operations stamped with the editing client's id and a
// per-client clock. Operations are self-contained and commute: sequence
// inserts carry a dense position allocated by Between, deletes name their
// target by id and take effect even if they arrive first, and map writes
// resolve by last-writer-wins. Replicas that integrate the same set of
// operations converge regardless of delivery order, and re-applying an
// operation is a no-op.
package crdt

import (
	"errors"
	"math/rand"
	"sort"

	"github.com/coedit-dev/coedit/pkg/protocol"
)

// UpdateHandler observes updates applied to a document. For local edits the
// origin is nil; for remote updates it is the origin passed to ApplyUpdate.
type UpdateHandler func(update []byte, origin any)

// ErrNotEmpty is returned when a snapshot is applied to a document that
// already holds operations.
var ErrNotEmpty = errors.New("crdt: document is not empty")

// clientLog retains one client's operations keyed by clock. next is the
// contiguous prefix: every clock below it has been integrated (though the op
// itself may have been compacted away). Clocks at or beyond next with no
// entry are gaps still in flight.
type clientLog struct {
	ops  map[uint64]*Op
	next uint64
}

// Doc is a replicated document. It is not safe for concurrent use; callers
// serialize access.
type Doc struct {
	clientID uint64
	clock    uint64
	gc       bool

	logs     map[uint64]*clientLog
	shared   map[string]*sharedType
	handlers []UpdateHandler
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID fixes the document's client id instead of picking a random one.
func WithClientID(id uint64) Option {
	return func(d *Doc) { d.clientID = id }
}

// WithGC controls whether compaction sheds the content of tombstoned items.
// Enabled by default.
func WithGC(enabled bool) Option {
	return func(d *Doc) { d.gc = enabled }
}

// NewDoc creates an empty document.
func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		clientID: rand.Uint64(),
		gc:       true,
		logs:     make(map[uint64]*clientLog),
		shared:   make(map[string]*sharedType),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ClientID returns the id this document stamps on local operations.
func (d *Doc) ClientID() uint64 { return d.clientID }

// OnUpdate registers a handler invoked after every applied update.
func (d *Doc) OnUpdate(h UpdateHandler) {
	d.handlers = append(d.handlers, h)
}

// Text returns the shared text with the given name, creating it if needed.
func (d *Doc) Text(name string) *Text {
	return &Text{doc: d, t: d.typ(name, TypeText)}
}

// List returns the shared list with the given name, creating it if needed.
func (d *Doc) List(name string) *List {
	return &List{doc: d, t: d.typ(name, TypeList)}
}

// Map returns the shared map with the given name, creating it if needed.
func (d *Doc) Map(name string) *Map {
	return &Map{doc: d, t: d.typ(name, TypeMap)}
}

// XML returns the shared xml fragment with the given name, creating it if
// needed.
func (d *Doc) XML(name string) *XML {
	return &XML{doc: d, t: d.typ(name, TypeXML)}
}

// TypeNames returns the names of all shared types, sorted.
func (d *Doc) TypeNames() []string {
	names := make([]string, 0, len(d.shared))
	for name := range d.shared {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypeKindOf reports the kind of a named shared type.
func (d *Doc) TypeKindOf(name string) (TypeKind, bool) {
	t, ok := d.shared[name]
	if !ok {
		return 0, false
	}
	return t.kind, true
}

func (d *Doc) typ(name string, kind TypeKind) *sharedType {
	if t, ok := d.shared[name]; ok {
		return t
	}
	t := newSharedType(name, kind)
	d.shared[name] = t
	return t
}

func (d *Doc) log(client uint64) *clientLog {
	l, ok := d.logs[client]
	if !ok {
		l = &clientLog{ops: make(map[uint64]*Op)}
		d.logs[client] = l
	}
	return l
}

// nextID stamps the next local operation and advances the local clock so a
// batch of ops built before commit gets contiguous clocks.
func (d *Doc) nextID() ID {
	id := ID{Client: d.clientID, Clock: d.clock}
	d.clock++
	return id
}

// commitLocal integrates locally created ops and emits them as one update.
func (d *Doc) commitLocal(ops []*Op) {
	if len(ops) == 0 {
		return
	}
	for _, op := range ops {
		d.apply(op)
	}
	d.fire(EncodeUpdate(ops), nil)
}

// deleteRange tombstones length visible items starting at index.
func (d *Doc) deleteRange(t *sharedType, index, length int) {
	if index < 0 || length <= 0 {
		return
	}
	vis := t.visible()
	if index >= len(vis) {
		return
	}
	end := index + length
	if end > len(vis) {
		end = len(vis)
	}
	ops := make([]*Op, 0, end-index)
	for _, it := range vis[index:end] {
		ops = append(ops, &Op{
			ID:       d.nextID(),
			Kind:     OpDelete,
			Type:     t.name,
			TypeKind: t.kind,
			Target:   it.id,
		})
	}
	d.commitLocal(ops)
}

// apply integrates a single op, reporting whether it was new. Ops whose
// clock falls below the contiguous prefix, or that are already retained, are
// duplicates.
func (d *Doc) apply(op *Op) bool {
	l := d.log(op.ID.Client)
	if op.ID.Clock < l.next {
		return false
	}
	if _, ok := l.ops[op.ID.Clock]; ok {
		return false
	}
	l.ops[op.ID.Clock] = op
	for l.ops[l.next] != nil {
		l.next++
	}
	d.applyToType(op)
	return true
}

func (d *Doc) applyToType(op *Op) {
	t := d.typ(op.Type, op.TypeKind)
	switch op.Kind {
	case OpInsert:
		t.applyInsert(op)
	case OpDelete:
		t.applyDelete(op)
	case OpMapSet:
		t.applyMapSet(op)
	}
}

// ApplyUpdate integrates a remote update. Operations already integrated are
// skipped, and handlers fire with the given origin only when at least one
// operation was newly applied.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	ops, err := DecodeUpdate(update)
	if err != nil {
		return err
	}
	var applied []*Op
	for _, op := range ops {
		if d.apply(op) {
			applied = append(applied, op)
		}
	}
	if len(applied) > 0 {
		d.fire(EncodeUpdate(applied), origin)
	}
	return nil
}

// PendingOps reports the number of retained operations still ahead of their
// client's contiguous prefix, waiting for in-flight gaps to close.
func (d *Doc) PendingOps() int {
	n := 0
	for _, l := range d.logs {
		for clock := range l.ops {
			if clock >= l.next {
				n++
			}
		}
	}
	return n
}

func (d *Doc) fire(update []byte, origin any) {
	for _, h := range d.handlers {
		h(update, origin)
	}
}

// StateVector returns the document's state vector: for each client, the
// length of the contiguous operation prefix already integrated.
func (d *Doc) StateVector() Vector {
	v := make(Vector, len(d.logs))
	for client, l := range d.logs {
		if l.next > 0 {
			v[client] = l.next
		}
	}
	return v
}

// EncodeStateVector serializes the state vector.
func (d *Doc) EncodeStateVector() []byte {
	return d.StateVector().Encode()
}

// EncodeDiff returns an update holding every retained operation the remote
// state vector does not cover, or nil when the remote is up to date.
func (d *Doc) EncodeDiff(remote Vector) []byte {
	clients := make([]uint64, 0, len(d.logs))
	for client := range d.logs {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var ops []*Op
	for _, client := range clients {
		l := d.logs[client]
		from := remote[client]
		clocks := make([]uint64, 0, len(l.ops))
		for clock := range l.ops {
			if clock >= from {
				clocks = append(clocks, clock)
			}
		}
		sort.Slice(clocks, func(i, j int) bool { return clocks[i] < clocks[j] })
		for _, clock := range clocks {
			ops = append(ops, l.ops[clock])
		}
	}
	if len(ops) == 0 {
		return nil
	}
	return EncodeUpdate(ops)
}

// EncodeStateAsUpdate returns the full document as a single update, or nil
// for an empty document.
func (d *Doc) EncodeStateAsUpdate() []byte {
	return d.EncodeDiff(Vector{})
}

// snapshotOps collects the operations a snapshot must carry: every sequence
// item, the delete that tombstoned it, and the winning write per map key.
// Deletes keep their original ids, so a diff served from reloaded state still
// reaches a peer whose vector predates them. With gc enabled the content of
// deleted items is shed; the causal record is not.
func (d *Doc) snapshotOps() []*Op {
	names := d.TypeNames()
	var ops []*Op
	for _, name := range names {
		t := d.shared[name]
		for _, it := range t.items {
			content := it.content
			if it.deleted && d.gc {
				content = Null()
			}
			ops = append(ops, &Op{
				ID:       it.id,
				Kind:     OpInsert,
				Type:     t.name,
				TypeKind: t.kind,
				Pos:      it.pos,
				Content:  content,
			})
		}
		targets := make([]ID, 0, len(t.deleted))
		for target := range t.deleted {
			targets = append(targets, target)
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i].Less(targets[j]) })
		for _, target := range targets {
			ops = append(ops, &Op{
				ID:       t.deleted[target],
				Kind:     OpDelete,
				Type:     t.name,
				TypeKind: t.kind,
				Target:   target,
			})
		}
		keys := make([]string, 0, len(t.state))
		for k := range t.state {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e := t.state[k]
			ops = append(ops, &Op{
				ID:        e.id,
				Kind:      OpMapSet,
				Type:      t.name,
				TypeKind:  t.kind,
				MapKey:    k,
				Tombstone: e.tombstone,
				Content:   e.content,
			})
		}
	}
	return ops
}

// EncodeSnapshot serializes the document as a compact snapshot: the state
// vector followed by the retained operations. Unlike a plain update, a
// snapshot carries the vector explicitly so garbage collected history is
// recorded as already integrated.
func (d *Doc) EncodeSnapshot() []byte {
	e := protocol.NewEncoder()
	e.WriteVarBytes(d.EncodeStateVector())
	e.WriteBytes(EncodeUpdate(d.snapshotOps()))
	return e.Bytes()
}

// ApplySnapshot loads a snapshot produced by EncodeSnapshot into an empty
// document. The snapshot's state vector becomes the document's, so stale
// replays of garbage collected operations are skipped as duplicates.
func (d *Doc) ApplySnapshot(snapshot []byte) error {
	if len(d.logs) > 0 || d.clock > 0 {
		return ErrNotEmpty
	}
	dec := protocol.NewDecoder(snapshot)
	vecBytes, err := dec.ReadVarBytes()
	if err != nil {
		return err
	}
	vec, err := DecodeVector(vecBytes)
	if err != nil {
		return err
	}
	rest, err := dec.ReadBytes(dec.Remaining())
	if err != nil {
		return err
	}
	ops, err := DecodeUpdate(rest)
	if err != nil {
		return err
	}
	for _, op := range ops {
		l := d.log(op.ID.Client)
		l.ops[op.ID.Clock] = op
		d.applyToType(op)
	}
	for client, clock := range vec {
		l := d.log(client)
		if l.next < clock {
			l.next = clock
		}
	}
	if l, ok := d.logs[d.clientID]; ok && d.clock < l.next {
		d.clock = l.next
	}
	return nil
}

// Compact sheds the content of tombstoned items and rebuilds the operation
// log from the retained state, preserving the state vector. Item ids,
// positions, and delete records all survive, so diffs served afterwards
// still converge a peer holding an older state vector; only the deleted
// payloads are gone. Without gc this is a no-op.
func (d *Doc) Compact() {
	if !d.gc {
		return
	}
	for _, t := range d.shared {
		t.compact()
	}
	logs := make(map[uint64]*clientLog, len(d.logs))
	for client, old := range d.logs {
		logs[client] = &clientLog{ops: make(map[uint64]*Op), next: old.next}
	}
	for _, op := range d.snapshotOps() {
		l, ok := logs[op.ID.Client]
		if !ok {
			l = &clientLog{ops: make(map[uint64]*Op)}
			logs[op.ID.Client] = l
		}
		l.ops[op.ID.Clock] = op
	}
	d.logs = logs
}
