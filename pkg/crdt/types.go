package crdt

import (
	"bytes"
	"sort"
	"strings"
)

// TypeKind identifies the shape of a shared type.
type TypeKind uint8

const (
	TypeText TypeKind = 0
	TypeList TypeKind = 1
	TypeMap  TypeKind = 2
	TypeXML  TypeKind = 3
)

func (k TypeKind) String() string {
	switch k {
	case TypeText:
		return "text"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	case TypeXML:
		return "xml"
	default:
		return "unknown"
	}
}

// item is one element of a sequence type. Deleted items remain as tombstones
// until the document is compacted.
type item struct {
	id      ID
	pos     Position
	content Value
	deleted bool
}

// mapEntry is the winning write for a map key.
type mapEntry struct {
	id        ID
	content   Value
	tombstone bool
}

// sharedType is the integrated state of one named type in a document.
// Sequence kinds keep items sorted by (pos, client, clock); the map kind keeps
// a last-writer-wins register per key.
type sharedType struct {
	name  string
	kind  TypeKind
	items []*item
	byID  map[ID]*item
	state map[string]*mapEntry

	// deleted maps every tombstoned item id, including targets whose
	// insert has not arrived yet, to the id of the delete op that killed
	// it. Deletes and inserts commute, and the delete ops can be rebuilt
	// when the log is compacted.
	deleted map[ID]ID
}

func newSharedType(name string, kind TypeKind) *sharedType {
	return &sharedType{
		name:    name,
		kind:    kind,
		byID:    make(map[ID]*item),
		state:   make(map[string]*mapEntry),
		deleted: make(map[ID]ID),
	}
}

// search returns the index at which an item with the given sort key would be
// inserted to keep items ordered.
func (t *sharedType) search(pos Position, id ID) int {
	return sort.Search(len(t.items), func(i int) bool {
		it := t.items[i]
		if c := bytes.Compare(it.pos, pos); c != 0 {
			return c > 0
		}
		if it.id.Client != id.Client {
			return it.id.Client > id.Client
		}
		return it.id.Clock > id.Clock
	})
}

func (t *sharedType) applyInsert(op *Op) {
	if _, ok := t.byID[op.ID]; ok {
		return
	}
	it := &item{id: op.ID, pos: op.Pos, content: op.Content, deleted: op.Tombstone}
	if _, dead := t.deleted[op.ID]; dead {
		it.deleted = true
	}
	i := t.search(it.pos, it.id)
	t.items = append(t.items, nil)
	copy(t.items[i+1:], t.items[i:])
	t.items[i] = it
	t.byID[op.ID] = it
}

func (t *sharedType) applyDelete(op *Op) {
	t.deleted[op.Target] = op.ID
	if it, ok := t.byID[op.Target]; ok {
		it.deleted = true
	}
}

// applyMapSet keeps the write with the highest (clock, client) per key.
func (t *sharedType) applyMapSet(op *Op) {
	cur, ok := t.state[op.MapKey]
	if ok {
		if op.ID.Clock < cur.id.Clock {
			return
		}
		if op.ID.Clock == cur.id.Clock && op.ID.Client < cur.id.Client {
			return
		}
	}
	t.state[op.MapKey] = &mapEntry{id: op.ID, content: op.Content, tombstone: op.Tombstone}
}

// visible returns the live items in document order.
func (t *sharedType) visible() []*item {
	out := make([]*item, 0, len(t.items))
	for _, it := range t.items {
		if !it.deleted {
			out = append(out, it)
		}
	}
	return out
}

// neighbors returns the positions bracketing visible index i for a new insert
// placed before that index. Either side may be nil at the edges.
func (t *sharedType) neighbors(i int) (left, right Position) {
	n := 0
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		if n == i {
			right = it.pos
			return
		}
		left = it.pos
		n++
	}
	return
}

// compact sheds the content of tombstoned items. The items themselves stay,
// with their ids and positions, so diffs served from compacted state still
// carry every delete a stale peer has yet to see.
func (t *sharedType) compact() {
	for _, it := range t.items {
		if it.deleted {
			it.content = Value{}
		}
	}
}

// Text is a sequence of runes shared across replicas.
type Text struct {
	doc *Doc
	t   *sharedType
}

// Len reports the number of visible runes.
func (x *Text) Len() int {
	n := 0
	for _, it := range x.t.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// String renders the visible text.
func (x *Text) String() string {
	var b strings.Builder
	for _, it := range x.t.items {
		if it.deleted {
			continue
		}
		b.WriteString(it.content.Str)
	}
	return b.String()
}

// Insert places s before rune index. Index is clamped to the current length.
func (x *Text) Insert(index int, s string) {
	if s == "" {
		return
	}
	if n := x.Len(); index > n {
		index = n
	}
	if index < 0 {
		index = 0
	}
	left, right := x.t.neighbors(index)
	var ops []*Op
	var pos Position
	for _, r := range s {
		if pos == nil {
			pos = Between(left, right, x.doc.clientID)
		} else {
			pos = Extend(pos, x.doc.clientID)
		}
		ops = append(ops, &Op{
			ID:       x.doc.nextID(),
			Kind:     OpInsert,
			Type:     x.t.name,
			TypeKind: x.t.kind,
			Pos:      pos,
			Content:  String(string(r)),
		})
	}
	x.doc.commitLocal(ops)
}

// Delete removes length runes starting at index.
func (x *Text) Delete(index, length int) {
	x.doc.deleteRange(x.t, index, length)
}

// List is a shared ordered sequence of values.
type List struct {
	doc *Doc
	t   *sharedType
}

// Len reports the number of visible elements.
func (l *List) Len() int {
	n := 0
	for _, it := range l.t.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// Values returns the visible elements in order.
func (l *List) Values() []Value {
	vis := l.t.visible()
	out := make([]Value, len(vis))
	for i, it := range vis {
		out[i] = it.content
	}
	return out
}

// Get returns the element at index, if present.
func (l *List) Get(index int) (Value, bool) {
	vis := l.t.visible()
	if index < 0 || index >= len(vis) {
		return Value{}, false
	}
	return vis[index].content, true
}

// Insert places v before index. Index is clamped to the current length.
func (l *List) Insert(index int, v Value) {
	if n := l.Len(); index > n {
		index = n
	}
	if index < 0 {
		index = 0
	}
	left, right := l.t.neighbors(index)
	pos := Between(left, right, l.doc.clientID)
	l.doc.commitLocal([]*Op{{
		ID:       l.doc.nextID(),
		Kind:     OpInsert,
		Type:     l.t.name,
		TypeKind: l.t.kind,
		Pos:      pos,
		Content:  v,
	}})
}

// Push appends v at the end.
func (l *List) Push(v Value) {
	l.Insert(l.Len(), v)
}

// Delete removes the element at index.
func (l *List) Delete(index int) {
	l.doc.deleteRange(l.t, index, 1)
}

// Map is a shared key/value register with last-writer-wins semantics.
type Map struct {
	doc *Doc
	t   *sharedType
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	e, ok := m.t.state[key]
	if !ok || e.tombstone {
		return Value{}, false
	}
	return e.content, true
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.t.state))
	for k, e := range m.t.state {
		if !e.tombstone {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len reports the number of live keys.
func (m *Map) Len() int {
	n := 0
	for _, e := range m.t.state {
		if !e.tombstone {
			n++
		}
	}
	return n
}

// Set writes v under key.
func (m *Map) Set(key string, v Value) {
	m.doc.commitLocal([]*Op{{
		ID:       m.doc.nextID(),
		Kind:     OpMapSet,
		Type:     m.t.name,
		TypeKind: m.t.kind,
		MapKey:   key,
		Content:  v,
	}})
}

// Delete removes key.
func (m *Map) Delete(key string) {
	m.doc.commitLocal([]*Op{{
		ID:        m.doc.nextID(),
		Kind:      OpMapSet,
		Type:      m.t.name,
		TypeKind:  m.t.kind,
		MapKey:    key,
		Tombstone: true,
	}})
}

// XML is a shared flat sequence of element nodes.
type XML struct {
	doc *Doc
	t   *sharedType
}

// Len reports the number of visible nodes.
func (x *XML) Len() int {
	n := 0
	for _, it := range x.t.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// Nodes returns the visible nodes in order.
func (x *XML) Nodes() []Node {
	vis := x.t.visible()
	out := make([]Node, 0, len(vis))
	for _, it := range vis {
		if it.content.Node != nil {
			out = append(out, *it.content.Node)
		}
	}
	return out
}

// InsertNode places n before index. Index is clamped to the current length.
func (x *XML) InsertNode(index int, n Node) {
	if l := x.Len(); index > l {
		index = l
	}
	if index < 0 {
		index = 0
	}
	left, right := x.t.neighbors(index)
	pos := Between(left, right, x.doc.clientID)
	x.doc.commitLocal([]*Op{{
		ID:       x.doc.nextID(),
		Kind:     OpInsert,
		Type:     x.t.name,
		TypeKind: x.t.kind,
		Pos:      pos,
		Content:  Element(&n),
	}})
}

// Delete removes the node at index.
func (x *XML) Delete(index int) {
	x.doc.deleteRange(x.t, index, 1)
}
