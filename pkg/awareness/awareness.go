// Package awareness tracks ephemeral per-client presence state (cursor
// positions, names, selections) alongside a replicated document. Awareness
// state is not part of the document history: each client id carries a small
// JSON blob and a clock, later clocks supersede earlier ones, and a null
// state announces departure.
package awareness

import (
	"bytes"
	"encoding/json"

	"github.com/coedit-dev/coedit/pkg/protocol"
)

var null = []byte("null")

// Awareness holds the last known state per client id. It is not safe for
// concurrent use; callers serialize access.
type Awareness struct {
	states map[uint64]json.RawMessage
	clocks map[uint64]uint64
}

// Change lists the client ids affected by an applied update.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty reports whether the update changed nothing.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Touched returns every client id named by the change.
func (c Change) Touched() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

// New creates an empty awareness tracker.
func New() *Awareness {
	return &Awareness{
		states: make(map[uint64]json.RawMessage),
		clocks: make(map[uint64]uint64),
	}
}

// States returns the live states by client id. The returned map is shared;
// callers must not mutate it.
func (a *Awareness) States() map[uint64]json.RawMessage {
	return a.states
}

// Clock returns the last seen clock for a client id.
func (a *Awareness) Clock(client uint64) uint64 {
	return a.clocks[client]
}

// Len reports the number of clients with live state.
func (a *Awareness) Len() int {
	return len(a.states)
}

// SetState records a local state change for a client id, bumping its clock.
// A nil or literal-null state announces departure.
func (a *Awareness) SetState(client uint64, state json.RawMessage) Change {
	a.clocks[client]++
	_, had := a.states[client]
	if isNull(state) {
		delete(a.states, client)
		if had {
			return Change{Removed: []uint64{client}}
		}
		return Change{}
	}
	a.states[client] = state
	if had {
		return Change{Updated: []uint64{client}}
	}
	return Change{Added: []uint64{client}}
}

// Remove marks the given client ids as departed, bumping their clocks.
func (a *Awareness) Remove(clients []uint64) Change {
	var ch Change
	for _, client := range clients {
		a.clocks[client]++
		if _, had := a.states[client]; had {
			delete(a.states, client)
			ch.Removed = append(ch.Removed, client)
		}
	}
	return ch
}

// ApplyUpdate integrates a remote awareness update. An entry wins if its
// clock is newer than the known one, or if it announces departure at the
// clock currently held. Stale entries are ignored.
func (a *Awareness) ApplyUpdate(update []byte) (Change, error) {
	entries, err := decodeEntries(update)
	if err != nil {
		return Change{}, err
	}
	var ch Change
	for _, e := range entries {
		known, seen := a.clocks[e.client]
		_, live := a.states[e.client]
		newer := !seen || e.clock > known
		supersedes := seen && e.clock == known && isNull(e.state) && live
		if !newer && !supersedes {
			continue
		}
		a.clocks[e.client] = e.clock
		if isNull(e.state) {
			delete(a.states, e.client)
			if live {
				ch.Removed = append(ch.Removed, e.client)
			}
			continue
		}
		a.states[e.client] = e.state
		if live {
			ch.Updated = append(ch.Updated, e.client)
		} else {
			ch.Added = append(ch.Added, e.client)
		}
	}
	return ch, nil
}

// EncodeUpdate serializes the current entries for the given client ids.
// Departed or unknown ids encode with a null state so receivers drop them.
func (a *Awareness) EncodeUpdate(clients []uint64) []byte {
	e := protocol.NewEncoder()
	e.WriteUvarint(uint64(len(clients)))
	for _, client := range clients {
		state, ok := a.states[client]
		if !ok {
			state = null
		}
		e.WriteUvarint(client)
		e.WriteUvarint(a.clocks[client])
		e.WriteVarBytes(state)
	}
	return e.Bytes()
}

// EncodeAll serializes every live entry, for handing the full picture to a
// newly joined connection. Returns nil when no client has live state.
func (a *Awareness) EncodeAll() []byte {
	if len(a.states) == 0 {
		return nil
	}
	clients := make([]uint64, 0, len(a.states))
	for client := range a.states {
		clients = append(clients, client)
	}
	return a.EncodeUpdate(clients)
}

// ClientIDs lists the client ids named in an encoded update without applying
// it, so callers can enforce ownership before the update takes effect.
func ClientIDs(update []byte) ([]uint64, error) {
	entries, err := decodeEntries(update)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.client)
	}
	return ids, nil
}

// Filter re-encodes an update keeping only the entries whose client id the
// predicate accepts. The original update comes back untouched when every
// entry passes; nil comes back when none do.
func Filter(update []byte, keep func(client uint64) bool) ([]byte, error) {
	entries, err := decodeEntries(update)
	if err != nil {
		return nil, err
	}
	kept := make([]entry, 0, len(entries))
	for _, e := range entries {
		if keep(e.client) {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return update, nil
	}
	if len(kept) == 0 {
		return nil, nil
	}
	e := protocol.NewEncoder()
	e.WriteUvarint(uint64(len(kept)))
	for _, en := range kept {
		e.WriteUvarint(en.client)
		e.WriteUvarint(en.clock)
		e.WriteVarBytes(en.state)
	}
	return e.Bytes(), nil
}

type entry struct {
	client uint64
	clock  uint64
	state  json.RawMessage
}

func decodeEntries(update []byte) ([]entry, error) {
	d := protocol.NewDecoder(update)
	count, err := d.ReadCount()
	if err != nil {
		return nil, err
	}
	entries := make([]entry, 0, count)
	for i := 0; i < count; i++ {
		var e entry
		if e.client, err = d.ReadUvarint(); err != nil {
			return nil, err
		}
		if e.clock, err = d.ReadUvarint(); err != nil {
			return nil, err
		}
		raw, err := d.ReadVarBytes()
		if err != nil {
			return nil, err
		}
		e.state = raw
		entries = append(entries, e)
	}
	return entries, nil
}

func isNull(state json.RawMessage) bool {
	return len(state) == 0 || bytes.Equal(state, null)
}
