package crdt

import (
	"sort"

	"github.com/coedit-dev/coedit/pkg/protocol"
)

// ID uniquely identifies one operation: the originating client and that
// client's operation counter. Clocks are contiguous per client, starting at 0.
type ID struct {
	Client uint64
	Clock  uint64
}

// Less orders IDs by (client, clock). Used only for deterministic tie-breaks;
// it carries no causal meaning across clients.
func (a ID) Less(b ID) bool {
	if a.Client != b.Client {
		return a.Client < b.Client
	}
	return a.Clock < b.Clock
}

// Vector is a state vector: for each known client, the number of contiguous
// operations already integrated (equivalently, the next expected clock).
// Clients absent from the map are at clock 0.
type Vector map[uint64]uint64

// Clock returns the next expected clock for the given client.
func (v Vector) Clock(client uint64) uint64 {
	return v[client]
}

// Covers reports whether v includes everything in other.
func (v Vector) Covers(other Vector) bool {
	for client, clock := range other {
		if v[client] < clock {
			return false
		}
	}
	return true
}

// Encode serializes the vector as [count][client][clock]... with clients in
// ascending order so equal vectors produce identical bytes.
func (v Vector) Encode() []byte {
	clients := make([]uint64, 0, len(v))
	for client, clock := range v {
		if clock > 0 {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	e := protocol.NewEncoder()
	e.WriteUvarint(uint64(len(clients)))
	for _, client := range clients {
		e.WriteUvarint(client)
		e.WriteUvarint(v[client])
	}
	return e.Bytes()
}

// DecodeVector parses a state vector produced by Encode. An empty or nil
// input decodes to the empty vector.
func DecodeVector(data []byte) (Vector, error) {
	v := Vector{}
	if len(data) == 0 {
		return v, nil
	}
	d := protocol.NewDecoder(data)
	n, err := d.ReadCount()
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		client, err := d.ReadUvarint()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadUvarint()
		if err != nil {
			return nil, err
		}
		v[client] = clock
	}
	return v, nil
}
