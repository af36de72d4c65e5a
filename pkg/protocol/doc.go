// Package protocol implements the binary wire protocol spoken between
// collaborative clients and the sync server.
//
// Every frame begins with a varint message type tag. Sync frames carry the
// two-phase handshake (state vector exchange followed by a missing-update
// reply) and steady-state live deltas; awareness frames carry ephemeral
// presence payloads. All integers on the wire are unsigned varints and all
// variable payloads are varint length-prefixed.
//
// The Encoder/Decoder pair provides allocation-bounded primitives shared by
// the CRDT update format and the awareness codec.
package protocol
