package protocol

import "errors"

// MessageType is the leading varint tag of every frame exchanged between a
// client and the sync server.
type MessageType uint64

const (
	// MessageSync carries a two-phase sync handshake step or a live update.
	MessageSync MessageType = 0
	// MessageAwareness carries an ephemeral presence (awareness) delta.
	MessageAwareness MessageType = 1
)

// String returns the string representation of the message type.
func (mt MessageType) String() string {
	switch mt {
	case MessageSync:
		return "Sync"
	case MessageAwareness:
		return "Awareness"
	default:
		return "Unknown"
	}
}

// SyncStep is the sub-step tag embedded in a MessageSync payload.
type SyncStep uint64

const (
	// SyncStep1 declares the sender's state vector.
	SyncStep1 SyncStep = 0
	// SyncStep2 replies with the updates the peer is missing.
	SyncStep2 SyncStep = 1
	// SyncUpdate carries a live delta. Identical wire shape to SyncStep2; the
	// distinct tag only marks steady-state traffic.
	SyncUpdate SyncStep = 2
)

// Message errors.
var (
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrUnknownSyncStep    = errors.New("protocol: unknown sync step")
)

// Wire format of a frame:
//
//	[msgType: varuint][payload]
//
// MessageSync payload:
//
//	[syncStep: varuint][body: varuint length-prefixed bytes]
//
// MessageAwareness payload:
//
//	[body: varuint length-prefixed bytes]

// EncodeSyncStep1 encodes a SyncStep1 frame carrying a state vector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 encodes a SyncStep2 frame carrying a missing-update set.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeSyncUpdate encodes a live update frame.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func encodeSync(step SyncStep, body []byte) []byte {
	e := NewEncoderWithCap(len(body) + 2*MaxVarintLen)
	e.WriteUvarint(uint64(MessageSync))
	e.WriteUvarint(uint64(step))
	e.WriteVarBytes(body)
	return e.Bytes()
}

// EncodeAwareness encodes an awareness delta frame.
func EncodeAwareness(update []byte) []byte {
	e := NewEncoderWithCap(len(update) + 2*MaxVarintLen)
	e.WriteUvarint(uint64(MessageAwareness))
	e.WriteVarBytes(update)
	return e.Bytes()
}

// ReadMessageType consumes and validates the leading message type tag.
func ReadMessageType(d *Decoder) (MessageType, error) {
	tag, err := d.ReadUvarint()
	if err != nil {
		return 0, err
	}
	mt := MessageType(tag)
	if mt != MessageSync && mt != MessageAwareness {
		return 0, ErrUnknownMessageType
	}
	return mt, nil
}

// ReadSyncStep consumes the sync sub-step tag and its body from a MessageSync
// payload. The message type tag must already have been consumed.
func ReadSyncStep(d *Decoder) (SyncStep, []byte, error) {
	tag, err := d.ReadUvarint()
	if err != nil {
		return 0, nil, err
	}
	step := SyncStep(tag)
	if step != SyncStep1 && step != SyncStep2 && step != SyncUpdate {
		return 0, nil, ErrUnknownSyncStep
	}
	body, err := d.ReadVarBytes()
	if err != nil {
		return 0, nil, err
	}
	return step, body, nil
}

// ReadAwareness consumes the awareness body from a MessageAwareness payload.
// The message type tag must already have been consumed.
func ReadAwareness(d *Decoder) ([]byte, error) {
	return d.ReadVarBytes()
}
