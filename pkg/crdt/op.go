package crdt

import (
	"errors"

	"github.com/coedit-dev/coedit/pkg/protocol"
)

// OpKind tags the effect of an operation.
type OpKind uint8

const (
	// OpInsert places a new item at a dense position in a sequence type.
	OpInsert OpKind = 0
	// OpDelete tombstones the item identified by Target.
	OpDelete OpKind = 1
	// OpMapSet writes (or, with Tombstone, removes) a map key. Last writer
	// wins, ordered by (clock, client).
	OpMapSet OpKind = 2
)

// Update decoding errors.
var (
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	ErrUnknownOpKind = errors.New("crdt: unknown op kind")
)

// Op is a single CRDT operation. Every op carries its own ID; an update is an
// ordered batch of ops. Ops are self-contained: integrating them in any
// cross-client order yields the same state as long as each client's ops are
// integrated in clock order.
type Op struct {
	ID       ID
	Kind     OpKind
	Type     string   // shared type name
	TypeKind TypeKind // shape of the shared type, for creation on first sight

	// OpInsert. Tombstone marks an item born deleted.
	Pos     Position
	Content Value

	// OpDelete
	Target ID

	// OpMapSet
	MapKey    string
	Tombstone bool
}

// EncodeUpdate serializes a batch of ops as an opaque update.
func EncodeUpdate(ops []*Op) []byte {
	e := protocol.NewEncoderWithCap(64 * len(ops))
	e.WriteUvarint(uint64(len(ops)))
	for _, op := range ops {
		e.WriteUvarint(op.ID.Client)
		e.WriteUvarint(op.ID.Clock)
		e.WriteByte(byte(op.Kind))
		e.WriteString(op.Type)
		e.WriteByte(byte(op.TypeKind))
		switch op.Kind {
		case OpInsert:
			e.WriteVarBytes(op.Pos)
			e.WriteBool(op.Tombstone)
			encodeValue(e, op.Content)
		case OpDelete:
			e.WriteUvarint(op.Target.Client)
			e.WriteUvarint(op.Target.Clock)
		case OpMapSet:
			e.WriteString(op.MapKey)
			e.WriteBool(op.Tombstone)
			if !op.Tombstone {
				encodeValue(e, op.Content)
			}
		}
	}
	return e.Bytes()
}

// DecodeUpdate parses an update produced by EncodeUpdate. An empty input
// decodes to zero ops.
func DecodeUpdate(data []byte) ([]*Op, error) {
	if len(data) == 0 {
		return nil, nil
	}
	d := protocol.NewDecoder(data)
	count, err := d.ReadCount()
	if err != nil {
		return nil, err
	}
	ops := make([]*Op, 0, count)
	for i := 0; i < count; i++ {
		op, err := decodeOp(d)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if !d.EOF() {
		return nil, ErrInvalidUpdate
	}
	return ops, nil
}

func decodeOp(d *protocol.Decoder) (*Op, error) {
	op := &Op{}
	var err error
	if op.ID.Client, err = d.ReadUvarint(); err != nil {
		return nil, err
	}
	if op.ID.Clock, err = d.ReadUvarint(); err != nil {
		return nil, err
	}
	kind, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	op.Kind = OpKind(kind)
	if op.Type, err = d.ReadString(); err != nil {
		return nil, err
	}
	tk, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	op.TypeKind = TypeKind(tk)

	switch op.Kind {
	case OpInsert:
		pos, err := d.ReadVarBytes()
		if err != nil {
			return nil, err
		}
		op.Pos = Position(pos)
		if op.Tombstone, err = d.ReadBool(); err != nil {
			return nil, err
		}
		if op.Content, err = decodeValue(d); err != nil {
			return nil, err
		}
	case OpDelete:
		if op.Target.Client, err = d.ReadUvarint(); err != nil {
			return nil, err
		}
		if op.Target.Clock, err = d.ReadUvarint(); err != nil {
			return nil, err
		}
	case OpMapSet:
		if op.MapKey, err = d.ReadString(); err != nil {
			return nil, err
		}
		if op.Tombstone, err = d.ReadBool(); err != nil {
			return nil, err
		}
		if !op.Tombstone {
			if op.Content, err = decodeValue(d); err != nil {
				return nil, err
			}
		}
	default:
		return nil, ErrUnknownOpKind
	}
	return op, nil
}
