package crdt

import (
	"bytes"
	"errors"
	"testing"
)

func TestUpdateCodec(t *testing.T) {
	pos := Between(nil, nil, 1)
	ops := []*Op{
		{
			ID:       ID{Client: 1, Clock: 0},
			Kind:     OpInsert,
			Type:     "content",
			TypeKind: TypeText,
			Pos:      pos,
			Content:  String("h"),
		},
		{
			ID:       ID{Client: 2, Clock: 5},
			Kind:     OpDelete,
			Type:     "content",
			TypeKind: TypeText,
			Target:   ID{Client: 1, Clock: 0},
		},
		{
			ID:       ID{Client: 3, Clock: 9},
			Kind:     OpMapSet,
			Type:     "meta",
			TypeKind: TypeMap,
			MapKey:   "title",
			Content:  Float(42),
		},
		{
			ID:        ID{Client: 3, Clock: 10},
			Kind:      OpMapSet,
			Type:      "meta",
			TypeKind:  TypeMap,
			MapKey:    "title",
			Tombstone: true,
		},
	}

	decoded, err := DecodeUpdate(EncodeUpdate(ops))
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(ops) {
		t.Fatalf("decoded %d ops, want %d", len(decoded), len(ops))
	}
	for i, op := range decoded {
		want := ops[i]
		if op.ID != want.ID || op.Kind != want.Kind || op.Type != want.Type {
			t.Fatalf("op %d header mismatch: %+v", i, op)
		}
	}
	if !bytes.Equal(decoded[0].Pos, pos) || decoded[0].Content.Str != "h" {
		t.Fatalf("insert payload mismatch: %+v", decoded[0])
	}
	if decoded[1].Target != (ID{Client: 1, Clock: 0}) {
		t.Fatalf("delete target mismatch: %+v", decoded[1])
	}
	if decoded[2].Content.Float != 42 {
		t.Fatalf("map value mismatch: %+v", decoded[2])
	}
	if !decoded[3].Tombstone {
		t.Fatal("map tombstone lost")
	}
}

func TestDecodeUpdateRejectsGarbage(t *testing.T) {
	encoded := EncodeUpdate([]*Op{{
		ID:       ID{Client: 1, Clock: 0},
		Kind:     OpInsert,
		Type:     "content",
		TypeKind: TypeText,
		Pos:      Between(nil, nil, 1),
		Content:  String("x"),
	}})

	t.Run("truncated", func(t *testing.T) {
		if _, err := DecodeUpdate(encoded[:len(encoded)-3]); err == nil {
			t.Fatal("expected error for truncated update")
		}
	})
	t.Run("trailing bytes", func(t *testing.T) {
		_, err := DecodeUpdate(append(append([]byte(nil), encoded...), 0xff))
		if !errors.Is(err, ErrInvalidUpdate) {
			t.Fatalf("got %v, want ErrInvalidUpdate", err)
		}
	})
	t.Run("unknown kind", func(t *testing.T) {
		bad := append([]byte(nil), encoded...)
		// Patch the kind byte: count varint, client varint, clock varint,
		// then kind.
		bad[3] = 0x7f
		if _, err := DecodeUpdate(bad); !errors.Is(err, ErrUnknownOpKind) {
			t.Fatalf("got %v, want ErrUnknownOpKind", err)
		}
	})
	t.Run("empty input", func(t *testing.T) {
		ops, err := DecodeUpdate(nil)
		if err != nil || ops != nil {
			t.Fatalf("got %v, %v", ops, err)
		}
	})
}
