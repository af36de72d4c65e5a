package crdt

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/coedit-dev/coedit/pkg/protocol"
)

// ValueKind tags the wire encoding of a content value.
type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueFloat
	ValueString
	ValueJSON
	ValueNode
)

// ErrInvalidValue is returned when a content value has an unknown kind tag.
var ErrInvalidValue = errors.New("crdt: invalid content value")

// Value is the content payload of a sequence item or map entry.
// Exactly one field matching Kind is meaningful.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Float float64
	Str   string
	JSON  json.RawMessage
	Node  *Node
}

// Node is a flat element in an XML fragment: a named node with attributes
// and optional text content.
type Node struct {
	Name  string
	Attrs map[string]string
	Text  string
}

// Null returns the null value.
func Null() Value { return Value{Kind: ValueNull} }

// Bool wraps a boolean content value.
func Bool(v bool) Value { return Value{Kind: ValueBool, Bool: v} }

// Float wraps a numeric content value.
func Float(v float64) Value { return Value{Kind: ValueFloat, Float: v} }

// String wraps a string content value.
func String(s string) Value { return Value{Kind: ValueString, Str: s} }

// JSON wraps an arbitrary JSON-encoded content value.
func JSON(raw json.RawMessage) Value { return Value{Kind: ValueJSON, JSON: raw} }

// Element wraps an XML fragment node.
func Element(n *Node) Value { return Value{Kind: ValueNode, Node: n} }

// ToJSON converts the value to a plain JSON-serializable Go value.
func (v Value) ToJSON() any {
	switch v.Kind {
	case ValueBool:
		return v.Bool
	case ValueFloat:
		return v.Float
	case ValueString:
		return v.Str
	case ValueJSON:
		var out any
		if err := json.Unmarshal(v.JSON, &out); err != nil {
			return nil
		}
		return out
	case ValueNode:
		attrs := map[string]any{}
		for k, val := range v.Node.Attrs {
			attrs[k] = val
		}
		return map[string]any{
			"name":  v.Node.Name,
			"attrs": attrs,
			"text":  v.Node.Text,
		}
	default:
		return nil
	}
}

func encodeValue(e *protocol.Encoder, v Value) {
	e.WriteByte(byte(v.Kind))
	switch v.Kind {
	case ValueNull:
	case ValueBool:
		e.WriteBool(v.Bool)
	case ValueFloat:
		e.WriteFloat64(v.Float)
	case ValueString:
		e.WriteString(v.Str)
	case ValueJSON:
		e.WriteVarBytes(v.JSON)
	case ValueNode:
		e.WriteString(v.Node.Name)
		e.WriteString(v.Node.Text)
		keys := make([]string, 0, len(v.Node.Attrs))
		for k := range v.Node.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		e.WriteUvarint(uint64(len(keys)))
		for _, k := range keys {
			e.WriteString(k)
			e.WriteString(v.Node.Attrs[k])
		}
	}
}

func decodeValue(d *protocol.Decoder) (Value, error) {
	tag, err := d.ReadByte()
	if err != nil {
		return Value{}, err
	}
	v := Value{Kind: ValueKind(tag)}
	switch v.Kind {
	case ValueNull:
	case ValueBool:
		v.Bool, err = d.ReadBool()
	case ValueFloat:
		v.Float, err = d.ReadFloat64()
	case ValueString:
		v.Str, err = d.ReadString()
	case ValueJSON:
		var raw []byte
		raw, err = d.ReadVarBytes()
		v.JSON = raw
	case ValueNode:
		n := &Node{Attrs: map[string]string{}}
		if n.Name, err = d.ReadString(); err != nil {
			return Value{}, err
		}
		if n.Text, err = d.ReadString(); err != nil {
			return Value{}, err
		}
		var count int
		if count, err = d.ReadCount(); err != nil {
			return Value{}, err
		}
		for i := 0; i < count; i++ {
			k, kerr := d.ReadString()
			if kerr != nil {
				return Value{}, kerr
			}
			val, verr := d.ReadString()
			if verr != nil {
				return Value{}, verr
			}
			n.Attrs[k] = val
		}
		v.Node = n
	default:
		return Value{}, ErrInvalidValue
	}
	if err != nil {
		return Value{}, err
	}
	return v, nil
}
