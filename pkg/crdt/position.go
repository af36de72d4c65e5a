package crdt

import "encoding/binary"

// Position is a dense sequence identifier: an opaque byte string ordered by
// bytes.Compare. Positions are allocated by Between and are globally unique
// because the allocating client's id is embedded as a suffix; the ordering of
// concurrent insertions at the same spot is therefore total and deterministic.
//
// The digit-string scheme replaces the bounded float positions seen in
// ad-hoc sequence CRDTs: it never runs out of precision, so any number of
// insertions can land between two existing positions.
type Position []byte

// Between allocates a fresh position strictly between left and right for the
// given client. A nil left means the head of the sequence, a nil right means
// the tail. left must compare strictly less than right when both are set.
func Between(left, right Position, client uint64) Position {
	mid := midpoint(left, right)

	// Suffix with the allocator's id so concurrent allocations between the
	// same neighbors produce distinct, totally ordered positions. The
	// trailing 0x01 keeps the invariant that positions never end in 0x00,
	// which midpoint relies on for density.
	out := make(Position, 0, len(mid)+9)
	out = append(out, mid...)
	out = binary.BigEndian.AppendUint64(out, client)
	out = append(out, 0x01)
	return out
}

// Extend returns a position immediately after prev, valid within whatever
// gap prev itself was allocated in: an extension of a freshly allocated
// position sorts after it and still before that allocation's right neighbor.
// Runs of items inserted together chain through Extend so a concurrent run
// from another client cannot interleave inside them.
func Extend(prev Position, client uint64) Position {
	out := make(Position, 0, len(prev)+10)
	out = append(out, prev...)
	out = append(out, 0x80)
	out = binary.BigEndian.AppendUint64(out, client)
	return append(out, 0x01)
}

// midpoint returns a byte string strictly between a and b, where nil b means
// positive infinity. The result is never a prefix of b, so appending a suffix
// preserves the strict upper bound.
func midpoint(a, b []byte) []byte {
	if b != nil {
		// Strip the common prefix and keep it on the result.
		i := 0
		for i < len(a) && i < len(b) && a[i] == b[i] {
			i++
		}
		if i > 0 {
			rest := midpoint(a[i:], b[i:])
			out := make([]byte, 0, i+len(rest))
			out = append(out, b[:i]...)
			return append(out, rest...)
		}
	}

	var da int
	if len(a) > 0 {
		da = int(a[0])
	}
	db := 256
	if b != nil {
		// b cannot be empty here: a < b and the common prefix is gone.
		db = int(b[0])
	}

	switch {
	case db-da > 1:
		// Room at this depth.
		return []byte{byte((da + db) / 2)}
	case db == da:
		// Only possible when a is exhausted: descend into b.
		rest := midpoint(nil, b[1:])
		return append([]byte{byte(db)}, rest...)
	default:
		// Adjacent digits: keep a's digit and extend below infinity.
		var tail []byte
		if len(a) > 0 {
			tail = a[1:]
		}
		rest := midpoint(tail, nil)
		return append([]byte{byte(da)}, rest...)
	}
}
