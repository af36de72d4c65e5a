package protocol

import (
	"math"
	"testing"
)

func TestEncodeDecodeUvarint(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
		bytes int // expected encoded length
	}{
		{"zero", 0, 1},
		{"one", 1, 1},
		{"max_1byte", 127, 1},
		{"min_2byte", 128, 2},
		{"max_2byte", 16383, 2},
		{"min_3byte", 16384, 3},
		{"medium", 1000000, 3},
		{"large", 1 << 28, 5},
		{"max_uint32", math.MaxUint32, 5},
		{"max_uint64", math.MaxUint64, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, MaxVarintLen)
			n := EncodeUvarint(buf, tc.value)

			if n != tc.bytes {
				t.Errorf("EncodeUvarint(%d) = %d bytes, want %d", tc.value, n, tc.bytes)
			}
			if UvarintLen(tc.value) != tc.bytes {
				t.Errorf("UvarintLen(%d) = %d, want %d", tc.value, UvarintLen(tc.value), tc.bytes)
			}

			decoded, read := DecodeUvarint(buf[:n])
			if read != n {
				t.Errorf("DecodeUvarint read %d bytes, want %d", read, n)
			}
			if decoded != tc.value {
				t.Errorf("DecodeUvarint = %d, want %d", decoded, tc.value)
			}
		})
	}
}

func TestDecodeUvarintErrors(t *testing.T) {
	t.Run("incomplete", func(t *testing.T) {
		_, n := DecodeUvarint([]byte{0x80, 0x80})
		if n != -1 {
			t.Errorf("DecodeUvarint on truncated input = %d, want -1", n)
		}
	})

	t.Run("overflow", func(t *testing.T) {
		buf := make([]byte, 11)
		for i := range buf {
			buf[i] = 0x80
		}
		_, n := DecodeUvarint(buf)
		if n != -2 {
			t.Errorf("DecodeUvarint on 11 continuation bytes = %d, want -2", n)
		}
	})

	t.Run("empty", func(t *testing.T) {
		_, n := DecodeUvarint(nil)
		if n != -1 {
			t.Errorf("DecodeUvarint(nil) = %d, want -1", n)
		}
	})
}
