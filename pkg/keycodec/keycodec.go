// Package keycodec encodes typed shard keys into a byte string whose
// lexicographic order matches the key's semantic order, so that range
// mappings and list mappings can be compared, stored and looked up purely
// as bytes regardless of the configured key type.
package keycodec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sharding-system/pkg/mserrors"
)

// KeyType identifies the supported shard key types.
type KeyType string

const (
	Int32          KeyType = "int32"
	Int64          KeyType = "int64"
	UInt32         KeyType = "uint32"
	UUID           KeyType = "uuid"
	DateTime       KeyType = "datetime"
	DateTimeOffset KeyType = "datetime_offset"
	TimeSpan       KeyType = "time_span"
	Binary         KeyType = "binary"
	String         KeyType = "string"
)

// PositiveInfinity is the distinguished sentinel that compares greater
// than every other encoding. NegativeInfinity is the empty byte string,
// which is already smaller than any non-empty encoding. Compare treats
// every one-byte 0xFF encoding as this sentinel, so a one-byte Binary
// key 0xFF compares equal to PositiveInfinity; Encode does not reject
// such a key.
var PositiveInfinity = []byte{0xFF}

// NegativeInfinity is the empty encoding; used as the implicit low bound
// of the first range in a map.
var NegativeInfinity = []byte{}

// Encode converts a typed Go value into its canonical ordered byte
// encoding for keyType. It returns mserrors.KindInvalidKey if value's Go
// type does not match keyType.
func Encode(keyType KeyType, value any) ([]byte, error) {
	switch keyType {
	case Int32:
		v, ok := value.(int32)
		if !ok {
			return nil, invalidKey(keyType, value)
		}
		return encodeSignedFlipped(uint64(uint32(v)), 4), nil
	case Int64:
		v, ok := value.(int64)
		if !ok {
			return nil, invalidKey(keyType, value)
		}
		return encodeSignedFlipped(uint64(v), 8), nil
	case UInt32:
		v, ok := value.(uint32)
		if !ok {
			return nil, invalidKey(keyType, value)
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, v)
		return buf, nil
	case UUID:
		v, ok := value.(uuid.UUID)
		if !ok {
			return nil, invalidKey(keyType, value)
		}
		b := make([]byte, 16)
		copy(b, v[:])
		return b, nil
	case DateTime:
		v, ok := value.(time.Time)
		if !ok {
			return nil, invalidKey(keyType, value)
		}
		return encodeSignedFlipped(uint64(v.UTC().UnixNano()/100), 8), nil
	case DateTimeOffset:
		v, ok := value.(time.Time)
		if !ok {
			return nil, invalidKey(keyType, value)
		}
		return encodeSignedFlipped(uint64(v.UTC().UnixNano()/100), 8), nil
	case TimeSpan:
		v, ok := value.(time.Duration)
		if !ok {
			return nil, invalidKey(keyType, value)
		}
		return encodeSignedFlipped(uint64(v.Nanoseconds()/100), 8), nil
	case Binary:
		v, ok := value.([]byte)
		if !ok {
			return nil, invalidKey(keyType, value)
		}
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	case String:
		v, ok := value.(string)
		if !ok {
			return nil, invalidKey(keyType, value)
		}
		return encodeUTF16BE(v), nil
	default:
		return nil, mserrors.New(mserrors.KindInvalidKey, mserrors.CategoryValidation,
			fmt.Sprintf("unsupported key type %q", keyType))
	}
}

// encodeSignedFlipped sign-flips a two's-complement value of byteLen
// bytes (by toggling its sign bit) and writes it big-endian, so that
// lexicographic byte order on the result equals signed numeric order.
func encodeSignedFlipped(v uint64, byteLen int) []byte {
	signBit := uint64(1) << (byteLen*8 - 1)
	flipped := v ^ signBit
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, flipped)
	return buf[8-byteLen:]
}

// encodeUTF16BE encodes s as big-endian UTF-16 code units with no length
// prefix; ordinal comparison of the result matches UTF-16 code-unit
// ordering of s.
func encodeUTF16BE(s string) []byte {
	units := utf16Encode(s)
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.BigEndian.PutUint16(buf[2*i:], u)
	}
	return buf
}

// utf16Encode is a minimal UTF-16 encoder (surrogate-pair aware) kept
// local to avoid importing the stdlib unicode/utf16 package's rune-slice
// detour for a single call site.
func utf16Encode(s string) []uint16 {
	var out []uint16
	for _, r := range s {
		if r <= 0xFFFF {
			out = append(out, uint16(r))
			continue
		}
		r -= 0x10000
		out = append(out, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
	}
	return out
}

func invalidKey(keyType KeyType, value any) error {
	return mserrors.New(mserrors.KindInvalidKey, mserrors.CategoryValidation,
		fmt.Sprintf("value %v does not match key type %q", value, keyType))
}

// Compare returns -1, 0 or 1 comparing two already-encoded keys, treating
// a nil/empty slice as NegativeInfinity and PositiveInfinity as greater
// than any encoding produced by Encode.
func Compare(a, b []byte) int {
	aInf := isPositiveInfinity(a)
	bInf := isPositiveInfinity(b)
	switch {
	case aInf && bInf:
		return 0
	case aInf:
		return 1
	case bInf:
		return -1
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func isPositiveInfinity(b []byte) bool {
	return len(b) == 1 && b[0] == 0xFF
}
