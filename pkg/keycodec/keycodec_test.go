package keycodec

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEncode_OrderingInt32(t *testing.T) {
	pairs := [][2]int32{{-100, -1}, {-1, 0}, {0, 1}, {1, 100}, {-2147483648, 2147483647}}
	for _, p := range pairs {
		lo, err := Encode(Int32, p[0])
		if err != nil {
			t.Fatalf("encode %d: %v", p[0], err)
		}
		hi, err := Encode(Int32, p[1])
		if err != nil {
			t.Fatalf("encode %d: %v", p[1], err)
		}
		if Compare(lo, hi) >= 0 {
			t.Errorf("expected encode(%d) < encode(%d)", p[0], p[1])
		}
	}
}

func TestEncode_OrderingInt64(t *testing.T) {
	lo, _ := Encode(Int64, int64(-1))
	hi, _ := Encode(Int64, int64(1))
	if Compare(lo, hi) >= 0 {
		t.Error("expected -1 < 1")
	}
}

func TestEncode_OrderingString(t *testing.T) {
	a, _ := Encode(String, "Test0")
	b, _ := Encode(String, "Test2")
	if Compare(a, b) >= 0 {
		t.Error("expected Test0 < Test2")
	}
}

func TestEncode_OrderingUUID(t *testing.T) {
	u1 := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	u2 := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	a, _ := Encode(UUID, u1)
	b, _ := Encode(UUID, u2)
	if Compare(a, b) >= 0 {
		t.Error("expected u1 < u2")
	}
}

func TestEncode_OrderingDateTime(t *testing.T) {
	t1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	a, _ := Encode(DateTime, t1)
	b, _ := Encode(DateTime, t2)
	if Compare(a, b) >= 0 {
		t.Error("expected t1 < t2")
	}
}

func TestEncode_WrongType(t *testing.T) {
	_, err := Encode(Int32, "not an int32")
	if err == nil {
		t.Fatal("expected InvalidKey error")
	}
}

func TestCompare_Infinities(t *testing.T) {
	finite, _ := Encode(Int32, int32(1 << 20))
	if Compare(NegativeInfinity, finite) >= 0 {
		t.Error("expected -inf < finite")
	}
	if Compare(finite, PositiveInfinity) >= 0 {
		t.Error("expected finite < +inf")
	}
	if Compare(PositiveInfinity, PositiveInfinity) != 0 {
		t.Error("expected +inf == +inf")
	}
}

func TestCompare_LengthTieBreak(t *testing.T) {
	short := []byte{0x01}
	long := []byte{0x01, 0x00}
	if Compare(short, long) >= 0 {
		t.Error("expected shorter prefix to sort before longer")
	}
}
