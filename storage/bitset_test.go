package storage

import "testing"

func TestBitsetSetClearTest(t *testing.T) {
	var b Bitset
	b.Set(3)
	b.Set(64)
	b.Set(200)

	if !b.Test(3) || !b.Test(64) || !b.Test(200) {
		t.Fatalf("expected set bits to read back")
	}
	if b.Test(4) || b.Test(63) {
		t.Fatalf("unexpected bits set")
	}
	if b.Count() != 3 {
		t.Fatalf("expected count 3, got %d", b.Count())
	}

	b.Clear(64)
	if b.Test(64) {
		t.Fatalf("expected bit to clear")
	}
	// Clearing past the end must be a no-op.
	b.Clear(100000)
	if b.Count() != 2 {
		t.Fatalf("expected count 2, got %d", b.Count())
	}
}

func TestBitsetEachAscending(t *testing.T) {
	var b Bitset
	for _, i := range []uint32{130, 5, 64, 0} {
		b.Set(i)
	}

	got := make([]uint32, 0, 4)
	b.Each(func(i uint32) bool {
		got = append(got, i)
		return true
	})

	want := []uint32{0, 5, 64, 130}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestBitsetReset(t *testing.T) {
	var b Bitset
	b.Set(10)
	b.Set(500)
	b.Reset()
	if b.Count() != 0 {
		t.Fatalf("expected empty bitset after reset, got %d", b.Count())
	}
}
