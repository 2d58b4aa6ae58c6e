package storage

import "testing"

type health struct {
	HP int
}

func TestPoolSetGetRemove(t *testing.T) {
	tab := NewTable(Doubling())
	pool := NewPool[health](Doubling())

	e := tab.Create()
	if added := pool.Set(e, health{HP: 42}); !added {
		t.Fatalf("expected first set to report added")
	}
	if !pool.Has(e) {
		t.Fatalf("expected Has to be true")
	}
	got, ok := pool.Get(e)
	if !ok || got.HP != 42 {
		t.Fatalf("unexpected get result: %#v, ok=%v", got, ok)
	}

	if added := pool.Set(e, health{HP: 7}); added {
		t.Fatalf("expected overwrite to report not added")
	}
	if got, _ := pool.Get(e); got.HP != 7 {
		t.Fatalf("expected overwrite to stick, got %d", got.HP)
	}

	if !pool.Remove(e) {
		t.Fatalf("remove failed")
	}
	if pool.Has(e) {
		t.Fatalf("value should be removed")
	}
	if pool.Len() != 0 {
		t.Fatalf("expected empty pool, got %d", pool.Len())
	}
}

func TestPoolSwapDeleteKeepsDensity(t *testing.T) {
	tab := NewTable(Doubling())
	pool := NewPool[health](Doubling())

	a := tab.Create()
	b := tab.Create()
	c := tab.Create()
	pool.Set(a, health{HP: 1})
	pool.Set(b, health{HP: 2})
	pool.Set(c, health{HP: 3})

	if !pool.Remove(a) {
		t.Fatalf("remove failed")
	}
	if pool.Len() != 2 {
		t.Fatalf("expected len 2, got %d", pool.Len())
	}
	if len(pool.Entities()) != 2 || len(pool.Values()) != 2 {
		t.Fatalf("dense arrays out of sync: %d entities, %d values", len(pool.Entities()), len(pool.Values()))
	}

	// Survivors must stay reachable through the sparse index.
	for _, want := range []struct {
		e  Entity
		hp int
	}{{b, 2}, {c, 3}} {
		got, ok := pool.Get(want.e)
		if !ok || got.HP != want.hp {
			t.Fatalf("lost %v after swap-delete: got %#v ok=%v", want.e, got, ok)
		}
	}
}

func TestPoolRejectsStaleHandle(t *testing.T) {
	tab := NewTable(Doubling())
	pool := NewPool[health](Doubling())

	a := tab.Create()
	pool.Set(a, health{HP: 9})
	tab.Destroy(a)
	pool.Remove(a)

	// Recycle the index; the old handle must not alias the new component.
	b := tab.Create()
	if b.Index() != a.Index() {
		t.Fatalf("expected index recycle for this test, got %d vs %d", b.Index(), a.Index())
	}
	pool.Set(b, health{HP: 100})

	if pool.Has(a) {
		t.Fatalf("stale handle should not see recycled component")
	}
	if _, ok := pool.Get(a); ok {
		t.Fatalf("stale get should miss")
	}
	got, ok := pool.Get(b)
	if !ok || got.HP != 100 {
		t.Fatalf("fresh handle lookup failed: %#v ok=%v", got, ok)
	}
}

func TestPoolMaskTracksPresence(t *testing.T) {
	tab := NewTable(Doubling())
	pool := NewPool[health](Doubling())

	a := tab.Create()
	b := tab.Create()
	pool.Set(a, health{})
	pool.Set(b, health{})
	if pool.Mask().Count() != 2 {
		t.Fatalf("expected 2 mask bits, got %d", pool.Mask().Count())
	}

	pool.Remove(a)
	if pool.Mask().Test(a.Index()) {
		t.Fatalf("mask bit should clear on remove")
	}
	if !pool.Mask().Test(b.Index()) {
		t.Fatalf("mask bit for survivor should stay set")
	}
}

func TestPoolClear(t *testing.T) {
	tab := NewTable(Doubling())
	pool := NewPool[health](Doubling())
	for i := 0; i < 10; i++ {
		pool.Set(tab.Create(), health{HP: i})
	}

	pool.Clear()
	if pool.Len() != 0 {
		t.Fatalf("expected empty pool, got %d", pool.Len())
	}
	if pool.Mask().Count() != 0 {
		t.Fatalf("expected empty mask, got %d", pool.Mask().Count())
	}
}

func BenchmarkPoolGet(b *testing.B) {
	tab := NewTable(Doubling())
	pool := NewPool[health](Doubling())
	entities := make([]Entity, 1024)
	for i := range entities {
		entities[i] = tab.Create()
		pool.Set(entities[i], health{HP: i})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := pool.Get(entities[i&1023]); !ok {
			b.Fatal("miss")
		}
	}
}
