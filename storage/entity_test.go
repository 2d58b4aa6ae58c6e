package storage

import "testing"

func TestTableCreateAndDestroy(t *testing.T) {
	tab := NewTable(Doubling())
	a := tab.Create()
	b := tab.Create()

	if a == b {
		t.Fatalf("expected unique entities, got same: %v", a)
	}
	if tab.Count() != 2 {
		t.Fatalf("expected 2 live entities, got %d", tab.Count())
	}
	if !tab.IsAlive(a) || !tab.IsAlive(b) {
		t.Fatalf("expected entities to be alive")
	}

	if !tab.Destroy(a) {
		t.Fatalf("expected destroy to succeed")
	}
	if tab.IsAlive(a) {
		t.Fatalf("entity should be destroyed")
	}
	if tab.Count() != 1 {
		t.Fatalf("expected 1 live entity, got %d", tab.Count())
	}

	// Recycled entity should have new generation.
	c := tab.Create()
	if c.Index() != a.Index() {
		t.Fatalf("expected recycled index %d, got %d", a.Index(), c.Index())
	}
	if c.Generation() == a.Generation() {
		t.Fatalf("expected generation to increment on recycle")
	}
}

func TestTableRejectsStaleHandle(t *testing.T) {
	tab := NewTable(Doubling())
	e := tab.Create()
	if !tab.Destroy(e) {
		t.Fatalf("destroy failed")
	}

	if tab.Destroy(e) {
		t.Fatalf("expected destroy of stale handle to fail")
	}
	if tab.IsAlive(e) {
		t.Fatalf("stale handle should not be alive")
	}
}

func TestEntityPacking(t *testing.T) {
	e := NewEntity(7, 3)
	if e.Index() != 7 {
		t.Fatalf("unexpected index: %d", e.Index())
	}
	if e.Generation() != 3 {
		t.Fatalf("unexpected generation: %d", e.Generation())
	}
	if e.IsZero() {
		t.Fatalf("packed entity should not be zero")
	}
	if (Entity(0)).String() != "Entity(0:0)" {
		t.Fatalf("unexpected zero string: %s", Entity(0).String())
	}
	if e.String() != "Entity(7:3)" {
		t.Fatalf("unexpected string: %s", e.String())
	}
}

func TestTableCreateAt(t *testing.T) {
	tab := NewTable(Doubling())

	e, err := tab.CreateAt(5)
	if err != nil {
		t.Fatalf("create at: %v", err)
	}
	if e.Index() != 5 {
		t.Fatalf("expected index 5, got %d", e.Index())
	}
	if !tab.IsAlive(e) {
		t.Fatalf("expected fixed-index entity to be alive")
	}

	if _, err := tab.CreateAt(5); err == nil {
		t.Fatalf("expected create at live index to fail")
	}

	// Gap indices must be reusable by plain Create.
	seen := make(map[uint32]bool)
	for i := 0; i < 5; i++ {
		seen[tab.Create().Index()] = true
	}
	for i := uint32(0); i < 5; i++ {
		if !seen[i] {
			t.Fatalf("expected gap index %d to be recycled, got %v", i, seen)
		}
	}
}

func TestTableRestoreFromGenerations(t *testing.T) {
	tab := NewTable(Doubling())
	a := tab.Create()
	b := tab.Create()
	c := tab.Create()
	tab.Destroy(b)

	restored := NewTableFrom(tab.Generations(), Doubling())
	if restored.Count() != 2 {
		t.Fatalf("expected 2 live entities after restore, got %d", restored.Count())
	}
	if !restored.IsAlive(a) || !restored.IsAlive(c) {
		t.Fatalf("expected surviving entities to stay alive")
	}
	if restored.IsAlive(b) {
		t.Fatalf("destroyed entity must stay dead after restore")
	}

	// The freed index must be recyclable.
	d := restored.Create()
	if d.Index() != b.Index() {
		t.Fatalf("expected restored table to recycle index %d, got %d", b.Index(), d.Index())
	}
}

func TestTableRejectsForgedEvenGeneration(t *testing.T) {
	tab := NewTable(Doubling())
	tab.EnsureCapacity(8)

	// Slot 5 exists but was never created; its generation is 0.
	if tab.IsAlive(NewEntity(5, 0)) {
		t.Fatalf("pre-sized slot must not look alive")
	}

	e := tab.Create()
	tab.Destroy(e)
	if tab.IsAlive(NewEntity(e.Index(), e.Generation()+1)) {
		t.Fatalf("handle forged from a dead slot's generation must not look alive")
	}
}

func TestTableRange(t *testing.T) {
	tab := NewTable(Doubling())
	a := tab.Create()
	b := tab.Create()
	tab.Destroy(a)

	visited := make([]Entity, 0, 1)
	tab.Range(func(e Entity) bool {
		visited = append(visited, e)
		return true
	})
	if len(visited) != 1 || visited[0] != b {
		t.Fatalf("unexpected range result: %v", visited)
	}
}
