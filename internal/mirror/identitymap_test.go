package mirror

import (
	"errors"
	"testing"

	"github.com/stellarlinkco/mirrorbot/internal/platform"
)

func TestIdentityMapPutGet(t *testing.T) {
	m := NewIdentityMap(10, 0)

	m.Put(1, 101)
	m.Put(2, 102)

	target, ok := m.Get(1)
	if !ok || target != 101 {
		t.Fatalf("Get(1) = %d, %v; want 101, true", target, ok)
	}
	if _, ok := m.Get(99); ok {
		t.Fatal("Get(99) should miss")
	}

	stats := m.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %d hits, %d misses; want 1, 1", stats.Hits, stats.Misses)
	}
	if got := stats.HitRate(); got != 0.5 {
		t.Fatalf("hit rate = %v; want 0.5", got)
	}
}

func TestIdentityMapUpdateExisting(t *testing.T) {
	m := NewIdentityMap(10, 0)
	m.Put(1, 101)
	m.Put(1, 201)

	if m.Len() != 1 {
		t.Fatalf("Len = %d; want 1", m.Len())
	}
	if target, _ := m.Get(1); target != 201 {
		t.Fatalf("Get(1) = %d; want 201", target)
	}
}

func TestIdentityMapCapacityNeverExceeded(t *testing.T) {
	const capacity = 8
	m := NewIdentityMap(capacity, 0)
	for i := 1; i <= capacity*3; i++ {
		m.Put(platform.MessageID(i), platform.MessageID(i+1000))
		if m.Len() > capacity {
			t.Fatalf("size %d exceeds capacity %d after insert %d", m.Len(), capacity, i)
		}
	}
}

func TestIdentityMapEvictsLeastRecentlyUsed(t *testing.T) {
	m := NewIdentityMap(3, 0)
	m.Put(1, 101)
	m.Put(2, 102)
	m.Put(3, 103)

	// Touch 1 so 2 becomes the coldest entry.
	if _, ok := m.Get(1); !ok {
		t.Fatal("Get(1) should hit")
	}

	m.Put(4, 104)

	if m.Has(2) {
		t.Fatal("entry 2 should have been evicted")
	}
	for _, id := range []platform.MessageID{1, 3, 4} {
		if !m.Has(id) {
			t.Fatalf("entry %d should survive eviction", id)
		}
	}
}

func TestIdentityMapBatchEvictionToLowWater(t *testing.T) {
	m := NewIdentityMap(5, 3)
	for i := 1; i <= 6; i++ {
		m.Put(platform.MessageID(i), platform.MessageID(i+100))
	}
	// The sixth insert pushes past capacity and drains down to low water.
	if m.Len() != 3 {
		t.Fatalf("Len = %d; want 3", m.Len())
	}
	for _, id := range []platform.MessageID{4, 5, 6} {
		if !m.Has(id) {
			t.Fatalf("entry %d should survive batch eviction", id)
		}
	}
}

func TestIdentityMapPutBatch(t *testing.T) {
	m := NewIdentityMap(10, 0)

	err := m.PutBatch(
		[]platform.MessageID{1, 2, 3},
		[]platform.MessageID{101, 102, 103},
	)
	if err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if m.Len() != 3 {
		t.Fatalf("Len = %d; want 3", m.Len())
	}
}

func TestIdentityMapPutBatchLengthMismatch(t *testing.T) {
	m := NewIdentityMap(10, 0)

	err := m.PutBatch(
		[]platform.MessageID{1, 2, 3},
		[]platform.MessageID{101, 102},
	)
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("err = %v; want ErrLengthMismatch", err)
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d after failed PutBatch; want 0", m.Len())
	}
}

func TestIdentityMapGetBatchDropsMisses(t *testing.T) {
	m := NewIdentityMap(10, 0)
	m.Put(1, 101)
	m.Put(3, 103)

	targets := m.GetBatch([]platform.MessageID{1, 2, 3})
	if len(targets) != 2 || targets[0] != 101 || targets[1] != 103 {
		t.Fatalf("GetBatch = %v; want [101 103]", targets)
	}

	stats := m.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Fatalf("stats = %d hits, %d misses; want 2, 1", stats.Hits, stats.Misses)
	}
}

func TestIdentityMapRemoveAndClear(t *testing.T) {
	m := NewIdentityMap(10, 0)
	m.Put(1, 101)
	m.Put(2, 102)

	if !m.Remove(1) {
		t.Fatal("Remove(1) should report true")
	}
	if m.Remove(1) {
		t.Fatal("second Remove(1) should report false")
	}

	m.Get(2)
	m.Clear()
	if m.Len() != 0 {
		t.Fatalf("Len = %d after Clear; want 0", m.Len())
	}
	stats := m.Stats()
	if stats.Hits != 0 || stats.Misses != 0 {
		t.Fatalf("counters not reset: %+v", stats)
	}
}
