package mirror

import (
	"errors"
	"sync"

	orderedmap "github.com/elliotchance/orderedmap/v3"

	"github.com/stellarlinkco/mirrorbot/internal/platform"
)

// ErrLengthMismatch is returned by PutBatch when the source and target
// slices have different lengths. Nothing is written in that case.
var ErrLengthMismatch = errors.New("source and target id counts differ")

const (
	DefaultMapCapacity = 10000
	DefaultMapLowWater = 9000
)

// IdentityMap is a bounded source→target message-id cache with LRU
// eviction. Insertion order doubles as recency order: re-inserting or
// reading an entry moves it to the back, so the front is always the
// coldest entry.
type IdentityMap struct {
	mu       sync.Mutex
	entries  *orderedmap.OrderedMap[platform.MessageID, platform.MessageID]
	capacity int
	lowWater int
	hits     uint64
	misses   uint64
}

// NewIdentityMap returns a map holding at most capacity entries. When an
// insert pushes the map past capacity it evicts the least recently used
// entries down to lowWater. A lowWater of 0 (or anything out of range)
// means evict-one-per-insert.
func NewIdentityMap(capacity, lowWater int) *IdentityMap {
	if capacity <= 0 {
		capacity = DefaultMapCapacity
	}
	if lowWater <= 0 || lowWater > capacity {
		lowWater = capacity
	}
	return &IdentityMap{
		entries:  orderedmap.NewOrderedMap[platform.MessageID, platform.MessageID](),
		capacity: capacity,
		lowWater: lowWater,
	}
}

func (m *IdentityMap) Put(source, target platform.MessageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(source, target)
}

// PutBatch records one mapping per position. On length mismatch it
// returns ErrLengthMismatch without writing anything.
func (m *IdentityMap) PutBatch(sources, targets []platform.MessageID) error {
	if len(sources) != len(targets) {
		return ErrLengthMismatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range sources {
		m.put(sources[i], targets[i])
	}
	return nil
}

func (m *IdentityMap) put(source, target platform.MessageID) {
	m.entries.Delete(source)
	m.entries.Set(source, target)
	if m.entries.Len() > m.capacity {
		for m.entries.Len() > m.lowWater {
			front := m.entries.Front()
			m.entries.Delete(front.Key)
		}
	}
}

// Get returns the target id for source. A hit refreshes the entry's
// recency so entries that keep getting edited outlive cold ones.
func (m *IdentityMap) Get(source platform.MessageID) (platform.MessageID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.entries.Get(source)
	if !ok {
		m.misses++
		return 0, false
	}
	m.hits++
	m.entries.Delete(source)
	m.entries.Set(source, target)
	return target, true
}

// GetBatch returns the target ids for the sources that are mapped, in
// input order. Misses are dropped silently but counted in the stats.
func (m *IdentityMap) GetBatch(sources []platform.MessageID) []platform.MessageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets := make([]platform.MessageID, 0, len(sources))
	for _, source := range sources {
		target, ok := m.entries.Get(source)
		if !ok {
			m.misses++
			continue
		}
		m.hits++
		m.entries.Delete(source)
		m.entries.Set(source, target)
		targets = append(targets, target)
	}
	return targets
}

// Has reports whether source is mapped without touching recency or the
// hit/miss counters.
func (m *IdentityMap) Has(source platform.MessageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries.Get(source)
	return ok
}

func (m *IdentityMap) Remove(source platform.MessageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Delete(source)
}

// Clear drops all entries and resets the counters.
func (m *IdentityMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = orderedmap.NewOrderedMap[platform.MessageID, platform.MessageID]()
	m.hits = 0
	m.misses = 0
}

func (m *IdentityMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

func (m *IdentityMap) Capacity() int {
	return m.capacity
}

type MapStats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
}

func (s MapStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (m *IdentityMap) Stats() MapStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MapStats{
		Size:     m.entries.Len(),
		Capacity: m.capacity,
		Hits:     m.hits,
		Misses:   m.misses,
	}
}
