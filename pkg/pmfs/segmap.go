package pmfs

import (
	"math/bits"
	"sync"
)

// bitset is a fixed-size bit vector over segment numbers, backed by plain
// words — there's no arena/index library in the retrieved pack that fits
// this shape, so this is hand-rolled atop math/bits (see DESIGN.md).
type bitset struct {
	words []uint64
	n     int
}

func newBitset(n int) *bitset {
	return &bitset{words: make([]uint64, (n+63)/64), n: n}
}

func (b *bitset) set(i int)   { b.words[i/64] |= 1 << uint(i%64) }
func (b *bitset) clear(i int) { b.words[i/64] &^= 1 << uint(i%64) }
func (b *bitset) get(i int) bool {
	return b.words[i/64]&(1<<uint(i%64)) != 0
}

func (b *bitset) count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// nextClear returns the first clear bit at or after start, wrapping once.
// Returns -1 if every bit is set.
func (b *bitset) nextClear(start int) int {
	for i := 0; i < b.n; i++ {
		idx := (start + i) % b.n
		if !b.get(idx) {
			return idx
		}
	}
	return -1
}

// SegMap tracks segment membership in the Free / Prefree / in-use sets
// described in spec §4.4. "Dirty" is not stored directly: it is the
// in-use set minus whichever segments are currently Prefree or serving as
// a current-segment stream head.
type SegMap struct {
	mu      sync.RWMutex
	inUse   *bitset // 1 = segment holds at least one valid block or is reserved as a stream's current or preallocated segment
	prefree *bitset
	hint    int
}

// NewSegMap allocates a SegMap with every segment initially free.
func NewSegMap(total int) *SegMap {
	return &SegMap{
		inUse:   newBitset(total),
		prefree: newBitset(total),
	}
}

func (m *SegMap) IsFree(segno SegNo) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.inUse.get(int(segno))
}

func (m *SegMap) IsPrefree(segno SegNo) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefree.get(int(segno))
}

func (m *SegMap) MarkInUse(segno SegNo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inUse.set(int(segno))
	m.prefree.clear(int(segno))
}

func (m *SegMap) MarkPrefree(segno SegNo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefree.set(int(segno))
}

func (m *SegMap) MarkFree(segno SegNo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inUse.clear(int(segno))
	m.prefree.clear(int(segno))
}

// ReclaimPrefree moves every Prefree segment to Free, the step a
// checkpoint commit performs once its new version makes the old blocks
// they held permanently unreachable (spec §4.4, §4.6).
func (m *SegMap) ReclaimPrefree() []SegNo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reclaimed []SegNo
	for i := 0; i < m.prefree.n; i++ {
		if m.prefree.get(i) {
			reclaimed = append(reclaimed, SegNo(i))
			m.inUse.clear(i)
			m.prefree.clear(i)
		}
	}
	return reclaimed
}

// GetNewSegment picks a free segment for current-segment rotation,
// preferring one that is neither avoid (the stream's outgoing current
// segment) nor adjacent to it, to spread writes for GC locality, per
// spec §4.5.
func (m *SegMap) GetNewSegment(avoid SegNo) (SegNo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := m.hint
	idx := m.inUse.nextClear(start)
	if idx < 0 {
		return 0, ErrNoSpace
	}
	for i := 0; i < m.inUse.n; i++ {
		c := (start + i) % m.inUse.n
		d := int64(c) - int64(avoid)
		if !m.inUse.get(c) && (d < -1 || d > 1) {
			idx = c
			break
		}
	}
	if SegNo(idx) == avoid {
		idx2 := m.inUse.nextClear((idx + 1) % m.inUse.n)
		if idx2 >= 0 {
			idx = idx2
		}
	}
	m.inUse.set(idx)
	m.hint = (idx + 1) % m.inUse.n
	return SegNo(idx), nil
}

func (m *SegMap) FreeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inUse.n - m.inUse.count()
}

func (m *SegMap) PrefreeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefree.count()
}

func (m *SegMap) InUseCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inUse.count()
}

func (m *SegMap) Total() int {
	return m.inUse.n
}

// ForEachInUse calls fn for every in-use segment that is not currently
// prefree — the candidate pool for GC victim selection.
func (m *SegMap) ForEachInUse(fn func(SegNo)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := 0; i < m.inUse.n; i++ {
		if m.inUse.get(i) && !m.prefree.get(i) {
			fn(SegNo(i))
		}
	}
}
