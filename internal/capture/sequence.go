package capture

import (
	"strconv"
	"strings"
)

// SequenceMap maps a key sequence (digraph or trigraph identity) to a
// bounded ring of inter-press intervals. The key set is itself bounded:
// once maxKeys is reached the oldest-inserted key is evicted. Eviction of
// intervals is FIFO per key.
type SequenceMap struct {
	maxKeys   int
	perKey    int
	entries   map[string]*Ring[float64]
	order     []string // insertion order, oldest first
	orderHead int
}

// NewSequenceMap creates a map bounded to maxKeys keys of perKey intervals each.
func NewSequenceMap(maxKeys, perKey int) *SequenceMap {
	return &SequenceMap{
		maxKeys: maxKeys,
		perKey:  perKey,
		entries: make(map[string]*Ring[float64]),
	}
}

// SequenceKey builds the identity of an ordered keycode sequence, e.g. "30-48".
func SequenceKey(codes ...uint16) string {
	var b strings.Builder
	for i, c := range codes {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.FormatUint(uint64(c), 10))
	}
	return b.String()
}

// Add records an interval for key.
func (m *SequenceMap) Add(key string, interval float64) {
	r, ok := m.entries[key]
	if !ok {
		if len(m.entries) >= m.maxKeys {
			m.evictOldest()
		}
		r = NewRing[float64](m.perKey)
		m.entries[key] = r
		m.order = append(m.order, key)
	}
	r.Push(interval)
}

func (m *SequenceMap) evictOldest() {
	oldest := m.order[m.orderHead]
	m.order[m.orderHead] = ""
	m.orderHead++
	delete(m.entries, oldest)

	// Compact once the dead prefix dominates so the order slice stays bounded.
	if m.orderHead > len(m.order)/2 {
		m.order = append([]string(nil), m.order[m.orderHead:]...)
		m.orderHead = 0
	}
}

// Len returns the number of distinct keys.
func (m *SequenceMap) Len() int { return len(m.entries) }

// Get returns a copy of the intervals recorded for key.
func (m *SequenceMap) Get(key string) []float64 {
	r, ok := m.entries[key]
	if !ok {
		return nil
	}
	return r.Slice()
}

// Keys returns the keys in insertion order.
func (m *SequenceMap) Keys() []string {
	out := make([]string, 0, len(m.entries))
	for _, k := range m.order[m.orderHead:] {
		out = append(out, k)
	}
	return out
}

// Export returns a copy of every key's intervals.
func (m *SequenceMap) Export() map[string][]float64 {
	out := make(map[string][]float64, len(m.entries))
	for k, r := range m.entries {
		out[k] = r.Slice()
	}
	return out
}

// Import replaces the contents with data. Keys beyond the bound and
// intervals beyond the per-key capacity are dropped oldest first.
func (m *SequenceMap) Import(data map[string][]float64) {
	m.Reset()
	for k, vs := range data {
		for _, v := range vs {
			m.Add(k, v)
		}
	}
}

// Reset drops every key.
func (m *SequenceMap) Reset() {
	m.entries = make(map[string]*Ring[float64])
	m.order = nil
	m.orderHead = 0
}
