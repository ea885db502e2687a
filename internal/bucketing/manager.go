package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Manager assigns recipients to stable partition buckets so hot recipients
// cannot concentrate load on a single ScyllaDB partition range.
type Manager struct {
	buckets    int
	hasherPool sync.Pool
}

func NewManager(buckets int) *Manager {
	if buckets <= 0 {
		buckets = 64
	}
	m := &Manager{buckets: buckets}
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// RecipientBucket returns a consistent bucket in [0, buckets) for a
// normalized recipient.
func (m *Manager) RecipientBucket(recipient string) int {
	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(recipient))
	return int(h.Sum64() % uint64(m.buckets))
}

// Buckets returns the configured bucket count.
func (m *Manager) Buckets() int {
	return m.buckets
}
