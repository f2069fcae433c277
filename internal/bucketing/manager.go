package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// DefaultBuckets is used when a non-positive bucket count is requested.
const DefaultBuckets = 16

// Manager assigns string keys to a fixed number of buckets. The same key always lands
// in the same bucket.
type Manager struct {
	buckets    int
	hasherPool sync.Pool
}

func NewManager(buckets int) *Manager {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	m := &Manager{buckets: buckets}

	// Reuse hash states instead of allocating one per lookup
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// Bucket returns a value in [0, Buckets()).
func (m *Manager) Bucket(key string) int {
	return int(m.Hash(key) % uint64(m.buckets))
}

func (m *Manager) Hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func (m *Manager) Buckets() int {
	return m.buckets
}
