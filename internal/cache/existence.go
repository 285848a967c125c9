package cache

import (
	"sync"

	"movingmap/internal/tile"
)

const defaultMemoSize = 256

// ExistenceMemo remembers keys already found on disk so repeated prefetch
// checks skip the stat. Only positive answers are kept: a written key never
// disappears. The memo is reset once it holds size entries.
type ExistenceMemo struct {
	DiskStore

	mu   sync.Mutex
	seen map[tile.Key]struct{}
	size int
}

func NewExistenceMemo(store DiskStore, size int) *ExistenceMemo {
	if size <= 0 {
		size = defaultMemoSize
	}
	return &ExistenceMemo{
		DiskStore: store,
		seen:      make(map[tile.Key]struct{}, size),
		size:      size,
	}
}

func (m *ExistenceMemo) Exists(key tile.Key) bool {
	m.mu.Lock()
	_, ok := m.seen[key]
	m.mu.Unlock()
	if ok {
		return true
	}

	if !m.DiskStore.Exists(key) {
		return false
	}

	m.mu.Lock()
	if len(m.seen) >= m.size {
		m.seen = make(map[tile.Key]struct{}, m.size)
	}
	m.seen[key] = struct{}{}
	m.mu.Unlock()
	return true
}

// Len returns the number of memoized keys.
func (m *ExistenceMemo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
