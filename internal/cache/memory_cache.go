package cache

import (
	"container/list"

	"movingmap/internal/tile"
)

const (
	// DefaultCapacityWithDisk bounds the tile map when the disk store absorbs
	// the working set.
	DefaultCapacityWithDisk = 250
	// DefaultCapacityMemoryOnly bounds the tile map without a disk store.
	DefaultCapacityMemoryOnly = 2500
)

// MemoryCacheOptions configures a MemoryCache.
type MemoryCacheOptions struct {
	Capacity int

	// NewTile builds the tile for a missing key; seq is its creation order.
	NewTile func(key tile.Key, p tile.Priority, seq uint64) *tile.Tile

	// OnEvict is called for every tile removed to honour Capacity.
	OnEvict func(t *tile.Tile)
}

// MemoryCache implements the in-memory LRU of tiles. Tiles with a pending
// or running fetch are never evicted; the cache grows past capacity rather
// than drop one.
//
// MemoryCache is not safe for concurrent use. The owner serializes access.
type MemoryCache struct {
	maxSize int
	items   map[tile.Key]*list.Element
	lruList *list.List // front is most recently used
	nextSeq uint64
	newTile func(key tile.Key, p tile.Priority, seq uint64) *tile.Tile
	onEvict func(t *tile.Tile)
}

// NewMemoryCache creates a new in-memory LRU cache of tiles
func NewMemoryCache(opts MemoryCacheOptions) *MemoryCache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacityMemoryOnly
	}
	if opts.NewTile == nil {
		opts.NewTile = func(key tile.Key, p tile.Priority, seq uint64) *tile.Tile {
			return tile.New(key, p, seq, nil, nil)
		}
	}
	return &MemoryCache{
		maxSize: opts.Capacity,
		items:   make(map[tile.Key]*list.Element),
		lruList: list.New(),
		newTile: opts.NewTile,
		onEvict: opts.OnEvict,
	}
}

// LookupOrCreate returns the tile for key, touching it, or inserts a new
// Queued tile with priority p and the next sequence number.
func (c *MemoryCache) LookupOrCreate(key tile.Key, p tile.Priority) (*tile.Tile, bool) {
	if t, ok := c.Get(key); ok {
		return t, false
	}

	c.nextSeq++
	t := c.newTile(key, p, c.nextSeq)
	c.items[key] = c.lruList.PushFront(t)
	c.evictIfNeeded()
	return t, true
}

// Get returns the tile for key and marks it most recently used.
func (c *MemoryCache) Get(key tile.Key) (*tile.Tile, bool) {
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}

	c.lruList.MoveToFront(elem)
	return elem.Value.(*tile.Tile), true
}

// Peek returns the tile for key without touching its recency.
func (c *MemoryCache) Peek(key tile.Key) (*tile.Tile, bool) {
	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*tile.Tile), true
}

func (c *MemoryCache) Len() int { return c.lruList.Len() }

func (c *MemoryCache) Capacity() int { return c.maxSize }

// evictIfNeeded drops least recently used tiles that are not in flight
// until the cache fits its capacity or only in-flight tiles remain.
func (c *MemoryCache) evictIfNeeded() {
	elem := c.lruList.Back()
	for c.lruList.Len() > c.maxSize && elem != nil {
		prev := elem.Prev()
		t := elem.Value.(*tile.Tile)
		if !t.InFlight() {
			c.lruList.Remove(elem)
			delete(c.items, t.Key())
			if c.onEvict != nil {
				c.onEvict(t)
			}
		}
		elem = prev
	}
}
