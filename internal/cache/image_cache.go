package cache

import (
	"container/list"
	"image"
	"sync"

	"movingmap/internal/tile"
)

// DefaultImageBudget is the decoded-pixel budget used when none is given.
const DefaultImageBudget int64 = 256 << 20

type imageEntry struct {
	key  tile.Key
	gen  uint64
	img  image.Image
	cost int64
}

// ImageCache holds decoded tile images within a byte budget. Images are
// reclaimed least recently used first; a tile keeps only the generation
// returned by Put and finds out on access whether its image survived.
type ImageCache struct {
	mu      sync.Mutex
	budget  int64
	used    int64
	gen     uint64
	items   map[tile.Key]*list.Element
	lruList *list.List
}

func NewImageCache(budget int64) *ImageCache {
	if budget <= 0 {
		budget = DefaultImageBudget
	}
	return &ImageCache{
		budget:  budget,
		items:   make(map[tile.Key]*list.Element),
		lruList: list.New(),
	}
}

// ImageCost estimates the resident size of a decoded image in bytes.
func ImageCost(img image.Image) int64 {
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

// Put stores img for key, replacing any previous image, and returns the
// generation the caller must present to Get.
func (c *ImageCache) Put(key tile.Key, img image.Image) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}

	c.gen++
	ent := &imageEntry{key: key, gen: c.gen, img: img, cost: ImageCost(img)}
	c.items[key] = c.lruList.PushFront(ent)
	c.used += ent.cost

	// The newest image always stays, even when it alone exceeds the budget.
	for c.used > c.budget && c.lruList.Len() > 1 {
		c.removeElement(c.lruList.Back())
	}

	return ent.gen
}

// Get returns the image stored for key under gen and marks it recently used.
func (c *ImageCache) Get(key tile.Key, gen uint64) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*imageEntry)
	if ent.gen != gen {
		return nil, false
	}

	c.lruList.MoveToFront(elem)
	return ent.img, true
}

// Contains reports whether the image for key under gen is still resident.
func (c *ImageCache) Contains(key tile.Key, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	return ok && elem.Value.(*imageEntry).gen == gen
}

// Remove releases the image for key if it is still the one stored under gen.
func (c *ImageCache) Remove(key tile.Key, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok || elem.Value.(*imageEntry).gen != gen {
		return false
	}
	c.removeElement(elem)
	return true
}

func (c *ImageCache) removeElement(elem *list.Element) {
	ent := elem.Value.(*imageEntry)
	c.lruList.Remove(elem)
	delete(c.items, ent.key)
	c.used -= ent.cost
}

// Len returns the number of resident images.
func (c *ImageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Used returns the resident cost in bytes.
func (c *ImageCache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

var _ tile.ImageSource = (*ImageCache)(nil)
