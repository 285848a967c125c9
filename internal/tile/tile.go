package tile

import (
	"fmt"
	"image"
	"sync"
)

// State is the position of a tile in its fetch lifecycle.
type State int

const (
	StateUnrequested State = iota
	StateQueued
	StateLoading
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnrequested:
		return "unrequested"
	case StateQueued:
		return "queued"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Priority orders pending fetches. High is needed by the frame being drawn,
// Low is a speculative prefetch.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityLow
)

func (p Priority) String() string {
	if p == PriorityLow {
		return "low"
	}
	return "high"
}

// ImageSource holds the decoded images tiles point at. An image may vanish
// from the source at any time; the tile then reports itself unloaded.
type ImageSource interface {
	Get(key Key, gen uint64) (image.Image, bool)
	Contains(key Key, gen uint64) bool
}

// Tile is one fetchable map image. All methods are safe for concurrent use.
type Tile struct {
	key    Key
	seq    uint64
	images ImageSource
	reload func(*Tile)

	mu       sync.Mutex
	state    State
	priority Priority
	gen      uint64 // image generation, 0 when no image is attached
	err      error
}

// New returns a Queued tile. reload is called, outside the tile lock, when a
// loaded tile finds its image gone and has to be fetched again.
func New(key Key, p Priority, seq uint64, images ImageSource, reload func(*Tile)) *Tile {
	return &Tile{
		key:      key,
		seq:      seq,
		images:   images,
		reload:   reload,
		state:    StateQueued,
		priority: p,
	}
}

func (t *Tile) Key() Key { return t.key }

// Sequence is the creation order of the tile, used as FIFO tie-break.
func (t *Tile) Sequence() uint64 { return t.seq }

func (t *Tile) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tile) Priority() Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

func (t *Tile) IsLoaded() bool { return t.State() == StateLoaded }

func (t *Tile) IsFailed() bool { return t.State() == StateFailed }

func (t *Tile) IsLoading() bool { return t.State() == StateLoading }

// InFlight reports whether a fetch for the tile is pending or running.
func (t *Tile) InFlight() bool {
	s := t.State()
	return s == StateQueued || s == StateLoading
}

// Err returns the last fetch error of a Failed tile.
func (t *Tile) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateFailed {
		return nil
	}
	return t.err
}

// Generation returns the image generation attached to the tile, or 0.
func (t *Tile) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// HasImage reports whether the tile is loaded with a live decoded image.
// Unlike Image it never triggers a reload.
func (t *Tile) HasImage() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.liveImageLocked()
}

func (t *Tile) liveImageLocked() bool {
	return t.state == StateLoaded && t.gen != 0 && t.images != nil && t.images.Contains(t.key, t.gen)
}

// Image returns the decoded image, or nil when there is none to draw. A
// loaded tile whose image was reclaimed, or that was loaded for the disk
// cache only, drops back to Unrequested and is queued again.
func (t *Tile) Image() image.Image {
	t.mu.Lock()
	if t.state != StateLoaded {
		t.mu.Unlock()
		return nil
	}
	if t.gen != 0 && t.images != nil {
		if img, ok := t.images.Get(t.key, t.gen); ok {
			t.mu.Unlock()
			return img
		}
	}
	t.state = StateUnrequested
	t.gen = 0
	reload := t.reload
	t.mu.Unlock()

	if reload != nil {
		reload(t)
	}
	return nil
}

// The methods below drive the state machine and are called by the fetch
// pipeline under its own serialization.

// Requeue moves an Unrequested tile, or a Loaded tile without a live image,
// back to Queued with priority p. It reports whether the tile changed.
func (t *Tile) Requeue(p Priority) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.state == StateUnrequested:
	case t.state == StateLoaded && !t.liveImageLocked():
	default:
		return false
	}
	t.state = StateQueued
	t.priority = p
	t.gen = 0
	t.err = nil
	return true
}

// Promote raises a Low tile to High. It reports whether the priority changed.
func (t *Tile) Promote() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.priority == PriorityHigh {
		return false
	}
	t.priority = PriorityHigh
	return true
}

// MarkLoading moves a Queued tile to Loading.
func (t *Tile) MarkLoading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateQueued {
		return false
	}
	t.state = StateLoading
	return true
}

// Complete marks a Loading tile Loaded. gen is the image generation, or 0
// when the tile was fetched only to populate the disk store.
func (t *Tile) Complete(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateLoading {
		return false
	}
	t.state = StateLoaded
	t.gen = gen
	t.err = nil
	return true
}

// Fail marks an in-flight tile Failed with err.
func (t *Tile) Fail(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateLoading && t.state != StateQueued {
		return false
	}
	t.state = StateFailed
	t.gen = 0
	t.err = err
	return true
}
