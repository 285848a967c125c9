package cache

import (
	"errors"

	"movingmap/internal/tile"
)

// ErrNotFound is returned by DiskStore.Read for a key that was never written.
var ErrNotFound = errors.New("tile not on disk")

// DiskStore persists raw tile bytes across restarts. A key, once written,
// is never fetched from the network again.
type DiskStore interface {
	Enabled() bool
	Exists(key tile.Key) bool // Check if tile exists without reading it (lightweight check)
	Read(key tile.Key) ([]byte, error)
	Write(key tile.Key, data []byte) error
}
