package cache

import "movingmap/internal/tile"

// NoopStore is the disk store used when persistence is switched off.
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) Enabled() bool { return false }

func (s *NoopStore) Exists(key tile.Key) bool {
	return false
}

func (s *NoopStore) Read(key tile.Key) ([]byte, error) {
	return nil, ErrNotFound
}

func (s *NoopStore) Write(key tile.Key, data []byte) error {
	return nil
}
