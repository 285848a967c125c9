package cache

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
)

// DiskOptions is the disk persistence switch and where tiles go.
type DiskOptions struct {
	Enabled bool
	Backend string // "file" or "sqlite"
	Dir     string
}

// NewDiskStore creates a disk store based on the options. The returned
// close function releases the backend and is never nil.
func NewDiskStore(opts DiskOptions, log *zap.Logger) (DiskStore, func() error, error) {
	noClose := func() error { return nil }

	if !opts.Enabled {
		log.Info("Disk tile cache disabled")
		return NewNoopStore(), noClose, nil
	}
	if opts.Dir == "" {
		return nil, nil, fmt.Errorf("disk tile cache enabled without a directory")
	}

	switch opts.Backend {
	case "", "file":
		log.Info("Using file tile cache", zap.String("dir", opts.Dir))
		s, err := NewFileStore(opts.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, noClose, nil
	case "sqlite":
		path := filepath.Join(opts.Dir, "tiles.db")
		log.Info("Using sqlite tile cache", zap.String("path", path))
		s, err := NewSQLiteStore(path, log)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown disk backend: %s (supported: file, sqlite)", opts.Backend)
	}
}
