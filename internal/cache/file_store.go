package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"movingmap/internal/tile"
)

// FileStore implements file-per-tile disk storage
// Structure: {rootDir}/{provider}/{zoom}/{x}/{y}.{ext}
type FileStore struct {
	rootDir string
}

func NewFileStore(rootDir string) (*FileStore, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tile directory: %w", err)
	}

	return &FileStore{
		rootDir: rootDir,
	}, nil
}

// Path returns the file a key is stored in. Distinct keys never share a path.
func (s *FileStore) Path(key tile.Key) string {
	return filepath.Join(
		s.rootDir,
		key.Provider.String(),
		strconv.Itoa(key.Zoom),
		strconv.Itoa(key.X),
		strconv.Itoa(key.Y)+"."+key.Provider.Ext(),
	)
}

func (s *FileStore) Enabled() bool { return true }

func (s *FileStore) Exists(key tile.Key) bool {
	info, err := os.Stat(s.Path(key))
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

func (s *FileStore) Read(key tile.Key) ([]byte, error) {
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read tile %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}

	return data, nil
}

func (s *FileStore) Write(key tile.Key, data []byte) error {
	filePath := s.Path(key)
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}

	// Write atomically through a temp file unique to this writer
	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write tile %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write tile %s: %w", key, err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to store tile %s: %w", key, err)
	}

	return nil
}

var _ DiskStore = (*FileStore)(nil)
