package cache

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"movingmap/internal/tile"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// SQLiteStore keeps every tile in a single database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create tile directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tile database: %w", err)
	}
	// sqlite allows a single writer; serialize at the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open tile database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate tile database: %w", err)
	}

	logger.Info("sqlite tile store initialized", zap.String("path", path))

	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	return goose.Up(s.db, "migrations")
}

func (s *SQLiteStore) Enabled() bool { return true }

func (s *SQLiteStore) Exists(key tile.Key) bool {
	query := `SELECT 1 FROM tiles
	WHERE provider = ? AND zoom = ? AND x = ? AND y = ? AND length(data) > 0`

	var one int
	err := s.db.QueryRow(query, key.Provider.String(), key.Zoom, key.X, key.Y).Scan(&one)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("sqlite tile exists check failed", zap.Stringer("key", key), zap.Error(err))
		}
		return false
	}
	return true
}

func (s *SQLiteStore) Read(key tile.Key) ([]byte, error) {
	query := `SELECT data FROM tiles
	WHERE provider = ? AND zoom = ? AND x = ? AND y = ?`

	var data []byte
	err := s.db.QueryRow(query, key.Provider.String(), key.Zoom, key.X, key.Y).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read tile %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}

	return data, nil
}

func (s *SQLiteStore) Write(key tile.Key, data []byte) error {
	query := `INSERT INTO tiles (provider, zoom, x, y, data)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(provider, zoom, x, y) DO UPDATE SET data = excluded.data`

	if _, err := s.db.Exec(query, key.Provider.String(), key.Zoom, key.X, key.Y, data); err != nil {
		return fmt.Errorf("failed to store tile %s: %w", key, err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ DiskStore = (*SQLiteStore)(nil)
