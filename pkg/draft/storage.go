package draft

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrUnavailable is returned by storages that cannot be used at all.
var ErrUnavailable = errors.New("draft storage unavailable")

// Storage is a keyed byte store. Get returns (nil, nil) for missing keys.
type Storage interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// FileStorage keeps one JSON file per key under Dir.
type FileStorage struct {
	Dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, errors.Wrap(ErrUnavailable, "missing dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir drafts dir")
	}
	return &FileStorage{Dir: dir}, nil
}

func (s *FileStorage) path(key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(s.Dir, safe+".json")
}

func (s *FileStorage) Get(key string) ([]byte, error) {
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read draft record")
	}
	return b, nil
}

func (s *FileStorage) Put(key string, value []byte) error {
	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return errors.Wrap(err, "write draft record")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "rename draft record")
	}
	return nil
}

func (s *FileStorage) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "remove draft record")
	}
	return nil
}

// SQLiteStorage keeps records in a single kv table.
type SQLiteStorage struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStorage opens (or creates) the database at path. Use ":memory:" in tests.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initialize schema")
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value []byte
	err := s.db.QueryRowContext(context.Background(), "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "select record")
	}
	return value, nil
}

func (s *SQLiteStorage) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(context.Background(),
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return errors.Wrap(err, "upsert record")
	}
	return nil
}

func (s *SQLiteStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(context.Background(), "DELETE FROM kv WHERE key = ?", key); err != nil {
		return errors.Wrap(err, "delete record")
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Open picks a backend by name. An error means drafts should be disabled.
func Open(backend, dir string) (Storage, error) {
	switch backend {
	case "", "file":
		return NewFileStorage(dir)
	case "sqlite":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir drafts dir")
		}
		return NewSQLiteStorage(filepath.Join(dir, "drafts.db"))
	default:
		return nil, errors.Wrapf(ErrUnavailable, "unknown backend %q", backend)
	}
}
