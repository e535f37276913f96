package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/servision-wang/data-processing/internal/model"
)

const (
	bookFile   = "book.json"
	configFile = "config.json"
	lockFile   = "book.lock"
)

// FileStore implements Store as one directory of JSON files per user.
// Book updates hold an advisory file lock, so several processes may share
// the same data directory. Writes go to a temp file that is renamed over
// the target; readers never see a partial file.
type FileStore struct {
	dir  string
	lock LockOptions
}

// NewFileStore creates a file-backed store rooted at dir, creating it if
// needed.
func NewFileStore(dir string, lock LockOptions) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, lock: lock}, nil
}

func (s *FileStore) GetConfig(_ context.Context, userID string) (*model.Config, error) {
	var cfg model.Config
	if err := readJSON(s.path(userID, configFile), &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: config for %s", ErrNotFound, userID)
		}
		return nil, fmt.Errorf("read config for %s: %w", userID, err)
	}
	return &cfg, nil
}

func (s *FileStore) SaveConfig(_ context.Context, userID string, cfg *model.Config) error {
	if err := os.MkdirAll(s.userDir(userID), 0o755); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}
	if err := writeJSON(s.path(userID, configFile), cfg); err != nil {
		return fmt.Errorf("write config for %s: %w", userID, err)
	}
	return nil
}

func (s *FileStore) DeleteConfig(_ context.Context, userID string) error {
	err := os.Remove(s.path(userID, configFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete config for %s: %w", userID, err)
	}
	return nil
}

func (s *FileStore) GetBook(_ context.Context, userID string) (*model.Book, error) {
	return s.readBook(userID)
}

func (s *FileStore) UpdateBook(ctx context.Context, userID string, fn func(*model.Book) error) error {
	if err := os.MkdirAll(s.userDir(userID), 0o755); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}

	fl := flock.New(s.path(userID, lockFile))
	if err := withRetry(ctx, s.lock, userID, fl.TryLock); err != nil {
		return err
	}
	defer fl.Unlock()

	b, err := s.readBook(userID)
	if err != nil {
		return err
	}
	if err := apply(b, fn); err != nil {
		return err
	}
	if err := writeJSON(s.path(userID, bookFile), b); err != nil {
		return fmt.Errorf("write book for %s: %w", userID, err)
	}
	return nil
}

func (s *FileStore) readBook(userID string) (*model.Book, error) {
	b := model.NewBook()
	if err := readJSON(s.path(userID, bookFile), b); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.NewBook(), nil
		}
		return nil, fmt.Errorf("read book for %s: %w", userID, err)
	}
	if b.History == nil {
		b.History = []model.Entry{}
	}
	return b, nil
}

// userDir hex-encodes the id so any user id is a safe path segment.
func (s *FileStore) userDir(userID string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(userID)))
}

func (s *FileStore) path(userID, name string) string {
	return filepath.Join(s.userDir(userID), name)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
