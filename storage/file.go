package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"taskboard-api/domain"
)

// FileStore persists each board as a single JSON document under dir.
type FileStore struct {
	dir    string
	logger *log.Logger
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// boardPath escapes the board id so externally issued ids cannot point
// outside the data directory.
func (s *FileStore) boardPath(boardID string) string {
	return filepath.Join(s.dir, url.PathEscape(boardID)+".json")
}

// LoadTasks returns the stored collection. A missing or malformed document
// yields an empty board.
func (s *FileStore) LoadTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	data, err := os.ReadFile(s.boardPath(boardID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.Task{}, nil
		}
		return nil, err
	}
	return decodeBoard(s.logger, boardID, data), nil
}

// SaveTasks replaces the whole collection. The document is written to a
// temporary file, synced and renamed into place so readers never observe a
// partial write.
func (s *FileStore) SaveTasks(ctx context.Context, boardID string, tasks []domain.Task) error {
	data, err := encodeBoard(tasks)
	if err != nil {
		return err
	}
	path := s.boardPath(boardID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := syncFile(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return syncDir(s.dir)
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
