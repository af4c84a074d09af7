package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"calwatch/internal/ics"
	"calwatch/internal/model"
)

// FileStore keeps one .ics file per endpoint in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store: directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &Error{Op: OpWrite, Key: dir, Err: err}
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the snapshot file for key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, "prev_cal_"+model.SafeKey(key)+".ics")
}

func (s *FileStore) Load(_ context.Context, key string) (*model.Snapshot, error) {
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &Error{Op: OpRead, Key: key, Err: err}
	}

	snap, err := ics.Parse(data)
	if err != nil {
		return nil, &Error{Op: OpParse, Key: key, Err: err}
	}
	return snap, nil
}

// Save writes atomically: temp file in the same directory, fsync, rename.
// On any failure the previous file is untouched.
func (s *FileStore) Save(_ context.Context, key string, snap *model.Snapshot) error {
	data := ics.Encode(snap)
	if len(data) == 0 {
		return &Error{Op: OpWrite, Key: key, Err: errors.New("empty snapshot document")}
	}

	tmp, err := os.CreateTemp(s.dir, ".calwatch-snapshot-*.tmp")
	if err != nil {
		return &Error{Op: OpWrite, Key: key, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &Error{Op: OpWrite, Key: key, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &Error{Op: OpWrite, Key: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &Error{Op: OpWrite, Key: key, Err: err}
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return &Error{Op: OpWrite, Key: key, Err: err}
	}
	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		return &Error{Op: OpWrite, Key: key, Err: err}
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
