// Package store persists the last observed snapshot per endpoint.
package store

import (
	"context"
	"fmt"

	"calwatch/internal/model"
)

// Op names the failing store operation.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
	OpParse Op = "parse"
)

// Error is returned by every Store method.
type Error struct {
	Op  Op
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("snapshot store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Store loads and saves snapshots keyed by endpoint key.
//
// Load returns (nil, nil) when nothing was stored yet. Save must either
// replace the stored snapshot completely or leave the previous one intact.
type Store interface {
	Load(ctx context.Context, key string) (*model.Snapshot, error)
	Save(ctx context.Context, key string, snap *model.Snapshot) error
	Close() error
}

// Open returns the store selected by driver ("file" or "sqlite").
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "file":
		s, err := NewFileStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "sqlite3":
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
