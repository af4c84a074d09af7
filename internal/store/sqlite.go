package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"calwatch/internal/ics"
	"calwatch/internal/model"
)

//go:embed schema.sql
var schema string

// SQLiteStore keeps snapshots in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store: path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (*model.Snapshot, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM snapshots WHERE endpoint_key = ?",
		key,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Op: OpRead, Key: key, Err: err}
	}

	snap, err := ics.Parse(body)
	if err != nil {
		return nil, &Error{Op: OpParse, Key: key, Err: err}
	}
	return snap, nil
}

// Save upserts the snapshot in a single statement, so a failure keeps the
// previous row.
func (s *SQLiteStore) Save(ctx context.Context, key string, snap *model.Snapshot) error {
	body := ics.Encode(snap)
	if len(body) == 0 {
		return &Error{Op: OpWrite, Key: key, Err: errors.New("empty snapshot document")}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (endpoint_key, body, event_count, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(endpoint_key) DO UPDATE SET body = excluded.body, event_count = excluded.event_count, updated_at = excluded.updated_at`,
		key, body, snap.Len(), time.Now().UTC(),
	)
	if err != nil {
		return &Error{Op: OpWrite, Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
