package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore keeps blobs in a single key/value table.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite state store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a WAL-mode DSN with a busy timeout for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite state store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite state store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS state_blobs (
			key TEXT NOT NULL PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite state store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("sqlite state store: db is nil")
	}
	if ctx == nil {
		return nil, false, errors.New("sqlite state store: ctx is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("sqlite state store: key is empty")
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state_blobs WHERE key = ?`, key).Scan(&value)
	switch {
	case err == nil:
		return value, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	default:
		return nil, false, errors.Wrapf(err, "sqlite state store: load %s", key)
	}
}

func (s *SQLiteStore) Save(ctx context.Context, key string, value []byte) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite state store: db is nil")
	}
	if ctx == nil {
		return errors.New("sqlite state store: ctx is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("sqlite state store: key is empty")
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_blobs(key, value, updated_at_ms)
		VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at_ms = excluded.updated_at_ms
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "sqlite state store: save %s", key)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite state store: db is nil")
	}
	if ctx == nil {
		return errors.New("sqlite state store: ctx is nil")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state_blobs WHERE key = ?`, strings.TrimSpace(key)); err != nil {
		return errors.Wrapf(err, "sqlite state store: delete %s", key)
	}
	return nil
}
