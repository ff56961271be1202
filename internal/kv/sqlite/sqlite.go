package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/taskup/outbox/internal/kv"

	_ "github.com/mattn/go-sqlite3"
)

const (
	CREATE_TABLE_STATEMENT = `
	CREATE TABLE IF NOT EXISTS blobs (
		key        TEXT PRIMARY KEY,
		value      BLOB,
		updated_on INTEGER
	);`

	BLOB_SELECT_STATEMENT = `
	SELECT
		value
	FROM
		blobs
	WHERE
		key = ?`

	BLOB_UPSERT_STATEMENT = `
	INSERT INTO blobs
		(key, value, updated_on)
	VALUES
		(?, ?, ?)
	ON CONFLICT(key)
	DO UPDATE SET
		value = excluded.value,
		updated_on = excluded.updated_on`
)

type Config struct {
	Path      string        `flag:"path" desc:"sqlite database path" default:"outbox.db"`
	TxTimeout time.Duration `flag:"tx-timeout" desc:"sqlite transaction timeout" default:"10s"`
	Reset     bool          `flag:"reset" desc:"remove the sqlite db on close" default:"false"`
}

type SqliteStore struct {
	config *Config
	db     *sql.DB
}

func New(config *Config) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", dsn(config))
	if err != nil {
		return nil, err
	}

	// a single connection serializes writers, and keeps an in-memory
	// database alive for the lifetime of the store
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(CREATE_TABLE_STATEMENT); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SqliteStore{
		config: config,
		db:     db,
	}, nil
}

// dsn makes every transaction BEGIN IMMEDIATE, so the write lock is held
// before the blob is read, and waits up to the transaction timeout on a
// database locked by another process.
func dsn(config *Config) string {
	sep := "?"
	if strings.Contains(config.Path, "?") {
		sep = "&"
	}

	params := "_txlock=immediate"
	if config.TxTimeout > 0 {
		params += fmt.Sprintf("&_busy_timeout=%d", config.TxTimeout.Milliseconds())
	}

	return config.Path + sep + params
}

func (s *SqliteStore) String() string {
	return "kv:sqlite"
}

func (s *SqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.TxTimeout)
	defer cancel()

	var value []byte
	if err := s.db.QueryRowContext(ctx, BLOB_SELECT_STATEMENT, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return value, true, nil
}

func (s *SqliteStore) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.TxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, BLOB_UPSERT_STATEMENT, key, value, time.Now().UnixMilli()); err != nil {
		return rollback(tx, err)
	}

	return tx.Commit()
}

func (s *SqliteStore) Update(ctx context.Context, key string, f func(old []byte) ([]byte, error)) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.TxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	var old []byte
	if err := tx.QueryRowContext(ctx, BLOB_SELECT_STATEMENT, key).Scan(&old); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return rollback(tx, err)
	}

	value, err := f(old)
	if err != nil {
		return rollback(tx, err)
	}

	if _, err := tx.ExecContext(ctx, BLOB_UPSERT_STATEMENT, key, value, time.Now().UnixMilli()); err != nil {
		return rollback(tx, err)
	}

	return tx.Commit()
}

func (s *SqliteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}

	if s.config.Reset {
		return s.Reset()
	}

	return nil
}

func (s *SqliteStore) Reset() error {
	if s.config.Path == ":memory:" {
		return nil
	}

	if _, err := os.Stat(s.config.Path); err != nil {
		return nil
	}

	return os.Remove(s.config.Path)
}

func rollback(tx *sql.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return errors.Join(err, rbErr)
	}
	return err
}

var _ kv.Store = (*SqliteStore)(nil)
