package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/taskup/outbox/internal/kv"

	_ "github.com/lib/pq"
)

const (
	CREATE_TABLE_STATEMENT = `
	CREATE TABLE IF NOT EXISTS blobs (
		key        TEXT PRIMARY KEY,
		value      BYTEA,
		updated_on BIGINT
	);`

	DROP_TABLE_STATEMENT = `
	DROP TABLE blobs;`

	BLOB_SELECT_STATEMENT = `
	SELECT
		value
	FROM
		blobs
	WHERE
		key = $1`

	BLOB_SELECT_FOR_UPDATE_STATEMENT = `
	SELECT
		value
	FROM
		blobs
	WHERE
		key = $1
	FOR UPDATE`

	BLOB_INSERT_MISSING_STATEMENT = `
	INSERT INTO blobs
		(key, value, updated_on)
	VALUES
		($1, NULL, $2)
	ON CONFLICT(key) DO NOTHING`

	BLOB_UPSERT_STATEMENT = `
	INSERT INTO blobs
		(key, value, updated_on)
	VALUES
		($1, $2, $3)
	ON CONFLICT(key)
	DO UPDATE SET
		value = EXCLUDED.value,
		updated_on = EXCLUDED.updated_on`
)

type Config struct {
	Host      string            `flag:"host" desc:"postgres host" default:"localhost"`
	Port      string            `flag:"port" desc:"postgres port" default:"5432"`
	Username  string            `flag:"username" desc:"postgres username"`
	Password  string            `flag:"password" desc:"postgres password"`
	Database  string            `flag:"database" desc:"postgres database name" default:"outbox"`
	Query     map[string]string `flag:"query" desc:"postgres query options" default:"{\"sslmode\":\"disable\"}"`
	TxTimeout time.Duration     `flag:"tx-timeout" desc:"postgres transaction timeout" default:"10s"`
	Reset     bool              `flag:"reset" desc:"drop the postgres tables on close" default:"false"`
}

func (c *Config) Url() string {
	u := &url.URL{
		User:   url.UserPassword(c.Username, c.Password),
		Host:   fmt.Sprintf("%s:%s", c.Host, c.Port),
		Path:   c.Database,
		Scheme: "postgres",
	}

	query := url.Values{}
	for k, v := range c.Query { // nosemgrep: range-over-map
		query.Set(k, v)
	}
	u.RawQuery = query.Encode()

	return u.String()
}

type PostgresStore struct {
	config *Config
	db     *sql.DB
}

func New(config *Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.Url())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(0)

	ctx, cancel := context.WithTimeout(context.Background(), config.TxTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, CREATE_TABLE_STATEMENT); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresStore{
		config: config,
		db:     db,
	}, nil
}

func (s *PostgresStore) String() string {
	return "kv:postgres"
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
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

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.TxTimeout)
	defer cancel()

	if value == nil {
		value = []byte{}
	}

	_, err := s.db.ExecContext(ctx, BLOB_UPSERT_STATEMENT, key, value, time.Now().UnixMilli())
	return err
}

// Update locks the row for key for the duration of the transaction. A
// missing row is inserted first so that concurrent updates of a new key
// also serialize on the row lock.
func (s *PostgresStore) Update(ctx context.Context, key string, f func(old []byte) ([]byte, error)) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.TxTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, BLOB_INSERT_MISSING_STATEMENT, key, time.Now().UnixMilli()); err != nil {
		return rollback(tx, err)
	}

	var old []byte
	if err := tx.QueryRowContext(ctx, BLOB_SELECT_FOR_UPDATE_STATEMENT, key).Scan(&old); err != nil {
		return rollback(tx, err)
	}

	value, err := f(old)
	if err != nil {
		return rollback(tx, err)
	}

	if value == nil {
		value = []byte{}
	}

	if _, err := tx.ExecContext(ctx, BLOB_UPSERT_STATEMENT, key, value, time.Now().UnixMilli()); err != nil {
		return rollback(tx, err)
	}

	return tx.Commit()
}

func (s *PostgresStore) Close() error {
	if s.config.Reset {
		if err := s.Reset(); err != nil {
			return err
		}
	}

	return s.db.Close()
}

func (s *PostgresStore) Reset() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.TxTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, DROP_TABLE_STATEMENT)
	return err
}

func rollback(tx *sql.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return errors.Join(err, rbErr)
	}
	return err
}

var _ kv.Store = (*PostgresStore)(nil)
