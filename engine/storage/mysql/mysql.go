// Package mysql implements a task engine storage backend using MySQL.
package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Schema holds the schema for the MySQL storage backend.
//
//go:embed schema.sql
var Schema string

// errDuplicateEntry is the MySQL error number for unique key violations.
const errDuplicateEntry = 1062

// MySQLStorage implements a storage.AllStorage using MySQL.
// The DSN must include parseTime=true.
type MySQLStorage struct {
	db *sql.DB
}

type config struct {
	driver string
	dsn    string
	db     *sql.DB
}

// Option allows configuring a MySQLStorage.
type Option func(*config)

// WithDSN sets the storage MySQL data source name.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithDriver sets a custom MySQL driver for the storage.
// Default driver is "mysql" but is ignored if WithDB is used.
func WithDriver(driver string) Option {
	return func(c *config) {
		c.driver = driver
	}
}

// WithDB sets a custom MySQL *sql.DB to the storage.
// If set, driver passed via WithDriver is ignored.
func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

// New creates and returns a new MySQL.
func New(opts ...Option) (*MySQLStorage, error) {
	cfg := &config{driver: "mysql"}
	for _, opt := range opts {
		opt(cfg)
	}
	var err error
	if cfg.db == nil {
		cfg.db, err = sql.Open(cfg.driver, cfg.dsn)
		if err != nil {
			return nil, err
		}
	}
	if err = cfg.db.Ping(); err != nil {
		return nil, err
	}
	return &MySQLStorage{db: cfg.db}, nil
}

// sqlNullString sets Valid to true of the return value of s is not empty.
func sqlNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// sqlNullTime sets Valid to true of the return value of t is not zero.
func sqlNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Valid: !t.IsZero(), Time: t}
}

// jsonNullString marshals v to JSON. Empty values are NULL.
func jsonNullString(v interface{}) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	s := string(b)
	if s == "null" || s == "{}" || s == "[]" {
		return sql.NullString{}, nil
	}
	return sqlNullString(s), nil
}

// unmarshalNullString unmarshals JSON in s into v if s is not NULL.
func unmarshalNullString(s sql.NullString, v interface{}) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

// isActiveHashViolation reports whether err is a unique key violation of the active hash index.
func isActiveHashViolation(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) &&
		myErr.Number == errDuplicateEntry &&
		strings.Contains(myErr.Message, "active_hash")
}

// txcb executes SQL within transactions when wrapped in tx().
type txcb func(ctx context.Context, tx *sql.Tx) error

// tx wraps g in transactions using db.
// If g returns an err the transaction will be rolled back; otherwise committed.
func tx(ctx context.Context, db *sql.DB, g txcb) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	if err = g(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback: %w; while trying to handle error: %v", rbErr, err)
		}
		return fmt.Errorf("tx rolled back: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}
