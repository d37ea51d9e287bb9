package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	// Registers the "pgx" PostgreSQL driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	// Registers the pure Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/aloks98/agentauth/store"
	"github.com/aloks98/agentauth/store/sql/queries"
)

// Store implements store.Store on a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	queries *queries.Queries
	ownsDB  bool
	closed  atomic.Bool

	// writeMu serializes SQLite updates, including on a caller-supplied
	// *sql.DB with several open connections.
	writeMu sync.Mutex
}

// Config holds SQL store configuration.
type Config struct {
	// Dialect specifies the database type. Defaults to SQLite.
	Dialect Dialect

	// DB is an existing database connection.
	// If provided, DSN is ignored and Close leaves it open. A SQLite DB
	// should set the busy_timeout pragma.
	DB *sql.DB

	// DSN is the data source name for connecting to the database.
	// For SQLite this is a file path, optionally with query parameters.
	DSN string

	// MaxOpenConns sets the maximum number of open connections.
	// SQLite always uses a single connection.
	MaxOpenConns int

	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime sets the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// New opens a SQL store. Call Migrate before first use on a fresh database.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("sql store: nil config")
	}

	q, err := loadQueries(cfg.Dialect)
	if err != nil {
		return nil, fmt.Errorf("sql store: %w", err)
	}

	dialect := cfg.Dialect
	if dialect == "" {
		dialect = SQLite
	}

	s := &Store{dialect: dialect, queries: q, db: cfg.DB}
	if s.db != nil {
		return s, nil
	}

	if cfg.DSN == "" {
		return nil, errors.New("sql store: DSN or DB is required")
	}
	db, err := sql.Open(driverName(dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sql store: open: %w", err)
	}

	if dialect == SQLite {
		// SQLite allows a single writer; serializing on one connection
		// makes Update transactions race free.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s.db = db
	s.ownsDB = true
	return s, nil
}

// Open opens a SQLite store at path and migrates its schema.
func Open(ctx context.Context, path string) (*Store, error) {
	s, err := New(&Config{Dialect: SQLite, DSN: path + "?_pragma=busy_timeout(5000)"})
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection if the store opened it.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return mapError(s.db.PingContext(ctx))
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	for _, stmt := range strings.Split(s.queries.Schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sql store: migrate: %w", mapError(err))
		}
	}
	return nil
}

// Get retrieves a record. It returns nil, nil if the record does not exist.
func (s *Store) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.get(ctx, s.db, table, key)
}

// Put creates or replaces a record.
func (s *Store) Put(ctx context.Context, table, key string, value []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.put(ctx, s.db, table, key, value)
}

// Delete removes a record and reports whether it existed.
func (s *Store) Delete(ctx context.Context, table, key string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.queries.DeleteRecord, table, key)
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapError(err)
	}
	return n > 0, nil
}

// Update performs a read-modify-write inside a transaction. On PostgreSQL
// the record is guarded by a transaction scoped advisory lock; on SQLite
// updates through one Store run one at a time.
func (s *Store) Update(ctx context.Context, table, key string, fn store.UpdateFunc) (err error) {
	if err := s.check(ctx); err != nil {
		return err
	}
	if s.dialect == SQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.queries.LockRecord != "" {
		if _, err = tx.ExecContext(ctx, s.queries.LockRecord, table, key); err != nil {
			return mapError(err)
		}
	}

	current, err := s.get(ctx, tx, table, key)
	if err != nil {
		return err
	}

	next, err := fn(current)
	if errors.Is(err, store.ErrSkipWrite) {
		err = nil
		return mapError(tx.Rollback())
	}
	if err != nil {
		return err
	}

	if next == nil {
		if _, err = tx.ExecContext(ctx, s.queries.DeleteRecord, table, key); err != nil {
			return mapError(err)
		}
	} else if err = s.put(ctx, tx, table, key, next); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// List returns every record in a table.
func (s *Store) List(ctx context.Context, table string) (map[string][]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.queries.SelectTable, table)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, mapError(err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, table, key string) ([]byte, error) {
	var value []byte
	err := q.QueryRowContext(ctx, s.queries.SelectRecord, table, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *Store) put(ctx context.Context, q querier, table, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := q.ExecContext(ctx, s.queries.UpsertRecord, table, key, value, time.Now().Unix())
	return mapError(err)
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return store.MapContextError(err)
	}
	if s.closed.Load() {
		return store.ErrClosed
	}
	return nil
}

// mapError converts driver errors to store errors.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%w: %w", store.ErrClosed, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return store.MapContextError(err)
	default:
		return err
	}
}

var _ store.Store = (*Store)(nil)
