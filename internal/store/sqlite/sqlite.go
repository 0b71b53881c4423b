package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/revittco/mcprouter/internal/store"
	_ "modernc.org/sqlite"
)

var _ store.Store = (*DB)(nil)

// connPragmas are applied to the single connection at open time. WAL keeps
// readers off the writer's back, NORMAL sync is safe under WAL, and the
// busy timeout covers checkpointing stalls.
var connPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// queryable abstracts *sql.DB and *sql.Tx for shared query code.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the SQLite-backed store. MaxOpenConns(1) serializes every
// statement on one connection, which is also what keeps the pragmas above
// pinned for the process lifetime.
type DB struct {
	db *sql.DB
	q  queryable // the pool, or the active tx
}

// New opens the router database at path, applies the connection pragmas,
// and brings the schema up to date.
func New(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	for _, pragma := range connPragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{db: db, q: db}, nil
}

// Tx runs fn against a store view bound to one transaction. Repository
// methods called on that view reuse the tx instead of the pool.
func (d *DB) Tx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&DB{db: d.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// withTx runs fn inside a transaction, reusing an enclosing one when the
// receiver is already tx-bound. Opening a second tx here would deadlock on
// the single connection.
func (d *DB) withTx(ctx context.Context, fn func(q queryable) error) error {
	if tx, ok := d.q.(*sql.Tx); ok {
		return fn(tx)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}
