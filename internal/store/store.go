package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Publisher receives a notification for every committed mutation.
// The broadcast hub implements this; a nil publisher disables fan-out.
type Publisher interface {
	Publish(topic, sessionID string, payload any)
}

// dbtx is the common surface of *sql.DB and *sql.Tx, so repo methods can
// run standalone or inside an engine transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQLite-backed persistence layer for sessions, pipeline
// output and the live market state.
type Store struct {
	db  *sql.DB
	pub Publisher
}

// Open opens (or creates) the SQLite database at path and runs migrations.
// A single connection keeps SQLite writes serialized.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetPublisher attaches a mutation publisher. Call before serving traffic.
func (s *Store) SetPublisher(p Publisher) { s.pub = p }

func (s *Store) publish(topic, sessionID string, payload any) {
	if s.pub != nil {
		s.pub.Publish(topic, sessionID, payload)
	}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for transaction-scoped callers.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
