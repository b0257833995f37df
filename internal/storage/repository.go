package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parking-lock-sync/backend/internal/protocol"
)

// Queryable is satisfied by both *DB and *sql.Tx, so repository helpers
// run inside or outside a transaction.
type Queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// BaseRepository provides common functionality for all repositories.
type BaseRepository struct {
	db *DB
}

// NewBaseRepository creates a new base repository with the given database connection.
func NewBaseRepository(db *DB) BaseRepository {
	return BaseRepository{db: db}
}

// DB returns the underlying database connection.
func (r *BaseRepository) DB() *DB {
	return r.db
}

// Transaction executes a function within a database transaction.
func (r *BaseRepository) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return r.db.Transaction(ctx, fn)
}

// notFound maps sql.ErrNoRows to protocol.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, protocol.ErrNotFound)
	}
	return fmt.Errorf("querying %s %s: %w", what, id, err)
}

// expectRow fails with protocol.ErrNotFound when an update touched nothing.
func expectRow(result sql.Result, what, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking %s update: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, protocol.ErrNotFound)
	}
	return nil
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
