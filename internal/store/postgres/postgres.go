// Package postgres implements the ledger store on PostgreSQL through pgx.
// Every transaction runs at RepeatableRead; versioned updates that match no
// row and serialization failures both surface as store.ErrVersionConflict.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/retail-ledger/internal/platform/db"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// Store opens ledger transactions on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside one RepeatableRead transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	var fnErr error
	err := db.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		fnErr = fn(ctx, &pgTx{tx: tx})
		return fnErr
	})
	if err != nil && fnErr == nil {
		return mapErr(err)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

var _ store.Tx = (*pgTx)(nil)

// mapErr translates driver errors into the store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrVersionConflict, pgErr.Message)
		}
	}
	return err
}

// versionMiss explains a versioned update that touched no row.
func (t *pgTx) versionMiss(ctx context.Context, query string, args ...any) error {
	var exists bool
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return mapErr(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrVersionConflict
}

func execOne(ctx context.Context, tx pgx.Tx, query string, args ...any) error {
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullTime(v time.Time) *time.Time {
	if v.IsZero() {
		return nil
	}
	return &v
}
