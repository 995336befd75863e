package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/retail-ledger/internal/store"
)

func TestMapErr(t *testing.T) {
	require.NoError(t, mapErr(nil))
	require.ErrorIs(t, mapErr(pgx.ErrNoRows), store.ErrNotFound)
	require.ErrorIs(t, mapErr(&pgconn.PgError{Code: "23505", ConstraintName: "settlements_idempotency_key_key"}), store.ErrDuplicate)
	require.ErrorIs(t, mapErr(&pgconn.PgError{Code: "40001"}), store.ErrVersionConflict)
	require.ErrorIs(t, mapErr(&pgconn.PgError{Code: "40P01"}), store.ErrVersionConflict)

	other := errors.New("connection reset")
	require.Equal(t, other, mapErr(other))
	fk := &pgconn.PgError{Code: "23503"}
	require.Equal(t, error(fk), mapErr(fk))
}

func TestNullHelpers(t *testing.T) {
	require.Nil(t, nullInt(0))
	require.Equal(t, int64(4), *nullInt(4))
	require.Nil(t, nullString(""))
	require.Equal(t, "k", *nullString("k"))
	require.Nil(t, nullTime(time.Time{}))
	now := time.Now()
	require.True(t, nullTime(now).Equal(now))
}
