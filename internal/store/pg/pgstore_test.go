package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "pgx"), opts...), mock
}

func TestInTxCommits(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("update patients").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(tx *sqlx.Tx) error {
		_, err := tx.Exec("update patients set address = 'x'")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	sentinel := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx *sqlx.Tx) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	assert.False(t, errors.Is(err, ErrStore), "domain errors must pass through unwrapped")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnPanic(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = store.InTx(context.Background(), func(tx *sqlx.Tx) error { panic("bad") })
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxBeginFailureIsStoreError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	called := false
	err := store.InTx(context.Background(), func(tx *sqlx.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrStore)
	assert.False(t, called)
	assert.Contains(t, err.Error(), "begin")
}

func TestInTxCommitFailureIsStoreError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := store.InTx(context.Background(), func(tx *sqlx.Tx) error { return nil })
	require.ErrorIs(t, err, ErrStore)
}

func TestInTxTimeout(t *testing.T) {
	store, mock := newMockStore(t, WithTxTimeout(20*time.Millisecond))
	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx *sqlx.Tx) error {
		<-time.After(50 * time.Millisecond)
		return Wrap("slow query", context.DeadlineExceeded)
	})
	require.ErrorIs(t, err, ErrStore)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("noop", nil))

	inner := errors.New("driver")
	err := Wrap("lookup", inner)
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "store: lookup: driver", err.Error())
	assert.Same(t, err, Wrap("outer", err))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(Wrap("insert", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}

func TestIsForeignKeyViolation(t *testing.T) {
	assert.True(t, IsForeignKeyViolation(Wrap("insert", &pgconn.PgError{Code: "23503"})))
	assert.False(t, IsForeignKeyViolation(&pgconn.PgError{Code: "23505"}))
}
