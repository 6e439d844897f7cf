package db_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/avatarctic/idempo/internal/infrastructure/db"
)

func newMockDB(t *testing.T, driver string) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return sqlx.NewDb(mockDB, driver), mock
}

func TestPostgresLockID(t *testing.T) {
	// SHA-1("test") starts with a9 4a 8f e5 cc b1 9b a6
	require.Equal(t, int64(-6441359348440544599), db.PostgresLockID("test"))
	require.NotEqual(t, db.PostgresLockID("a"), db.PostgresLockID("b"))
}

func TestMySQLLockName(t *testing.T) {
	require.Equal(t, "idempo_dGVzdA==", db.MySQLLockName("test"))

	long := db.MySQLLockName(strings.Repeat("k", 200))
	require.Len(t, long, 64)
	require.True(t, strings.HasPrefix(long, "idempo_"))
}

func TestNewAdvisoryLock_SelectsDialect(t *testing.T) {
	pg, _ := newMockDB(t, "postgres")
	_, err := db.NewAdvisoryLock(db.NewDatabase(pg))
	require.NoError(t, err)

	my, _ := newMockDB(t, "mysql")
	_, err = db.NewAdvisoryLock(db.NewDatabase(my))
	require.NoError(t, err)

	other, _ := newMockDB(t, "sqlite3")
	_, err = db.NewAdvisoryLock(db.NewDatabase(other))
	require.Error(t, err)
}

func TestPostgresLock_AcquireAndRelease(t *testing.T) {
	dbx, mock := newMockDB(t, "postgres")
	lock := db.NewPostgresLock(dbx)
	ctx := context.Background()
	id := db.PostgresLockID("req")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)::int")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := lock.Acquire(ctx, "req")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, lock.Held())
	conn, ok := lock.Conn("req")
	require.True(t, ok)
	require.NotNil(t, conn)

	// held by this process already; no round trip
	ok, err = lock.Acquire(ctx, "req")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, lock.Release(ctx, "req"))
	require.Equal(t, 0, lock.Held())
	_, ok = lock.Conn("req")
	require.False(t, ok)
	require.NoError(t, lock.Release(ctx, "req"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLock_TakenElsewhere(t *testing.T) {
	dbx, mock := newMockDB(t, "postgres")
	lock := db.NewPostgresLock(dbx)

	mock.ExpectQuery("pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(0))

	ok, err := lock.Acquire(context.Background(), "req")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, lock.Held())
}

func TestMySQLLock_NullResultIsNotAcquired(t *testing.T) {
	dbx, mock := newMockDB(t, "mysql")
	lock := db.NewMySQLLock(dbx)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT GET_LOCK(?, 0)")).
		WithArgs(db.MySQLLockName("req")).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(nil))

	ok, err := lock.Acquire(context.Background(), "req")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAdvisoryLock_ErrorsAreWrapped(t *testing.T) {
	dbx, mock := newMockDB(t, "mysql")
	lock := db.NewMySQLLock(dbx)
	boom := errors.New("server gone away")

	mock.ExpectQuery("GET_LOCK").WillReturnError(boom)
	_, err := lock.Acquire(context.Background(), "req")
	require.ErrorIs(t, err, boom)

	mock.ExpectQuery("GET_LOCK").WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("SELECT RELEASE_LOCK(?)")).WillReturnError(boom)
	ok, err := lock.Acquire(context.Background(), "req")
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, lock.Release(context.Background(), "req"), boom)
	require.Equal(t, 0, lock.Held())
}
