package db

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/avatarctic/idempo/internal/core/ports"
)

const mysqlLockNamePrefix = "idempo_"

// MySQL lock names are limited to 64 characters.
const mysqlLockNameMaxLen = 64

// AdvisoryLock is a session-level database lock. Session locks belong to the
// connection that took them, so every held key pins one pooled connection
// until Release.
type AdvisoryLock struct {
	db           *sqlx.DB
	acquireQuery string
	releaseQuery string
	lockArg      func(key string) interface{}

	mu    sync.Mutex
	conns map[string]*sqlx.Conn
}

var _ ports.DistributedLock = (*AdvisoryLock)(nil)

// NewAdvisoryLock picks the lock dialect from the database driver.
func NewAdvisoryLock(d *Database) (*AdvisoryLock, error) {
	switch d.DriverName() {
	case DriverPostgres:
		return NewPostgresLock(d.DB), nil
	case DriverMySQL:
		return NewMySQLLock(d.DB), nil
	default:
		return nil, fmt.Errorf("no advisory lock available for database driver %q", d.DriverName())
	}
}

// NewPostgresLock uses pg_try_advisory_lock on a 64-bit key derived from the lock name.
func NewPostgresLock(dbx *sqlx.DB) *AdvisoryLock {
	return &AdvisoryLock{
		db:           dbx,
		acquireQuery: "SELECT pg_try_advisory_lock($1)::int",
		releaseQuery: "SELECT pg_advisory_unlock($1)",
		lockArg:      func(key string) interface{} { return PostgresLockID(key) },
		conns:        make(map[string]*sqlx.Conn),
	}
}

// NewMySQLLock uses GET_LOCK with a zero timeout on a derived lock name.
func NewMySQLLock(dbx *sqlx.DB) *AdvisoryLock {
	return &AdvisoryLock{
		db:           dbx,
		acquireQuery: "SELECT GET_LOCK(?, 0)",
		releaseQuery: "SELECT RELEASE_LOCK(?)",
		lockArg:      func(key string) interface{} { return MySQLLockName(key) },
		conns:        make(map[string]*sqlx.Conn),
	}
}

// PostgresLockID is the first 8 bytes of SHA-1(key) read as a little-endian signed integer.
func PostgresLockID(key string) int64 {
	sum := sha1.Sum([]byte(key))
	return int64(binary.LittleEndian.Uint64(sum[:8]))
}

// MySQLLockName prefixes the base64 form of key and cuts it to the MySQL name limit.
func MySQLLockName(key string) string {
	name := mysqlLockNamePrefix + base64.StdEncoding.EncodeToString([]byte(key))
	if len(name) > mysqlLockNameMaxLen {
		name = name[:mysqlLockNameMaxLen]
	}
	return name
}

// Acquire tries to take the lock without waiting.
func (l *AdvisoryLock) Acquire(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	_, held := l.conns[key]
	l.mu.Unlock()
	if held {
		return false, nil
	}

	conn, err := l.db.Connx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}

	var locked sql.NullInt64
	if err := conn.QueryRowxContext(ctx, l.acquireQuery, l.lockArg(key)).Scan(&locked); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !locked.Valid || locked.Int64 != 1 {
		_ = conn.Close()
		return false, nil
	}

	l.mu.Lock()
	l.conns[key] = conn
	l.mu.Unlock()
	return true, nil
}

// Release unlocks key and returns its connection to the pool. Releasing a key
// that is not held is a no-op.
func (l *AdvisoryLock) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	conn, ok := l.conns[key]
	delete(l.conns, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, l.releaseQuery, l.lockArg(key)); err != nil {
		// a connection that may still hold the lock must not go back to the pool
		_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}

// Conn returns the connection holding the lock for key. Statements that must
// run while the lock is held go through it, so a holder never waits on the
// pool for a second connection.
func (l *AdvisoryLock) Conn(key string) (*sqlx.Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	conn, ok := l.conns[key]
	return conn, ok
}

// Held reports how many keys currently pin a connection.
func (l *AdvisoryLock) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}
