package repositories

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/idempo/internal/infrastructure/db"
)

// DefaultPruneBatchSize is how many expired rows one prune statement removes.
const DefaultPruneBatchSize = 1000

// Session is what lookups and stores run on: the pool, or a single reserved
// connection. Both *sqlx.DB and *sqlx.Conn satisfy it.
type Session interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	Rebind(query string) string
}

var (
	_ Session = (*sqlx.DB)(nil)
	_ Session = (*sqlx.Conn)(nil)
)

// IdempotentResponseRepository persists serialized responses in idempo_responses.
type IdempotentResponseRepository struct {
	db     *db.Database
	logger *logrus.Logger
	now    func() time.Time
}

// NewIdempotentResponseRepository creates a repository on the given database.
func NewIdempotentResponseRepository(database *db.Database, logger *logrus.Logger) *IdempotentResponseRepository {
	return &IdempotentResponseRepository{db: database, logger: logger, now: time.Now}
}

// WithClock replaces the time source used for expiry comparisons.
func (r *IdempotentResponseRepository) WithClock(now func() time.Time) *IdempotentResponseRepository {
	r.now = now
	return r
}

// StorageKey is the value stored in idempotent_request_key for a request key.
func StorageKey(requestKey string) string {
	sum := sha1.Sum([]byte(requestKey))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Lookup returns the payload stored for requestKey if it has not expired yet.
func (r *IdempotentResponseRepository) Lookup(ctx context.Context, requestKey string) ([]byte, bool, error) {
	return r.LookupOn(ctx, r.db.DB, requestKey)
}

// LookupOn is Lookup running on session.
func (r *IdempotentResponseRepository) LookupOn(ctx context.Context, session Session, requestKey string) ([]byte, bool, error) {
	query := session.Rebind(`
		SELECT idempotent_response_payload
		FROM idempo_responses
		WHERE idempotent_request_key = ? AND expire_at > ?
		LIMIT 1`)

	var payload []byte
	err := session.GetContext(ctx, &payload, query, StorageKey(requestKey), r.now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Error("db: failed to look up idempotent response")
		}
		return nil, false, fmt.Errorf("failed to look up idempotent response: %w", err)
	}
	return payload, true, nil
}

// Store replaces whatever is stored for requestKey. The expiry is rounded up
// to whole seconds.
func (r *IdempotentResponseRepository) Store(ctx context.Context, requestKey string, payload []byte, ttl time.Duration) error {
	return r.StoreOn(ctx, r.db.DB, requestKey, payload, ttl)
}

// StoreOn is Store running on session. The delete and insert share one
// transaction on that session.
func (r *IdempotentResponseRepository) StoreOn(ctx context.Context, session Session, requestKey string, payload []byte, ttl time.Duration) error {
	now := r.now().UTC()
	expireAt := now.Add(ceilSeconds(ttl))
	key := StorageKey(requestKey)

	tx, err := session.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM idempo_responses WHERE idempotent_request_key = ?`), key); err != nil {
		return fmt.Errorf("failed to delete previous idempotent response: %w", err)
	}

	insert := tx.Rebind(`
		INSERT INTO idempo_responses (
			idempotent_request_key, expire_at, idempotent_response_payload, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert, key, expireAt, payload, now, now); err != nil {
		return fmt.Errorf("failed to insert idempotent response: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit idempotent response: %w", err)
	}
	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{"expire_at": expireAt, "size": len(payload)}).Debug("db: idempotent response stored")
	}
	return nil
}

// Prune deletes expired rows batchSize at a time until a batch comes back
// short, and returns how many rows were removed.
func (r *IdempotentResponseRepository) Prune(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = DefaultPruneBatchSize
	}

	var query string
	switch r.db.DriverName() {
	case db.DriverMySQL:
		query = `DELETE FROM idempo_responses WHERE expire_at < ? LIMIT ?`
	default:
		query = r.db.DB.Rebind(`
			DELETE FROM idempo_responses
			WHERE id IN (SELECT id FROM idempo_responses WHERE expire_at < ? LIMIT ?)`)
	}

	var total int64
	for {
		res, err := r.db.DB.ExecContext(ctx, query, r.now().UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to prune idempotent responses: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to count pruned idempotent responses: %w", err)
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}
