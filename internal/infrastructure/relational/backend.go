package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
	"github.com/avatarctic/idempo/internal/core/ports"
	"github.com/avatarctic/idempo/internal/infrastructure/db"
	"github.com/avatarctic/idempo/internal/infrastructure/memory"
	"github.com/avatarctic/idempo/internal/infrastructure/repositories"
)

// sessionLock is a DistributedLock that holds each key on its own database
// connection, like db.AdvisoryLock.
type sessionLock interface {
	ports.DistributedLock
	Conn(key string) (*sqlx.Conn, bool)
}

// Backend keeps responses in a SQL table and serializes requests with a
// process-local lock layered over a database lock.
type Backend struct {
	local     *memory.Lock
	lock      ports.DistributedLock
	repo      *repositories.IdempotentResponseRepository
	pool      repositories.Session
	batchSize int
	logger    *logrus.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithDistributedLock replaces the advisory lock, e.g. when connections go
// through a transaction pooler that cannot hold session locks.
func WithDistributedLock(lock ports.DistributedLock) Option {
	return func(b *Backend) { b.lock = lock }
}

// WithPruneBatchSize sets how many rows one prune statement deletes.
func WithPruneBatchSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithRepository overrides the response repository.
func WithRepository(repo *repositories.IdempotentResponseRepository) Option {
	return func(b *Backend) { b.repo = repo }
}

// NewBackend builds a backend on database. The lock dialect follows the
// database driver unless WithDistributedLock is given.
func NewBackend(database *db.Database, logger *logrus.Logger, opts ...Option) (*Backend, error) {
	b := &Backend{
		local:     memory.NewLock(),
		pool:      database.DB,
		batchSize: repositories.DefaultPruneBatchSize,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.repo == nil {
		b.repo = repositories.NewIdempotentResponseRepository(database, logger)
	}
	if b.lock == nil {
		lock, err := db.NewAdvisoryLock(database)
		if err != nil {
			return nil, err
		}
		b.lock = lock
	}
	return b, nil
}

// WithIdempotencyKey implements ports.IdempotencyBackend.
func (b *Backend) WithIdempotencyKey(ctx context.Context, requestKey string, fn func(store ports.IdempotencyStore) error) error {
	if !b.local.TryAcquire(requestKey) {
		return idempotency.ErrConcurrentRequest
	}
	defer b.local.Unlock(requestKey)

	acquired, err := b.lock.Acquire(ctx, requestKey)
	if err != nil {
		return fmt.Errorf("failed to acquire distributed lock: %w", err)
	}
	if !acquired {
		return idempotency.ErrConcurrentRequest
	}
	defer b.release(requestKey)

	return fn(&store{repo: b.repo, session: b.sessionFor(requestKey), requestKey: requestKey})
}

// Prune removes expired rows in batches.
func (b *Backend) Prune(ctx context.Context) error {
	n, err := b.repo.Prune(ctx, b.batchSize)
	if err != nil {
		return err
	}
	if b.logger != nil && n > 0 {
		b.logger.WithField("rows", n).Info("pruned expired idempotent responses")
	}
	return nil
}

// sessionFor returns the connection holding requestKey's lock when the lock
// pins one, and the pool otherwise.
func (b *Backend) sessionFor(requestKey string) repositories.Session {
	if sl, ok := b.lock.(sessionLock); ok {
		if conn, ok := sl.Conn(requestKey); ok {
			return conn
		}
	}
	return b.pool
}

func (b *Backend) release(requestKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.lock.Release(ctx, requestKey); err != nil && b.logger != nil {
		b.logger.WithError(err).Warn("failed to release distributed idempotency lock")
	}
}

type store struct {
	repo       *repositories.IdempotentResponseRepository
	session    repositories.Session
	requestKey string
}

func (s *store) Lookup(ctx context.Context) ([]byte, bool, error) {
	return s.repo.LookupOn(ctx, s.session, s.requestKey)
}

func (s *store) Store(ctx context.Context, payload []byte, ttl time.Duration) error {
	return s.repo.StoreOn(ctx, s.session, s.requestKey, payload, ttl)
}
