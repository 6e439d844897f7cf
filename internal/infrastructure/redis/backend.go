package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
	"github.com/avatarctic/idempo/internal/core/ports"
)

const (
	// DefaultLockTTL bounds how long a crashed holder can block a key.
	DefaultLockTTL = 5 * time.Minute
	// DefaultKeyPrefix namespaces lock and response keys.
	DefaultKeyPrefix = "idempo"

	scriptResultOK       = "ok"
	scriptResultLockLost = "lock_lost"
)

// Deletes the lock only if it still carries our token.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  redis.call("del", KEYS[1])
  return "ok"
else
  return "lock_lost"
end
`)

// Writes the response only while the lock still carries our token.
var storeIfLockHeldScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  redis.call("set", KEYS[2], ARGV[2], "px", ARGV[3])
  return "ok"
else
  return "lock_lost"
end
`)

// Backend locks and stores responses in Redis. Ownership of a lock is proven
// by a random token so a holder never releases or overwrites a lock that was
// re-acquired by somebody else.
type Backend struct {
	r       redis.Cmdable
	prefix  string
	lockTTL time.Duration
	logger  *logrus.Logger
}

// BackendConfig groups optional settings for the Redis backend.
type BackendConfig struct {
	KeyPrefix string
	LockTTL   time.Duration
}

// NewBackend creates a Redis backend. A nil cfg uses the defaults.
func NewBackend(r redis.Cmdable, cfg *BackendConfig, logger *logrus.Logger) *Backend {
	prefix := DefaultKeyPrefix
	lockTTL := DefaultLockTTL
	if cfg != nil {
		if cfg.KeyPrefix != "" {
			prefix = cfg.KeyPrefix
		}
		if cfg.LockTTL > 0 {
			lockTTL = cfg.LockTTL
		}
	}
	return &Backend{r: r, prefix: prefix, lockTTL: lockTTL, logger: logger}
}

// LockKey returns the Redis key holding the lock for requestKey.
func (b *Backend) LockKey(requestKey string) string {
	return b.prefix + ":lock:" + requestKey
}

// ResponseKey returns the Redis key holding the persisted response for requestKey.
func (b *Backend) ResponseKey(requestKey string) string {
	return b.prefix + ":response:" + requestKey
}

// WithIdempotencyKey implements ports.IdempotencyBackend.
func (b *Backend) WithIdempotencyKey(ctx context.Context, requestKey string, fn func(store ports.IdempotencyStore) error) error {
	lockKey := b.LockKey(requestKey)
	token := uuid.NewString()

	acquired, err := b.r.SetNX(ctx, lockKey, token, b.lockTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire redis lock: %w", err)
	}
	if !acquired {
		return idempotency.ErrConcurrentRequest
	}
	defer b.release(lockKey, token)

	return fn(&store{
		backend:     b,
		lockKey:     lockKey,
		responseKey: b.ResponseKey(requestKey),
		token:       token,
	})
}

// Prune is a no-op; Redis expires responses itself.
func (b *Backend) Prune(context.Context) error { return nil }

func (b *Backend) release(lockKey, token string) {
	// the request context may already be cancelled; the lock must still go
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := b.runScript(ctx, releaseLockScript, []string{lockKey}, token)
	if err != nil {
		if b.logger != nil {
			b.logger.WithError(err).WithField("lock_key", lockKey).Warn("failed to release idempotency lock; it will expire on its own")
		}
		return
	}
	if res == scriptResultLockLost && b.logger != nil {
		b.logger.WithField("lock_key", lockKey).Warn("idempotency lock was lost before release")
	}
}

// runScript evaluates a script by its SHA and loads it once if Redis does not know it yet.
func (b *Backend) runScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (string, error) {
	res, err := script.EvalSha(ctx, b.r, keys, args...).Text()
	if err != nil && isNoScript(err) {
		if loadErr := script.Load(ctx, b.r).Err(); loadErr != nil {
			return "", fmt.Errorf("failed to load redis script: %w", loadErr)
		}
		res, err = script.EvalSha(ctx, b.r, keys, args...).Text()
	}
	if err != nil {
		return "", fmt.Errorf("failed to run redis script: %w", err)
	}
	return res, nil
}

func isNoScript(err error) bool {
	return err != nil && !errors.Is(err, redis.Nil) && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

type store struct {
	backend     *Backend
	lockKey     string
	responseKey string
	token       string
}

func (s *store) Lookup(ctx context.Context) ([]byte, bool, error) {
	val, err := s.backend.r.Get(ctx, s.responseKey).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get stored response: %w", err)
	}
	return val, true, nil
}

func (s *store) Store(ctx context.Context, payload []byte, ttl time.Duration) error {
	ttlMillis := ttl.Round(time.Millisecond).Milliseconds()
	if ttlMillis < 1 {
		ttlMillis = 1
	}
	res, err := s.backend.runScript(ctx, storeIfLockHeldScript, []string{s.lockKey, s.responseKey}, s.token, payload, ttlMillis)
	if err != nil {
		return err
	}
	if res != scriptResultOK && s.backend.logger != nil {
		s.backend.logger.WithField("lock_key", s.lockKey).Warn("idempotency lock lost during request; response not stored")
	}
	return nil
}
