// Package lock serializes work on a deal across processes using Redis.
package lock

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "dealsync:lock:deal:"

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockNotHeld     = errors.New("lock not held")
)

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// NewClient connects to addr, which is either host:port or a redis:// URL.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opts = parsed
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// DealLocker hands out per-deal locks with a fixed TTL.
type DealLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDealLocker(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *DealLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DealLocker{rdb: rdb, ttl: ttl, logger: logger.Named("lock")}
}

// Lock is a held deal lock.
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
}

// Acquire takes the lock for dealID without waiting. A lock held elsewhere
// returns ErrLockNotAcquired.
func (l *DealLocker) Acquire(ctx context.Context, dealID int) (*Lock, error) {
	key := keyPrefix + strconv.Itoa(dealID)
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	l.logger.Debug("acquired", zap.Int("deal_id", dealID))
	return &Lock{rdb: l.rdb, key: key, token: token}, nil
}

// WithLock runs fn while holding the lock for dealID.
func (l *DealLocker) WithLock(ctx context.Context, dealID int, fn func() error) error {
	lock, err := l.Acquire(ctx, dealID)
	if err != nil {
		return err
	}
	defer func() {
		// detached so a cancelled request still frees the key
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			l.logger.Warn("release failed", zap.Int("deal_id", dealID), zap.Error(err))
		}
	}()
	return fn()
}

// Release frees the lock if it is still ours.
func (lock *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lock.rdb, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
