// Package lock provides a Redis-backed ledger.Locker for running several daemons against one database.
package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix         = "mtaa:lock:"
	defaultExpiry     = 10 * time.Second
	defaultTries      = 64
	defaultRetryDelay = 50 * time.Millisecond
	unlockTimeout     = 2 * time.Second
)

// Option configures a RedisLocker.
type Option func(*RedisLocker)

// WithExpiry bounds how long a crashed holder keeps a key locked.
func WithExpiry(expiry time.Duration) Option {
	return func(locker *RedisLocker) {
		if expiry > 0 {
			locker.expiry = expiry
		}
	}
}

// WithTries sets how many acquisition attempts are made before giving up.
func WithTries(tries int) Option {
	return func(locker *RedisLocker) {
		if tries > 0 {
			locker.tries = tries
		}
	}
}

// WithRetryDelay sets the pause between acquisition attempts.
func WithRetryDelay(delay time.Duration) Option {
	return func(locker *RedisLocker) {
		if delay > 0 {
			locker.retryDelay = delay
		}
	}
}

// WithLogger reports unlock failures.
func WithLogger(logger *zap.Logger) Option {
	return func(locker *RedisLocker) {
		if logger != nil {
			locker.logger = logger
		}
	}
}

// RedisLocker serializes per-entity mutations across processes with redsync mutexes.
type RedisLocker struct {
	mutexes    *redsync.Redsync
	expiry     time.Duration
	tries      int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewRedisLocker builds a locker over client.
func NewRedisLocker(client redis.UniversalClient, options ...Option) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ledger.ErrInvalidServiceConfig)
	}
	locker := &RedisLocker{
		mutexes:    redsync.New(goredis.NewPool(client)),
		expiry:     defaultExpiry,
		tries:      defaultTries,
		retryDelay: defaultRetryDelay,
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(locker)
		}
	}
	return locker, nil
}

// Lock blocks until key is held or ctx is done. The returned unlock is safe to call more than once.
func (locker *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: empty lock key", ledger.ErrValidation)
	}
	mutex := locker.mutexes.NewMutex(keyPrefix+key,
		redsync.WithExpiry(locker.expiry),
		redsync.WithTries(locker.tries),
		redsync.WithRetryDelay(locker.retryDelay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ledger.ErrLockUnavailable, key, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			unlockContext, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			if ok, err := mutex.UnlockContext(unlockContext); err != nil || !ok {
				locker.logger.Warn("release lock", zap.String("key", key), zap.Bool("released", ok), zap.Error(err))
			}
		})
	}, nil
}

// NewRedisClient opens a go-redis client for the locker and the scheduler.
func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}
