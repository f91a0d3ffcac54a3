package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired is returned when a lock cannot be acquired
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when trying to release a lock not held
	ErrLockNotHeld = errors.New("lock not held")
)

// DefaultLockTTL bounds how long a crashed holder can block a key.
const DefaultLockTTL = 24 * time.Hour

// Lock is one held acquisition. Signature is random per attempt, so a
// stale holder can never release a newer attempt's lock.
type Lock struct {
	client    *Client
	key       string
	signature string
	ttl       time.Duration
}

func (lock *Lock) Key() string       { return lock.key }
func (lock *Lock) Signature() string { return lock.signature }

// Locker provides distributed locking operations
type Locker struct {
	client    *Client
	keyPrefix string
}

func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "lock:"
	}
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Acquire sets key to a fresh signature if it does not exist.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	lockKey := l.keyPrefix + key
	signature := uuid.New().String()

	ok, err := l.client.rdb.SetNX(ctx, lockKey, signature, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.client.logger.WithContext(ctx).Debugf("Acquired lock: %s", lockKey)

	return &Lock{
		client:    l.client,
		key:       lockKey,
		signature: signature,
		ttl:       ttl,
	}, nil
}

// Holder returns the signature currently stored under key, or "" when the
// key is free.
func (l *Locker) Holder(ctx context.Context, key string) (string, error) {
	v, err := l.client.rdb.Get(ctx, l.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// ownerTx runs fn in a MULTI block only while key still holds signature.
// WATCH aborts the block if the key changes between the check and EXEC.
func (lock *Lock) ownerTx(ctx context.Context, fn func(pipe redis.Pipeliner)) error {
	rdb := lock.client.rdb
	err := rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, lock.key).Result()
		if errors.Is(err, redis.Nil) || (err == nil && current != lock.signature) {
			return ErrLockNotHeld
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fn(pipe)
			return nil
		})
		return err
	}, lock.key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrLockNotHeld
	}
	return err
}

// Release deletes the lock if this attempt still owns it.
func (lock *Lock) Release(ctx context.Context) error {
	err := lock.ownerTx(ctx, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, lock.key)
	})
	if err != nil {
		return err
	}
	lock.client.logger.WithContext(ctx).Debugf("Released lock: %s", lock.key)
	return nil
}

// Extend resets the lock's TTL if this attempt still owns it.
func (lock *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	err := lock.ownerTx(ctx, func(pipe redis.Pipeliner) {
		pipe.PExpire(ctx, lock.key, ttl)
	})
	if err != nil {
		return err
	}
	lock.ttl = ttl
	return nil
}

// WithLock executes a function while holding a lock
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	lock, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			l.client.logger.WithContext(ctx).WithError(err).Warnf("Failed to release lock: %s", lock.key)
		}
	}()

	return fn()
}
