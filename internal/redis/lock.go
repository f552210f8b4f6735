package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("doctor lock not acquired")
)

// Locker serializes every mutating operation on one doctor's slots and
// waiting queue. Slot ledger writes, queue renumbering and the composite
// release-then-promote sequence all run inside the same doctor section, so
// reallocation across two slots of one doctor needs no extra ordering.
type Locker interface {
	WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error
}

type redisDoctorLocker struct {
	client        *redis.Client
	ttl           time.Duration
	acquireWait   time.Duration
	retryInterval time.Duration
}

// NewRedisDoctorLocker creates a locker backed by a per-doctor Redis key.
// Contended callers poll for up to acquireWait before giving up; blocking
// here is ordinary latency for the caller, not an error, so the wait should
// comfortably exceed a typical critical section.
func NewRedisDoctorLocker(client *redis.Client, ttl, acquireWait, retryInterval time.Duration) Locker {
	return &redisDoctorLocker{
		client:        client,
		ttl:           ttl,
		acquireWait:   acquireWait,
		retryInterval: retryInterval,
	}
}

func (l *redisDoctorLocker) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:doctor:%s", doctorID.String())
	token := uuid.NewString()

	deadline := time.Now().Add(l.acquireWait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire doctor lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisDoctorLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release doctor lock: %w", err)
	}
	return nil
}
