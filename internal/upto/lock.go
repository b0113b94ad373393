package upto

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/x402-io/facilitator/internal/cache"
)

// Lock is the distributed coordination primitive guarding the sweeper so at
// most one replica sweeps at a time (§4.9).
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// NoopLock is the single-process implementation: there is no other replica
// to race with, so Acquire succeeds unless this process already holds it.
type NoopLock struct {
	mu     sync.Mutex
	locked bool
}

func NewNoopLock() *NoopLock {
	return &NoopLock{}
}

func (l *NoopLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return false, nil
	}
	l.locked = true
	return true, nil
}

func (l *NoopLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = false
	return nil
}

// RedisLock implements Lock with a short-TTL key, a per-process token, and
// a compare-and-delete release script so a caller never releases a lock it
// no longer owns (e.g. its TTL already expired and another replica holds
// it).
type RedisLock struct {
	client *cache.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewRedisLock creates a lock over key with the given TTL. A fresh token is
// generated per acquire so concurrent instances of this process never
// collide with each other's ownership check.
func NewRedisLock(client *cache.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token, err := randomToken()
	if err != nil {
		return false, err
	}

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	_, err := l.client.EvalCompareAndDelete(ctx, l.key, l.token)
	l.token = ""
	return err
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
