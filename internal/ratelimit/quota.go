// quota.go - Free conversion quota for anonymous callers

package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrQuotaExhausted is returned by Reserve when no free conversions are left.
var ErrQuotaExhausted = errors.New("free conversion quota exhausted")

// FreeQuota counts lifetime free conversions per client fingerprint.
//
// The fingerprint is derived from what the client sends (IP and User-Agent),
// so a determined caller can reset it. This is an advisory limit, not a
// security boundary.
type FreeQuota interface {
	// Reserve takes one free conversion and returns how many are left after it.
	Reserve(ctx context.Context, fingerprint string) (int, error)
	// Release gives back a reservation whose conversion did not succeed.
	Release(ctx context.Context, fingerprint string) error
	// Remaining reports how many free conversions are left.
	Remaining(ctx context.Context, fingerprint string) (int, error)
	Limit() int
}

// Fingerprint hashes the client address and user agent into a stable key.
func Fingerprint(clientIP, userAgent string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(clientIP) + "|" + strings.TrimSpace(userAgent)))
	return hex.EncodeToString(sum[:16])
}

// MemoryQuota keeps counters in process memory. Counters are lost on restart
// and not shared between replicas.
type MemoryQuota struct {
	limit int
	mu    sync.Mutex
	used  map[string]int
}

func NewMemoryQuota(limit int) *MemoryQuota {
	return &MemoryQuota{limit: limit, used: make(map[string]int)}
}

func (q *MemoryQuota) Limit() int { return q.limit }

func (q *MemoryQuota) Reserve(_ context.Context, fingerprint string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.used[fingerprint] >= q.limit {
		return 0, ErrQuotaExhausted
	}
	q.used[fingerprint]++
	return q.limit - q.used[fingerprint], nil
}

func (q *MemoryQuota) Release(_ context.Context, fingerprint string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.used[fingerprint] > 0 {
		q.used[fingerprint]--
	}
	return nil
}

func (q *MemoryQuota) Remaining(_ context.Context, fingerprint string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit - q.used[fingerprint], nil
}

// RedisQuota keeps counters in Redis so every replica sees the same count.
type RedisQuota struct {
	client *redis.Client
	limit  int
	prefix string
}

// RedisQuotaConfig holds Redis connection configuration.
type RedisQuotaConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Limit    int
}

// NewRedisQuota connects and pings Redis.
func NewRedisQuota(cfg RedisQuotaConfig) (*RedisQuota, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "iw:quota:"
	}
	return &RedisQuota{client: client, limit: cfg.Limit, prefix: prefix}, nil
}

func (q *RedisQuota) Limit() int { return q.limit }

// Reserve increments first and rolls back when over the limit, so two
// concurrent callers can never both take the last conversion.
func (q *RedisQuota) Reserve(ctx context.Context, fingerprint string) (int, error) {
	key := q.prefix + fingerprint
	n, err := q.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	if n > int64(q.limit) {
		if err := q.client.Decr(ctx, key).Err(); err != nil {
			return 0, fmt.Errorf("redis decr: %w", err)
		}
		return 0, ErrQuotaExhausted
	}
	return q.limit - int(n), nil
}

func (q *RedisQuota) Release(ctx context.Context, fingerprint string) error {
	key := q.prefix + fingerprint
	n, err := q.client.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis decr: %w", err)
	}
	if n < 0 {
		if err := q.client.Set(ctx, key, 0, 0).Err(); err != nil {
			return fmt.Errorf("redis set: %w", err)
		}
	}
	return nil
}

func (q *RedisQuota) Remaining(ctx context.Context, fingerprint string) (int, error) {
	n, err := q.client.Get(ctx, q.prefix+fingerprint).Int()
	if errors.Is(err, redis.Nil) {
		return q.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	if n > q.limit {
		n = q.limit
	}
	return q.limit - n, nil
}

// Close closes the Redis connection.
func (q *RedisQuota) Close() error {
	return q.client.Close()
}
