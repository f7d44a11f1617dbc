package revoke

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix  = "gatehouse:revoked:"
	defaultTimeout = 2 * time.Second
)

// revokeScript writes the entry only when it would extend it. TTL returns -2
// for a missing key and -1 for a key without expiry, both of which compare
// below any real remaining lifetime, so a fresh entry is always written.
// Running it server-side makes the extend-or-keep decision atomic.
var revokeScript = redis.NewScript(`
local remaining = redis.call('TTL', KEYS[1])
local ttl = tonumber(ARGV[2])
if remaining < ttl then
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ttl)
end
return 1
`)

// Config tunes the redis revocation store. Zero values use defaults.
type Config struct {
	// Prefix namespaces revocation keys.
	Prefix string
	// Timeout bounds every store round-trip. A timed-out call surfaces as
	// ErrUnavailable, same as a refused connection.
	Timeout time.Duration
}

// RedisStore implements Store on a shared redis instance. Correctness under
// concurrency is delegated to redis's single-threaded command execution; the
// store holds no in-process state beyond the client.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedis wraps an already-connected client.
func NewRedis(client *redis.Client, cfg Config) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &RedisStore{client: client, prefix: cfg.Prefix, timeout: cfg.Timeout}
}

func (s *RedisStore) key(jti string) string {
	return s.prefix + jti
}

// Revoke implements Store.
func (s *RedisStore) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	// Redis EX wants whole seconds; round up so we never undercut the
	// credential's remaining lifetime.
	secs := int64((ttl + time.Second - 1) / time.Second)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := revokeScript.Run(ctx, s.client,
		[]string{s.key(jti)},
		strconv.FormatInt(time.Now().Unix(), 10),
		strconv.FormatInt(secs, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: revoke %s: %v", ErrUnavailable, jti, err)
	}
	return nil
}

// IsRevoked implements Store. A transient store error is retried once before
// reporting ErrUnavailable; it must never block the request path for long.
func (s *RedisStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.exists(ctx, jti)
	if err != nil {
		// One bounded retry, then fail closed at the caller.
		if n, err = s.exists(ctx, jti); err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return n > 0, nil
}

func (s *RedisStore) exists(ctx context.Context, jti string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Exists(ctx, s.key(jti)).Result()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
