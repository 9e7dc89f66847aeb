// Package redisstore implements storage.Adapter on Redis. Records are plain
// strings, lanes are lists (RPUSH/LPOP), and compare-and-swap runs as a Lua
// script so it stays atomic on the server.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/mediaqueue/internal/storage"
)

// Compile-time interface check.
var _ storage.Adapter = (*Store)(nil)

// casScript swaps KEYS[1] to ARGV[2] when it currently equals ARGV[1].
// ARGV[3] == "1" means the key must be absent instead.
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if ARGV[3] == "1" then
  if cur then return 0 end
else
  if not cur or cur ~= ARGV[1] then return 0 end
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

// containsScript reports whether ARGV[1] is an element of list KEYS[1].
var containsScript = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, -1)
for _, v in ipairs(items) do
  if v == ARGV[1] then return 1 end
end
return 0
`)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithOpTimeout bounds every call that arrives without its own deadline.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) { s.opTimeout = d }
}

// WithScanCount sets the COUNT hint used by Scan.
func WithScanCount(n int64) Option {
	return func(s *Store) { s.scanCount = n }
}

// Store implements storage.Adapter backed by Redis.
type Store struct {
	client    redis.UniversalClient
	logger    *slog.Logger
	opTimeout time.Duration
	scanCount int64
	owned     bool
}

// New creates a Redis-backed store. The caller owns the client lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		logger:    slog.Default(),
		opTimeout: 3 * time.Second,
		scanCount: 500,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config is the connection configuration for Dial.
type Config struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Dial builds a client from cfg and returns a Store that owns it.
// No connection is attempted until the first command.
func Dial(cfg Config, opts ...Option) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   -1, // retries live in storage.WithRetry
	})
	s := New(client, opts...)
	s.owned = true
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

func (s *Store) Name() string { return "redis" }

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	v, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListPush(ctx context.Context, list string, value []byte) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.client.RPush(ctx, list, value).Err(); err != nil {
		return fmt.Errorf("redis: rpush %s: %w", list, err)
	}
	return nil
}

func (s *Store) ListPop(ctx context.Context, list string) ([]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	v, err := s.client.LPop(ctx, list).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrEmpty
		}
		return nil, fmt.Errorf("redis: lpop %s: %w", list, err)
	}
	return v, nil
}

func (s *Store) ListLen(ctx context.Context, list string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := s.client.LLen(ctx, list).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: llen %s: %w", list, err)
	}
	return n, nil
}

func (s *Store) ListContains(ctx context.Context, list string, value []byte) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	n, err := containsScript.Run(ctx, s.client, []string{list}, value).Int()
	if err != nil {
		return false, fmt.Errorf("redis: list contains %s: %w", list, err)
	}
	return n == 1, nil
}

// Scan walks the keyspace with SCAN MATCH prefix*. Callers pass record
// prefixes, which never overlap lane names.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", s.scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: scan %s: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return dedupe(keys), nil
}

// SCAN may return a key more than once.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	absent := "0"
	if prev == nil {
		absent = "1"
		prev = []byte{}
	}
	n, err := casScript.Run(ctx, s.client, []string{key}, prev, next, absent).Int()
	if err != nil {
		return false, fmt.Errorf("redis: cas %s: %w", key, err)
	}
	return n == 1, nil
}

// Close closes the client only when Dial created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
