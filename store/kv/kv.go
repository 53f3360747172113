// Package kv wraps the in-memory key/value and pub/sub store.
// All contact with Redis goes through this package; callers never import
// go-redis directly. SCAN is used for every bulk pattern walk — KEYS is
// never issued against a shared instance.
package kv

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Error wraps every failure from the underlying client in a single kind so
// callers can catch-and-decide without depending on go-redis error types.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "kv: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Config resolves connection parameters once at startup.
type Config struct {
	Host       string
	Port       int
	Password   string
	DB         int
	TLS        bool
	TLSVerify  bool
	ScanCount  int64
}

// Client is the typed wrapper over a redis connection.
type Client struct {
	rdb       *redis.Client
	scanCount int64
}

// New dials the store. It does not block on connectivity; callers should
// Ping if they need a readiness check (see /readyz).
func New(cfg Config) *Client {
	opts := &redis.Options{
		Addr:     addr(cfg),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: !cfg.TLSVerify} //nolint:gosec // operator opt-in via LISTENERS_REDIS_TLS_VERIFY
	}
	count := cfg.ScanCount
	if count <= 0 {
		count = 100
	}
	return &Client{rdb: redis.NewClient(opts), scanCount: count}
}

func addr(cfg Config) string {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Ping verifies connectivity, used by /readyz.
func (c *Client) Ping(ctx context.Context) error {
	return wrap("ping", c.rdb.Ping(ctx).Err())
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Get returns the raw value, or redis.Nil itself (unwrapped) if absent — callers use
// errors.Is(err, redis.Nil) to distinguish miss from failure.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", err
	}
	return v, wrap("get", err)
}

// Set stores a value with no expiry. Reserved for locks using NX semantics;
// every TTL-bearing key must go through SetEX instead.
func (c *Client) Set(ctx context.Context, key, value string) error {
	return wrap("set", c.rdb.Set(ctx, key, value, 0).Err())
}

// SetNX sets a value only if the key doesn't exist, used for locks and the
// idempotency guard. Returns true if the key was set by this call.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	return ok, wrap("setnx", err)
}

// SetEX stores a value with a TTL. Used for every TTL-bearing key in the
// canonical layout.
func (c *Client) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap("setex", c.rdb.Set(ctx, key, value, ttl).Err())
}

// Delete removes one or more keys, ignoring keys that don't exist.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap("delete", c.rdb.Del(ctx, keys...).Err())
}

// Expire refreshes a key's TTL without rewriting its value.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap("expire", c.rdb.Expire(ctx, key, ttl).Err())
}

// Exists reports whether a key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, wrap("exists", err)
}

// Scan walks all keys matching pattern using cursor-based SCAN at the
// configured batch size — never KEYS.
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, c.scanCount).Result()
		if err != nil {
			return nil, wrap("scan", err)
		}
		out = append(out, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// HSet/HGet/HDel give hash-field access used for per-user registries.
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return wrap("hset", c.rdb.HSet(ctx, key, field, value).Err())
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", err
	}
	return v, wrap("hget", err)
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return wrap("hdel", c.rdb.HDel(ctx, key, fields...).Err())
}

// HSetMap writes every field in fields in one round trip, used by the
// registry hashes that carry several fields per key.
func (c *Client) HSetMap(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return wrap("hset", c.rdb.HSet(ctx, key, values).Err())
}

// HGetAll reads every field of a hash; an absent key returns an empty map,
// not an error, matching go-redis's HGETALL semantics.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := c.rdb.HGetAll(ctx, key).Result()
	return v, wrap("hgetall", err)
}

// Publish fans out a message to a channel. Best-effort: publish failures to
// a reply_to channel are logged by callers, never surfaced as RPC errors.
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return wrap("publish", c.rdb.Publish(ctx, channel, message).Err())
}

// Subscribe returns a live subscription; callers must Close it.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// LRange/RPush/LLen back the WS pending-message buffer.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := c.rdb.LRange(ctx, key, start, stop).Result()
	return v, wrap("lrange", err)
}

func (c *Client) RPush(ctx context.Context, key string, values ...string) error {
	return wrap("rpush", c.rdb.RPush(ctx, key, values).Err())
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	return n, wrap("llen", err)
}

// IsMiss reports whether err represents a cache/key miss rather than a
// connectivity failure.
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Nil re-exports redis.Nil so callers don't need the go-redis import just
// to compare against it.
var Nil = redis.Nil
