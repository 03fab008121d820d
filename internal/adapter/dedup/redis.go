// Package dedup provides shared admission stores for multi-replica deployments.
package dedup

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis used by RedisSeenStore.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// RedisSeenStore remembers admission keys with SET NX PX so every replica
// sees the same window.
type RedisSeenStore struct {
	client RedisClient
	prefix string
}

// NewRedisSeenStore wraps client. Keys are written as prefix+key.
func NewRedisSeenStore(client RedisClient, prefix string) *RedisSeenStore {
	return &RedisSeenStore{client: client, prefix: prefix}
}

// Connect parses url (redis://...) and returns a pinged, pooled client.
func Connect(ctx context.Context, url string) (*Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := goredis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{c: c}, nil
}

// Dial connects to url and returns a store backed by the client.
func Dial(ctx context.Context, url, prefix string) (*RedisSeenStore, error) {
	c, err := Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewRedisSeenStore(c, prefix), nil
}

// MarkIfAbsent sets the key with the window as TTL. The key's expiry is the window:
// a key written at t is absent again at t+window.
func (s *RedisSeenStore) MarkIfAbsent(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, now.UTC().Format(time.RFC3339Nano), window)
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Forget deletes the key.
func (s *RedisSeenStore) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisSeenStore) Close() error { return s.client.Close() }

// Client adapts *goredis.Client to RedisClient and to the lease client of
// package cluster.
type Client struct {
	c *goredis.Client
}

func (r *Client) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	return r.c.SetNX(ctx, key, value, expiration).Result()
}

func (r *Client) Get(ctx context.Context, key string) (string, error) {
	return r.c.Get(ctx, key).Result()
}

func (r *Client) Del(ctx context.Context, keys ...string) error {
	return r.c.Del(ctx, keys...).Err()
}

func (r *Client) Close() error { return r.c.Close() }
