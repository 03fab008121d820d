// Package cluster coordinates replicas that share a redis instance, so that
// singleton jobs such as the lead sweep run on one replica at a time.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// RedisClient is the subset of redis operations the coordinator needs.
type RedisClient interface {
	// SetNX sets key to value if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// CoordinatorConfig holds configuration for the coordinator.
type CoordinatorConfig struct {
	NodeID  string        // default: hostname-pid
	LockTTL time.Duration // default: 5m
	Prefix  string        // default: "hume:lock:"
}

// Coordinator hands out named leases. A lease expires after LockTTL even if
// its holder dies, so a crashed replica blocks a job for at most one TTL.
type Coordinator struct {
	nodeID  string
	client  RedisClient
	logger  *slog.Logger
	lockTTL time.Duration
	prefix  string
}

// NewCoordinator creates a coordinator over client.
func NewCoordinator(client RedisClient, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "hume:lock:"
	}
	if cfg.NodeID == "" {
		cfg.NodeID = DefaultNodeID()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		nodeID:  cfg.NodeID,
		client:  client,
		logger:  logger,
		lockTTL: cfg.LockTTL,
		prefix:  cfg.Prefix,
	}
}

// DefaultNodeID is hostname-pid.
func DefaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// NodeID returns this replica's identifier.
func (c *Coordinator) NodeID() string { return c.nodeID }

// Acquire takes the lease name. It returns false if another replica holds it.
func (c *Coordinator) Acquire(ctx context.Context, name string) (bool, error) {
	acquired, err := c.client.SetNX(ctx, c.prefix+name, c.nodeID, c.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if acquired {
		c.logger.Debug("lease acquired", "lease", name, "node", c.nodeID)
	}
	return acquired, nil
}

// Release drops the lease if this replica holds it.
func (c *Coordinator) Release(ctx context.Context, name string) error {
	key := c.prefix + name
	owner, err := c.client.Get(ctx, key)
	if err != nil {
		// Missing or expired: nothing to release.
		return nil
	}
	if owner != c.nodeID {
		c.logger.Debug("skipping lease release (not owner)", "lease", name, "owner", owner, "node", c.nodeID)
		return nil
	}
	if err := c.client.Del(ctx, key); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	c.logger.Debug("lease released", "lease", name, "node", c.nodeID)
	return nil
}

// Singleton wraps run so it only executes while this replica holds the lease
// name. When another replica holds it, the call is skipped and returns nil.
func (c *Coordinator) Singleton(name string, run func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ok, err := c.Acquire(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			c.logger.Debug("lease held elsewhere, skipping", "lease", name)
			return nil
		}
		defer func() {
			if err := c.Release(context.WithoutCancel(ctx), name); err != nil {
				c.logger.Warn("lease release failed", "lease", name, "error", err)
			}
		}()
		return run(ctx)
	}
}

// Close shuts down the client.
func (c *Coordinator) Close() error {
	return c.client.Close()
}
