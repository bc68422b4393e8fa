// Package cache provides a Redis-backed advisory cache for embeddings,
// extraction results, and search results. Cache failures never surface to
// callers: a miss and a broken connection look the same.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// State models cache availability. The only transition is
// Connected -> Disabled on first failure; there is no automatic recovery.
type State int32

const (
	StateConnected State = iota
	StateDisabled
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`

	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	DefaultTTL  time.Duration `yaml:"default_ttl" json:"default_ttl"`
	PoolSize    int           `yaml:"pool_size" json:"pool_size"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		DialTimeout: 5 * time.Second,
		DefaultTTL:  24 * time.Hour,
		PoolSize:    10,
	}
}

// Cache wraps a Redis client. All operations are best-effort: errors are
// logged once per transition and reported as misses.
type Cache struct {
	client *redis.Client
	config Config
	logger *zap.Logger

	mu    sync.RWMutex
	state State
}

// New connects to Redis. A failed initial ping disables the cache for the
// process lifetime rather than returning an error.
func New(config Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = 24 * time.Hour
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		DialTimeout: config.DialTimeout,
		PoolSize:    config.PoolSize,
	})

	c := &Cache{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.state = StateDisabled
		c.logger.Warn("redis unreachable, caching disabled for process lifetime",
			zap.String("addr", config.Addr), zap.Error(err))
	} else {
		c.logger.Info("cache connected", zap.String("addr", config.Addr))
	}
	return c
}

// State reports the current availability state.
func (c *Cache) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Cache) disable(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisabled {
		return
	}
	c.state = StateDisabled
	c.logger.Warn("cache failure, disabling cache for process lifetime",
		zap.String("op", op), zap.Error(err))
}

// GetJSON looks up key and unmarshals the stored JSON into dest.
// Returns false on miss, on a disabled cache, or on any error.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) bool {
	if c.State() == StateDisabled {
		return false
	}

	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.disable("get", err)
		return false
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		c.logger.Warn("cache value unmarshal failed, treating as miss",
			zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// SetJSON stores value as JSON under key. ttl==0 uses the default TTL.
// Failures are swallowed.
func (c *Cache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	if c.State() == StateDisabled {
		return
	}
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.disable("set", err)
	}
}

// FlushAll drops every key in the configured database. Best-effort.
func (c *Cache) FlushAll(ctx context.Context) {
	if c.State() == StateDisabled {
		return
	}
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		c.disable("flushdb", err)
		return
	}
	c.logger.Info("cache flushed")
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Key derives a content-addressed cache key: a namespace prefix plus the
// SHA-256 of the canonical JSON encoding of the parts. Map keys are sorted by
// encoding/json, so identical inputs always produce identical keys.
func Key(prefix string, parts ...any) string {
	data, err := json.Marshal(parts)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", parts))
	}
	sum := sha256.Sum256(data)
	return prefix + ":" + hex.EncodeToString(sum[:])
}
