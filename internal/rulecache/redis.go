package rulecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aoxiansheng/stock-api-sub010/internal/config"
	"github.com/aoxiansheng/stock-api-sub010/internal/observability"
	"github.com/aoxiansheng/stock-api-sub010/internal/retry"
)

// redisRetryConfig returns the retry configuration for Redis operations.
// Retrying lives here, in the client implementation, not in the cache logic.
func redisRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:     2,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		JitterFactor:   retry.DefaultJitterFactor,
	}
}

// isRetryableRedisError reports whether the error is a transient
// network/connection failure worth retrying.
func isRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// RedisClient implements Client on top of go-redis.
type RedisClient struct {
	logger    observability.Logger
	client    *redis.Client
	keyPrefix string
}

// NewRedisClient connects to Redis using the distributed tier configuration.
func NewRedisClient(cfg config.DistributedConfig, logger observability.Logger) (*RedisClient, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		opts.DialTimeout = cfg.ConnectTimeout.Duration()
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout.Duration()
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout.Duration()
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = config.DefaultRedisKeyPrefix
	}

	logger.Info("redis cache client initialized",
		observability.String("keyPrefix", keyPrefix))

	return &RedisClient{
		logger:    logger,
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

// Get retrieves a value, returning ErrCacheMiss when the key is absent.
func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte

	err := retry.Do(ctx, redisRetryConfig(), func() error {
		val, getErr := c.client.Get(ctx, c.keyPrefix+key).Bytes()
		if getErr != nil {
			return getErr
		}
		result = val
		return nil
	}, &retry.Options{ShouldRetry: isRetryableRedisError})

	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return result, nil
}

// SetWithTTL stores a value with the given TTL.
func (c *RedisClient) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := retry.Do(ctx, redisRetryConfig(), func() error {
		return c.client.Set(ctx, c.keyPrefix+key, value, ttl).Err()
	}, &retry.Options{ShouldRetry: isRetryableRedisError})

	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// Delete removes the given keys.
func (c *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.keyPrefix + k
	}

	err := retry.Do(ctx, redisRetryConfig(), func() error {
		return c.client.Del(ctx, full...).Err()
	}, &retry.Options{ShouldRetry: isRetryableRedisError})

	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return nil
}

// ScanKeys iterates keys matching the pattern using SCAN, invoking fn with
// unprefixed keys in batches of at most batchSize. KEYS-style blocking
// listings are never issued.
func (c *RedisClient) ScanKeys(
	ctx context.Context, pattern string, batchSize int, fn func(keys []string) error,
) error {
	if batchSize <= 0 {
		batchSize = config.DefaultScanBatchSize
	}

	var cursor uint64
	fullPattern := c.keyPrefix + pattern

	for {
		keys, next, err := c.client.Scan(ctx, cursor, fullPattern, int64(batchSize)).Result()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}

		if len(keys) > 0 {
			trimmed := make([]string, len(keys))
			for i, k := range keys {
				trimmed[i] = k[len(c.keyPrefix):]
			}
			if err := fn(trimmed); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close closes the Redis connection.
func (c *RedisClient) Close() error {
	return c.client.Close()
}
