// Package config provides configuration types and loading for the rule
// engine components.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Default configuration values.
const (
	DefaultCacheMaxEntries = 1000
	DefaultCacheTTL        = 5 * time.Minute

	DefaultBestMatchTTL    = 5 * time.Minute
	DefaultContentTTL      = 10 * time.Minute
	DefaultProviderListTTL = 2 * time.Minute

	DefaultRedisKeyPrefix = "ruleengine:"
	DefaultScanBatchSize  = 100

	DefaultMaxStreamFailures = 3
	DefaultReconnectBackoff  = time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultPollInterval      = time.Minute

	DefaultSuspiciousRatio = 0.5
)

// DefaultArrayEnvelopeKeys returns the payload keys probed for a record
// array when the payload itself is not one.
func DefaultArrayEnvelopeKeys() []string {
	return []string{"data", "items", "results", "quotes"}
}

// Config is the root configuration for the rule engine.
type Config struct {
	// Cache configures the local rule cache.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Distributed configures the cross-process cache tier.
	Distributed DistributedConfig `yaml:"distributed" json:"distributed"`

	// Watcher configures the change-feed watcher.
	Watcher WatcherConfig `yaml:"watcher" json:"watcher"`

	// Transform configures the transformation engine.
	Transform TransformConfig `yaml:"transform" json:"transform"`
}

// CacheConfig configures the local, in-process rule cache.
type CacheConfig struct {
	// Enabled toggles caching. When false every lookup reads through to
	// the repository with no de-duplication.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxEntries bounds the LRU size.
	MaxEntries int `yaml:"maxEntries,omitempty" json:"maxEntries,omitempty"`

	// TTL is the time-to-live for cached compiled rules.
	TTL Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

// DistributedConfig configures the best-effort distributed cache tier.
type DistributedConfig struct {
	// Enabled toggles the distributed tier. When false the local cache
	// talks directly to the repository.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// URL is the Redis connection URL.
	// Format: redis://[user:password@]host:port[/db]
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// KeyPrefix is prepended to every distributed cache key.
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`

	// BestMatchTTL is the TTL for best-match entries.
	BestMatchTTL Duration `yaml:"bestMatchTTL,omitempty" json:"bestMatchTTL,omitempty"`

	// ContentTTL is the TTL for rule-content entries.
	ContentTTL Duration `yaml:"contentTTL,omitempty" json:"contentTTL,omitempty"`

	// ProviderListTTL is the TTL for provider-list entries.
	ProviderListTTL Duration `yaml:"providerListTTL,omitempty" json:"providerListTTL,omitempty"`

	// ScanBatchSize bounds each cursor batch during pattern invalidation.
	ScanBatchSize int `yaml:"scanBatchSize,omitempty" json:"scanBatchSize,omitempty"`

	// ConnectTimeout is the timeout for establishing connections.
	ConnectTimeout Duration `yaml:"connectTimeout,omitempty" json:"connectTimeout,omitempty"`

	// ReadTimeout is the timeout for read operations.
	ReadTimeout Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`

	// WriteTimeout is the timeout for write operations.
	WriteTimeout Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`
}

// WatcherConfig configures the change-feed watcher.
type WatcherConfig struct {
	// MaxStreamFailures is the number of consecutive subscription
	// failures tolerated before the watcher degrades to polling.
	MaxStreamFailures int `yaml:"maxStreamFailures,omitempty" json:"maxStreamFailures,omitempty"`

	// ReconnectBackoff is the initial backoff between resubscriptions.
	ReconnectBackoff Duration `yaml:"reconnectBackoff,omitempty" json:"reconnectBackoff,omitempty"`

	// MaxBackoff caps the reconnect backoff.
	MaxBackoff Duration `yaml:"maxBackoff,omitempty" json:"maxBackoff,omitempty"`

	// PollInterval is the coarse invalidation period in degraded mode.
	PollInterval Duration `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"`

	// Providers lists the providers whose distributed entries are swept
	// during degraded-mode coarse invalidation.
	Providers []string `yaml:"providers,omitempty" json:"providers,omitempty"`
}

// TransformConfig configures the transformation engine.
type TransformConfig struct {
	// SuspiciousRatio is the mapping-success ratio below which a record
	// is logged as suspicious. Records are still returned; this is a
	// diagnostic threshold, not a rejection policy.
	SuspiciousRatio float64 `yaml:"suspiciousRatio,omitempty" json:"suspiciousRatio,omitempty"`

	// ArrayEnvelopeKeys are payload keys checked for a homogeneous
	// record array when the payload itself is not one.
	ArrayEnvelopeKeys []string `yaml:"arrayEnvelopeKeys,omitempty" json:"arrayEnvelopeKeys,omitempty"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: DefaultCacheMaxEntries,
			TTL:        Duration(DefaultCacheTTL),
		},
		Distributed: DistributedConfig{
			Enabled:         false,
			KeyPrefix:       DefaultRedisKeyPrefix,
			BestMatchTTL:    Duration(DefaultBestMatchTTL),
			ContentTTL:      Duration(DefaultContentTTL),
			ProviderListTTL: Duration(DefaultProviderListTTL),
			ScanBatchSize:   DefaultScanBatchSize,
		},
		Watcher: WatcherConfig{
			MaxStreamFailures: DefaultMaxStreamFailures,
			ReconnectBackoff:  Duration(DefaultReconnectBackoff),
			MaxBackoff:        Duration(DefaultMaxBackoff),
			PollInterval:      Duration(DefaultPollInterval),
		},
		Transform: TransformConfig{
			SuspiciousRatio:   DefaultSuspiciousRatio,
			ArrayEnvelopeKeys: DefaultArrayEnvelopeKeys(),
		},
	}
}

// Validate checks the configuration and applies defaults for zero values.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.maxEntries must not be negative: %d", c.Cache.MaxEntries)
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = Duration(DefaultCacheTTL)
	}

	if c.Distributed.Enabled && c.Distributed.URL == "" {
		return errors.New("distributed.url is required when the distributed tier is enabled")
	}
	if c.Distributed.KeyPrefix == "" {
		c.Distributed.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Distributed.BestMatchTTL <= 0 {
		c.Distributed.BestMatchTTL = Duration(DefaultBestMatchTTL)
	}
	if c.Distributed.ContentTTL <= 0 {
		c.Distributed.ContentTTL = Duration(DefaultContentTTL)
	}
	if c.Distributed.ProviderListTTL <= 0 {
		c.Distributed.ProviderListTTL = Duration(DefaultProviderListTTL)
	}
	if c.Distributed.ScanBatchSize <= 0 {
		c.Distributed.ScanBatchSize = DefaultScanBatchSize
	}

	if c.Watcher.MaxStreamFailures <= 0 {
		c.Watcher.MaxStreamFailures = DefaultMaxStreamFailures
	}
	if c.Watcher.ReconnectBackoff <= 0 {
		c.Watcher.ReconnectBackoff = Duration(DefaultReconnectBackoff)
	}
	if c.Watcher.MaxBackoff <= 0 {
		c.Watcher.MaxBackoff = Duration(DefaultMaxBackoff)
	}
	if c.Watcher.MaxBackoff < c.Watcher.ReconnectBackoff {
		return errors.New("watcher.maxBackoff must not be smaller than watcher.reconnectBackoff")
	}
	if c.Watcher.PollInterval <= 0 {
		c.Watcher.PollInterval = Duration(DefaultPollInterval)
	}

	if c.Transform.SuspiciousRatio < 0 || c.Transform.SuspiciousRatio > 1 {
		return fmt.Errorf("transform.suspiciousRatio must be within [0,1]: %g", c.Transform.SuspiciousRatio)
	}
	if c.Transform.SuspiciousRatio == 0 {
		c.Transform.SuspiciousRatio = DefaultSuspiciousRatio
	}
	if len(c.Transform.ArrayEnvelopeKeys) == 0 {
		c.Transform.ArrayEnvelopeKeys = DefaultArrayEnvelopeKeys()
	}

	return nil
}
