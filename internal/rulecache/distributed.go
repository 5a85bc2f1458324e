package rulecache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aoxiansheng/stock-api-sub010/internal/config"
	"github.com/aoxiansheng/stock-api-sub010/internal/observability"
	"github.com/aoxiansheng/stock-api-sub010/internal/rule"
)

// Client is the minimal distributed cache backend contract. Implementations
// own connection management and any retry policy; this package treats every
// failure as a miss.
type Client interface {
	// Get retrieves a value. Returns ErrCacheMiss when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL stores a value with the given TTL.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the given keys.
	Delete(ctx context.Context, keys ...string) error

	// ScanKeys iterates keys matching a glob pattern in bounded batches
	// using a cursor, invoking fn per batch. A blocking full-keyspace
	// listing is not permitted by this contract.
	ScanKeys(ctx context.Context, pattern string, batchSize int, fn func(keys []string) error) error

	// Close releases the backend connection.
	Close() error
}

// Distributed key families. Each family has its own TTL so hot best-match
// entries can expire independently of the heavier content and list entries.
const (
	bestMatchPrefix    = "rules:best:"
	contentPrefix      = "rules:content:"
	providerListPrefix = "rules:list:"
)

// DistributedRuleCache is the best-effort cross-process cache tier. Every
// read degrades to a miss on backend failure; a circuit breaker keeps a dead
// backend from adding latency to each lookup.
type DistributedRuleCache struct {
	logger  observability.Logger
	metrics observability.MetricsCollector
	client  Client
	cfg     config.DistributedConfig
	breaker *gobreaker.CircuitBreaker
}

// NewDistributed creates the distributed cache facade over a backend client.
func NewDistributed(
	cfg config.DistributedConfig,
	client Client,
	logger observability.Logger,
	metrics observability.MetricsCollector,
) *DistributedRuleCache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetricsCollector()
	}

	d := &DistributedRuleCache{
		logger:  logger,
		metrics: metrics,
		client:  client,
		cfg:     cfg,
	}

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "distributed-rule-cache",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// An ordinary miss is a healthy backend answer, not a failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCacheMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("distributed cache breaker state change",
				observability.String("breaker", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()))
		},
	})

	return d
}

// GetBestMatch returns the cached compiled rule for a selection triple.
func (d *DistributedRuleCache) GetBestMatch(
	ctx context.Context, provider string, apiType rule.APIType, ruleType string,
) (*rule.CompiledRule, bool) {
	data, ok := d.get(ctx, bestMatchEntryKey(provider, apiType, ruleType))
	if !ok {
		return nil, false
	}

	var compiled rule.CompiledRule
	if err := json.Unmarshal(data, &compiled); err != nil {
		d.logger.Warn("corrupt best-match cache entry",
			observability.String("provider", provider),
			observability.Error(err))
		return nil, false
	}
	return &compiled, true
}

// SetBestMatch stores a compiled rule under its selection triple.
func (d *DistributedRuleCache) SetBestMatch(ctx context.Context, compiled *rule.CompiledRule) {
	data, err := json.Marshal(compiled)
	if err != nil {
		d.logger.Warn("failed to encode best-match entry", observability.Error(err))
		return
	}
	d.set(ctx, bestMatchEntryKey(compiled.Provider, compiled.APIType, compiled.RuleType),
		data, d.cfg.BestMatchTTL.Duration())
}

// GetContent returns the cached raw rule document for an id.
func (d *DistributedRuleCache) GetContent(ctx context.Context, ruleID string) (*rule.MappingRule, bool) {
	data, ok := d.get(ctx, contentPrefix+ruleID)
	if !ok {
		return nil, false
	}

	var r rule.MappingRule
	if err := json.Unmarshal(data, &r); err != nil {
		d.logger.Warn("corrupt content cache entry",
			observability.String("ruleId", ruleID),
			observability.Error(err))
		return nil, false
	}
	return &r, true
}

// SetContent stores a raw rule document under its id.
func (d *DistributedRuleCache) SetContent(ctx context.Context, r *rule.MappingRule) {
	data, err := json.Marshal(r)
	if err != nil {
		d.logger.Warn("failed to encode content entry", observability.Error(err))
		return
	}
	d.set(ctx, contentPrefix+r.ID, data, d.cfg.ContentTTL.Duration())
}

// GetProviderList returns the cached rule list for (provider, apiType).
func (d *DistributedRuleCache) GetProviderList(
	ctx context.Context, provider string, apiType rule.APIType,
) ([]*rule.MappingRule, bool) {
	data, ok := d.get(ctx, providerListKey(provider, apiType))
	if !ok {
		return nil, false
	}

	var rules []*rule.MappingRule
	if err := json.Unmarshal(data, &rules); err != nil {
		d.logger.Warn("corrupt provider-list cache entry",
			observability.String("provider", provider),
			observability.Error(err))
		return nil, false
	}
	return rules, true
}

// SetProviderList stores the rule list for (provider, apiType).
func (d *DistributedRuleCache) SetProviderList(
	ctx context.Context, provider string, apiType rule.APIType, rules []*rule.MappingRule,
) {
	data, err := json.Marshal(rules)
	if err != nil {
		d.logger.Warn("failed to encode provider-list entry", observability.Error(err))
		return
	}
	d.set(ctx, providerListKey(provider, apiType), data, d.cfg.ProviderListTTL.Duration())
}

// InvalidateRule clears exactly the content, best-match and provider-list
// entries touched by a single rule mutation.
func (d *DistributedRuleCache) InvalidateRule(
	ctx context.Context, ruleID, provider string, apiType rule.APIType, ruleType string,
) {
	keys := []string{
		contentPrefix + ruleID,
		bestMatchEntryKey(provider, apiType, ruleType),
		providerListKey(provider, apiType),
	}

	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.client.Delete(ctx, keys...)
	})
	if err != nil {
		d.absorb("delete", err)
		return
	}
	d.logger.Debug("invalidated distributed entries",
		observability.String("ruleId", ruleID),
		observability.Strings("keys", keys))
}

// InvalidateContent clears only the content entry for a rule id. Used for
// delete events, where the document key is all the feed carries.
func (d *DistributedRuleCache) InvalidateContent(ctx context.Context, ruleID string) {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.client.Delete(ctx, contentPrefix+ruleID)
	})
	if err != nil {
		d.absorb("delete", err)
	}
}

// InvalidateProvider sweeps every best-match and provider-list entry of a
// provider using a cursor-based pattern scan with bounded delete batches.
// Deliberately coarse: clearing a broader scope is preferred over tracking
// precise deltas when fine-grained events are unavailable.
func (d *DistributedRuleCache) InvalidateProvider(ctx context.Context, provider string) {
	patterns := []string{
		bestMatchPrefix + provider + ":*",
		providerListPrefix + provider + ":*",
	}

	for _, pattern := range patterns {
		_, err := d.breaker.Execute(func() (interface{}, error) {
			return nil, d.client.ScanKeys(ctx, pattern, d.cfg.ScanBatchSize, func(keys []string) error {
				if len(keys) == 0 {
					return nil
				}
				return d.client.Delete(ctx, keys...)
			})
		})
		if err != nil {
			d.absorb("scan_delete", err)
		}
	}

	d.logger.Info("swept distributed cache for provider",
		observability.String("provider", provider))
}

// Close releases the backend client.
func (d *DistributedRuleCache) Close() error {
	return d.client.Close()
}

// get reads a key through the breaker; any failure is a miss.
func (d *DistributedRuleCache) get(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	result, err := d.breaker.Execute(func() (interface{}, error) {
		return d.client.Get(ctx, key)
	})
	d.metrics.ObserveHistogram("distributed_cache_duration_ms",
		float64(time.Since(start).Microseconds())/1000,
		map[string]string{"operation": "get"})

	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			d.metrics.IncrementCounter("rule_cache_misses_total",
				map[string]string{"tier": "distributed"})
			return nil, false
		}
		d.absorb("get", err)
		return nil, false
	}
	return result.([]byte), true
}

// set writes a key through the breaker; failures are logged and dropped.
func (d *DistributedRuleCache) set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.client.SetWithTTL(ctx, key, value, ttl)
	})
	if err != nil {
		d.absorb("set", err)
	}
}

// absorb logs and counts a backend failure without surfacing it. The
// distributed tier is a pure optimization; callers always have the local
// cache and repository beneath them.
func (d *DistributedRuleCache) absorb(operation string, err error) {
	d.metrics.IncrementCounter("distributed_cache_errors_total",
		map[string]string{"operation": operation})
	d.logger.Warn("distributed cache degraded",
		observability.String("operation", operation),
		observability.Error(err))
}

// bestMatchEntryKey builds the best-match family key.
func bestMatchEntryKey(provider string, apiType rule.APIType, ruleType string) string {
	return bestMatchPrefix + provider + ":" + string(apiType) + ":" + ruleType
}

// providerListKey builds the provider-list family key.
func providerListKey(provider string, apiType rule.APIType) string {
	return providerListPrefix + provider + ":" + string(apiType)
}
