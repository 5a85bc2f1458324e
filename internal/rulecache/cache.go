// Package rulecache provides the version-aware, single-flight compilation
// cache that sits between the transformation engine and the rule repository.
package rulecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/aoxiansheng/stock-api-sub010/internal/config"
	"github.com/aoxiansheng/stock-api-sub010/internal/observability"
	"github.com/aoxiansheng/stock-api-sub010/internal/rule"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheDisabled indicates that caching is disabled.
	ErrCacheDisabled = errors.New("cache disabled")

	// ErrBackendUnavailable indicates that a distributed cache backend
	// call failed. It is absorbed inside this package and never reaches
	// callers of RuleCache.
	ErrBackendUnavailable = errors.New("cache backend unavailable")
)

// tracerName is the OpenTelemetry tracer name for cache operations.
const tracerName = "ruleengine/rulecache"

// RuleCache is the local compilation cache. Entries are keyed by
// (provider, ruleId, version), so a rule update produces a new key and the
// stale entry ages out through LRU/TTL rather than being edited in place.
type RuleCache struct {
	logger      observability.Logger
	metrics     observability.MetricsCollector
	cfg         config.CacheConfig
	repo        rule.Repository
	compiler    *rule.Compiler
	distributed *DistributedRuleCache

	flight singleflight.Group

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List
	byRule   map[string]string              // ruleID -> current versioned key
	byScope  map[string]map[string]struct{} // scope -> versioned keys

	hits   int64
	misses int64
}

// cacheEntry is one resident compiled rule.
type cacheEntry struct {
	key       string
	ruleID    string
	scope     string
	compiled  *rule.CompiledRule
	expiresAt time.Time
}

// Option is a functional option for configuring the cache.
type Option func(*RuleCache)

// WithDistributed attaches the cross-process cache tier.
func WithDistributed(d *DistributedRuleCache) Option {
	return func(c *RuleCache) {
		c.distributed = d
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m observability.MetricsCollector) Option {
	return func(c *RuleCache) {
		c.metrics = m
	}
}

// New creates a rule cache in front of the given repository.
func New(cfg config.CacheConfig, repo rule.Repository, logger observability.Logger, opts ...Option) *RuleCache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = config.DefaultCacheMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = config.Duration(config.DefaultCacheTTL)
	}

	c := &RuleCache{
		logger:   logger,
		metrics:  observability.NopMetricsCollector(),
		cfg:      cfg,
		repo:     repo,
		compiler: rule.NewCompiler(logger),
		items:    make(map[string]*list.Element),
		eviction: list.New(),
		byRule:   make(map[string]string),
		byScope:  make(map[string]map[string]struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	logger.Info("rule cache initialized",
		observability.Bool("enabled", cfg.Enabled),
		observability.Int("maxEntries", cfg.MaxEntries),
		observability.Duration("ttl", cfg.TTL.Duration()))

	return c
}

// GetOrCompile returns the compiled form of the rule with the given id,
// compiling and caching it on demand. Concurrent callers for the same
// uncached version share a single repository fetch and compilation.
func (c *RuleCache) GetOrCompile(ctx context.Context, ruleID string) (*rule.CompiledRule, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rulecache.GetOrCompile",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("rule.id", ruleID)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		c.metrics.ObserveHistogram("rule_cache_get_duration_ms",
			float64(time.Since(start).Microseconds())/1000,
			map[string]string{"operation": "get_or_compile"})
	}()

	// Feature flag: bypass cache and de-duplication entirely.
	if !c.cfg.Enabled {
		span.SetAttributes(attribute.Bool("cache.bypassed", true))
		return c.readThrough(ctx, ruleID)
	}

	meta, prefetched, err := c.readMetadata(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !meta.Active {
		return nil, fmt.Errorf("%w: %s", rule.ErrRuleInactive, ruleID)
	}

	key := rule.CacheKey(meta.Provider, ruleID, meta.UpdatedAt.UnixNano())

	if compiled, ok := c.localGet(key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		c.metrics.IncrementCounter("rule_cache_hits_total", map[string]string{"tier": "local"})
		return compiled, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))
	c.metrics.IncrementCounter("rule_cache_misses_total", map[string]string{"tier": "local"})

	return c.shareFlight(ctx, key, func(fctx context.Context) (*rule.CompiledRule, error) {
		return c.fetchAndCompile(fctx, ruleID, meta, prefetched)
	})
}

// GetBestMatch returns the compiled default rule for the given
// (provider, apiType, ruleType) combination: the most recently updated
// active rule. The distributed best-match family is consulted first.
func (c *RuleCache) GetBestMatch(
	ctx context.Context, provider, ruleType string, apiType rule.APIType,
) (*rule.CompiledRule, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rulecache.GetBestMatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("rule.provider", provider),
			attribute.String("rule.type", ruleType),
			attribute.String("rule.api_type", string(apiType)),
		),
	)
	defer span.End()

	if !c.cfg.Enabled {
		best, err := c.selectBestMatch(ctx, provider, ruleType, apiType)
		if err != nil {
			return nil, err
		}
		return c.compiler.Compile(best)
	}

	if c.distributed != nil {
		if compiled, ok := c.distributed.GetBestMatch(ctx, provider, apiType, ruleType); ok {
			c.metrics.IncrementCounter("rule_cache_hits_total", map[string]string{"tier": "distributed"})
			c.localStore(compiled)
			return compiled, nil
		}
	}

	flightKey := bestMatchFlightKey(provider, apiType, ruleType)
	return c.shareFlight(ctx, flightKey, func(fctx context.Context) (*rule.CompiledRule, error) {
		best, err := c.selectBestMatch(fctx, provider, ruleType, apiType)
		if err != nil {
			return nil, err
		}

		compiled, err := c.compiler.Compile(best)
		if err != nil {
			return nil, err
		}

		c.localStore(compiled)
		if c.distributed != nil {
			c.distributed.SetBestMatch(fctx, compiled)
		}
		return compiled, nil
	})
}

// Invalidate removes the current-version entry for the given rule id,
// forcing immediate recompute on the next lookup. Stale prior-version
// entries age out passively.
func (c *RuleCache) Invalidate(ruleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.byRule[ruleID]
	if !ok {
		return
	}
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
		c.logger.Debug("invalidated cached rule",
			observability.String("ruleId", ruleID),
			observability.String("key", key))
	}
}

// InvalidateScope removes every entry compiled from a rule in the given
// (provider, apiType, ruleType) scope.
func (c *RuleCache) InvalidateScope(provider string, apiType rule.APIType, ruleType string) {
	scope := scopeKey(provider, apiType, ruleType)

	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.byScope[scope]
	if !ok {
		return
	}
	removed := 0
	for key := range keys {
		if elem, ok := c.items[key]; ok {
			c.removeElement(elem)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("invalidated cache scope",
			observability.String("scope", scope),
			observability.Int("entries", removed))
	}
}

// Clear drops every cached entry. Used by the watcher's degraded-mode
// coarse invalidation.
func (c *RuleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := c.eviction.Len()
	c.items = make(map[string]*list.Element)
	c.byRule = make(map[string]string)
	c.byScope = make(map[string]map[string]struct{})
	c.eviction.Init()

	c.metrics.SetGauge("rule_cache_size", 0, map[string]string{"tier": "local"})
	c.logger.Info("rule cache cleared", observability.Int("entries", size))
}

// Stats contains cache statistics.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int64
}

// HitRate returns the cache hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Stats returns cache statistics.
func (c *RuleCache) Stats() Stats {
	c.mu.Lock()
	size := int64(c.eviction.Len())
	c.mu.Unlock()

	return Stats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
		Size:   size,
	}
}

// readThrough bypasses every cache tier: fetch, validate, compile.
func (c *RuleCache) readThrough(ctx context.Context, ruleID string) (*rule.CompiledRule, error) {
	r, err := c.findByID(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !r.Active {
		return nil, fmt.Errorf("%w: %s", rule.ErrRuleInactive, ruleID)
	}
	return c.compiler.Compile(r)
}

// readMetadata performs the cheap version read. Repositories implementing
// MetadataReader avoid a full document fetch; others fall back to FindByID
// and the fetched document is reused by the subsequent compilation.
func (c *RuleCache) readMetadata(
	ctx context.Context, ruleID string,
) (rule.RuleMetadata, *rule.MappingRule, error) {
	if mr, ok := c.repo.(rule.MetadataReader); ok {
		meta, err := mr.FindMetadata(ctx, ruleID)
		if err != nil {
			return rule.RuleMetadata{}, nil, c.classify(err)
		}
		return meta, nil, nil
	}

	r, err := c.findByID(ctx, ruleID)
	if err != nil {
		return rule.RuleMetadata{}, nil, err
	}
	return rule.RuleMetadata{
		ID:        r.ID,
		Provider:  r.Provider,
		UpdatedAt: r.UpdatedAt,
		Active:    r.Active,
	}, r, nil
}

// shareFlight runs fn under single-flight for the given key. The shared
// computation is detached from the individual caller's cancellation so one
// abandoned waiter cannot poison the result for the rest; each waiter still
// honors its own context.
func (c *RuleCache) shareFlight(
	ctx context.Context, key string, fn func(context.Context) (*rule.CompiledRule, error),
) (*rule.CompiledRule, error) {
	fctx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		return fn(fctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.metrics.IncrementCounter("rule_cache_flight_shared_total", nil)
		}
		return res.Val.(*rule.CompiledRule), nil
	}
}

// fetchAndCompile is the body of a compilation flight: distributed content
// lookup, repository fetch, compile, populate both tiers.
func (c *RuleCache) fetchAndCompile(
	ctx context.Context, ruleID string, meta rule.RuleMetadata, prefetched *rule.MappingRule,
) (*rule.CompiledRule, error) {
	version := meta.UpdatedAt.UnixNano()

	var source *rule.MappingRule
	if c.distributed != nil {
		if cached, ok := c.distributed.GetContent(ctx, ruleID); ok {
			if cached.UpdatedAt.UnixNano() == version {
				c.metrics.IncrementCounter("rule_cache_hits_total", map[string]string{"tier": "distributed"})
				source = cached
			}
		}
	}
	if source == nil && prefetched != nil {
		source = prefetched
	}
	if source == nil {
		r, err := c.findByID(ctx, ruleID)
		if err != nil {
			return nil, err
		}
		source = r
	}

	if !source.Active {
		return nil, fmt.Errorf("%w: %s", rule.ErrRuleInactive, ruleID)
	}

	start := time.Now()
	compiled, err := c.compiler.Compile(source)
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveHistogram("rule_compile_duration_ms",
		float64(time.Since(start).Microseconds())/1000, nil)

	c.localStore(compiled)
	if c.distributed != nil {
		c.distributed.SetContent(ctx, source)
	}

	return compiled, nil
}

// selectBestMatch picks the most recently updated active rule for the
// selection triple, consulting the distributed provider-list family before
// the repository.
func (c *RuleCache) selectBestMatch(
	ctx context.Context, provider, ruleType string, apiType rule.APIType,
) (*rule.MappingRule, error) {
	var rules []*rule.MappingRule

	if c.cfg.Enabled && c.distributed != nil {
		if cached, ok := c.distributed.GetProviderList(ctx, provider, apiType); ok {
			rules = cached
		}
	}

	if rules == nil {
		fetched, err := c.repo.FindByProviderAndType(ctx, provider, ruleType, apiType)
		if err != nil {
			return nil, c.classify(err)
		}
		rules = fetched
		if c.cfg.Enabled && c.distributed != nil {
			c.distributed.SetProviderList(ctx, provider, apiType, fetched)
		}
	}

	var candidates []*rule.MappingRule
	for _, r := range rules {
		if r.Active && r.RuleType == ruleType {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: provider=%s ruleType=%s apiType=%s",
			rule.ErrRuleNotFound, provider, ruleType, apiType)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].UpdatedAt.Equal(candidates[j].UpdatedAt) {
			return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}

// findByID fetches a rule and normalizes repository failures into the
// package error taxonomy.
func (c *RuleCache) findByID(ctx context.Context, ruleID string) (*rule.MappingRule, error) {
	r, err := c.repo.FindByID(ctx, ruleID)
	if err != nil {
		return nil, c.classify(err)
	}
	return r, nil
}

// classify wraps unexpected repository errors as ErrRepositoryUnavailable
// while letting not-found and context errors pass through.
func (c *RuleCache) classify(err error) error {
	if errors.Is(err, rule.ErrRuleNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", rule.ErrRepositoryUnavailable, err)
}

// localGet returns the cached compiled rule for a versioned key.
func (c *RuleCache) localGet(key string) (*rule.CompiledRule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	c.eviction.MoveToFront(elem)
	atomic.AddInt64(&c.hits, 1)
	return entry.compiled, true
}

// localStore inserts a compiled rule under its versioned key.
func (c *RuleCache) localStore(compiled *rule.CompiledRule) {
	key := compiled.Key()
	scope := scopeKey(compiled.Provider, compiled.APIType, compiled.RuleType)

	entry := &cacheEntry{
		key:       key,
		ruleID:    compiled.RuleID,
		scope:     scope,
		compiled:  compiled,
		expiresAt: time.Now().Add(c.cfg.TTL.Duration()),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.eviction.MoveToFront(elem)
		elem.Value = entry
		return
	}

	elem := c.eviction.PushFront(entry)
	c.items[key] = elem
	c.byRule[entry.ruleID] = key
	if c.byScope[scope] == nil {
		c.byScope[scope] = make(map[string]struct{})
	}
	c.byScope[scope][key] = struct{}{}

	for c.eviction.Len() > c.cfg.MaxEntries {
		c.evictOldest()
	}

	c.metrics.SetGauge("rule_cache_size", float64(c.eviction.Len()),
		map[string]string{"tier": "local"})
}

// evictOldest removes the least recently used entry.
// Must be called with the lock held.
func (c *RuleCache) evictOldest() {
	elem := c.eviction.Back()
	if elem != nil {
		c.removeElement(elem)
		c.metrics.IncrementCounter("rule_cache_evictions_total",
			map[string]string{"tier": "local"})
	}
}

// removeElement removes an entry and its index references.
// Must be called with the lock held.
func (c *RuleCache) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	if c.byRule[entry.ruleID] == entry.key {
		delete(c.byRule, entry.ruleID)
	}
	if keys, ok := c.byScope[entry.scope]; ok {
		delete(keys, entry.key)
		if len(keys) == 0 {
			delete(c.byScope, entry.scope)
		}
	}
}

// scopeKey builds the invalidation scope identifier.
func scopeKey(provider string, apiType rule.APIType, ruleType string) string {
	return provider + "|" + string(apiType) + "|" + ruleType
}

// bestMatchFlightKey builds the single-flight key for best-match selection.
func bestMatchFlightKey(provider string, apiType rule.APIType, ruleType string) string {
	return "best:" + provider + ":" + string(apiType) + ":" + ruleType
}
