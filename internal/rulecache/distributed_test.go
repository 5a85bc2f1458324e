package rulecache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoxiansheng/stock-api-sub010/internal/config"
	"github.com/aoxiansheng/stock-api-sub010/internal/rule"
)

// setupMiniRedis creates a miniredis server for testing.
func setupMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return mr
}

func testDistributedConfig(mr *miniredis.Miniredis) config.DistributedConfig {
	return config.DistributedConfig{
		Enabled:         true,
		URL:             "redis://" + mr.Addr(),
		KeyPrefix:       "test:",
		BestMatchTTL:    config.Duration(5 * time.Minute),
		ContentTTL:      config.Duration(10 * time.Minute),
		ProviderListTTL: config.Duration(2 * time.Minute),
		ScanBatchSize:   10,
	}
}

func newTestDistributed(t *testing.T, mr *miniredis.Miniredis) *DistributedRuleCache {
	t.Helper()

	client, err := NewRedisClient(testDistributedConfig(mr), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewDistributed(testDistributedConfig(mr), client, nil, nil)
}

func testCompiledRule(t *testing.T) *rule.CompiledRule {
	t.Helper()

	compiled, err := rule.NewCompiler(nil).Compile(&rule.MappingRule{
		ID:       "rule-1",
		Provider: "longport",
		APIType:  rule.APITypeRest,
		RuleType: "quote_fields",
		Mappings: []rule.FieldMapping{
			{SourceField: "price", TargetField: "lastPrice"},
		},
		UpdatedAt: time.Unix(1700000000, 0),
		Active:    true,
	})
	require.NoError(t, err)
	return compiled
}

func TestDistributedRuleCache_BestMatchRoundTrip(t *testing.T) {
	mr := setupMiniRedis(t)
	d := newTestDistributed(t, mr)
	ctx := context.Background()
	compiled := testCompiledRule(t)

	_, ok := d.GetBestMatch(ctx, "longport", rule.APITypeRest, "quote_fields")
	assert.False(t, ok)

	d.SetBestMatch(ctx, compiled)

	got, ok := d.GetBestMatch(ctx, "longport", rule.APITypeRest, "quote_fields")
	require.True(t, ok)
	assert.Equal(t, compiled.RuleID, got.RuleID)
	assert.Equal(t, compiled.Version, got.Version)
	require.Len(t, got.Mappings, 1)
	assert.Equal(t, "lastPrice", got.Mappings[0].TargetField)
}

func TestDistributedRuleCache_ContentRoundTrip(t *testing.T) {
	mr := setupMiniRedis(t)
	d := newTestDistributed(t, mr)
	ctx := context.Background()

	doc := &rule.MappingRule{
		ID: "rule-1", Provider: "longport", APIType: rule.APITypeRest,
		RuleType: "quote_fields", Active: true,
		UpdatedAt: time.Unix(1700000000, 0),
	}

	_, ok := d.GetContent(ctx, "rule-1")
	assert.False(t, ok)

	d.SetContent(ctx, doc)

	got, ok := d.GetContent(ctx, "rule-1")
	require.True(t, ok)
	assert.Equal(t, "longport", got.Provider)
	assert.True(t, got.UpdatedAt.Equal(doc.UpdatedAt))
}

func TestDistributedRuleCache_ProviderListRoundTrip(t *testing.T) {
	mr := setupMiniRedis(t)
	d := newTestDistributed(t, mr)
	ctx := context.Background()

	rules := []*rule.MappingRule{
		{ID: "rule-1", Provider: "longport", APIType: rule.APITypeRest, RuleType: "quote_fields", Active: true},
		{ID: "rule-2", Provider: "longport", APIType: rule.APITypeRest, RuleType: "basic_info", Active: true},
	}

	d.SetProviderList(ctx, "longport", rule.APITypeRest, rules)

	got, ok := d.GetProviderList(ctx, "longport", rule.APITypeRest)
	require.True(t, ok)
	assert.Len(t, got, 2)
}

func TestDistributedRuleCache_CorruptEntryIsMiss(t *testing.T) {
	mr := setupMiniRedis(t)
	d := newTestDistributed(t, mr)

	require.NoError(t, mr.Set("test:"+contentPrefix+"rule-1", "{not json"))

	_, ok := d.GetContent(context.Background(), "rule-1")
	assert.False(t, ok)
}

func TestDistributedRuleCache_InvalidateRule(t *testing.T) {
	mr := setupMiniRedis(t)
	d := newTestDistributed(t, mr)
	ctx := context.Background()
	compiled := testCompiledRule(t)

	d.SetBestMatch(ctx, compiled)
	d.SetContent(ctx, &rule.MappingRule{
		ID: "rule-1", Provider: "longport", APIType: rule.APITypeRest,
		RuleType: "quote_fields", Active: true,
	})
	d.SetProviderList(ctx, "longport", rule.APITypeRest, nil)

	d.InvalidateRule(ctx, "rule-1", "longport", rule.APITypeRest, "quote_fields")

	_, ok := d.GetBestMatch(ctx, "longport", rule.APITypeRest, "quote_fields")
	assert.False(t, ok)
	_, ok = d.GetContent(ctx, "rule-1")
	assert.False(t, ok)
	_, ok = d.GetProviderList(ctx, "longport", rule.APITypeRest)
	assert.False(t, ok)
}

func TestDistributedRuleCache_InvalidateProvider(t *testing.T) {
	mr := setupMiniRedis(t)
	d := newTestDistributed(t, mr)
	ctx := context.Background()

	d.SetBestMatch(ctx, testCompiledRule(t))
	d.SetProviderList(ctx, "longport", rule.APITypeRest, nil)

	// Entries for another provider must survive the sweep.
	other := testCompiledRule(t)
	other.Provider = "itick"
	d.SetBestMatch(ctx, other)
	// The sweep only touches best-match and list families.
	d.SetContent(ctx, &rule.MappingRule{
		ID: "rule-1", Provider: "longport", Active: true,
	})

	d.InvalidateProvider(ctx, "longport")

	_, ok := d.GetBestMatch(ctx, "longport", rule.APITypeRest, "quote_fields")
	assert.False(t, ok)
	_, ok = d.GetProviderList(ctx, "longport", rule.APITypeRest)
	assert.False(t, ok)

	_, ok = d.GetBestMatch(ctx, "itick", rule.APITypeRest, "quote_fields")
	assert.True(t, ok)
	_, ok = d.GetContent(ctx, "rule-1")
	assert.True(t, ok)
}

func TestDistributedRuleCache_TTLApplied(t *testing.T) {
	mr := setupMiniRedis(t)
	d := newTestDistributed(t, mr)
	ctx := context.Background()

	d.SetContent(ctx, &rule.MappingRule{
		ID: "rule-1", Provider: "longport", Active: true,
	})

	mr.FastForward(11 * time.Minute)

	_, ok := d.GetContent(ctx, "rule-1")
	assert.False(t, ok)
}

// brokenClient fails every backend call.
type brokenClient struct {
	calls int64
}

func (c *brokenClient) Get(context.Context, string) ([]byte, error) {
	atomic.AddInt64(&c.calls, 1)
	return nil, errors.New("backend down")
}

func (c *brokenClient) SetWithTTL(context.Context, string, []byte, time.Duration) error {
	atomic.AddInt64(&c.calls, 1)
	return errors.New("backend down")
}

func (c *brokenClient) Delete(context.Context, ...string) error {
	atomic.AddInt64(&c.calls, 1)
	return errors.New("backend down")
}

func (c *brokenClient) ScanKeys(context.Context, string, int, func([]string) error) error {
	atomic.AddInt64(&c.calls, 1)
	return errors.New("backend down")
}

func (c *brokenClient) Close() error { return nil }

func TestDistributedRuleCache_BackendFailureIsMiss(t *testing.T) {
	d := NewDistributed(config.DistributedConfig{Enabled: true}, &brokenClient{}, nil, nil)
	ctx := context.Background()

	_, ok := d.GetBestMatch(ctx, "longport", rule.APITypeRest, "quote_fields")
	assert.False(t, ok)
	_, ok = d.GetContent(ctx, "rule-1")
	assert.False(t, ok)

	// Writes and invalidations are absorbed too.
	d.SetContent(ctx, &rule.MappingRule{ID: "rule-1", Active: true})
	d.InvalidateRule(ctx, "rule-1", "longport", rule.APITypeRest, "quote_fields")
	d.InvalidateProvider(ctx, "longport")
}

func TestDistributedRuleCache_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := &brokenClient{}
	d := NewDistributed(config.DistributedConfig{Enabled: true}, client, nil, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, ok := d.GetContent(ctx, "rule-1")
		assert.False(t, ok)
	}

	// Once open, the breaker stops calling the backend.
	assert.Less(t, atomic.LoadInt64(&client.calls), int64(10))
}

func TestDistributedRuleCache_MissesDoNotTripBreaker(t *testing.T) {
	mr := setupMiniRedis(t)
	d := newTestDistributed(t, mr)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, ok := d.GetContent(ctx, "absent")
		assert.False(t, ok)
	}

	// The backend still answers after a run of plain misses.
	d.SetContent(ctx, &rule.MappingRule{ID: "rule-1", Provider: "longport", Active: true})
	_, ok := d.GetContent(ctx, "rule-1")
	assert.True(t, ok)
}

// Scenario: the distributed tier is down but lookups still succeed through
// the repository, with the failure absorbed.
func TestRuleCache_GetOrCompile_DistributedFailureAbsorbed(t *testing.T) {
	repo := newCountingRepository(t)
	id := seedRule(t, repo, "rule-1")

	d := NewDistributed(config.DistributedConfig{Enabled: true}, &brokenClient{}, nil, nil)
	cache := New(testCacheConfig(), repo, nil, WithDistributed(d))

	compiled, err := cache.GetOrCompile(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, compiled.RuleID)
}

func TestRuleCache_GetBestMatch_DistributedTier(t *testing.T) {
	mr := setupMiniRedis(t)
	d := newTestDistributed(t, mr)

	repo := newCountingRepository(t)
	seedRule(t, repo, "rule-1")
	cache := New(testCacheConfig(), repo, nil, WithDistributed(d))
	ctx := context.Background()

	first, err := cache.GetBestMatch(ctx, "longport", "quote_fields", rule.APITypeRest)
	require.NoError(t, err)

	// A second cache process with an empty local tier finds the entry in
	// the shared backend without consulting the repository.
	peerRepo := newCountingRepository(t)
	peer := New(testCacheConfig(), peerRepo, nil, WithDistributed(d))

	second, err := peer.GetBestMatch(ctx, "longport", "quote_fields", rule.APITypeRest)
	require.NoError(t, err)
	assert.Equal(t, first.RuleID, second.RuleID)
	assert.Zero(t, atomic.LoadInt64(&peerRepo.byProvider))
}
