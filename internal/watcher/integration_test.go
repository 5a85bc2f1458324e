package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoxiansheng/stock-api-sub010/internal/config"
	"github.com/aoxiansheng/stock-api-sub010/internal/rule"
	"github.com/aoxiansheng/stock-api-sub010/internal/rulecache"
	"github.com/aoxiansheng/stock-api-sub010/internal/transform"
)

// With the change feed down, degraded polling still propagates a rule
// update into transformation output within one poll interval.
func TestChangeWatcher_DegradedUpdateReachesTransformOutput(t *testing.T) {
	repo := &failingFeedRepository{MemoryRepository: rule.NewMemoryRepository(nil)}
	ctx := context.Background()

	id, err := repo.Insert(ctx, &rule.MappingRule{
		ID: "rule-1", Provider: "longport", APIType: rule.APITypeRest,
		RuleType: "quote_fields", Active: true,
		Mappings: []rule.FieldMapping{
			{SourceField: "price", TargetField: "lastPrice"},
		},
	})
	require.NoError(t, err)

	cache := rulecache.New(config.CacheConfig{
		Enabled:    true,
		MaxEntries: 100,
		TTL:        config.Duration(time.Minute),
	}, repo, nil)
	engine := transform.NewEngine(config.TransformConfig{}, nil)

	w := New(testWatcherConfig(), repo, cache, nil)
	w.Start(ctx)
	defer w.Stop()

	compiled, err := cache.GetOrCompile(ctx, id)
	require.NoError(t, err)

	payload := map[string]interface{}{"price": 10.5, "volume": 3.0}
	out, err := engine.Transform(ctx, compiled, payload, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"lastPrice": 10.5}, out[0])

	require.Eventually(t, func() bool {
		return w.State() == StateDegraded
	}, time.Second, 5*time.Millisecond)

	// The feed never delivered this mutation; only polling covers it.
	r, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	r.Mappings = append(r.Mappings, rule.FieldMapping{
		SourceField: "volume", TargetField: "totalVolume",
	})
	require.NoError(t, repo.Update(ctx, r))

	require.Eventually(t, func() bool {
		compiled, err := cache.GetOrCompile(ctx, id)
		if err != nil {
			return false
		}
		out, err := engine.Transform(ctx, compiled, payload, nil)
		if err != nil || len(out) != 1 {
			return false
		}
		return out[0]["totalVolume"] == 3.0
	}, time.Second, 10*time.Millisecond)

	// Coarse invalidation emptied the local tier at least once.
	assert.NotZero(t, cache.Stats().Misses)
}
