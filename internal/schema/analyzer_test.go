package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fieldTypes(a *Analysis) map[string]FieldType {
	types := make(map[string]FieldType, len(a.Fields))
	for _, f := range a.Fields {
		types[f.Path] = f.Type
	}
	return types
}

func TestAnalyzer_Analyze_FlatPayload(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	analysis := analyzer.Analyze(map[string]interface{}{
		"symbol": "700.HK",
		"price":  10.5,
		"volume": 1200.0,
		"open":   true,
	})

	types := fieldTypes(analysis)
	assert.Equal(t, TypeString, types["symbol"])
	assert.Equal(t, TypeNumber, types["price"])
	assert.Equal(t, TypeInteger, types["volume"])
	assert.Equal(t, TypeBoolean, types["open"])
	assert.Equal(t, StructureFlat, analysis.StructureType)
}

func TestAnalyzer_Analyze_DateHeuristic(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	analysis := analyzer.Analyze(map[string]interface{}{
		"tradeDate": "2026-08-28",
		"timestamp": "2026-08-28T09:30:00Z",
		"note":      "2026 outlook",
	})

	types := fieldTypes(analysis)
	assert.Equal(t, TypeDate, types["tradeDate"])
	assert.Equal(t, TypeDate, types["timestamp"])
	assert.Equal(t, TypeString, types["note"])
}

func TestAnalyzer_Analyze_NestedAndArrays(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	analysis := analyzer.Analyze(map[string]interface{}{
		"quote": map[string]interface{}{
			"price": 10.5,
		},
		"trades": []interface{}{
			map[string]interface{}{"size": 100.0},
			map[string]interface{}{"size": 200.0},
		},
	})

	types := fieldTypes(analysis)
	assert.Equal(t, TypeObject, types["quote"])
	assert.Equal(t, TypeNumber, types["quote.price"])
	assert.Equal(t, TypeArray, types["trades"])
	// Arrays are sampled via their first element only.
	assert.Equal(t, TypeObject, types["trades[0]"])
	assert.Equal(t, TypeInteger, types["trades[0].size"])
	assert.Equal(t, StructureMixed, analysis.StructureType)
}

func TestAnalyzer_Analyze_Confidence(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	// Rich, fully populated sample: base + richness + full non-null bonus.
	rich := analyzer.Analyze(map[string]interface{}{
		"a": 1.0, "b": 2.0, "c": 3.0, "d": 4.0, "e": 5.0,
	})
	assert.InDelta(t, 1.0, rich.Confidence, 0.001)

	// Sparse sample with a null field scores lower.
	sparse := analyzer.Analyze(map[string]interface{}{
		"a": 1.0, "b": nil,
	})
	assert.InDelta(t, 0.65, sparse.Confidence, 0.001)

	empty := analyzer.Analyze(map[string]interface{}{})
	assert.Zero(t, empty.Confidence)
}

func TestAnalyzer_Analyze_DeterministicFieldOrder(t *testing.T) {
	analyzer := NewAnalyzer(nil)
	sample := map[string]interface{}{"b": 1.0, "a": 2.0, "c": 3.0}

	first := analyzer.Analyze(sample)
	second := analyzer.Analyze(sample)
	assert.Equal(t, first.Fields, second.Fields)

	var paths []string
	for _, f := range first.Fields {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"a", "b", "c"}, paths)
}

func TestAnalyzer_SuggestFieldMatches(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	matches := analyzer.SuggestFieldMatches(
		[]string{"last_price", "volume"},
		[]string{"lastPrice", "totalVolume", "openInterest"},
	)

	require.Contains(t, matches, "last_price")
	assert.Equal(t, "lastPrice", matches["last_price"][0].Target)

	require.Contains(t, matches, "volume")
	assert.Equal(t, "totalVolume", matches["volume"][0].Target)
}

func TestAnalyzer_SuggestFieldMatches_ThresholdAndLimit(t *testing.T) {
	analyzer := NewAnalyzer(nil)

	// Nothing similar enough: no suggestion entry at all.
	matches := analyzer.SuggestFieldMatches(
		[]string{"zzzz"},
		[]string{"lastPrice", "volume"},
	)
	assert.NotContains(t, matches, "zzzz")

	// More than three close candidates are capped at three.
	matches = analyzer.SuggestFieldMatches(
		[]string{"price"},
		[]string{"price1", "price2", "price3", "price4"},
	)
	require.Contains(t, matches, "price")
	assert.Len(t, matches["price"], 3)
	// Equal scores break ties by target name.
	assert.Equal(t, "price1", matches["price"][0].Target)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity("price", "price"))
	assert.Equal(t, 1.0, similarity("Price", "price"))
	assert.Equal(t, 1.0, similarity("", ""))
	assert.Less(t, similarity("price", "volume"), matchThreshold)
	assert.Greater(t, similarity("lastPrice", "last_price"), matchThreshold)
}
