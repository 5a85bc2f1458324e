package transform

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aoxiansheng/stock-api-sub010/internal/config"
	"github.com/aoxiansheng/stock-api-sub010/internal/observability"
	"github.com/aoxiansheng/stock-api-sub010/internal/rule"
)

// tracerName is the OpenTelemetry tracer name for transform operations.
const tracerName = "ruleengine/transform"

// Engine applies compiled mapping rules to raw payloads. Callers always
// receive a uniform array-of-records result: array payloads are
// transformed element-wise, scalar payloads yield a single record.
type Engine struct {
	logger  observability.Logger
	metrics observability.MetricsCollector
	cfg     config.TransformConfig
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics sets the metrics collector.
func WithMetrics(m observability.MetricsCollector) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// NewEngine creates a transformation engine.
func NewEngine(cfg config.TransformConfig, logger observability.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.SuspiciousRatio <= 0 || cfg.SuspiciousRatio > 1 {
		cfg.SuspiciousRatio = config.DefaultSuspiciousRatio
	}
	if len(cfg.ArrayEnvelopeKeys) == 0 {
		cfg.ArrayEnvelopeKeys = config.DefaultArrayEnvelopeKeys()
	}

	e := &Engine{
		logger:  logger,
		metrics: observability.NopMetricsCollector(),
		cfg:     cfg,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// recordStats is per-call mapping bookkeeping. It lives on the stack of
// one Transform call and is never attached to the returned records.
type recordStats struct {
	total      int
	successful int
}

func (s recordStats) ratio() float64 {
	if s.total == 0 {
		return 1
	}
	return float64(s.successful) / float64(s.total)
}

// Transform applies the compiled rule to the payload. fullCtx carries
// optional fallback locations ("parsed", "raw") consulted when a source
// path does not resolve against the payload itself. Unresolved fields
// are omitted from the output; a typed-transform coercion failure aborts
// the whole call with a TypeError.
func (e *Engine) Transform(
	ctx context.Context,
	compiled *rule.CompiledRule,
	payload interface{},
	fullCtx map[string]interface{},
) ([]map[string]interface{}, error) {
	if compiled == nil {
		return nil, ErrNilRule
	}
	if payload == nil {
		return nil, ErrNilPayload
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "transform.Transform",
		trace.WithAttributes(
			attribute.String("rule.id", compiled.RuleID),
			attribute.String("rule.provider", compiled.Provider),
		))
	defer span.End()

	records := e.extractRecords(payload)
	fallbacks := fallbackRoots(fullCtx)
	out := make([]map[string]interface{}, 0, len(records))

	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, stats, err := e.transformRecord(compiled, record, fallbacks)
		if err != nil {
			e.metrics.IncrementCounter("transform_errors_total",
				map[string]string{"rule": compiled.RuleID})
			return nil, fmt.Errorf("record %d: %w", i, err)
		}

		if ratio := stats.ratio(); ratio < e.cfg.SuspiciousRatio {
			e.logger.Warn("suspicious mapping result",
				observability.String("ruleId", compiled.RuleID),
				observability.Int("record", i),
				observability.Int("mapped", stats.successful),
				observability.Int("total", stats.total),
				observability.Float64("ratio", ratio))
			e.metrics.IncrementCounter("transform_suspicious_records_total",
				map[string]string{"rule": compiled.RuleID})
		}

		out = append(out, result)
	}

	e.metrics.IncrementCounter("transform_records_total",
		map[string]string{"rule": compiled.RuleID})

	return out, nil
}

// transformRecord applies every mapping of the rule to one source record.
func (e *Engine) transformRecord(
	compiled *rule.CompiledRule,
	record interface{},
	fallbacks []interface{},
) (map[string]interface{}, recordStats, error) {
	result := make(map[string]interface{}, len(compiled.Mappings))
	stats := recordStats{total: len(compiled.Mappings)}

	for _, m := range compiled.Mappings {
		value, ok := resolveWithFallback(record, fallbacks, m.Segments)
		if !ok {
			e.logger.Debug("source field not resolved",
				observability.String("ruleId", compiled.RuleID),
				observability.String("sourceField", m.SourceField))
			continue
		}

		transformed, err := e.applyTransform(m, value)
		if err != nil {
			return nil, stats, err
		}

		result[m.TargetField] = transformed
		stats.successful++
	}

	return result, stats, nil
}

// extractRecords normalizes the payload into a slice of source records.
// Array payloads are used as-is; otherwise well-known envelope keys are
// probed for a record array; anything else is a single record.
func (e *Engine) extractRecords(payload interface{}) []interface{} {
	if arr, ok := payload.([]interface{}); ok {
		return arr
	}

	if m, ok := payload.(map[string]interface{}); ok {
		for _, key := range e.cfg.ArrayEnvelopeKeys {
			if arr, ok := m[key].([]interface{}); ok {
				return arr
			}
		}
	}

	return []interface{}{payload}
}

// fallbackRoots collects the fallback resolution roots from the call
// context, in probe order: a pre-parsed normalized sub-object, a parsed
// sub-object nested under the raw one, then the raw sub-object itself.
func fallbackRoots(fullCtx map[string]interface{}) []interface{} {
	if len(fullCtx) == 0 {
		return nil
	}

	var roots []interface{}
	if parsed, ok := fullCtx["parsed"]; ok && parsed != nil {
		roots = append(roots, parsed)
	}
	if raw, ok := fullCtx["raw"]; ok && raw != nil {
		if m, ok := raw.(map[string]interface{}); ok {
			if parsed, ok := m["parsed"]; ok && parsed != nil {
				roots = append(roots, parsed)
			}
		}
		roots = append(roots, raw)
	}
	return roots
}

// resolveWithFallback resolves the path against the record first, then
// against each fallback root in order.
func resolveWithFallback(
	record interface{},
	fallbacks []interface{},
	segments []rule.PathSegment,
) (interface{}, bool) {
	if value, ok := resolvePath(record, segments); ok {
		return value, true
	}
	for _, root := range fallbacks {
		if value, ok := resolvePath(root, segments); ok {
			return value, true
		}
	}
	return nil, false
}

// resolvePath walks the precomputed path segments against a decoded
// JSON-like value tree.
func resolvePath(root interface{}, segments []rule.PathSegment) (interface{}, bool) {
	current := root
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg.Name]
		if !ok {
			return nil, false
		}

		if seg.IsIndex {
			arr, ok := current.([]interface{})
			if !ok || seg.Index < 0 || seg.Index >= len(arr) {
				return nil, false
			}
			current = arr[seg.Index]
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}
