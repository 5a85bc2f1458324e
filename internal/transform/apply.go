package transform

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/aoxiansheng/stock-api-sub010/internal/observability"
	"github.com/aoxiansheng/stock-api-sub010/internal/rule"
)

// valuePlaceholder is the substitution token understood by format transforms.
const valuePlaceholder = "{value}"

// applyTransform applies the mapping's optional transform to a resolved
// value. Mappings without a transform pass the value through unchanged.
func (e *Engine) applyTransform(m rule.CompiledMapping, value interface{}) (interface{}, error) {
	spec := m.Transform
	if spec == nil {
		return value, nil
	}

	switch spec.Kind {
	case rule.TransformMultiply, rule.TransformDivide,
		rule.TransformAdd, rule.TransformSubtract:
		return applyArithmetic(m.SourceField, spec, value)

	case rule.TransformFormat:
		return applyFormat(spec.Template, value), nil

	case rule.TransformCustom:
		// Custom transforms are never executed. The raw value passes
		// through so ingestion keeps working while the kind is logged
		// for the rule author to notice.
		e.logger.Warn("custom transform skipped",
			observability.String("sourceField", m.SourceField))
		e.metrics.IncrementCounter("transform_custom_skipped_total", nil)
		return value, nil

	default:
		e.logger.Warn("unknown transform kind, passing value through",
			observability.String("sourceField", m.SourceField),
			observability.String("kind", string(spec.Kind)))
		return value, nil
	}
}

// applyArithmetic coerces the value to a float64 and applies the
// arithmetic operation with the spec's numeric parameter.
func applyArithmetic(field string, spec *rule.TransformSpec, value interface{}) (interface{}, error) {
	n, ok := toFloat64(value)
	if !ok {
		return nil, &TypeError{
			Field:     field,
			Operation: string(spec.Kind),
			Value:     value,
		}
	}

	switch spec.Kind {
	case rule.TransformMultiply:
		return n * spec.Value, nil
	case rule.TransformDivide:
		return n / spec.Value, nil
	case rule.TransformAdd:
		return n + spec.Value, nil
	default:
		return n - spec.Value, nil
	}
}

// applyFormat substitutes the resolved value into the format template.
// An empty template yields the plain stringified value.
func applyFormat(template string, value interface{}) string {
	rendered := stringify(value)
	if template == "" {
		return rendered
	}
	return strings.ReplaceAll(template, valuePlaceholder, rendered)
}

// stringify renders a value the way a rule author expects in templates:
// whole floats print without a trailing ".0".
func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// toFloat64 coerces JSON-decoded scalar values to float64. Numeric
// strings are accepted since market data feeds frequently quote numbers.
func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
