// Package schema infers field structure from sample provider payloads
// and suggests source-to-target field matches for rule authoring.
package schema

import (
	"regexp"
	"sort"

	"github.com/aoxiansheng/stock-api-sub010/internal/observability"
)

// FieldType classifies an inferred leaf value type.
type FieldType string

// Inferred field types.
const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
	TypeNull    FieldType = "null"
)

// StructureType classifies the overall shape of a sample payload.
type StructureType string

// Payload structure classifications.
const (
	StructureFlat   StructureType = "flat"
	StructureNested StructureType = "nested"
	StructureMixed  StructureType = "mixed"
)

// Field is one inferred field of a sample payload, addressed by its
// dotted path.
type Field struct {
	Path string    `json:"path"`
	Type FieldType `json:"type"`
}

// Analysis is the result of analyzing one sample payload.
type Analysis struct {
	Fields        []Field       `json:"fields"`
	StructureType StructureType `json:"structureType"`

	// Confidence estimates how representative the sample is, in [0, 1].
	Confidence float64 `json:"confidence"`
}

// isoDatePrefix matches the leading date portion of an ISO-8601 string.
var isoDatePrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// Analyzer infers schema information from sample payloads.
type Analyzer struct {
	logger observability.Logger
}

// NewAnalyzer creates a schema analyzer.
func NewAnalyzer(logger observability.Logger) *Analyzer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Analyzer{logger: logger}
}

// Analyze walks the sample recursively, building dotted field paths.
// Arrays are sampled via their first element only, assumed structurally
// representative of the rest.
func (a *Analyzer) Analyze(sample map[string]interface{}) *Analysis {
	w := &walker{}
	w.walkObject("", sample)

	sort.Slice(w.fields, func(i, j int) bool {
		return w.fields[i].Path < w.fields[j].Path
	})

	analysis := &Analysis{
		Fields:        w.fields,
		StructureType: w.structureType(),
		Confidence:    w.confidence(),
	}

	a.logger.Debug("sample analyzed",
		observability.Int("fields", len(analysis.Fields)),
		observability.String("structure", string(analysis.StructureType)),
		observability.Float64("confidence", analysis.Confidence))

	return analysis
}

// walker accumulates inference state over one sample.
type walker struct {
	fields    []Field
	hasNested bool
	hasArray  bool
	nonNull   int
}

func (w *walker) walkObject(prefix string, obj map[string]interface{}) {
	for key, value := range obj {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		w.walkValue(path, value)
	}
}

func (w *walker) walkValue(path string, value interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		w.hasNested = true
		w.record(path, TypeObject, true)
		w.walkObject(path, v)

	case []interface{}:
		w.hasArray = true
		w.record(path, TypeArray, len(v) > 0)
		if len(v) > 0 {
			w.walkValue(path+"[0]", v[0])
		}

	case nil:
		w.record(path, TypeNull, false)

	default:
		w.record(path, inferScalarType(v), true)
	}
}

func (w *walker) record(path string, t FieldType, nonNull bool) {
	w.fields = append(w.fields, Field{Path: path, Type: t})
	if nonNull {
		w.nonNull++
	}
}

func (w *walker) structureType() StructureType {
	switch {
	case w.hasNested && w.hasArray:
		return StructureMixed
	case w.hasNested || w.hasArray:
		return StructureNested
	default:
		return StructureFlat
	}
}

// confidence scores how representative the sample looks: a base score,
// a bonus for field-count richness, and a bonus proportional to the
// fraction of non-null fields, clamped to [0, 1].
func (w *walker) confidence() float64 {
	if len(w.fields) == 0 {
		return 0
	}

	score := 0.5
	if len(w.fields) >= 5 {
		score += 0.2
	}
	score += 0.3 * float64(w.nonNull) / float64(len(w.fields))

	if score > 1 {
		score = 1
	}
	return score
}

// inferScalarType classifies a decoded JSON scalar.
func inferScalarType(value interface{}) FieldType {
	switch v := value.(type) {
	case string:
		if isoDatePrefix.MatchString(v) {
			return TypeDate
		}
		return TypeString
	case bool:
		return TypeBoolean
	case float64:
		if v == float64(int64(v)) {
			return TypeInteger
		}
		return TypeNumber
	case int, int32, int64:
		return TypeInteger
	case float32:
		return TypeNumber
	default:
		return TypeString
	}
}
