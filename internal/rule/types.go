// Package rule defines the mapping-rule data model, the repository contract
// and the compiler that turns raw rules into their runtime representation.
package rule

import (
	"fmt"
	"time"
)

// APIType identifies the provider connection style a rule applies to.
type APIType string

// Supported API types.
const (
	APITypeRest   APIType = "rest"
	APITypeStream APIType = "stream"
)

// TransformKind enumerates the supported field value transforms.
type TransformKind string

// Supported transform kinds. Custom is accepted syntactically but never
// executed; the raw value passes through unchanged.
const (
	TransformMultiply TransformKind = "multiply"
	TransformDivide   TransformKind = "divide"
	TransformAdd      TransformKind = "add"
	TransformSubtract TransformKind = "subtract"
	TransformFormat   TransformKind = "format"
	TransformCustom   TransformKind = "custom"
)

// IsValid reports whether the kind is one of the supported transforms.
func (k TransformKind) IsValid() bool {
	switch k {
	case TransformMultiply, TransformDivide, TransformAdd,
		TransformSubtract, TransformFormat, TransformCustom:
		return true
	}
	return false
}

// TransformSpec describes an optional value transform attached to a mapping.
type TransformSpec struct {
	// Kind selects the transform operation.
	Kind TransformKind `yaml:"kind" json:"kind"`

	// Value is the numeric parameter for arithmetic transforms.
	Value float64 `yaml:"value,omitempty" json:"value,omitempty"`

	// Template is the string parameter for format transforms. The literal
	// "{value}" placeholder is replaced with the resolved field value.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
}

// FieldMapping maps one provider field path to a standardized output key.
type FieldMapping struct {
	// SourceField is a dotted path expression into the provider payload,
	// with optional bracketed numeric array indices (e.g. "a.b[0].c").
	SourceField string `yaml:"sourceField" json:"sourceField"`

	// TargetField is the flat output key in the standardized record.
	TargetField string `yaml:"targetField" json:"targetField"`

	// Transform is an optional value transform applied after resolution.
	Transform *TransformSpec `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// MappingRule is the administratively-authored mapping configuration for one
// provider data shape. It is owned by the authoring layer and read-only here.
type MappingRule struct {
	ID        string         `yaml:"id" json:"id"`
	Name      string         `yaml:"name" json:"name"`
	Provider  string         `yaml:"provider" json:"provider"`
	APIType   APIType        `yaml:"apiType" json:"apiType"`
	RuleType  string         `yaml:"ruleType" json:"ruleType"`
	Mappings  []FieldMapping `yaml:"mappings" json:"mappings"`
	UpdatedAt time.Time      `yaml:"updatedAt" json:"updatedAt"`
	Active    bool           `yaml:"active" json:"active"`
}

// RuleMetadata is the cheap version-read projection of a rule, used to build
// version-aware cache keys without fetching the full document.
type RuleMetadata struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	UpdatedAt time.Time `json:"updatedAt"`
	Active    bool      `json:"active"`
}

// PathSegment is one precomputed step of a source field path.
type PathSegment struct {
	// Name is the object key for this step.
	Name string `json:"name"`

	// IsIndex marks the step as a bracketed numeric array access.
	IsIndex bool `json:"isIndex,omitempty"`

	// Index is the array position when IsIndex is set.
	Index int `json:"index,omitempty"`
}

// CompiledMapping is the runtime form of one FieldMapping.
type CompiledMapping struct {
	SourceField   string         `json:"sourceField"`
	TargetField   string         `json:"targetField"`
	Segments      []PathSegment  `json:"segments"`
	IsArrayAccess bool           `json:"isArrayAccess"`
	Transform     *TransformSpec `json:"transform,omitempty"`
}

// CompiledRule is the immutable runtime representation of a MappingRule.
// It is tagged with the source rule's version so cache keys encode the
// originating document revision; an update yields a new key, never an
// in-place mutation.
type CompiledRule struct {
	RuleID   string            `json:"ruleId"`
	Name     string            `json:"name"`
	Provider string            `json:"provider"`
	APIType  APIType           `json:"apiType"`
	RuleType string            `json:"ruleType"`
	Version  int64             `json:"version"`
	Mappings []CompiledMapping `json:"mappings"`
}

// Key returns the version-aware cache key for the compiled rule.
func (c *CompiledRule) Key() string {
	return CacheKey(c.Provider, c.RuleID, c.Version)
}

// CacheKey builds a version-aware cache key from rule coordinates.
func CacheKey(provider, ruleID string, version int64) string {
	return fmt.Sprintf("rule:%s:%s:%d", provider, ruleID, version)
}

// ChangeOperation identifies the kind of repository mutation in a ChangeEvent.
type ChangeOperation string

// Change feed operation kinds.
const (
	OperationInsert ChangeOperation = "insert"
	OperationUpdate ChangeOperation = "update"
	OperationDelete ChangeOperation = "delete"
)

// ChangeEvent describes one persisted-rule mutation observed on the change
// feed. FullDocument is populated for inserts and updates when the feed
// technology supports it; delete events carry only the document key.
type ChangeEvent struct {
	Operation    ChangeOperation `json:"operation"`
	DocumentKey  string          `json:"documentKey"`
	FullDocument *MappingRule    `json:"fullDocument,omitempty"`
}
