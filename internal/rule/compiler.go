package rule

import (
	"strconv"
	"strings"

	"github.com/aoxiansheng/stock-api-sub010/internal/observability"
)

// Compiler turns raw mapping rules into immutable compiled representations.
// Compilation is pure: the same input always yields a structurally equal
// output, so compiled rules are safe to cache and share across goroutines.
type Compiler struct {
	logger observability.Logger
}

// NewCompiler creates a new rule compiler.
func NewCompiler(logger observability.Logger) *Compiler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Compiler{logger: logger}
}

// Compile builds the runtime representation of a rule. Path expressions are
// parsed once here so the transformation hot path only walks precomputed
// segments. Unknown transform kinds are preserved; the engine decides how to
// handle them at execution time.
func (c *Compiler) Compile(r *MappingRule) (*CompiledRule, error) {
	if r == nil {
		return nil, ErrNilRule
	}

	compiled := &CompiledRule{
		RuleID:   r.ID,
		Name:     r.Name,
		Provider: r.Provider,
		APIType:  r.APIType,
		RuleType: r.RuleType,
		Version:  r.UpdatedAt.UnixNano(),
		Mappings: make([]CompiledMapping, 0, len(r.Mappings)),
	}

	for _, m := range r.Mappings {
		if m.SourceField == "" || m.TargetField == "" {
			c.logger.Debug("skipping incomplete field mapping",
				observability.String("ruleId", r.ID),
				observability.String("source", m.SourceField),
				observability.String("target", m.TargetField))
			continue
		}

		segments := ParsePath(m.SourceField)
		cm := CompiledMapping{
			SourceField:   m.SourceField,
			TargetField:   m.TargetField,
			Segments:      segments,
			IsArrayAccess: hasIndexSegment(segments),
		}
		if m.Transform != nil {
			spec := *m.Transform
			cm.Transform = &spec
			if !spec.Kind.IsValid() {
				c.logger.Warn("unknown transform kind in rule",
					observability.String("ruleId", r.ID),
					observability.String("field", m.SourceField),
					observability.String("kind", string(spec.Kind)))
			}
		}
		compiled.Mappings = append(compiled.Mappings, cm)
	}

	c.logger.Debug("compiled rule",
		observability.String("ruleId", r.ID),
		observability.String("provider", r.Provider),
		observability.Int64("version", compiled.Version),
		observability.Int("mappings", len(compiled.Mappings)))

	return compiled, nil
}

// hasIndexSegment reports whether any segment performs array access.
func hasIndexSegment(segments []PathSegment) bool {
	for _, s := range segments {
		if s.IsIndex {
			return true
		}
	}
	return false
}

// ParsePath parses a dotted field path with optional bracketed numeric array
// indices into segments.
// Examples:
//   - "name" -> [{Name: "name"}]
//   - "user.name" -> [{Name: "user"}, {Name: "name"}]
//   - "items[0].id" -> [{Name: "items", IsIndex: true, Index: 0}, {Name: "id"}]
//
// Malformed bracket content degrades to a literal map key rather than an
// error, matching the tolerant behavior expected from provider payload paths.
func ParsePath(path string) []PathSegment {
	p := &pathParser{path: path}
	return p.parse()
}

// pathParser parses field path expressions.
type pathParser struct {
	path           string
	segments       []PathSegment
	current        strings.Builder
	bracketContent strings.Builder
	inBracket      bool
}

func (p *pathParser) parse() []PathSegment {
	for i := 0; i < len(p.path); i++ {
		p.processChar(p.path[i])
	}

	if p.current.Len() > 0 {
		p.segments = append(p.segments, PathSegment{Name: p.current.String()})
	}

	return p.segments
}

func (p *pathParser) processChar(ch byte) {
	switch {
	case ch == '.':
		p.handleDot()
	case ch == '[':
		p.handleOpenBracket()
	case ch == ']':
		p.handleCloseBracket()
	case p.inBracket:
		p.bracketContent.WriteByte(ch)
	default:
		p.current.WriteByte(ch)
	}
}

func (p *pathParser) handleDot() {
	if p.inBracket {
		p.bracketContent.WriteByte('.')
		return
	}
	if p.current.Len() > 0 {
		p.segments = append(p.segments, PathSegment{Name: p.current.String()})
		p.current.Reset()
	}
}

func (p *pathParser) handleOpenBracket() {
	if p.current.Len() > 0 {
		p.inBracket = true
		p.bracketContent.Reset()
	}
}

func (p *pathParser) handleCloseBracket() {
	if !p.inBracket {
		return
	}

	p.inBracket = false
	indexStr := p.bracketContent.String()

	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 {
		// Not a numeric index; keep the literal text as part of the key.
		p.segments = append(p.segments, PathSegment{
			Name: p.current.String() + "[" + indexStr + "]",
		})
	} else {
		p.segments = append(p.segments, PathSegment{
			Name:    p.current.String(),
			IsIndex: true,
			Index:   index,
		})
	}
	p.current.Reset()
}
