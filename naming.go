package schemagen

import (
	"fmt"
	"go/token"
	"regexp"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type (
	// Transform is a case transformation applied to matched name parts
	Transform string

	// ArtifactClass selects what is generated for a matched object
	ArtifactClass string

	// NamingRule maps schema objects of one kind to artifact identifiers.
	// Expression refers to submatches of Pattern as $0, $1 ... or ${0}, ${1} ...;
	// each submatch is transformed before substitution.
	NamingRule struct {
		Kind       ObjectKind    `yaml:"kind"`
		Class      ArtifactClass `yaml:"class,omitempty"`
		Pattern    string        `yaml:"pattern,omitempty"`
		Transform  Transform     `yaml:"transform,omitempty"`
		Expression string        `yaml:"expression"`
	}

	// Naming is the result of applying one rule to one object
	Naming struct {
		Identifier string
		Class      ArtifactClass
	}

	// NamingStrategy is a compiled, ordered table of naming rules
	NamingStrategy struct {
		rules []compiledRule
	}

	compiledRule struct {
		NamingRule
		pattern   *regexp.Regexp
		transform func(string) string
	}
)

const (
	TransformAsIs   Transform = "as_is"
	TransformPascal Transform = "pascal"
	TransformCamel  Transform = "camel"
	TransformSnake  Transform = "snake"
	TransformUpper  Transform = "upper"
	TransformLower  Transform = "lower"

	ClassTable    ArtifactClass = "table"
	ClassRecord   ArtifactClass = "record"
	ClassSequence ArtifactClass = "sequence"
)

var (
	expressionRef = regexp.MustCompile(`\$(\d+)|\$\{(\d+)\}`)

	upperCaser = cases.Upper(language.Und)
	lowerCaser = cases.Lower(language.Und)
)

// DefaultNamingRules mirrors the PASCAL matcher strategy: <Name>_Table, <Name>_Record and <Name>_Sequence
func DefaultNamingRules() []NamingRule {
	return []NamingRule{
		{Kind: KindTable, Class: ClassTable, Transform: TransformPascal, Expression: "$0_Table"},
		{Kind: KindTable, Class: ClassRecord, Transform: TransformPascal, Expression: "$0_Record"},
		{Kind: KindSequence, Class: ClassSequence, Transform: TransformPascal, Expression: "$0_Sequence"},
	}
}

func transformFunc(t Transform) (func(string) string, error) {
	switch Transform(strings.ToLower(string(t))) {
	case "", TransformAsIs:
		return func(s string) string { return s }, nil
	case TransformPascal:
		return strcase.ToCamel, nil
	case TransformCamel:
		return strcase.ToLowerCamel, nil
	case TransformSnake:
		return strcase.ToSnake, nil
	case TransformUpper:
		return upperCaser.String, nil
	case TransformLower:
		return lowerCaser.String, nil
	default:
		return nil, fmt.Errorf("unknown transform %q", t)
	}
}

// NewNamingStrategy compiles rules; it fails on unknown kinds, transforms or invalid patterns
func NewNamingStrategy(rules []NamingRule) (*NamingStrategy, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("at least one naming rule is required")
	}

	s := &NamingStrategy{}
	for i, r := range rules {
		switch r.Kind {
		case KindTable:
			if r.Class == "" {
				r.Class = ClassTable
			}
			if r.Class != ClassTable && r.Class != ClassRecord {
				return nil, fmt.Errorf("naming rule %d: class %q does not apply to tables", i+1, r.Class)
			}
		case KindSequence:
			if r.Class == "" {
				r.Class = ClassSequence
			}
			if r.Class != ClassSequence {
				return nil, fmt.Errorf("naming rule %d: class %q does not apply to sequences", i+1, r.Class)
			}
		default:
			return nil, fmt.Errorf("naming rule %d: unknown object kind %q", i+1, r.Kind)
		}
		if strings.TrimSpace(r.Expression) == "" {
			return nil, fmt.Errorf("naming rule %d: expression is required", i+1)
		}

		pattern := r.Pattern
		if pattern == "" {
			pattern = ".*"
		}
		re, err := compileAnchored(pattern)
		if err != nil {
			return nil, fmt.Errorf("naming rule %d: invalid pattern %q: %w", i+1, r.Pattern, err)
		}

		for _, m := range expressionRef.FindAllStringSubmatch(r.Expression, -1) {
			n, _ := strconv.Atoi(m[1] + m[2])
			if n > re.NumSubexp() {
				return nil, fmt.Errorf("naming rule %d: expression refers to $%d but pattern has %d groups", i+1, n, re.NumSubexp())
			}
		}

		fn, err := transformFunc(r.Transform)
		if err != nil {
			return nil, fmt.Errorf("naming rule %d: %w", i+1, err)
		}

		s.rules = append(s.rules, compiledRule{NamingRule: r, pattern: re, transform: fn})
	}

	return s, nil
}

// Identifiers returns the artifact identifiers for an object, one per matching rule, in rule order
func (s *NamingStrategy) Identifiers(kind ObjectKind, name string) ([]Naming, error) {
	var ids []Naming
	for _, r := range s.rules {
		if r.Kind != kind {
			continue
		}
		match := r.pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}

		id := expressionRef.ReplaceAllStringFunc(r.Expression, func(ref string) string {
			n, _ := strconv.Atoi(strings.Trim(ref, "${}"))
			return r.transform(match[n])
		})
		if !token.IsIdentifier(id) {
			return nil, fmt.Errorf("%w: %s %q maps to %q, which is not a valid Go identifier",
				ErrInvalidIdentifier, kind, name, id)
		}
		ids = append(ids, Naming{Identifier: id, Class: r.Class})
	}
	return ids, nil
}

// compileAnchored compiles pattern so it has to match the whole name
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)$`)
}
