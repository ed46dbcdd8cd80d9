package mapping

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Range is an inclusive parameter range. A scalar in YAML declares [0, n],
// a two element sequence declares [min, max]. Scalars accept k, m and g suffixes.
type Range struct {
	Min int64
	Max int64
	set bool
}

// NewRange builds a set range
func NewRange(min, max int64) Range {
	return Range{Min: min, Max: max, set: true}
}

// IsSet reports whether the range was declared
func (r Range) IsSet() bool { return r.set }

// Contains reports whether v lies within the range. Unset ranges contain everything.
func (r Range) Contains(v int64) bool {
	if !r.set {
		return true
	}
	return v >= r.Min && v <= r.Max
}

// Clamp limits v to the range
func (r Range) Clamp(v int64) int64 {
	if !r.set {
		return v
	}
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// UnmarshalYAML implements yaml.Unmarshaler
func (r *Range) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		n, err := parseSize(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*r = NewRange(0, n)
		return nil
	case yaml.SequenceNode:
		if len(value.Content) != 2 {
			return fmt.Errorf("line %d: range needs exactly two bounds", value.Line)
		}
		min, err := parseSize(value.Content[0].Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		max, err := parseSize(value.Content[1].Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		if min > max {
			return fmt.Errorf("line %d: range [%d, %d] is inverted", value.Line, min, max)
		}
		*r = NewRange(min, max)
		return nil
	default:
		return fmt.Errorf("line %d: range must be a number or a [min, max] pair", value.Line)
	}
}

// MarshalYAML implements yaml.Marshaler
func (r Range) MarshalYAML() (interface{}, error) {
	if !r.set {
		return nil, nil
	}
	return []int64{r.Min, r.Max}, nil
}

// Size is a scalar manifest number that accepts k, m and g suffixes
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler
func (z *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a number", value.Line)
	}
	n, err := parseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*z = Size(n)
	return nil
}

func parseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1024, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1024*1024, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "g"):
		mult, s = 1024*1024*1024, strings.TrimSuffix(s, "g")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

// Rule is one entry of a mapping table: a native type pattern and the
// semantic type it stands for.
type Rule struct {
	Expr    string
	Pattern *Pattern
	To      schema.Kind

	Byte        Range
	DefaultByte int64
	Fixed       bool

	Bit              int
	Precision        Range
	Scale            Range
	DefaultPrecision int
	DefaultScale     int
	UnsignedOnly     bool

	Fraction        Range
	DefaultFraction int
	WithTimeZone    bool

	// QueryOnly entries are recognised when reading but never generated
	QueryOnly bool
	order     int
}

type ruleYAML struct {
	To               string `yaml:"to"`
	Byte             Range  `yaml:"byte"`
	DefaultByte      Size   `yaml:"defaultByte"`
	Fixed            bool   `yaml:"fixed"`
	Bit              int    `yaml:"bit"`
	Precision        Range  `yaml:"precision"`
	Scale            Range  `yaml:"scale"`
	DefaultPrecision Size   `yaml:"defaultPrecision"`
	DefaultScale     Size   `yaml:"defaultScale"`
	UnsignedOnly     bool   `yaml:"unsignedOnly"`
	Fraction         Range  `yaml:"fraction"`
	DefaultFraction  Size   `yaml:"defaultFraction"`
	WithTimeZone     bool   `yaml:"withTimeZone"`
	QueryOnly        bool   `yaml:"queryOnly"`
}

func newRule(expr string, value *yaml.Node, order int) (*Rule, error) {
	var raw ruleYAML
	if err := value.Decode(&raw); err != nil {
		return nil, fmt.Errorf("data type %q: %w", expr, err)
	}
	kind, err := schema.ParseKind(raw.To)
	if err != nil {
		return nil, fmt.Errorf("data type %q: %w", expr, err)
	}
	pattern, err := CompilePattern(expr)
	if err != nil {
		return nil, err
	}
	return &Rule{
		Expr:             expr,
		Pattern:          pattern,
		To:               kind,
		Byte:             raw.Byte,
		DefaultByte:      int64(raw.DefaultByte),
		Fixed:            raw.Fixed,
		Bit:              raw.Bit,
		Precision:        raw.Precision,
		Scale:            raw.Scale,
		DefaultPrecision: int(raw.DefaultPrecision),
		DefaultScale:     int(raw.DefaultScale),
		UnsignedOnly:     raw.UnsignedOnly,
		Fraction:         raw.Fraction,
		DefaultFraction:  int(raw.DefaultFraction),
		WithTimeZone:     raw.WithTimeZone,
		QueryOnly:        raw.QueryOnly,
		order:            order,
	}, nil
}

// SupportsUnsigned reports whether the rule can express unsigned numbers
func (r *Rule) SupportsUnsigned() bool {
	return r.UnsignedOnly || r.Pattern.HasFlag("unsigned")
}

// toType resolves the semantic type for a matched expression
func (r *Rule) toType(m *Match) schema.Type {
	switch r.To {
	case schema.KindString:
		return schema.String{Bytes: r.bytes(m), Fixed: r.Fixed}
	case schema.KindBinary:
		return schema.Binary{Bytes: r.bytes(m), Fixed: r.Fixed}
	case schema.KindNumber:
		unsigned := r.UnsignedOnly || m.Flags["unsigned"]
		if r.Bit > 0 {
			return schema.Number{Bit: r.Bit, Unsigned: unsigned}
		}
		precision := int64(r.DefaultPrecision)
		if v, ok := m.Int("precision"); ok {
			precision = v
		} else if precision == 0 {
			precision = r.Precision.Max
		}
		scale := int64(r.DefaultScale)
		if v, ok := m.Int("scale"); ok {
			scale = v
		} else if scale == 0 && r.Scale.IsSet() {
			scale = r.Scale.Min
		}
		return schema.Number{Precision: int(precision), Scale: int(scale), Unsigned: unsigned, Fixed: r.Fixed}
	case schema.KindDateTime:
		return schema.DateTime{Fraction: r.fraction(m), WithTimeZone: r.WithTimeZone}
	case schema.KindTime:
		return schema.Time{Fraction: r.fraction(m), WithTimeZone: r.WithTimeZone}
	default:
		return schema.New(r.To, schema.Spec{})
	}
}

func (r *Rule) bytes(m *Match) int64 {
	if v, ok := m.Int("byte"); ok {
		return v
	}
	if r.DefaultByte > 0 {
		return r.DefaultByte
	}
	return r.Byte.Max
}

func (r *Rule) fraction(m *Match) int {
	if v, ok := m.Int("fraction"); ok {
		return int(v)
	}
	if r.DefaultFraction > 0 {
		return r.DefaultFraction
	}
	return int(r.Fraction.Min)
}
