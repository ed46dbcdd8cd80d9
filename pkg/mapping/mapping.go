// Package mapping translates between a connector's native type expressions
// and semantic types, in both directions.
//
// A mapping is declared in a connector manifest as an ordered YAML map:
//
//	dataTypes:
//	  varchar($byte): {to: string, byte: 65535}
//	  decimal[($precision,$scale)][unsigned]: {to: number, fixed: true, precision: [1, 65], scale: [0, 30], defaultPrecision: 10}
//	  int[($bit)][unsigned]: {to: number, bit: 32}
//	  datetime[($fraction)]: {to: datetime, fraction: [0, 6]}
//
// Reading a native type picks the first matching entry, exact literals
// before parameterized patterns. Generating a native type picks the entry
// whose ranges fit the semantic type most tightly and widens when none fits.
package mapping

import (
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Level classifies a ResultItem
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ResultItem reports a lossy or failed conversion
type ResultItem struct {
	Field   string `json:"field,omitempty"`
	Level   Level  `json:"level"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result item codes
const (
	CodeWidened      = "widened"
	CodeFamilyChange = "family_changed"
	CodeNoType       = "no_semantic_type"
	CodeUnmapped     = "unmapped"
	CodeHint         = "codec_hint"
)

// Mapping is an ordered table of type rules
type Mapping struct {
	rules []*Rule
	exact map[string]*Rule
}

// New builds a mapping from already compiled rules, keeping their order
func New(rules ...*Rule) *Mapping {
	m := &Mapping{exact: map[string]*Rule{}}
	for _, r := range rules {
		m.add(r)
	}
	return m
}

func (m *Mapping) add(r *Rule) {
	r.order = len(m.rules)
	m.rules = append(m.rules, r)
	if r.Pattern.IsExact() {
		key := Normalize(r.Pattern.Canonical())
		if _, dup := m.exact[key]; !dup {
			m.exact[key] = r
		}
	}
}

// Parse reads a mapping from YAML
func Parse(data []byte) (*Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UnmarshalYAML implements yaml.Unmarshaler, preserving declaration order
func (m *Mapping) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.DocumentNode && len(value.Content) == 1 {
		value = value.Content[0]
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: dataTypes must be a map of type expressions", value.Line)
	}
	m.rules = nil
	m.exact = map[string]*Rule{}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		r, err := newRule(key.Value, val, len(m.rules))
		if err != nil {
			return fmt.Errorf("line %d: %w", key.Line, err)
		}
		m.add(r)
	}
	return nil
}

// Rules returns the rules in declaration order
func (m *Mapping) Rules() []*Rule {
	if m == nil {
		return nil
	}
	return m.rules
}

// Len returns the number of rules
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// ToSemanticType resolves a native type expression. It returns an
// ErrorTypeUnknownType error when no rule matches.
func (m *Mapping) ToSemanticType(expr string) (schema.Type, error) {
	t, _, err := m.resolve(expr)
	return t, err
}

// Resolve is ToSemanticType that also returns the matching rule
func (m *Mapping) Resolve(expr string) (schema.Type, *Rule, error) {
	return m.resolve(expr)
}

func (m *Mapping) resolve(expr string) (schema.Type, *Rule, error) {
	if m == nil || len(m.rules) == 0 {
		return nil, nil, errors.Newf(errors.ErrorTypeUnknownType, "no data types declared for %q", expr)
	}
	norm := Normalize(expr)
	if r, ok := m.exact[norm]; ok {
		return r.toType(&Match{Params: map[string]string{}, Flags: map[string]bool{}}), r, nil
	}
	for _, r := range m.rules {
		if r.Pattern.IsExact() {
			continue
		}
		if match, ok := r.Pattern.Match(norm); ok {
			return r.toType(match), r, nil
		}
	}
	return nil, nil, errors.Newf(errors.ErrorTypeUnknownType, "type expression %q matches no data type", expr)
}

type candidate struct {
	rule     *Rule
	tier     int
	capacity int64
}

func (c candidate) better(o candidate) bool {
	if c.tier != o.tier {
		return c.tier < o.tier
	}
	if c.capacity != o.capacity {
		return c.capacity < o.capacity
	}
	return c.rule.order < o.rule.order
}

// FromSemanticType generates the native type expression that best holds t.
// Result items report widening and family changes; an error is returned only
// when the mapping has nothing usable for t at all.
func (m *Mapping) FromSemanticType(t schema.Type) (string, []ResultItem, error) {
	if t == nil {
		return "", nil, errors.New(errors.ErrorTypeUnknownType, "semantic type is missing")
	}
	expr, items, ok := m.generate(t)
	if ok {
		return expr, items, nil
	}
	for _, fb := range fallbacks(t) {
		expr, more, ok := m.generate(fb)
		if !ok {
			continue
		}
		items = append(items, ResultItem{
			Level:   LevelWarn,
			Code:    CodeFamilyChange,
			Message: fmt.Sprintf("no data type holds %s, stored as %s using %s", t, fb, expr),
		})
		return expr, append(items, more...), nil
	}
	return "", nil, errors.Newf(errors.ErrorTypeUnknownType, "no data type can hold %s", t)
}

func (m *Mapping) generate(t schema.Type) (string, []ResultItem, bool) {
	var best *candidate
	var widest *Rule
	for _, r := range m.Rules() {
		if r.QueryOnly {
			continue
		}
		c, fits := r.fit(t)
		if r.To == t.Kind() && (widest == nil || r.capacity(t) > widest.capacity(t)) {
			widest = r
		}
		if !fits {
			continue
		}
		if best == nil || c.better(*best) {
			cc := c
			best = &cc
		}
	}
	if best != nil {
		expr, err := best.rule.render(t)
		if err == nil {
			return expr, nil, true
		}
	}
	if widest == nil {
		return "", nil, false
	}
	expr, err := widest.render(widest.clamp(t))
	if err != nil {
		return "", nil, false
	}
	return expr, []ResultItem{{
		Level:   LevelWarn,
		Code:    CodeWidened,
		Message: fmt.Sprintf("no data type fits %s, widened to %s", t, expr),
	}}, true
}

// fit reports whether the rule can hold t and how good the fit is
func (r *Rule) fit(t schema.Type) (candidate, bool) {
	c := candidate{rule: r}
	switch v := t.(type) {
	case schema.String:
		if r.To != schema.KindString {
			return c, false
		}
		return r.fitBytes(c, v.Bytes, v.Fixed)
	case schema.Binary:
		if r.To != schema.KindBinary {
			return c, false
		}
		return r.fitBytes(c, v.Bytes, v.Fixed)
	case schema.Number:
		if r.To != schema.KindNumber {
			return c, false
		}
		return r.fitNumber(c, v)
	case schema.DateTime:
		if r.To != schema.KindDateTime {
			return c, false
		}
		return r.fitFraction(c, v.Fraction, v.WithTimeZone)
	case schema.Time:
		if r.To != schema.KindTime {
			return c, false
		}
		return r.fitFraction(c, v.Fraction, v.WithTimeZone)
	default:
		return c, r.To == t.Kind()
	}
}

func (r *Rule) fitBytes(c candidate, bytes int64, fixed bool) (candidate, bool) {
	if r.Fixed != fixed {
		c.tier = 1
	}
	if bytes == 0 {
		// unbounded, prefer the roomiest entry
		if r.Byte.IsSet() {
			c.capacity = -r.Byte.Max
		} else {
			c.capacity = math.MinInt64
		}
		return c, true
	}
	if !r.Byte.IsSet() {
		c.capacity = math.MaxInt64
		return c, true
	}
	if r.Pattern.HasParam("byte") {
		if !r.Byte.Contains(bytes) {
			return c, false
		}
	} else if r.Byte.Max < bytes {
		return c, false
	}
	c.capacity = r.Byte.Max
	return c, true
}

func (r *Rule) fitNumber(c candidate, n schema.Number) (candidate, bool) {
	switch {
	case n.Bit > 0:
		switch {
		case r.Bit > 0:
			if n.Unsigned && !r.SupportsUnsigned() {
				if r.Bit <= n.Bit {
					return c, false
				}
			} else if r.Bit < n.Bit {
				return c, false
			}
			if !n.Unsigned && r.UnsignedOnly {
				return c, false
			}
			c.capacity = int64(r.Bit)
			return c, true
		case r.Fixed:
			if !holds(r.Precision, int64(n.Digits())) {
				return c, false
			}
			c.tier, c.capacity = 1, r.Precision.Max
			return c, true
		default:
			if !holds(r.Precision, int64(n.Digits())) {
				return c, false
			}
			c.tier, c.capacity = 2, r.Precision.Max
			return c, true
		}
	case n.Fixed:
		switch {
		case r.Bit > 0:
			if n.Scale != 0 || n.Precision >= schema.IntegerDigits(r.Bit, n.Unsigned && r.SupportsUnsigned()) {
				return c, false
			}
			c.tier, c.capacity = 1, int64(r.Bit)
			return c, true
		case r.Fixed:
			if !r.fitsPrecision(n) {
				return c, false
			}
			c.capacity = r.Precision.Max
			return c, true
		default:
			if !holds(r.Precision, int64(n.Precision)) {
				return c, false
			}
			c.tier, c.capacity = 2, r.Precision.Max
			return c, true
		}
	default:
		switch {
		case r.Bit > 0:
			return c, false
		case r.Fixed:
			if !r.fitsPrecision(n) {
				return c, false
			}
			c.tier, c.capacity = 1, r.Precision.Max
			return c, true
		default:
			if !holds(r.Precision, int64(n.Precision)) {
				return c, false
			}
			c.capacity = r.Precision.Max
			return c, true
		}
	}
}

// holds reports whether a range's upper bound admits v. Unset ranges admit anything.
func holds(r Range, v int64) bool {
	return !r.IsSet() || r.Max >= v
}

func (r *Rule) fitsPrecision(n schema.Number) bool {
	p, s := int64(n.Precision), int64(n.Scale)
	if r.Pattern.HasParam("precision") {
		if !r.Precision.Contains(p) {
			return false
		}
	} else if !holds(r.Precision, p) {
		return false
	}
	if r.Pattern.HasParam("scale") {
		return r.Scale.Contains(s)
	}
	return holds(r.Scale, s)
}

func (r *Rule) fitFraction(c candidate, fraction int, tz bool) (candidate, bool) {
	if r.WithTimeZone != tz {
		c.tier = 1
	}
	if !holds(r.Fraction, int64(fraction)) {
		return c, false
	}
	c.capacity = r.Fraction.Max
	return c, true
}

// capacity orders rules of one family for widening
func (r *Rule) capacity(t schema.Type) int64 {
	switch t.Kind() {
	case schema.KindString, schema.KindBinary:
		if !r.Byte.IsSet() {
			return math.MaxInt64
		}
		return r.Byte.Max
	case schema.KindNumber:
		if r.Bit > 0 {
			return int64(schema.IntegerDigits(r.Bit, r.SupportsUnsigned()))
		}
		return r.Precision.Max
	case schema.KindDateTime, schema.KindTime:
		return r.Fraction.Max
	default:
		return 0
	}
}

// clamp limits t's parameters to what the rule can declare
func (r *Rule) clamp(t schema.Type) schema.Type {
	switch v := t.(type) {
	case schema.String:
		if r.Byte.IsSet() && v.Bytes > r.Byte.Max {
			v.Bytes = r.Byte.Max
		}
		return v
	case schema.Binary:
		if r.Byte.IsSet() && v.Bytes > r.Byte.Max {
			v.Bytes = r.Byte.Max
		}
		return v
	case schema.Number:
		if r.Bit > 0 {
			return schema.Number{Bit: r.Bit, Unsigned: v.Unsigned && r.SupportsUnsigned()}
		}
		p := int64(v.Digits())
		if p == 0 {
			p = r.Precision.Max
		}
		v.Precision = int(r.Precision.Clamp(p))
		v.Scale = int(r.Scale.Clamp(int64(v.Scale)))
		if v.Scale > v.Precision {
			v.Scale = v.Precision
		}
		v.Bit = 0
		return v
	case schema.DateTime:
		v.Fraction = int(r.Fraction.Clamp(int64(v.Fraction)))
		return v
	case schema.Time:
		v.Fraction = int(r.Fraction.Clamp(int64(v.Fraction)))
		return v
	default:
		return t
	}
}

// render writes t using the rule's pattern
func (r *Rule) render(t schema.Type) (string, error) {
	params := map[string]string{}
	flags := map[string]bool{}
	p := r.Pattern
	switch v := t.(type) {
	case schema.String:
		r.putBytes(params, v.Bytes)
	case schema.Binary:
		r.putBytes(params, v.Bytes)
	case schema.Number:
		if v.Unsigned && p.HasFlag("unsigned") {
			flags["unsigned"] = true
		}
		if p.HasParam("bit") && r.Bit == 0 && v.Bit > 0 {
			params["bit"] = strconv.Itoa(v.Bit)
		}
		if p.HasParam("precision") {
			precision := v.Precision
			if v.Bit > 0 {
				precision = v.Digits()
			}
			if precision == 0 {
				precision = r.DefaultPrecision
			}
			if precision > 0 {
				params["precision"] = strconv.Itoa(precision)
			}
		}
		if p.HasParam("scale") {
			params["scale"] = strconv.Itoa(v.Scale)
		}
	case schema.DateTime:
		if p.HasParam("fraction") {
			params["fraction"] = strconv.Itoa(v.Fraction)
		}
	case schema.Time:
		if p.HasParam("fraction") {
			params["fraction"] = strconv.Itoa(v.Fraction)
		}
	}
	return p.Render(params, flags)
}

func (r *Rule) putBytes(params map[string]string, bytes int64) {
	if !r.Pattern.HasParam("byte") {
		return
	}
	if bytes == 0 {
		bytes = r.DefaultByte
		if bytes == 0 {
			bytes = r.Byte.Max
		}
	}
	if bytes > 0 {
		params["byte"] = strconv.FormatInt(bytes, 10)
	}
}

// fallbacks lists the families t may be stored as when its own family has no entry
func fallbacks(t schema.Type) []schema.Type {
	switch t.Kind() {
	case schema.KindBoolean:
		return []schema.Type{schema.Number{Bit: 8}, schema.String{Bytes: 5}}
	case schema.KindYear:
		return []schema.Type{schema.Number{Bit: 16}, schema.String{Bytes: 4}}
	case schema.KindDate:
		return []schema.Type{schema.DateTime{}, schema.String{Bytes: 10}}
	case schema.KindTime:
		return []schema.Type{schema.String{Bytes: 18}}
	case schema.KindDateTime:
		return []schema.Type{schema.String{Bytes: 35}}
	case schema.KindBinary:
		return []schema.Type{schema.String{}}
	case schema.KindNumber:
		return []schema.Type{schema.String{Bytes: 66}}
	case schema.KindMap, schema.KindArray, schema.KindRaw:
		return []schema.Type{schema.String{}}
	default:
		return nil
	}
}
