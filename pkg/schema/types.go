// Package schema defines tables, fields and the type-system-neutral semantic
// types every connector's native types are translated to and from.
package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies a semantic type family
type Kind uint8

const (
	KindRaw Kind = iota
	KindString
	KindNumber
	KindBoolean
	KindDate
	KindDateTime
	KindTime
	KindYear
	KindBinary
	KindMap
	KindArray
)

var kindNames = map[Kind]string{
	KindRaw:      "raw",
	KindString:   "string",
	KindNumber:   "number",
	KindBoolean:  "boolean",
	KindDate:     "date",
	KindDateTime: "datetime",
	KindTime:     "time",
	KindYear:     "year",
	KindBinary:   "binary",
	KindMap:      "map",
	KindArray:    "array",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind resolves a kind name as written in manifests
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "tap")
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return KindRaw, fmt.Errorf("unknown semantic kind %q", s)
}

// Kinds returns every kind in declaration order
func Kinds() []Kind {
	return []Kind{KindString, KindNumber, KindBoolean, KindDate, KindDateTime, KindTime, KindYear, KindBinary, KindMap, KindArray, KindRaw}
}

// Type is a semantic type. The set of implementations is closed.
type Type interface {
	Kind() Kind
	String() string
	semantic()
}

// String is a character type. Bytes is the declared capacity, zero when unbounded.
type String struct {
	Bytes int64
	Fixed bool
}

// Number covers integers (Bit > 0) and fixed or floating point decimals.
type Number struct {
	Bit       int
	Precision int
	Scale     int
	Unsigned  bool
	Fixed     bool
}

type Boolean struct{}

type Date struct{}

// DateTime is a timestamp with Fraction digits of sub-second precision
type DateTime struct {
	Fraction     int
	WithTimeZone bool
}

// Time is a time of day
type Time struct {
	Fraction     int
	WithTimeZone bool
}

type Year struct{}

// Binary is a byte string. Bytes is the declared capacity, zero when unbounded.
type Binary struct {
	Bytes int64
	Fixed bool
}

type Map struct{}

type Array struct{}

// Raw holds values the runtime cannot classify
type Raw struct{}

func (String) Kind() Kind   { return KindString }
func (Number) Kind() Kind   { return KindNumber }
func (Boolean) Kind() Kind  { return KindBoolean }
func (Date) Kind() Kind     { return KindDate }
func (DateTime) Kind() Kind { return KindDateTime }
func (Time) Kind() Kind     { return KindTime }
func (Year) Kind() Kind     { return KindYear }
func (Binary) Kind() Kind   { return KindBinary }
func (Map) Kind() Kind      { return KindMap }
func (Array) Kind() Kind    { return KindArray }
func (Raw) Kind() Kind      { return KindRaw }

func (String) semantic()   {}
func (Number) semantic()   {}
func (Boolean) semantic()  {}
func (Date) semantic()     {}
func (DateTime) semantic() {}
func (Time) semantic()     {}
func (Year) semantic()     {}
func (Binary) semantic()   {}
func (Map) semantic()      {}
func (Array) semantic()    {}
func (Raw) semantic()      {}

func (t String) String() string {
	s := "string"
	if t.Fixed {
		s = "fixed string"
	}
	if t.Bytes > 0 {
		s += fmt.Sprintf("(%d)", t.Bytes)
	}
	return s
}

func (t Number) String() string {
	var b strings.Builder
	switch {
	case t.Bit > 0:
		fmt.Fprintf(&b, "int%d", t.Bit)
	case t.Fixed:
		fmt.Fprintf(&b, "decimal(%d,%d)", t.Precision, t.Scale)
	default:
		fmt.Fprintf(&b, "float(%d,%d)", t.Precision, t.Scale)
	}
	if t.Unsigned {
		b.WriteString(" unsigned")
	}
	return b.String()
}

func (Boolean) String() string { return "boolean" }
func (Date) String() string    { return "date" }

func (t DateTime) String() string {
	s := fmt.Sprintf("datetime(%d)", t.Fraction)
	if t.WithTimeZone {
		s += " tz"
	}
	return s
}

func (t Time) String() string {
	s := fmt.Sprintf("time(%d)", t.Fraction)
	if t.WithTimeZone {
		s += " tz"
	}
	return s
}

func (Year) String() string { return "year" }

func (t Binary) String() string {
	if t.Bytes > 0 {
		return fmt.Sprintf("binary(%d)", t.Bytes)
	}
	return "binary"
}

func (Map) String() string   { return "map" }
func (Array) String() string { return "array" }
func (Raw) String() string   { return "raw" }

// IsInteger reports whether the number holds integral values only
func (t Number) IsInteger() bool {
	return t.Bit > 0 || (t.Fixed && t.Precision > 0 && t.Scale == 0)
}

// Digits returns the decimal precision needed to hold every value of the type
func (t Number) Digits() int {
	if t.Bit > 0 {
		return IntegerDigits(t.Bit, t.Unsigned)
	}
	return t.Precision
}

// IntegerDigits returns the number of decimal digits of the largest value an
// integer of the given width can hold.
func IntegerDigits(bit int, unsigned bool) int {
	if bit <= 0 {
		return 0
	}
	if bit >= 64 {
		if unsigned {
			return len(strconv.FormatUint(math.MaxUint64, 10))
		}
		return len(strconv.FormatInt(math.MaxInt64, 10))
	}
	var max uint64
	if unsigned {
		max = 1<<uint(bit) - 1
	} else {
		max = 1<<uint(bit-1) - 1
	}
	return len(strconv.FormatUint(max, 10))
}

// Spec is the serializable form of a Type
type Spec struct {
	Kind         string `json:"kind" yaml:"kind"`
	Bytes        int64  `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Fixed        bool   `json:"fixed,omitempty" yaml:"fixed,omitempty"`
	Bit          int    `json:"bit,omitempty" yaml:"bit,omitempty"`
	Precision    int    `json:"precision,omitempty" yaml:"precision,omitempty"`
	Scale        int    `json:"scale,omitempty" yaml:"scale,omitempty"`
	Unsigned     bool   `json:"unsigned,omitempty" yaml:"unsigned,omitempty"`
	Fraction     int    `json:"fraction,omitempty" yaml:"fraction,omitempty"`
	WithTimeZone bool   `json:"withTimeZone,omitempty" yaml:"withTimeZone,omitempty"`
}

// SpecOf converts a Type into its serializable form
func SpecOf(t Type) *Spec {
	if t == nil {
		return nil
	}
	s := &Spec{Kind: t.Kind().String()}
	switch v := t.(type) {
	case String:
		s.Bytes, s.Fixed = v.Bytes, v.Fixed
	case Number:
		s.Bit, s.Precision, s.Scale, s.Unsigned, s.Fixed = v.Bit, v.Precision, v.Scale, v.Unsigned, v.Fixed
	case DateTime:
		s.Fraction, s.WithTimeZone = v.Fraction, v.WithTimeZone
	case Time:
		s.Fraction, s.WithTimeZone = v.Fraction, v.WithTimeZone
	case Binary:
		s.Bytes, s.Fixed = v.Bytes, v.Fixed
	}
	return s
}

// Type rebuilds the semantic type described by s
func (s *Spec) Type() (Type, error) {
	kind, err := ParseKind(s.Kind)
	if err != nil {
		return nil, err
	}
	return New(kind, *s), nil
}

// New builds a type of the given kind taking parameters from s
func New(kind Kind, s Spec) Type {
	switch kind {
	case KindString:
		return String{Bytes: s.Bytes, Fixed: s.Fixed}
	case KindNumber:
		return Number{Bit: s.Bit, Precision: s.Precision, Scale: s.Scale, Unsigned: s.Unsigned, Fixed: s.Fixed}
	case KindBoolean:
		return Boolean{}
	case KindDate:
		return Date{}
	case KindDateTime:
		return DateTime{Fraction: s.Fraction, WithTimeZone: s.WithTimeZone}
	case KindTime:
		return Time{Fraction: s.Fraction, WithTimeZone: s.WithTimeZone}
	case KindYear:
		return Year{}
	case KindBinary:
		return Binary{Bytes: s.Bytes, Fixed: s.Fixed}
	case KindMap:
		return Map{}
	case KindArray:
		return Array{}
	default:
		return Raw{}
	}
}
