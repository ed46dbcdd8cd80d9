package kafka

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

const avroNamespace = "io.nebula.pdk"

type convertFunc func(interface{}) (interface{}, error)

type avroField struct {
	source   string
	name     string
	branch   string
	optional bool
	convert  convertFunc
}

// avroEncoder writes the envelopes of one table as Avro single object
// encoded messages. Key fields are required, every other field is optional
// because change images may be partial.
type avroEncoder struct {
	signature string
	record    string
	fields    []avroField
	codec     *goavro.Codec
}

// typeResolver returns the semantic type of a target field
type typeResolver func(*schema.Field) schema.Type

// specResolver resolves fields without a semantic type through the data
// types of spec. Unresolvable fields are written as JSON text.
func specResolver(spec *core.Specification) typeResolver {
	return func(f *schema.Field) schema.Type {
		if f.Type != nil {
			return f.Type
		}
		if spec != nil && spec.DataTypes != nil && f.DataType != "" {
			if t, err := spec.DataTypes.ToSemanticType(f.DataType); err == nil {
				return t
			}
		}
		return schema.Raw{}
	}
}

func avroSignature(table *schema.Table, resolve typeResolver) string {
	parts := make([]string, len(table.Fields))
	for i, f := range table.Fields {
		parts[i] = fmt.Sprintf("%s:%s:%t", f.Name, resolve(f), f.PrimaryKey)
	}
	return table.ID + "|" + strings.Join(parts, ",")
}

// avroName turns s into a valid Avro name
func avroName(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// avroType maps a semantic type onto an Avro type, the name of its union
// branch and the conversion of canonical values
func avroType(t schema.Type) (interface{}, string, convertFunc) {
	switch x := t.(type) {
	case schema.String:
		return "string", "string", asText
	case schema.Number:
		switch {
		case x.Bit > 0 && (x.Bit < 32 || (x.Bit == 32 && !x.Unsigned)):
			return "int", "int", asInt32
		case x.Bit > 0 && (x.Bit < 64 || !x.Unsigned):
			return "long", "long", asInt64
		case x.Bit > 0:
			return decimalType(20, 0)
		case x.Fixed:
			p := x.Precision
			if p <= 0 {
				p = 38
			}
			return decimalType(p, x.Scale)
		case x.Precision > 0 && x.Precision <= 6:
			return "float", "float", asFloat32
		default:
			return "double", "double", asFloat64
		}
	case schema.Boolean:
		return "boolean", "boolean", asBool
	case schema.Date:
		return map[string]interface{}{"type": "int", "logicalType": "date"}, "int.date", asTime
	case schema.Time:
		return map[string]interface{}{"type": "long", "logicalType": "time-micros"}, "long.time-micros", asTimeOfDay
	case schema.DateTime:
		if x.Fraction > 3 {
			return map[string]interface{}{"type": "long", "logicalType": "timestamp-micros"}, "long.timestamp-micros", asTime
		}
		return map[string]interface{}{"type": "long", "logicalType": "timestamp-millis"}, "long.timestamp-millis", asTime
	case schema.Year:
		return "int", "int", asInt32
	case schema.Binary:
		return "bytes", "bytes", asBytes
	default:
		return "string", "string", asJSONText
	}
}

func decimalType(precision, scale int) (interface{}, string, convertFunc) {
	return map[string]interface{}{
		"type":        "bytes",
		"logicalType": "decimal",
		"precision":   precision,
		"scale":       scale,
	}, "bytes.decimal", asRat
}

// newAvroEncoder derives the envelope schema of table and compiles it
func newAvroEncoder(table *schema.Table, resolve typeResolver) (*avroEncoder, error) {
	row := avroName(table.ID)
	e := &avroEncoder{
		signature: avroSignature(table, resolve),
		record:    avroNamespace + "." + row,
	}
	seen := map[string]string{}
	fields := make([]interface{}, 0, len(table.Fields))
	for _, f := range table.Fields {
		typ, branch, convert := avroType(resolve(f))
		af := avroField{source: f.Name, name: avroName(f.Name), branch: branch, optional: !f.PrimaryKey, convert: convert}
		if other, dup := seen[af.name]; dup {
			return nil, fmt.Errorf("fields %s and %s share the avro name %s", other, f.Name, af.name)
		}
		seen[af.name] = f.Name
		spec := map[string]interface{}{"name": af.name, "type": typ}
		if af.optional {
			spec["type"] = []interface{}{"null", typ}
			spec["default"] = nil
		}
		fields = append(fields, spec)
		e.fields = append(e.fields, af)
	}

	rowRecord := map[string]interface{}{"type": "record", "name": row, "namespace": avroNamespace, "fields": fields}
	envelope := map[string]interface{}{
		"type":      "record",
		"name":      row + "_envelope",
		"namespace": avroNamespace,
		"fields": []interface{}{
			map[string]interface{}{"name": "op", "type": "string"},
			map[string]interface{}{"name": "table", "type": "string"},
			map[string]interface{}{"name": "ts", "type": map[string]interface{}{"type": "long", "logicalType": "timestamp-millis"}},
			map[string]interface{}{"name": "before", "type": []interface{}{"null", rowRecord}, "default": nil},
			map[string]interface{}{"name": "after", "type": []interface{}{"null", e.record}, "default": nil},
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	e.codec, err = goavro.NewCodec(string(data))
	if err != nil {
		return nil, fmt.Errorf("compile avro schema of %s: %w", table.ID, err)
	}
	return e, nil
}

// Schema returns the canonical form of the envelope schema
func (e *avroEncoder) Schema() string {
	return e.codec.CanonicalSchema()
}

func (e *avroEncoder) row(image map[string]interface{}) (interface{}, error) {
	if image == nil {
		return nil, nil
	}
	out := make(map[string]interface{}, len(e.fields))
	for _, f := range e.fields {
		v, ok := image[f.source]
		if !ok || v == nil {
			if !f.optional {
				return nil, fmt.Errorf("key field %s is missing", f.source)
			}
			out[f.name] = nil
			continue
		}
		native, err := f.convert(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.source, err)
		}
		if f.optional {
			native = goavro.Union(f.branch, native)
		}
		out[f.name] = native
	}
	return goavro.Union(e.record, out), nil
}

// encode writes one envelope
func (e *avroEncoder) encode(env envelope) ([]byte, error) {
	before, err := e.row(env.Before)
	if err != nil {
		return nil, err
	}
	after, err := e.row(env.After)
	if err != nil {
		return nil, err
	}
	return e.codec.SingleFromNative(nil, map[string]interface{}{
		"op":     env.Op,
		"table":  env.Table,
		"ts":     time.UnixMilli(env.Ts).UTC(),
		"before": before,
		"after":  after,
	})
}

func asText(v interface{}) (interface{}, error) { return codec.AsString(v) }

func asInt32(v interface{}) (interface{}, error) {
	n, err := codec.AsInt64(v)
	if err != nil {
		return nil, err
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return nil, fmt.Errorf("%d overflows int", n)
	}
	return int32(n), nil
}

func asInt64(v interface{}) (interface{}, error) { return codec.AsInt64(v) }

func asFloat32(v interface{}) (interface{}, error) {
	f, err := codec.AsFloat64(v)
	return float32(f), err
}

func asFloat64(v interface{}) (interface{}, error) { return codec.AsFloat64(v) }

func asBool(v interface{}) (interface{}, error) { return codec.AsBool(v) }

func asTime(v interface{}) (interface{}, error) {
	t, err := codec.AsTime(v)
	if err != nil {
		return nil, err
	}
	return t.UTC(), nil
}

// asTimeOfDay converts a time of day to its offset from midnight
func asTimeOfDay(v interface{}) (interface{}, error) {
	if d, ok := v.(time.Duration); ok {
		return d, nil
	}
	t, err := codec.AsTime(v)
	if err != nil {
		return nil, err
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond()), nil
}

func asBytes(v interface{}) (interface{}, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("cannot convert %T to bytes", v)
}

func asRat(v interface{}) (interface{}, error) {
	r := new(big.Rat)
	switch n := v.(type) {
	case *big.Rat:
		return n, nil
	case float64:
		if r.SetFloat64(n) == nil {
			return nil, fmt.Errorf("%v is not a finite number", n)
		}
		return r, nil
	case float32:
		return asRat(float64(n))
	case uint64:
		v = strconv.FormatUint(n, 10)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		i, err := codec.AsInt64(n)
		if err != nil {
			return nil, err
		}
		return r.SetInt64(i), nil
	}
	s, err := codec.AsString(v)
	if err != nil {
		return nil, err
	}
	if _, ok := r.SetString(strings.TrimSpace(s)); !ok {
		return nil, fmt.Errorf("%q is not a decimal", s)
	}
	return r, nil
}

// asJSONText writes maps, arrays and unknown values as JSON text. Strings are
// taken to be JSON already.
func asJSONText(v interface{}) (interface{}, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
