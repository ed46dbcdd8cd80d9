// Package codec converts concrete connector values to and from abstract
// values tagged with a semantic kind.
package codec

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Value is an abstract value. V holds the canonical Go representation for Kind:
//
//	String    string
//	Number    int64, uint64, float64 or a decimal string
//	Boolean   bool
//	Date, DateTime, Time  time.Time
//	Year      int
//	Binary    []byte
//	Map       map[string]interface{}
//	Array     []interface{}
//	Raw       anything
//
// Origin keeps the value as the source produced it, OriginType its Go type name.
type Value struct {
	Kind       schema.Kind
	V          interface{}
	Origin     interface{}
	OriginType string
}

// IsNull reports whether the value carries nothing
func (v Value) IsNull() bool { return v.V == nil }

func (v Value) String() string {
	return fmt.Sprintf("%s(%v)", v.Kind, v.V)
}

// AsInt64 converts numeric representations to int64
func AsInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not integral", n)
		}
		return int64(n), nil
	case float32:
		return AsInt64(float64(n))
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case json.Number:
		return n.Int64()
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

// AsFloat64 converts numeric representations to float64
func AsFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	case []byte:
		return strconv.ParseFloat(string(n), 64)
	case json.Number:
		return n.Float64()
	case uint64:
		return float64(n), nil
	default:
		i, err := AsInt64(v)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %T to float64", v)
		}
		return float64(i), nil
	}
}

// AsString renders a value as text. Maps and arrays become JSON.
func AsString(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case time.Time:
		return s.Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return s.String(), nil
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(s)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case nil:
		return "", nil
	default:
		return fmt.Sprint(v), nil
	}
}

// AsBool converts booleans, numbers and their text forms
func AsBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	case []byte:
		return strconv.ParseBool(string(b))
	default:
		n, err := AsInt64(v)
		if err != nil {
			return false, fmt.Errorf("cannot convert %T to bool", v)
		}
		return n != 0, nil
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	"15:04:05.999999999",
}

// AsTime converts times, unix milliseconds and common text layouts
func AsTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return *t, nil
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised time %q", t)
	case []byte:
		return AsTime(string(t))
	default:
		ms, err := AsInt64(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot convert %T to time", v)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
}
