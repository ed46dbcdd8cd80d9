package core

import (
	"strings"
	"time"

	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
)

// Compare orders two values of compatible kinds. Abstract values are
// compared by their canonical form. The second result is false when the
// values cannot be ordered against each other.
func Compare(a, b interface{}) (int, bool) {
	if v, ok := a.(codec.Value); ok {
		a = v.V
	}
	if v, ok := b.(codec.Value); ok {
		b = v.V
	}
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		return 0, false
	}

	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
		return 0, false
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}

	if xi, err := codec.AsInt64(a); err == nil {
		if yi, err := codec.AsInt64(b); err == nil && isNumber(a) && isNumber(b) {
			return cmpInt(xi, yi), true
		}
	}
	if !isNumber(a) || !isNumber(b) {
		return 0, false
	}
	xf, err1 := codec.AsFloat64(a)
	yf, err2 := codec.AsFloat64(b)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	switch {
	case xf < yf:
		return -1, true
	case xf > yf:
		return 1, true
	default:
		return 0, true
	}
}

func cmpInt(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}
