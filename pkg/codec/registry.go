package codec

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// ToValueFunc converts a concrete value into its abstract form
type ToValueFunc func(v interface{}) (interface{}, error)

// FromValueFunc converts an abstract value into what a connector writes
type FromValueFunc func(v Value) (interface{}, error)

// ToValueCodec turns one concrete Go type into an abstract value of Type
type ToValueCodec struct {
	Type    schema.Type
	Convert ToValueFunc
}

// FromValueCodec turns abstract values of one kind into a connector's native
// representation. Hint names the native data type the codec writes, if any.
type FromValueCodec struct {
	Hint    string
	Convert FromValueFunc
}

// Registry holds a connector's codecs. Each connector instance owns one.
type Registry struct {
	mu   sync.RWMutex
	to   map[reflect.Type]ToValueCodec
	from map[schema.Kind]FromValueCodec
}

// NewRegistry creates a registry with codecs for the built-in Go types
func NewRegistry() *Registry {
	r := &Registry{
		to:   map[reflect.Type]ToValueCodec{},
		from: map[schema.Kind]FromValueCodec{},
	}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	integer := func(bit int, unsigned bool) ToValueCodec {
		t := schema.Number{Bit: bit, Unsigned: unsigned}
		if unsigned {
			return ToValueCodec{Type: t, Convert: func(v interface{}) (interface{}, error) {
				return reflect.ValueOf(v).Uint(), nil
			}}
		}
		return ToValueCodec{Type: t, Convert: func(v interface{}) (interface{}, error) {
			return reflect.ValueOf(v).Int(), nil
		}}
	}
	r.RegisterToValue(int(0), integer(64, false))
	r.RegisterToValue(int8(0), integer(8, false))
	r.RegisterToValue(int16(0), integer(16, false))
	r.RegisterToValue(int32(0), integer(32, false))
	r.RegisterToValue(int64(0), integer(64, false))
	r.RegisterToValue(uint(0), integer(64, true))
	r.RegisterToValue(uint8(0), integer(8, true))
	r.RegisterToValue(uint16(0), integer(16, true))
	r.RegisterToValue(uint32(0), integer(32, true))
	r.RegisterToValue(uint64(0), integer(64, true))

	r.RegisterToValue(float32(0), ToValueCodec{
		Type:    schema.Number{Precision: 8},
		Convert: func(v interface{}) (interface{}, error) { return float64(v.(float32)), nil },
	})
	r.RegisterToValue(float64(0), ToValueCodec{
		Type:    schema.Number{Precision: 17},
		Convert: identity,
	})
	r.RegisterToValue(json.Number(""), ToValueCodec{
		Type:    schema.Number{Precision: 38, Scale: 18, Fixed: true},
		Convert: func(v interface{}) (interface{}, error) { return string(v.(json.Number)), nil },
	})
	r.RegisterToValue("", ToValueCodec{Type: schema.String{}, Convert: identity})
	r.RegisterToValue(false, ToValueCodec{Type: schema.Boolean{}, Convert: identity})
	r.RegisterToValue(time.Time{}, ToValueCodec{
		Type:    schema.DateTime{Fraction: 9, WithTimeZone: true},
		Convert: identity,
	})
	r.RegisterToValue([]byte(nil), ToValueCodec{Type: schema.Binary{}, Convert: identity})
	r.RegisterToValue(map[string]interface{}(nil), ToValueCodec{Type: schema.Map{}, Convert: identity})
	r.RegisterToValue([]interface{}(nil), ToValueCodec{Type: schema.Array{}, Convert: identity})
}

func identity(v interface{}) (interface{}, error) { return v, nil }

// RegisterToValue registers a codec for the Go type of sample
func (r *Registry) RegisterToValue(sample interface{}, c ToValueCodec) {
	r.RegisterToValueType(reflect.TypeOf(sample), c)
}

// RegisterToValueType registers a codec for t
func (r *Registry) RegisterToValueType(t reflect.Type, c ToValueCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to[t] = c
}

// RegisterFromValue registers the codec writing values of kind
func (r *Registry) RegisterFromValue(kind schema.Kind, c FromValueCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.from[kind] = c
}

// NativeHint returns the native data type registered for kind
func (r *Registry) NativeHint(kind schema.Kind) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.from[kind]
	if !ok || c.Hint == "" {
		return "", false
	}
	return c.Hint, true
}

// Hints returns every registered native hint keyed by kind
func (r *Registry) Hints() map[schema.Kind]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[schema.Kind]string{}
	for k, c := range r.from {
		if c.Hint != "" {
			out[k] = c.Hint
		}
	}
	return out
}

func (r *Registry) toCodec(t reflect.Type) (ToValueCodec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.to[t]
	return c, ok
}

// TypeOf returns the semantic type a concrete value converts to
func (r *Registry) TypeOf(v interface{}) (schema.Type, bool) {
	if v == nil {
		return nil, false
	}
	if val, ok := v.(Value); ok {
		if val.IsNull() {
			return nil, false
		}
		return schema.New(val.Kind, schema.Spec{}), true
	}
	c, ok := r.toCodec(reflect.TypeOf(v))
	if !ok {
		return nil, false
	}
	return c.Type, true
}

// ToValue converts v into an abstract value. Values without a codec become Raw.
// Abstract values pass through unchanged.
func (r *Registry) ToValue(v interface{}) (Value, error) {
	if val, ok := v.(Value); ok {
		return val, nil
	}
	if v == nil {
		return Value{Kind: schema.KindRaw}, nil
	}
	rt := reflect.TypeOf(v)
	c, ok := r.toCodec(rt)
	if !ok {
		return Value{Kind: schema.KindRaw, V: v, Origin: v, OriginType: rt.String()}, nil
	}
	converted, err := c.Convert(v)
	if err != nil {
		return Value{}, fmt.Errorf("convert %s: %w", rt, err)
	}
	return Value{Kind: c.Type.Kind(), V: converted, Origin: v, OriginType: rt.String()}, nil
}

// FromValue converts an abstract value with the codec registered for its kind.
// Without one, the canonical representation is returned.
func (r *Registry) FromValue(v Value) (interface{}, error) {
	if v.IsNull() {
		return nil, nil
	}
	r.mu.RLock()
	c, ok := r.from[v.Kind]
	r.mu.RUnlock()
	if !ok || c.Convert == nil {
		return v.V, nil
	}
	out, err := c.Convert(v)
	if err != nil {
		return nil, fmt.Errorf("convert %s value: %w", v.Kind, err)
	}
	return out, nil
}

// JSONText is a FromValueFunc writing maps and arrays as JSON text
func JSONText(v Value) (interface{}, error) {
	data, err := json.Marshal(v.V)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// BoolAsInt is a FromValueFunc writing booleans as 0 or 1
func BoolAsInt(v Value) (interface{}, error) {
	b, err := AsBool(v.V)
	if err != nil {
		return nil, err
	}
	if b {
		return int64(1), nil
	}
	return int64(0), nil
}

// TextValue is a FromValueFunc writing any value as text
func TextValue(v Value) (interface{}, error) {
	return AsString(v.V)
}
