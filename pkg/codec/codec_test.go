package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

type point struct{ X, Y int }

func TestToValueBuiltins(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		in   interface{}
		kind schema.Kind
		want interface{}
	}{
		{"int", 42, schema.KindNumber, int64(42)},
		{"int8", int8(-3), schema.KindNumber, int64(-3)},
		{"uint16", uint16(7), schema.KindNumber, uint64(7)},
		{"float32", float32(1.5), schema.KindNumber, float64(1.5)},
		{"string", "abc", schema.KindString, "abc"},
		{"bool", true, schema.KindBoolean, true},
		{"time", now, schema.KindDateTime, now},
		{"bytes", []byte("x"), schema.KindBinary, []byte("x")},
		{"map", map[string]interface{}{"a": 1}, schema.KindMap, map[string]interface{}{"a": 1}},
		{"array", []interface{}{1, "b"}, schema.KindArray, []interface{}{1, "b"}},
		{"unknown", point{1, 2}, schema.KindRaw, point{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := r.ToValue(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.want, v.V)
			assert.Equal(t, tt.in, v.Origin)
		})
	}
}

func TestToValueNilAndPassthrough(t *testing.T) {
	r := NewRegistry()
	v, err := r.ToValue(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	in := Value{Kind: schema.KindString, V: "x"}
	v, err = r.ToValue(in)
	require.NoError(t, err)
	assert.Equal(t, in, v)
}

func TestFromValueUsesRegisteredCodec(t *testing.T) {
	r := NewRegistry()
	r.RegisterFromValue(schema.KindMap, FromValueCodec{Hint: "json", Convert: JSONText})
	r.RegisterFromValue(schema.KindBoolean, FromValueCodec{Hint: "tinyint(1)", Convert: BoolAsInt})

	out, err := r.FromValue(Value{Kind: schema.KindMap, V: map[string]interface{}{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)

	out, err = r.FromValue(Value{Kind: schema.KindBoolean, V: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out)

	out, err = r.FromValue(Value{Kind: schema.KindString, V: "plain"})
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	hint, ok := r.NativeHint(schema.KindMap)
	assert.True(t, ok)
	assert.Equal(t, "json", hint)
	_, ok = r.NativeHint(schema.KindString)
	assert.False(t, ok)
	assert.Len(t, r.Hints(), 2)
}

func TestFilterManagerRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.RegisterFromValue(schema.KindMap, FromValueCodec{Convert: JSONText})
	f := NewFilterManager(r)

	record := map[string]interface{}{
		"id":   int32(7),
		"name": "alice",
		"meta": map[string]interface{}{"k": "v"},
		"gone": nil,
	}
	require.NoError(t, f.TransformToValueMap(record))
	assert.Equal(t, Value{Kind: schema.KindNumber, V: int64(7), Origin: int32(7), OriginType: "int32"}, record["id"])
	assert.Nil(t, record["gone"])

	require.NoError(t, f.TransformFromValueMap(record))
	assert.Equal(t, int64(7), record["id"])
	assert.Equal(t, "alice", record["name"])
	assert.Equal(t, `{"k":"v"}`, record["meta"])
}

func TestInferSamplesIntegers(t *testing.T) {
	f := NewFilterManager(NewRegistry())

	var rows []map[string]interface{}
	for i := 0; i < 9; i++ {
		rows = append(rows, map[string]interface{}{"_id": i, "qty": i * 10})
	}
	rows = append(rows, map[string]interface{}{"_id": 9, "qty": nil})

	fields, conflicts := f.Infer(rows)
	assert.Empty(t, conflicts)
	require.Len(t, fields, 2)
	assert.Equal(t, "_id", fields[0].Name)
	assert.Equal(t, "qty", fields[1].Name)
	assert.Equal(t, 2, fields[1].Pos)
	assert.Equal(t, schema.Number{Bit: 64}, fields[1].Type)
	assert.True(t, fields[1].Type.(schema.Number).IsInteger())
}

func TestInferReportsConflictsAndAllNull(t *testing.T) {
	f := NewFilterManager(NewRegistry())
	rows := []map[string]interface{}{
		{"a": "x", "b": nil},
		{"a": 1, "b": nil},
	}
	fields, conflicts := f.Infer(rows)
	require.Len(t, fields, 2)
	assert.Equal(t, schema.String{}, fields[0].Type)
	assert.Equal(t, schema.Raw{}, fields[1].Type)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "a", conflicts[0].Field)
	assert.Equal(t, schema.Number{Bit: 64}, conflicts[0].Other)
}

func TestConversions(t *testing.T) {
	n, err := AsInt64("12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	_, err = AsInt64(1.5)
	assert.Error(t, err)

	f, err := AsFloat64(int16(3))
	require.NoError(t, err)
	assert.Equal(t, 3.0, f)

	b, err := AsBool("true")
	require.NoError(t, err)
	assert.True(t, b)

	ts, err := AsTime("2024-01-02 03:04:05")
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())

	s, err := AsString([]interface{}{1, "a"})
	require.NoError(t, err)
	assert.Equal(t, `[1,"a"]`, s)
}
