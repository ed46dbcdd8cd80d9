package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

func TestFunctionsCapabilities(t *testing.T) {
	fns := &Functions{}
	assert.Empty(t, fns.Capabilities())

	fns.BatchRead = func(context.Context, *ConnectorContext, *schema.Table, Offset, int, Consumer) error { return nil }
	fns.DropTable = func(context.Context, *ConnectorContext, *models.DropTable) error { return nil }

	assert.True(t, fns.Has(CapBatchRead))
	assert.False(t, fns.Has(CapStreamRead))
	assert.Equal(t, []Capability{CapBatchRead, CapDropTable}, fns.Capabilities())

	require.NoError(t, fns.Require(CapBatchRead, "memory"))
	err := fns.Require(CapStreamRead, "memory")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapabilityMissing))
	assert.Contains(t, err.Error(), "stream_read")

	var nilFns *Functions
	assert.False(t, nilFns.Has(CapBatchRead))
}

func TestParseManifest(t *testing.T) {
	spec, err := ParseManifest([]byte(`
id: memory
group: io.pdk
version: "1.0"
name: Memory
implementation: memory
capabilities: [batch_read, write_record]
dataTypes:
  "varchar($byte)": {to: string, byte: 1024}
  "int": {to: number, bit: 64}
`))
	require.NoError(t, err)
	assert.Equal(t, "io.pdk:memory@1.0", spec.Key())
	assert.Equal(t, 2, spec.DataTypes.Len())

	_, err = ParseManifest([]byte(`name: nothing`))
	assert.Error(t, err)

	_, err = ParseManifest([]byte(`{id: a, group: b, version: c, implementation: d, capabilities: [teleport]}`))
	assert.Error(t, err)
}

func TestOffsetRoundTrip(t *testing.T) {
	type position struct {
		LSN  string `json:"lsn"`
		Rows int    `json:"rows"`
	}
	off, err := EncodeOffset(position{LSN: "0/16B3748", Rows: 5})
	require.NoError(t, err)
	assert.False(t, off.IsEmpty())

	var back position
	require.NoError(t, off.Decode(&back))
	assert.Equal(t, position{LSN: "0/16B3748", Rows: 5}, back)

	empty, err := EncodeOffset(nil)
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())
}

func TestAdvanceFilter(t *testing.T) {
	f := NewAdvanceFilter().
		WithMatch("kind", "a").
		WithOperator("n", OpGTE, 2).
		WithOperator("n", OpLT, int64(5))

	assert.True(t, f.Accepts(map[string]interface{}{"kind": "a", "n": 2}))
	assert.True(t, f.Accepts(map[string]interface{}{"kind": "a", "n": 4.0}))
	assert.False(t, f.Accepts(map[string]interface{}{"kind": "a", "n": 5}))
	assert.False(t, f.Accepts(map[string]interface{}{"kind": "b", "n": 3}))
	assert.False(t, f.Accepts(map[string]interface{}{"kind": "a"}))

	f.Projection = &Projection{Include: []string{"n"}}
	assert.Equal(t, map[string]interface{}{"n": 3}, f.Project(map[string]interface{}{"kind": "a", "n": 3}))
}

func TestCompare(t *testing.T) {
	now := time.Now()
	tests := []struct {
		a, b interface{}
		want int
		ok   bool
	}{
		{1, int64(1), 0, true},
		{int32(1), 2.5, -1, true},
		{"b", "a", 1, true},
		{now, now.Add(time.Second), -1, true},
		{true, false, 1, true},
		{"1", 1, 0, false},
		{nil, 1, 0, false},
	}
	for _, tt := range tests {
		got, ok := Compare(tt.a, tt.b)
		assert.Equal(t, tt.ok, ok, "%v vs %v", tt.a, tt.b)
		if ok {
			assert.Equal(t, tt.want, got, "%v vs %v", tt.a, tt.b)
		}
	}
}

func TestDataMap(t *testing.T) {
	m := DataMap{"port": float64(5432), "ssl": "true", "tables": []interface{}{"a", "b"}, "host": "db"}
	assert.Equal(t, 5432, m.Int("port", 0))
	assert.Equal(t, 7, m.Int("missing", 7))
	assert.True(t, m.Bool("ssl", false))
	assert.Equal(t, []string{"a", "b"}, m.Strings("tables"))
	assert.Equal(t, "db", m.String("host"))
	assert.Equal(t, "x", m.StringOr("user", "x"))
}
