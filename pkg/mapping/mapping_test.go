package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

const mysqlTypes = `
"char($byte)": {to: string, byte: 255, fixed: true}
"varchar($byte)": {to: string, byte: 65535, defaultByte: 255}
"text": {to: string, byte: 64k}
"longtext": {to: string, byte: 4g}
"tinyint[unsigned]": {to: number, bit: 8}
"int[unsigned]": {to: number, bit: 32}
"bigint[unsigned]": {to: number, bit: 64}
"decimal[($precision,$scale)][unsigned]": {to: number, fixed: true, precision: [1, 65], scale: [0, 30], defaultPrecision: 10}
"double": {to: number, precision: [1, 17], scale: [0, 17]}
"double precision": {to: number, precision: [1, 17], scale: [0, 17], queryOnly: true}
"datetime[($fraction)]": {to: datetime, fraction: [0, 6]}
"timestamp[($fraction)]": {to: datetime, fraction: [0, 6], withTimeZone: true}
"date": {to: date}
"json": {to: map}
`

func mustParse(t *testing.T, data string) *Mapping {
	t.Helper()
	m, err := Parse([]byte(data))
	require.NoError(t, err)
	return m
}

func TestParsePreservesOrder(t *testing.T) {
	m := mustParse(t, mysqlTypes)
	require.Equal(t, 14, m.Len())
	assert.Equal(t, "char($byte)", m.Rules()[0].Expr)
	assert.Equal(t, "json", m.Rules()[13].Expr)
	assert.Equal(t, int64(65536), m.Rules()[2].Byte.Max)
	assert.Equal(t, int64(4*1024*1024*1024), m.Rules()[3].Byte.Max)
}

func TestParseRejectsBadEntries(t *testing.T) {
	_, err := Parse([]byte(`"varchar($byte)": {to: geometry}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`"varchar[($byte)": {to: string}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`"decimal": {to: number, precision: [10, 1]}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`- not a map`))
	assert.Error(t, err)
}

func TestToSemanticType(t *testing.T) {
	m := mustParse(t, mysqlTypes)

	tests := []struct {
		expr string
		want schema.Type
	}{
		{"VARCHAR(100)", schema.String{Bytes: 100}},
		{"char(10)", schema.String{Bytes: 10, Fixed: true}},
		{"text", schema.String{Bytes: 65536}},
		{"int", schema.Number{Bit: 32}},
		{"int unsigned", schema.Number{Bit: 32, Unsigned: true}},
		{"decimal(10, 2)", schema.Number{Precision: 10, Scale: 2, Fixed: true}},
		{"decimal", schema.Number{Precision: 10, Fixed: true}},
		{"double", schema.Number{Precision: 17}},
		{"Double   Precision", schema.Number{Precision: 17}},
		{"datetime(3)", schema.DateTime{Fraction: 3}},
		{"timestamp", schema.DateTime{WithTimeZone: true}},
		{"date", schema.Date{}},
		{"json", schema.Map{}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := m.ToSemanticType(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := m.ToSemanticType(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestToSemanticTypeUnknown(t *testing.T) {
	m := mustParse(t, mysqlTypes)
	_, err := m.ToSemanticType("geometry")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnknownType))

	var empty *Mapping
	_, err = empty.ToSemanticType("int")
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnknownType))
}

func TestExactLiteralsWinOverPatterns(t *testing.T) {
	m := mustParse(t, `
"varchar[($byte)]": {to: string, byte: 100}
"varchar": {to: binary, byte: 10}
`)
	got, err := m.ToSemanticType("varchar")
	require.NoError(t, err)
	assert.Equal(t, schema.Binary{Bytes: 10}, got)

	got, err = m.ToSemanticType("varchar(20)")
	require.NoError(t, err)
	assert.Equal(t, schema.String{Bytes: 20}, got)
}

func TestFromSemanticType(t *testing.T) {
	m := mustParse(t, mysqlTypes)

	tests := []struct {
		name string
		in   schema.Type
		want string
	}{
		{"bounded string", schema.String{Bytes: 100}, "varchar(100)"},
		{"fixed string", schema.String{Bytes: 10, Fixed: true}, "char(10)"},
		{"large string", schema.String{Bytes: 100000}, "longtext"},
		{"unbounded string", schema.String{}, "longtext"},
		{"int32", schema.Number{Bit: 32}, "int"},
		{"uint32", schema.Number{Bit: 32, Unsigned: true}, "int unsigned"},
		{"uint64", schema.Number{Bit: 64, Unsigned: true}, "bigint unsigned"},
		{"int16", schema.Number{Bit: 16}, "int"},
		{"decimal", schema.Number{Precision: 10, Scale: 2, Fixed: true}, "decimal(10,2)"},
		{"integral decimal", schema.Number{Precision: 5, Fixed: true}, "decimal(5,0)"},
		{"float", schema.Number{Precision: 17}, "double"},
		{"datetime", schema.DateTime{Fraction: 3}, "datetime(3)"},
		{"datetime tz", schema.DateTime{Fraction: 3, WithTimeZone: true}, "timestamp(3)"},
		{"date", schema.Date{}, "date"},
		{"map", schema.Map{}, "json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, items, err := m.FromSemanticType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr)
			assert.Empty(t, items)
		})
	}
}

func TestRoundTripWithinRanges(t *testing.T) {
	m := mustParse(t, mysqlTypes)
	types := []schema.Type{
		schema.String{Bytes: 100},
		schema.String{Bytes: 10, Fixed: true},
		schema.Number{Bit: 32, Unsigned: true},
		schema.Number{Bit: 64},
		schema.Number{Precision: 10, Scale: 2, Fixed: true},
		schema.Number{Precision: 17},
		schema.DateTime{Fraction: 6, WithTimeZone: true},
		schema.DateTime{Fraction: 0},
		schema.Date{},
		schema.Map{},
	}
	for _, in := range types {
		t.Run(in.String(), func(t *testing.T) {
			expr, items, err := m.FromSemanticType(in)
			require.NoError(t, err)
			require.Empty(t, items)
			back, err := m.ToSemanticType(expr)
			require.NoError(t, err)
			assert.Equal(t, in, back, "via %s", expr)
		})
	}
}

func TestFromSemanticTypeWidens(t *testing.T) {
	m := mustParse(t, mysqlTypes)

	expr, items, err := m.FromSemanticType(schema.String{Bytes: 8 * 1024 * 1024 * 1024})
	require.NoError(t, err)
	assert.Equal(t, "longtext", expr)
	require.Len(t, items, 1)
	assert.Equal(t, CodeWidened, items[0].Code)
	assert.Equal(t, LevelWarn, items[0].Level)

	expr, items, err = m.FromSemanticType(schema.DateTime{Fraction: 9})
	require.NoError(t, err)
	assert.Equal(t, "datetime(6)", expr)
	require.Len(t, items, 1)
	assert.Equal(t, CodeWidened, items[0].Code)
}

func TestFromSemanticTypeFallsBackToOtherFamily(t *testing.T) {
	m := mustParse(t, mysqlTypes)

	tests := []struct {
		in   schema.Type
		want string
	}{
		{schema.Boolean{}, "tinyint"},
		{schema.Year{}, "int"},
		{schema.Array{}, "longtext"},
		{schema.Time{Fraction: 3}, "varchar(18)"},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			expr, items, err := m.FromSemanticType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr)
			require.NotEmpty(t, items)
			assert.Equal(t, CodeFamilyChange, items[0].Code)
		})
	}
}

func TestFromSemanticTypeNoCandidate(t *testing.T) {
	m := mustParse(t, `"int": {to: number, bit: 32}`)
	_, _, err := m.FromSemanticType(schema.Binary{Bytes: 10})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnknownType))
}

func TestQueryOnlyEntriesAreNotGenerated(t *testing.T) {
	m := mustParse(t, `
"double precision": {to: number, precision: [1, 17], queryOnly: true}
"float8": {to: number, precision: [1, 17]}
`)
	expr, _, err := m.FromSemanticType(schema.Number{Precision: 15})
	require.NoError(t, err)
	assert.Equal(t, "float8", expr)
}

func TestDefaultsAcceptSizeSuffixes(t *testing.T) {
	m := mustParse(t, `
"character varying[($byte)]": {to: string, byte: 10m, defaultByte: 10m}
"timestamp[($fraction)]": {to: datetime, fraction: [0, 6], defaultFraction: 6}
`)
	rules := m.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, int64(10*1024*1024), rules[0].DefaultByte)
	assert.Equal(t, 6, rules[1].DefaultFraction)

	_, err := Parse([]byte(`"varchar($byte)": {to: string, byte: 255, defaultByte: lots}`))
	require.Error(t, err)
}
