package schema

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableAddKeepsOrderAndUniqueness(t *testing.T) {
	table := NewTable("orders")
	table.Add(NewField("id", "int").AsPrimaryKey(1))
	table.Add(NewField("name", "varchar(20)"))
	table.Add(NewField("amount", "decimal(10,2)"))

	replaced := NewField("name", "varchar(64)")
	table.Add(replaced)

	assert.Equal(t, []string{"id", "name", "amount"}, table.FieldNames())
	assert.Equal(t, 2, table.Field("name").Pos)
	assert.Equal(t, "varchar(64)", table.Field("name").DataType)

	assert.True(t, table.Remove("amount"))
	assert.False(t, table.Remove("amount"))
	assert.Equal(t, []string{"id", "name"}, table.FieldNames())
}

func TestPrimaryKeysOrderedByPosition(t *testing.T) {
	table := NewTable("t")
	table.Add(NewField("b", "int").AsPrimaryKey(2))
	table.Add(NewField("x", "int"))
	table.Add(NewField("a", "int").AsPrimaryKey(1))

	assert.Equal(t, []string{"a", "b"}, table.PrimaryKeys())
}

func TestFieldJSONCarriesSemanticType(t *testing.T) {
	table := NewTable("t")
	table.Add(NewField("price", "decimal(10,2)").WithType(Number{Precision: 10, Scale: 2, Fixed: true}))
	table.Add(NewField("at", "timestamp(3)").WithType(DateTime{Fraction: 3, WithTimeZone: true}))

	data, err := json.Marshal(table)
	require.NoError(t, err)

	var decoded Table
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Fields, 2)
	assert.Equal(t, Number{Precision: 10, Scale: 2, Fixed: true}, decoded.Fields[0].Type)
	assert.Equal(t, DateTime{Fraction: 3, WithTimeZone: true}, decoded.Fields[1].Type)
	assert.Equal(t, "timestamp(3)", decoded.Fields[1].DataType)
}

func TestFieldJSONKeepsFlags(t *testing.T) {
	table := NewTable("orders")
	table.Add(NewField("id", "bigint").AsPrimaryKey(1).WithType(Number{Bit: 64}))
	table.Add(NewField("note", "text"))
	table.Fields[1].Comment = "free text"

	data, err := json.Marshal(table)
	require.NoError(t, err)
	var decoded Table
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, []string{"id"}, decoded.PrimaryKeys())
	assert.False(t, decoded.Field("id").Nullable)
	assert.True(t, decoded.Field("note").Nullable)
	assert.Nil(t, decoded.Field("note").Type)
	assert.Equal(t, "free text", decoded.Field("note").Comment)
	assert.Equal(t, 2, decoded.Field("note").Pos)
}

func TestCloneIsDeep(t *testing.T) {
	table := NewTable("t")
	table.Add(NewField("id", "int"))
	table.Indexes = append(table.Indexes, &Index{Name: "pk", Fields: []string{"id"}, Primary: true})

	c := table.Clone()
	c.Field("id").DataType = "bigint"
	c.Indexes[0].Fields[0] = "other"

	assert.Equal(t, "int", table.Field("id").DataType)
	assert.Equal(t, "id", table.Indexes[0].Fields[0])
}

func TestIntegerDigits(t *testing.T) {
	tests := []struct {
		bit      int
		unsigned bool
		want     int
	}{
		{8, false, 3},
		{8, true, 3},
		{16, false, 5},
		{32, false, 10},
		{64, false, 19},
		{64, true, 20},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IntegerDigits(tt.bit, tt.unsigned), "bit=%d unsigned=%v", tt.bit, tt.unsigned)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("TapString")
	require.NoError(t, err)
	assert.Equal(t, KindString, k)

	k, err = ParseKind("datetime")
	require.NoError(t, err)
	assert.Equal(t, KindDateTime, k)

	_, err = ParseKind("geometry")
	assert.Error(t, err)
}

func TestNumberIsInteger(t *testing.T) {
	assert.True(t, Number{Bit: 32}.IsInteger())
	assert.True(t, Number{Precision: 10, Fixed: true}.IsInteger())
	assert.False(t, Number{Precision: 10, Scale: 2, Fixed: true}.IsInteger())
	assert.False(t, Number{Precision: 17}.IsInteger())
}
