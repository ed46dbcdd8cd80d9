package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWrapPreservesCause(t *testing.T) {
	inner := New(ErrorTypeConnection, "dial failed")
	outer := Wrap(inner, ErrorTypeStreamConnect, "stream read failed")

	require.NotNil(t, outer)
	assert.Equal(t, ErrorTypeStreamConnect, outer.Type)
	assert.Same(t, inner, outer.Cause)
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "nothing"))
}

func TestIsTypeWalksChain(t *testing.T) {
	base := New(ErrorTypeUnknownType, "no entry for geometry")
	wrapped := fmt.Errorf("analyse: %w", Wrap(base, ErrorTypeSchemaMismatch, "field skipped"))

	assert.True(t, IsType(wrapped, ErrorTypeSchemaMismatch))
	assert.True(t, IsType(wrapped, ErrorTypeUnknownType))
	assert.False(t, IsType(wrapped, ErrorTypeBatchRead))
	assert.False(t, IsType(io.EOF, ErrorTypeInternal))
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, ErrorTypeWriteBatch, TypeOf(New(ErrorTypeWriteBatch, "x")))
	assert.Equal(t, ErrorTypeInternal, TypeOf(io.EOF))
}

func TestDetailLookup(t *testing.T) {
	inner := New(ErrorTypeQuery, "bad sql").WithDetail("table", "orders")
	outer := Wrap(inner, ErrorTypeBatchRead, "read failed").WithDetail("node_id", "n1")

	v, ok := outer.Detail("table")
	require.True(t, ok)
	assert.Equal(t, "orders", v)

	v, ok = outer.Detail("node_id")
	require.True(t, ok)
	assert.Equal(t, "n1", v)

	_, ok = outer.Detail("missing")
	assert.False(t, ok)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"stream connect", New(ErrorTypeStreamConnect, "x"), true},
		{"timeout", New(ErrorTypeTimeout, "x"), true},
		{"batch read", New(ErrorTypeBatchRead, "x"), false},
		{"capability", New(ErrorTypeCapabilityMissing, "x"), false},
		{"plain", io.EOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestFieldsCarryDetails(t *testing.T) {
	inner := New(ErrorTypeQuery, "bad sql").WithDetail("table", "orders").WithDetail("node_id", "inner")
	outer := Wrap(inner, ErrorTypeBatchRead, "read failed").WithDetail("node_id", "n1")

	fields := Fields(outer)
	byKey := map[string]zap.Field{}
	for _, f := range fields {
		byKey[f.Key] = f
	}
	assert.Equal(t, "batch_read", byKey["error_type"].String)
	assert.Equal(t, "n1", byKey["node_id"].String)
	assert.Equal(t, "orders", byKey["table"].String)
	assert.Len(t, fields, 4)

	assert.Len(t, Fields(io.EOF), 1)
}
