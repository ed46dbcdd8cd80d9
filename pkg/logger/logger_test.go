package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestFromContextAddsIDs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := ContextWith(context.Background(), "flow-1", "node-a", "")
	FromContext(ctx, base).Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "flow-1", fields["flow_id"])
	assert.Equal(t, "node-a", fields["node_id"])
	_, hasPlugin := fields["plugin_id"]
	assert.False(t, hasPlugin)
}

func TestGetReturnsLogger(t *testing.T) {
	assert.NotNil(t, Get())
	assert.NotNil(t, With(zap.String("component", "test")))
}

func TestSetLevel(t *testing.T) {
	log := Get()
	require.NoError(t, SetLevel("warn"))
	assert.False(t, log.Core().Enabled(zap.InfoLevel))
	assert.True(t, log.Core().Enabled(zap.WarnLevel))

	require.NoError(t, SetLevel("debug"))
	assert.True(t, log.Core().Enabled(zap.DebugLevel))
	require.Error(t, SetLevel("loud"))
}
