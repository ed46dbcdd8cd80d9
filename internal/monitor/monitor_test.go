package monitor

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
)

func TestInvokeSuccess(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	calls := 0
	err := m.Invoke(context.Background(), Call{PluginID: "memory", Operation: "batch_count"}, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestInvokeWrapsError(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	cause := stderrors.New("relation does not exist")

	var seen []*errors.Error
	m.OnError(func(_ Call, err *errors.Error) { seen = append(seen, err) })

	err := m.Invoke(context.Background(), Call{
		NodeID:    "src",
		PluginID:  "postgres",
		Operation: "batch_read",
		ErrorType: errors.ErrorTypeBatchRead,
	}, func(context.Context) error { return cause })

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeBatchRead))
	assert.ErrorIs(t, err, cause)

	var se *errors.Error
	require.True(t, errors.As(err, &se))
	for key, want := range map[string]string{"node_id": "src", "plugin_id": "postgres", "operation": "batch_read"} {
		v, ok := se.Detail(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, v)
	}
	assert.Len(t, seen, 1)
}

func TestInvokeRecoversPanic(t *testing.T) {
	m := New(nil)
	err := m.Invoke(context.Background(), Call{PluginID: "bad", Operation: "write_record"}, func(context.Context) error {
		panic("nil map")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}

func TestInvokeRetriesUntilSuccess(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	var attempts int32
	var failures int32
	m.OnError(func(Call, *errors.Error) { atomic.AddInt32(&failures, 1) })

	err := m.Invoke(context.Background(), Call{
		PluginID:   "mysql",
		Operation:  "stream_read",
		ErrorType:  errors.ErrorTypeStreamConnect,
		Retry:      true,
		RetryDelay: time.Millisecond,
	}, func(context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New(errors.ErrorTypeConnection, "connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts)
	assert.Equal(t, int32(2), failures)
}

func TestInvokeRetryExhausted(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	attempts := 0
	err := m.Invoke(context.Background(), Call{
		PluginID:    "mysql",
		Operation:   "stream_read",
		ErrorType:   errors.ErrorTypeStreamConnect,
		Retry:       true,
		RetryDelay:  time.Millisecond,
		MaxAttempts: 4,
	}, func(context.Context) error {
		attempts++
		return stderrors.New("binlog unavailable")
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStreamConnect))
}

func TestInvokeRetryMaxDuration(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	attempts := 0
	err := m.Invoke(context.Background(), Call{
		PluginID:    "mongodb",
		Operation:   "stream_read",
		Retry:       true,
		RetryDelay:  20 * time.Millisecond,
		MaxDuration: 50 * time.Millisecond,
	}, func(context.Context) error {
		attempts++
		return stderrors.New("not primary")
	})
	require.Error(t, err)
	assert.GreaterOrEqual(t, attempts, 2)
	assert.LessOrEqual(t, attempts, 3)
}

func TestInvokeStopsOnCancel(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- m.Invoke(ctx, Call{PluginID: "kafka", Operation: "stream_read", Retry: true, RetryDelay: time.Hour},
			func(context.Context) error {
				attempts++
				return stderrors.New("broker down")
			})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("invoke did not observe cancellation")
	}
}
