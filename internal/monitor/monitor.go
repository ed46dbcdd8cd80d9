// Package monitor wraps plugin invocations with timing, error capture and
// fixed-delay retry.
package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/logger"
	"github.com/ajitpratap0/nebula-pdk/pkg/observability"
)

// Call describes one plugin invocation
type Call struct {
	NodeID    string
	PluginID  string
	Operation string
	// ErrorType tags failures of this call, ErrorTypeInternal when empty
	ErrorType errors.ErrorType

	Retry      bool
	RetryDelay time.Duration
	// MaxDuration bounds the retry window, 0 retries until ctx is done
	MaxDuration time.Duration
	// MaxAttempts bounds retries by count, 0 means unbounded
	MaxAttempts int
}

// ErrorListener receives every captured failure, including retried ones
type ErrorListener func(call Call, err *errors.Error)

// Monitor runs plugin calls
type Monitor struct {
	logger *zap.Logger

	mu        sync.RWMutex
	listeners []ErrorListener
}

// New creates a monitor logging through log
func New(log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{logger: log.With(zap.String("component", "invocation_monitor"))}
}

// OnError registers an error listener
func (m *Monitor) OnError(l ErrorListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Invoke runs fn, retrying it when the call allows. The returned error is
// always an *errors.Error carrying node_id, plugin_id and operation, with
// the plugin's error as its cause.
func (m *Monitor) Invoke(ctx context.Context, call Call, fn func(ctx context.Context) error) error {
	ctx = logger.ContextWith(ctx, "", call.NodeID, call.PluginID)
	started := time.Now()
	for attempt := 1; ; attempt++ {
		err := m.once(ctx, call, fn)
		if err == nil {
			return nil
		}

		wrapped := m.capture(call, err)
		if !call.Retry || ctx.Err() != nil {
			return wrapped
		}
		if call.MaxAttempts > 0 && attempt >= call.MaxAttempts {
			return wrapped.WithDetail("attempts", attempt)
		}
		if call.MaxDuration > 0 && time.Since(started)+call.RetryDelay > call.MaxDuration {
			return wrapped.WithDetail("attempts", attempt)
		}

		logger.FromContext(ctx, m.logger).Warn("retrying plugin call",
			zap.String("operation", call.Operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", call.RetryDelay),
			zap.Error(err))
		observability.RecordRetry(call.PluginID, call.Operation)

		timer := time.NewTimer(call.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return wrapped
		case <-timer.C:
		}
	}
}

// once runs a single attempt under a span, converting panics into errors
func (m *Monitor) once(ctx context.Context, call Call, fn func(ctx context.Context) error) (err error) {
	ctx, span := observability.StartSpan(ctx, call.PluginID, call.Operation)
	span.SetAttribute("node.id", call.NodeID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypeInternal, "plugin panicked: %v", r).
				WithDetail("stack", string(debug.Stack()))
		}
		errType := ""
		if err != nil {
			errType = string(m.errorType(call))
		}
		observability.RecordInvocation(call.PluginID, call.Operation, time.Since(start), err, errType)
		if err != nil && !errors.Is(err, context.Canceled) {
			observability.LoggerFor(ctx, m.logger).Debug("plugin call failed",
				zap.String("operation", call.Operation),
				zap.String("error_type", errType),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
		}
		span.Finish(err)
	}()

	return fn(ctx)
}

func (m *Monitor) errorType(call Call) errors.ErrorType {
	if call.ErrorType == "" {
		return errors.ErrorTypeInternal
	}
	return call.ErrorType
}

func (m *Monitor) capture(call Call, err error) *errors.Error {
	wrapped := errors.Wrap(err, m.errorType(call), fmt.Sprintf("%s failed", call.Operation)).
		WithDetail("node_id", call.NodeID).
		WithDetail("plugin_id", call.PluginID).
		WithDetail("operation", call.Operation)

	if errors.Is(err, context.Canceled) {
		return wrapped
	}

	m.mu.RLock()
	listeners := append([]ErrorListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(call, wrapped)
	}
	return wrapped
}
