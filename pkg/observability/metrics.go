package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pdk",
			Subsystem: "plugin",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of plugin capability invocations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 60.0},
		},
		[]string{"plugin_id", "operation", "status"},
	)

	invocationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdk",
			Subsystem: "plugin",
			Name:      "errors_total",
			Help:      "Total number of failed plugin invocations",
		},
		[]string{"plugin_id", "operation", "error_type"},
	)

	invocationRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdk",
			Subsystem: "plugin",
			Name:      "retries_total",
			Help:      "Total number of retried plugin invocations",
		},
		[]string{"plugin_id", "operation"},
	)

	nodeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdk",
			Subsystem: "node",
			Name:      "events_total",
			Help:      "Total number of events handled by a node",
		},
		[]string{"flow_id", "node_id", "direction"},
	)

	nodeBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pdk",
			Subsystem: "node",
			Name:      "batch_size",
			Help:      "Size of event batches handled by a node",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		},
		[]string{"flow_id", "node_id"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pdk",
			Subsystem: "node",
			Name:      "queue_depth",
			Help:      "Number of batches waiting in a node's input queue",
		},
		[]string{"flow_id", "node_id"},
	)

	pluginsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pdk",
			Subsystem: "loader",
			Name:      "plugins_loaded",
			Help:      "Number of plugins currently registered",
		},
	)

	flowState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pdk",
			Subsystem: "flow",
			Name:      "state",
			Help:      "Current flow state, 1 for the active state label",
		},
		[]string{"flow_id", "state"},
	)
)

// RecordInvocation records the outcome of one plugin invocation
func RecordInvocation(pluginID, operation string, duration time.Duration, err error, errorType string) {
	invocationDuration.WithLabelValues(pluginID, operation, getStatus(err)).Observe(duration.Seconds())
	if err != nil {
		invocationErrors.WithLabelValues(pluginID, operation, errorType).Inc()
	}
}

// RecordRetry increments the retry counter of an operation
func RecordRetry(pluginID, operation string) {
	invocationRetries.WithLabelValues(pluginID, operation).Inc()
}

// SetPluginsLoaded publishes the registry size
func SetPluginsLoaded(n int) {
	pluginsLoaded.Set(float64(n))
}

// SetFlowState marks state as the current state of a flow
func SetFlowState(flowID string, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		flowState.WithLabelValues(flowID, s).Set(v)
	}
}

// NodeMetrics records per-node event metrics
type NodeMetrics struct {
	flowID string
	nodeID string

	mu     sync.RWMutex
	counts map[string]prometheus.Counter
}

// NewNodeMetrics creates the metrics handle of a node
func NewNodeMetrics(flowID, nodeID string) *NodeMetrics {
	return &NodeMetrics{flowID: flowID, nodeID: nodeID, counts: make(map[string]prometheus.Counter)}
}

// RecordEvents counts events moving in direction (in or out)
func (nm *NodeMetrics) RecordEvents(direction string, n int) {
	if n <= 0 {
		return
	}
	nm.counter(direction).Add(float64(n))
	nodeBatchSize.WithLabelValues(nm.flowID, nm.nodeID).Observe(float64(n))
}

// SetQueueDepth publishes the depth of the node's input queue
func (nm *NodeMetrics) SetQueueDepth(n int) {
	queueDepth.WithLabelValues(nm.flowID, nm.nodeID).Set(float64(n))
}

// counter caches the counter per direction
func (nm *NodeMetrics) counter(direction string) prometheus.Counter {
	nm.mu.RLock()
	c, ok := nm.counts[direction]
	nm.mu.RUnlock()
	if ok {
		return c
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()
	if c, ok := nm.counts[direction]; ok {
		return c
	}
	c = nodeEvents.WithLabelValues(nm.flowID, nm.nodeID, direction)
	nm.counts[direction] = c
	return c
}

// ServeMetrics exposes the default registry on addr until ctx is done
func ServeMetrics(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// getStatus returns status string for metrics
func getStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
