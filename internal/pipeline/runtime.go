package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/internal/monitor"
	"github.com/ajitpratap0/nebula-pdk/pkg/config"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-pdk/pkg/offset"
)

// Runtime holds what every flow shares: the plugin registry, the offset
// store, the invocation monitor and default options
type Runtime struct {
	Registry *registry.Registry
	Offsets  offset.Store
	Monitor  *monitor.Monitor
	Defaults config.FlowConfig
	Logger   *zap.Logger
}

// NewRuntime creates a runtime. A nil store keeps offsets in memory and a nil
// monitor or logger get no-op defaults.
func NewRuntime(reg *registry.Registry, store offset.Store, mon *monitor.Monitor, defaults config.FlowConfig, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	if store == nil {
		store = offset.NewMemoryStore()
	}
	if mon == nil {
		mon = monitor.New(log)
	}
	return &Runtime{Registry: reg, Offsets: store, Monitor: mon, Defaults: defaults, Logger: log}
}

// NewEngine builds an engine for g
func (rt *Runtime) NewEngine(g *Graph) (*Engine, error) {
	if g.index == nil {
		if err := g.Validate(); err != nil {
			return nil, err
		}
	}
	return newEngine(rt, g), nil
}

// Stream retry bounds used when neither the flow nor the runtime sets them
const (
	DefaultStreamRetryDelay  = 5 * time.Second
	DefaultStreamMaxDuration = 5 * time.Minute
)

// options fills the zero fields of a flow's options from the defaults
func (rt *Runtime) options(o JobOptions) JobOptions {
	d := rt.Defaults
	if o.EventBatchSize <= 0 {
		o.EventBatchSize = d.EventBatchSize
	}
	if o.EventBatchSize <= 0 {
		o.EventBatchSize = 1000
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.SampleSize <= 0 {
		o.SampleSize = d.SampleSize
	}
	if o.SampleSize <= 0 {
		o.SampleSize = 10
	}
	if o.StreamRetryDelay <= 0 {
		o.StreamRetryDelay = d.StreamRetryDelay
	}
	if o.StreamRetryDelay <= 0 {
		o.StreamRetryDelay = DefaultStreamRetryDelay
	}
	if o.StreamMaxDuration <= 0 {
		o.StreamMaxDuration = d.StreamMaxDuration
	}
	if o.StreamMaxDuration <= 0 {
		o.StreamMaxDuration = DefaultStreamMaxDuration
	}
	if o.StreamRate <= 0 {
		o.StreamRate = d.StreamRate
	}
	return o
}
