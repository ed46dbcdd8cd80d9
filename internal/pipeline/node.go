package pipeline

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/internal/monitor"
	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// ConnectorNode is one running plugin instance bound to a node. It owns its
// own function table and codec registry.
type ConnectorNode struct {
	Spec    *NodeSpec
	Plugin  *registry.Plugin
	Context *core.ConnectorContext
	Fns     *core.Functions
	Codecs  *codec.Registry
	Filter  *codec.FilterManager

	conn    core.Connector
	monitor *monitor.Monitor
	logger  *zap.Logger

	alive     atomic.Bool
	destroyed atomic.Bool
}

// NewConnectorNode instantiates plugin for spec and registers its functions
func NewConnectorNode(plugin *registry.Plugin, spec *NodeSpec, mon *monitor.Monitor, log *zap.Logger) (n *ConnectorNode, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypePluginLoad, "plugin %s panicked while registering: %v", plugin.Key(), r)
		}
	}()

	conn := plugin.New()
	if conn == nil {
		return nil, errors.Newf(errors.ErrorTypePluginLoad, "plugin %s factory returned nil", plugin.Key())
	}
	fns := &core.Functions{}
	codecs := codec.NewRegistry()
	conn.RegisterCapabilities(fns, codecs)

	log = log.With(zap.String("node_id", spec.ID), zap.String("plugin_id", plugin.Spec.ID))
	return &ConnectorNode{
		Spec:    spec,
		Plugin:  plugin,
		Context: core.NewConnectorContext(plugin.Spec, spec.ID, spec.Connection, spec.Config, log),
		Fns:     fns,
		Codecs:  codecs,
		Filter:  codec.NewFilterManager(codecs),
		conn:    conn,
		monitor: mon,
		logger:  log,
	}, nil
}

// Connector returns the plugin instance
func (n *ConnectorNode) Connector() core.Connector { return n.conn }

// Alive reports whether the node is started
func (n *ConnectorNode) Alive() bool { return n.alive.Load() }

// Start initialises the plugin instance. Calling it on a started or
// destroyed node does nothing.
func (n *ConnectorNode) Start(ctx context.Context) error {
	if n.destroyed.Load() || !n.alive.CompareAndSwap(false, true) {
		return nil
	}
	err := n.Invoke(ctx, "init", errors.ErrorTypeConnection, func(ctx context.Context) error {
		return n.conn.Init(ctx, n.Context)
	})
	if err != nil {
		n.alive.Store(false)
	}
	return err
}

// Pause releases the instance's resources while keeping it re-startable
func (n *ConnectorNode) Pause(ctx context.Context) error {
	if !n.alive.CompareAndSwap(true, false) {
		return nil
	}
	p, ok := n.conn.(core.Pauser)
	if !ok {
		return nil
	}
	return n.Invoke(ctx, "pause", errors.ErrorTypeInternal, func(ctx context.Context) error {
		return p.Pause(ctx, n.Context)
	})
}

// Destroy releases the instance. Only the first call has an effect.
func (n *ConnectorNode) Destroy(ctx context.Context) error {
	if !n.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	n.alive.Store(false)
	return n.Invoke(ctx, "destroy", errors.ErrorTypeInternal, func(ctx context.Context) error {
		return n.conn.Destroy(ctx, n.Context)
	})
}

// Invoke runs one plugin operation through the monitor without retry
func (n *ConnectorNode) Invoke(ctx context.Context, operation string, errType errors.ErrorType, fn func(ctx context.Context) error) error {
	return n.monitor.Invoke(ctx, n.call(operation, errType), fn)
}

func (n *ConnectorNode) call(operation string, errType errors.ErrorType) monitor.Call {
	return monitor.Call{
		NodeID:    n.Spec.ID,
		PluginID:  n.Plugin.Spec.ID,
		Operation: operation,
		ErrorType: errType,
	}
}

// Require fails fast when the plugin lacks c
func (n *ConnectorNode) Require(c core.Capability) error {
	if err := n.Fns.Require(c, n.Plugin.Spec.ID); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCapabilityMissing, "node "+n.Spec.ID).WithDetail("node_id", n.Spec.ID)
	}
	return nil
}

// DiscoverTable returns the table named name, or nil when the plugin does
// not report it
func (n *ConnectorNode) DiscoverTable(ctx context.Context, name string) (*schema.Table, error) {
	var tables []*schema.Table
	err := n.Invoke(ctx, "discover_schema", errors.ErrorTypeQuery, func(ctx context.Context) error {
		var err error
		tables, err = n.conn.DiscoverSchema(ctx, n.Context, []string{name})
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		if t != nil && (t.ID == name || t.Name == name) {
			return t, nil
		}
	}
	return nil, nil
}
