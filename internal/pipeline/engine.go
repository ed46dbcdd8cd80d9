package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/logger"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/observability"
	"github.com/ajitpratap0/nebula-pdk/pkg/offset"
)

type driver interface {
	Run(ctx context.Context) error
}

// Engine runs one flow
type Engine struct {
	rt     *Runtime
	graph  *Graph
	opts   JobOptions
	logger *zap.Logger

	state     flowMachine
	listeners listeners

	nodes      map[string]*ConnectorNode
	sources    map[string]*SourceDriver
	targets    map[string]*TargetDriver
	processors map[string]*ProcessorDriver
	inputs     map[string]*Queue

	ctx    context.Context
	cancel context.CancelFunc
	// run is the worker group context, cancelled as soon as any node fails
	run context.Context
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newEngine(rt *Runtime, g *Graph) *Engine {
	e := &Engine{
		rt:         rt,
		graph:      g,
		opts:       rt.options(g.Options),
		logger:     rt.Logger.With(zap.String("component", "flow_engine"), zap.String("flow_id", g.ID)),
		nodes:      make(map[string]*ConnectorNode),
		sources:    make(map[string]*SourceDriver),
		targets:    make(map[string]*TargetDriver),
		processors: make(map[string]*ProcessorDriver),
		inputs:     make(map[string]*Queue),
		done:       make(chan struct{}),
	}
	e.state.state = FlowBuilt
	return e
}

// ID returns the flow id
func (e *Engine) ID() string { return e.graph.ID }

// State returns the current flow state
func (e *Engine) State() FlowState { return e.state.get() }

// AddListener registers a state listener
func (e *Engine) AddListener(l Listener) { e.listeners.add(l) }

// Node returns the plugin instance of a source or target node
func (e *Engine) Node(id string) (*ConnectorNode, bool) {
	n, ok := e.nodes[id]
	return n, ok
}

// Options returns the effective job options
func (e *Engine) Options() JobOptions { return e.opts }

func (e *Engine) transition(to FlowState) bool {
	from, ok := e.state.move(to)
	if !ok {
		return false
	}
	e.logger.Info("flow state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	observability.SetFlowState(e.graph.ID, string(to), flowStates)
	e.listeners.flow(e.graph.ID, from, to)
	return true
}

// Start initialises every node and starts the workers. The flow keeps
// running after Start returns until its sources complete, a node fails or
// Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if !e.transition(FlowInitializing) {
		return errors.Newf(errors.ErrorTypeConflict, "flow %s cannot start from state %s", e.graph.ID, e.State())
	}
	ctx = logger.ContextWith(ctx, e.graph.ID, "", "")

	if err := e.build(ctx); err != nil {
		e.logger.Error("flow initialisation failed", errors.Fields(err)...)
		e.transition(FlowStopping)
		e.destroy()
		e.transition(FlowStopped)
		e.finish(err)
		return err
	}
	e.transition(FlowInitialized)

	e.ctx, e.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(e.ctx)
	e.run = gctx
	for _, id := range e.graph.Order() {
		d := e.driver(id)
		nodeID := id
		g.Go(func() error {
			err := d.Run(gctx)
			if err != nil && gctx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				e.logger.Error("node failed", append(errors.Fields(err), zap.String("failed_node", nodeID))...)
			}
			return err
		})
	}
	e.transition(FlowRunning)

	go func() {
		err := g.Wait()
		e.transition(FlowStopping)
		e.destroy()
		e.transition(FlowStopped)
		e.cancel()
		e.finish(err)
	}()
	return nil
}

func (e *Engine) driver(id string) driver {
	if d, ok := e.sources[id]; ok {
		return d
	}
	if d, ok := e.targets[id]; ok {
		return d
	}
	return e.processors[id]
}

// build instantiates nodes, queues and drivers
func (e *Engine) build(ctx context.Context) error {
	for _, id := range e.graph.Order() {
		spec, _ := e.graph.Node(id)
		if spec.Kind == NodeProcessor {
			continue
		}
		plugin, err := e.rt.Registry.Find(spec.Plugin, spec.Group, spec.Version)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "resolve plugin").WithDetail("node_id", id)
		}
		node, err := NewConnectorNode(plugin, spec, e.rt.Monitor, e.logger)
		if err != nil {
			return err
		}
		e.nodes[id] = node
		if err := node.Start(ctx); err != nil {
			return err
		}
	}

	for _, id := range e.graph.Order() {
		if preds := e.graph.Predecessors(id); len(preds) > 0 {
			e.inputs[id] = NewQueue(e.opts.QueueSize, len(preds))
		}
	}
	outputs := func(id string) []*Queue {
		var out []*Queue
		for _, to := range e.graph.Successors(id) {
			out = append(out, e.inputs[to])
		}
		return out
	}

	for _, id := range e.graph.Order() {
		spec, _ := e.graph.Node(id)
		switch spec.Kind {
		case NodeSource:
			e.sources[id] = newSourceDriver(e, e.nodes[id], outputs(id))
		case NodeTarget:
			e.targets[id] = newTargetDriver(e, e.nodes[id], e.inputs[id])
		case NodeProcessor:
			e.processors[id] = newProcessorDriver(e, spec, e.inputs[id], outputs(id))
		}
	}
	return nil
}

// destroy releases every plugin instance
func (e *Engine) destroy() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for id, n := range e.nodes {
		if err := n.Destroy(ctx); err != nil {
			e.logger.Warn("failed to destroy node", zap.String("node_id", id), zap.Error(err))
		}
	}
}

func (e *Engine) finish(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
	close(e.done)
}

// Done is closed once the flow stopped
func (e *Engine) Done() <-chan struct{} { return e.done }

// Wait blocks until the flow stopped and returns the error that stopped it
func (e *Engine) Wait() error {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Stop cancels the flow and waits for the workers to exit, or for ctx
func (e *Engine) Stop(ctx context.Context) error {
	if e.State() == FlowBuilt {
		if e.transition(FlowStopped) {
			e.finish(nil)
		}
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendExternalEvent injects an event at a source node. It is ordered after
// every batch the source offered before it.
func (e *Engine) SendExternalEvent(ctx context.Context, nodeID string, ev models.Event) error {
	d, ok := e.sources[nodeID]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "source node %s not found", nodeID)
	}
	if e.State() != FlowRunning {
		return errors.Newf(errors.ErrorTypeConflict, "flow %s is %s", e.graph.ID, e.State())
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.run, cancel)
	defer stop()
	return d.SendExternal(ctx, ev)
}

// storeKey builds offset keys for a node of this flow
func (e *Engine) storeKey(nodeID, name string) offset.Key {
	return offset.Key{FlowID: e.graph.ID, NodeID: nodeID, Name: name}
}
