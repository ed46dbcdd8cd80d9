// Package pipeline runs data flows: directed graphs of source, processor and
// target nodes bound to loaded plugins, connected by bounded ordered queues.
//
// # Overview
//
// A flow is described in YAML (see ParseFlow) and built into a Graph. The
// Runtime instantiates one ConnectorNode per plugin-bound node and an Engine
// per flow. The engine runs one goroutine per node:
//   - SourceDriver discovers and analyses the table, reads the batch
//     snapshot, then follows the change stream
//   - ProcessorDriver forwards events, optionally removing fields
//   - TargetDriver provisions the table once and dispatches DDL and writes
//
// # Basic Usage
//
//	rt := pipeline.NewRuntime(reg, store, monitor.New(log), cfg.Flow, log)
//	graph, err := pipeline.LoadFlow("flows/orders.yaml")
//	if err != nil {
//	    return err
//	}
//	engine, err := rt.NewEngine(graph)
//	if err != nil {
//	    return err
//	}
//	if err := engine.Start(ctx); err != nil {
//	    return err
//	}
//	return engine.Wait()
package pipeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
)

// NodeKind is the role of a node
type NodeKind string

const (
	NodeSource    NodeKind = "source"
	NodeTarget    NodeKind = "target"
	NodeProcessor NodeKind = "processor"
)

// Pre-start actions of target nodes, applied in this order
const (
	ActionDropTable   = "drop_table"
	ActionClearTable  = "clear_table"
	ActionCreateTable = "create_table"
)

// NodeSpec describes one node of a flow
type NodeSpec struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name,omitempty"`
	Kind    NodeKind `yaml:"kind"`
	Plugin  string   `yaml:"plugin,omitempty"`
	Group   string   `yaml:"group,omitempty"`
	Version string   `yaml:"version,omitempty"`
	// Table is read by source nodes and written by target nodes
	Table      string       `yaml:"table,omitempty"`
	Connection core.DataMap `yaml:"connection,omitempty"`
	Config     core.DataMap `yaml:"config,omitempty"`
	// Exclude lists fields a processor removes
	Exclude []string `yaml:"exclude,omitempty"`
}

// Edge connects two nodes
type Edge struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// JobOptions tune a flow. Zero values take the runtime defaults.
type JobOptions struct {
	Actions            []string      `yaml:"actions,omitempty"`
	EventBatchSize     int           `yaml:"eventBatchSize,omitempty"`
	QueueSize          int           `yaml:"queueSize,omitempty"`
	SampleSize         int           `yaml:"sampleSize,omitempty"`
	CompleteOnBatchEnd bool          `yaml:"completeOnBatchEnd,omitempty"`
	StreamRetryDelay   time.Duration `yaml:"streamRetryDelay,omitempty"`
	StreamMaxDuration  time.Duration `yaml:"streamMaxDuration,omitempty"`
	StreamRate         float64       `yaml:"streamRate,omitempty"`
}

// Graph is a validated flow description
type Graph struct {
	ID      string      `yaml:"id"`
	Name    string      `yaml:"name,omitempty"`
	Nodes   []*NodeSpec `yaml:"nodes"`
	Edges   []Edge      `yaml:"edges"`
	Options JobOptions  `yaml:"options,omitempty"`

	index map[string]*NodeSpec
	order []string
}

// Validate checks node kinds, edge endpoints and acyclicity, and computes the
// topological order
func (g *Graph) Validate() error {
	if g.ID == "" {
		return errors.New(errors.ErrorTypeValidation, "flow id is required")
	}
	g.index = make(map[string]*NodeSpec, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return errors.New(errors.ErrorTypeValidation, "node id is required")
		}
		if _, dup := g.index[n.ID]; dup {
			return errors.Newf(errors.ErrorTypeValidation, "duplicate node %s", n.ID)
		}
		switch n.Kind {
		case NodeSource, NodeTarget:
			if n.Plugin == "" {
				return errors.Newf(errors.ErrorTypeValidation, "node %s needs a plugin", n.ID)
			}
			if n.Table == "" {
				return errors.Newf(errors.ErrorTypeValidation, "node %s needs a table", n.ID)
			}
		case NodeProcessor:
		default:
			return errors.Newf(errors.ErrorTypeValidation, "node %s has unknown kind %q", n.ID, n.Kind)
		}
		g.index[n.ID] = n
	}

	for _, e := range g.Edges {
		from, ok := g.index[e.From]
		if !ok {
			return errors.Newf(errors.ErrorTypeValidation, "edge from unknown node %s", e.From)
		}
		to, ok := g.index[e.To]
		if !ok {
			return errors.Newf(errors.ErrorTypeValidation, "edge to unknown node %s", e.To)
		}
		if from.Kind == NodeTarget {
			return errors.Newf(errors.ErrorTypeValidation, "target %s cannot have outgoing edges", from.ID)
		}
		if to.Kind == NodeSource {
			return errors.Newf(errors.ErrorTypeValidation, "source %s cannot have incoming edges", to.ID)
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return err
	}
	g.order = order
	return nil
}

// topoSort orders nodes so every edge points forward (Kahn's algorithm,
// ties broken by id)
func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		indegree[e.To]++
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var next []string
		for _, to := range g.Successors(id) {
			indegree[to]--
			if indegree[to] == 0 {
				next = append(next, to)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
	}
	if len(order) != len(g.Nodes) {
		return nil, errors.New(errors.ErrorTypeValidation, "flow graph has a cycle")
	}
	return order, nil
}

// Node returns the node with id
func (g *Graph) Node(id string) (*NodeSpec, bool) {
	n, ok := g.index[id]
	return n, ok
}

// Order returns node ids in topological order
func (g *Graph) Order() []string { return g.order }

// Successors returns the ids of the nodes id feeds, in edge order
func (g *Graph) Successors(id string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e.To)
		}
	}
	return out
}

// Predecessors returns the ids of the nodes feeding id, in edge order
func (g *Graph) Predecessors(id string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.To == id {
			out = append(out, e.From)
		}
	}
	return out
}

func (n *NodeSpec) String() string {
	return fmt.Sprintf("%s(%s:%s)", n.ID, n.Kind, n.Plugin)
}
