package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
)

const flowYAML = `
id: orders-sync
options:
  eventBatchSize: 5
  actions: [drop_table, create_table]
nodes:
  - id: dst
    kind: target
    plugin: memory
    table: orders
    connection: {database: "${PDK_TEST_TARGET_DB:-replica}"}
  - id: strip
    kind: processor
    exclude: [secret]
  - id: src
    kind: source
    plugin: memory
    table: orders
edges:
  - {from: src, to: strip}
  - {from: strip, to: dst}
`

func TestParseFlow(t *testing.T) {
	g, err := ParseFlow([]byte(flowYAML))
	require.NoError(t, err)

	assert.Equal(t, "orders-sync", g.ID)
	assert.Equal(t, []string{"src", "strip", "dst"}, g.Order())
	assert.Equal(t, 5, g.Options.EventBatchSize)
	assert.Equal(t, []string{ActionDropTable, ActionCreateTable}, g.Options.Actions)

	dst, ok := g.Node("dst")
	require.True(t, ok)
	assert.Equal(t, "replica", dst.Connection.String("database"))
	assert.Equal(t, []string{"strip"}, g.Predecessors("dst"))
	assert.Equal(t, []string{"strip"}, g.Successors("src"))
}

func TestParseFlowSubstitutesEnv(t *testing.T) {
	t.Setenv("PDK_TEST_TARGET_DB", "warehouse")
	g, err := ParseFlow([]byte(flowYAML))
	require.NoError(t, err)
	dst, _ := g.Node("dst")
	assert.Equal(t, "warehouse", dst.Connection.String("database"))
}

func TestGraphValidate(t *testing.T) {
	src := func() *NodeSpec { return &NodeSpec{ID: "src", Kind: NodeSource, Plugin: "memory", Table: "t"} }
	dst := func() *NodeSpec { return &NodeSpec{ID: "dst", Kind: NodeTarget, Plugin: "memory", Table: "t"} }
	proc := func(id string) *NodeSpec { return &NodeSpec{ID: id, Kind: NodeProcessor} }

	tests := []struct {
		name  string
		graph Graph
		err   string
	}{
		{
			name:  "missing id",
			graph: Graph{Nodes: []*NodeSpec{src()}},
			err:   "flow id is required",
		},
		{
			name:  "duplicate node",
			graph: Graph{ID: "f", Nodes: []*NodeSpec{src(), src()}},
			err:   "duplicate node src",
		},
		{
			name:  "source without table",
			graph: Graph{ID: "f", Nodes: []*NodeSpec{{ID: "src", Kind: NodeSource, Plugin: "memory"}}},
			err:   "needs a table",
		},
		{
			name:  "unknown kind",
			graph: Graph{ID: "f", Nodes: []*NodeSpec{{ID: "x", Kind: "sink"}}},
			err:   "unknown kind",
		},
		{
			name:  "unknown edge endpoint",
			graph: Graph{ID: "f", Nodes: []*NodeSpec{src()}, Edges: []Edge{{From: "src", To: "nowhere"}}},
			err:   "unknown node nowhere",
		},
		{
			name:  "edge out of a target",
			graph: Graph{ID: "f", Nodes: []*NodeSpec{src(), dst()}, Edges: []Edge{{From: "dst", To: "src"}}},
			err:   "target",
		},
		{
			name: "cycle",
			graph: Graph{ID: "f", Nodes: []*NodeSpec{src(), proc("a"), proc("b"), dst()}, Edges: []Edge{
				{From: "src", To: "a"}, {From: "a", To: "b"}, {From: "b", To: "a"}, {From: "b", To: "dst"},
			}},
			err: "cycle",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.graph.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestParseFlowRejectsBadYAML(t *testing.T) {
	_, err := ParseFlow([]byte("id: [unterminated"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
