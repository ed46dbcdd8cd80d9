package tdd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-pdk/internal/loader"
	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/connectors/memory"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
)

// withoutDrop is a memory connector that never registers drop_table
type withoutDrop struct{ *memory.Connector }

func (c withoutDrop) RegisterCapabilities(fns *core.Functions, codecs *codec.Registry) {
	c.Connector.RegisterCapabilities(fns, codecs)
	fns.DropTable = nil
}

func memoryPlugin(t *testing.T, factory core.Factory) *registry.Plugin {
	t.Helper()
	spec, err := core.ParseManifest(memory.Manifest())
	require.NoError(t, err)
	caps, err := loader.Probe(factory)
	require.NoError(t, err)
	return &registry.Plugin{Spec: spec.WithCapabilities(caps), Factory: factory, Path: "test"}
}

func TestBatchReadSuiteAgainstMemory(t *testing.T) {
	store := memory.NewStore()
	plugin := memoryPlugin(t, memory.Descriptor(store).Factory)

	suite, err := NewBatchReadSuite(plugin, core.DataMap{"database": "under_test"}, Options{Table: "people", Timeout: 10 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)

	report, err := suite.Run(context.Background())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, report.WriteText(&out))
	assert.True(t, report.Passed(), out.String())

	var names []string
	for _, c := range report.Checks {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "record_count")
	assert.Contains(t, names, "last_record")
	assert.Contains(t, names, "drop_table")
	// batch_offset is optional and missing from the memory connector
	assert.Contains(t, out.String(), "WARN")

	assert.Nil(t, store.Table("under_test", "people"))
}

func TestBatchReadSuiteRequiresDropTable(t *testing.T) {
	store := memory.NewStore()
	plugin := memoryPlugin(t, func() core.Connector { return withoutDrop{memory.New(store)} })

	suite, err := NewBatchReadSuite(plugin, core.DataMap{"database": "under_test"}, Options{Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	report, err := suite.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Passed())

	var drop *Check
	for i := range report.Checks {
		if report.Checks[i].Name == "capability:drop_table" {
			drop = &report.Checks[i]
		}
	}
	require.NotNil(t, drop)
	assert.False(t, drop.Passed)
	// nothing was written once a required capability is missing
	assert.Empty(t, store.Tables("under_test"))
}

func TestNewBatchReadSuiteRejectsReservedID(t *testing.T) {
	plugin := memoryPlugin(t, memory.Descriptor(memory.NewStore()).Factory)
	plugin.Spec.ID = helperPlugin
	_, err := NewBatchReadSuite(plugin, nil, Options{}, nil)
	require.Error(t, err)
}

func TestReportText(t *testing.T) {
	r := &Report{Suite: "batch_read", Plugin: "p"}
	r.add(Check{Name: "a", Passed: true, Message: "fine"})
	r.warn("b", "optional %s", "missing")
	assert.True(t, r.Passed())
	r.step("c", func() (string, error) { return "", assert.AnError })
	assert.False(t, r.Passed())

	var out bytes.Buffer
	require.NoError(t, r.WriteText(&out))
	assert.Contains(t, out.String(), "[PASS] a")
	assert.Contains(t, out.String(), "[WARN] b")
	assert.Contains(t, out.String(), "[FAIL] c")
}
