package tdd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/internal/loader"
	"github.com/ajitpratap0/nebula-pdk/internal/monitor"
	"github.com/ajitpratap0/nebula-pdk/internal/pipeline"
	"github.com/ajitpratap0/nebula-pdk/pkg/config"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/connectors/memory"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/offset"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

const (
	helperPlugin = "pdk-tdd"
	helperGroup  = "io.nebula.pdk.tdd"
	helperTable  = "tdd_table"

	nodeOrigin     = "origin"
	nodeTestTarget = "test_target"
	nodeTestSource = "test_source"
	nodeVerify     = "verify"
)

// Options tune the batch read suite
type Options struct {
	// Table is created in the plugin under test, a random name when empty
	Table     string
	Records   int
	BatchSize int
	// Timeout bounds each flow of the suite
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Table == "" {
		o.Table = "pdk_tdd_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	}
	if o.Records <= 0 {
		o.Records = 11
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	return o
}

// requirement is a capability the suite needs from the plugin under test
type requirement struct {
	cap      core.Capability
	optional bool
	reason   string
}

var batchReadRequirements = []requirement{
	{core.CapWriteRecord, false, "write_record is needed to seed the table read back by batch_read"},
	{core.CapBatchRead, false, "batch_read reads the initial records"},
	{core.CapDropTable, false, "drop_table removes the table created by the suite"},
	{core.CapBatchCount, true, "batch_count reports the size of the initial records"},
	{core.CapBatchOffset, true, "batch_offset lets the engine checkpoint when batch_read hands out no offsets"},
	{core.CapQueryByAdvanceFilter, true, "query_by_advance_filter samples schema free tables"},
}

// BatchReadSuite writes records into the plugin under test, reads them back
// with batch_read, then drops the table and checks it is gone
type BatchReadSuite struct {
	plugin     *registry.Plugin
	connection core.DataMap
	opts       Options
	logger     *zap.Logger

	store   *memory.Store
	rt      *pipeline.Runtime
	sent    []map[string]interface{}
	flowTag string
}

// NewBatchReadSuite prepares a run against plugin using connection
func NewBatchReadSuite(plugin *registry.Plugin, connection core.DataMap, opts Options, log *zap.Logger) (*BatchReadSuite, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if plugin.Spec.ID == helperPlugin {
		return nil, errors.Newf(errors.ErrorTypeValidation, "plugin id %s is reserved by the suite", helperPlugin)
	}
	s := &BatchReadSuite{
		plugin:     plugin,
		connection: connection,
		opts:       opts.withDefaults(),
		logger:     log.With(zap.String("component", "tdd"), zap.String("plugin", plugin.Key())),
		store:      memory.NewStore(),
		flowTag:    uuid.NewString()[:8],
	}

	reg := registry.NewRegistry()
	reg.Put(plugin)
	helper, err := s.helper()
	if err != nil {
		return nil, err
	}
	reg.Put(helper)
	s.rt = pipeline.NewRuntime(reg, offset.NewMemoryStore(), monitor.New(log), config.FlowConfig{}, log)
	return s, nil
}

// helper is the memory plugin on the other end of the flows
func (s *BatchReadSuite) helper() (*registry.Plugin, error) {
	spec, err := core.ParseManifest(memory.Manifest())
	if err != nil {
		return nil, err
	}
	spec.ID, spec.Group = helperPlugin, helperGroup
	factory := memory.Descriptor(s.store).Factory
	caps, err := loader.Probe(factory)
	if err != nil {
		return nil, err
	}
	return &registry.Plugin{Spec: spec.WithCapabilities(caps), Factory: factory, Path: "tdd:" + helperPlugin, LoadedAt: time.Now()}, nil
}

// Run executes the suite. The error is set only when the suite itself could
// not run; plugin failures are reported as failed checks.
func (s *BatchReadSuite) Run(ctx context.Context) (*Report, error) {
	r := &Report{Suite: "batch_read", Plugin: s.plugin.Key()}
	if !s.checkCapabilities(r) {
		return r, nil
	}
	if err := s.seedOrigin(); err != nil {
		return nil, err
	}

	_ = r.step("write_records", func() (string, error) {
		return fmt.Sprintf("%d records written to %s", len(s.sent), s.opts.Table), s.writeOrigin(ctx)
	}) &&
		r.step("batch_read", func() (string, error) {
			return fmt.Sprintf("read with batch size %d", s.opts.BatchSize), s.readBack(ctx)
		}) &&
		r.step("record_count", s.verifyCount) &&
		r.step("last_record", s.verifyLast) &&
		r.step("drop_table", func() (string, error) {
			return "table " + s.opts.Table + " dropped and no longer discovered", s.dropAndDiscover(ctx)
		})
	return r, nil
}

func (s *BatchReadSuite) checkCapabilities(r *Report) bool {
	ok := true
	for _, req := range batchReadRequirements {
		name := "capability:" + req.cap.String()
		switch {
		case s.plugin.Spec.Has(req.cap):
			r.add(Check{Name: name, Passed: true})
		case req.optional:
			r.warn(name, "not registered: %s", req.reason)
		default:
			r.add(Check{Name: name, Message: "not registered: " + req.reason})
			ok = false
		}
	}
	return ok
}

// record builds the i-th record sent through the plugin under test
func record(i int) map[string]interface{} {
	return map[string]interface{}{
		"id":      fmt.Sprintf("id_%d", i),
		"name":    fmt.Sprintf("record %d", i),
		"count":   int64(i * 7),
		"price":   float64(i) + 0.25,
		"active":  i%2 == 0,
		"created": time.Date(2022, 1, 1+i, 12, 30, 0, 0, time.UTC),
	}
}

func originTable() *schema.Table {
	t := schema.NewTable(helperTable)
	t.Add(schema.NewField("id", "string(64)").AsPrimaryKey(1))
	t.Add(schema.NewField("name", "string(255)"))
	t.Add(schema.NewField("count", "int64"))
	t.Add(schema.NewField("price", "float64"))
	t.Add(schema.NewField("active", "bool"))
	t.Add(schema.NewField("created", "timestamp"))
	return t
}

func (s *BatchReadSuite) seedOrigin() error {
	s.store.CreateTable(nodeOrigin, originTable())
	for i := 0; i < s.opts.Records; i++ {
		rec := record(i)
		if err := s.store.Insert(nodeOrigin, helperTable, rec); err != nil {
			return err
		}
		s.sent = append(s.sent, rec)
	}
	return nil
}

func (s *BatchReadSuite) node(id string, kind pipeline.NodeKind, plugin *core.Specification, table string, conn core.DataMap) *pipeline.NodeSpec {
	return &pipeline.NodeSpec{
		ID: id, Kind: kind, Table: table, Connection: conn,
		Plugin: plugin.ID, Group: plugin.Group, Version: plugin.Version,
	}
}

func (s *BatchReadSuite) helperSpec() *core.Specification {
	return &core.Specification{ID: helperPlugin, Group: helperGroup}
}

// originFlow copies the helper table into the plugin under test
func (s *BatchReadSuite) originFlow(complete bool) *pipeline.Graph {
	return &pipeline.Graph{
		ID: "tdd-origin-" + s.flowTag,
		Nodes: []*pipeline.NodeSpec{
			s.node(nodeOrigin, pipeline.NodeSource, s.helperSpec(), helperTable, core.DataMap{"database": nodeOrigin}),
			s.node(nodeTestTarget, pipeline.NodeTarget, s.plugin.Spec, s.opts.Table, s.connection),
		},
		Edges: []pipeline.Edge{{From: nodeOrigin, To: nodeTestTarget}},
		Options: pipeline.JobOptions{
			Actions:            []string{pipeline.ActionDropTable, pipeline.ActionCreateTable},
			CompleteOnBatchEnd: complete,
		},
	}
}

func (s *BatchReadSuite) runToEnd(ctx context.Context, g *pipeline.Graph) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	e, err := s.rt.NewEngine(g)
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	select {
	case <-e.Done():
		return e.Wait()
	case <-ctx.Done():
		_ = e.Stop(context.Background())
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "flow "+g.ID+" did not complete")
	}
}

func (s *BatchReadSuite) writeOrigin(ctx context.Context) error {
	return s.runToEnd(ctx, s.originFlow(true))
}

func (s *BatchReadSuite) readBack(ctx context.Context) error {
	g := &pipeline.Graph{
		ID: "tdd-batch-read-" + s.flowTag,
		Nodes: []*pipeline.NodeSpec{
			s.node(nodeTestSource, pipeline.NodeSource, s.plugin.Spec, s.opts.Table, s.connection),
			s.node(nodeVerify, pipeline.NodeTarget, s.helperSpec(), helperTable, core.DataMap{"database": nodeVerify}),
		},
		Edges: []pipeline.Edge{{From: nodeTestSource, To: nodeVerify}},
		Options: pipeline.JobOptions{
			Actions:            []string{pipeline.ActionDropTable, pipeline.ActionCreateTable},
			EventBatchSize:     s.opts.BatchSize,
			CompleteOnBatchEnd: true,
		},
	}
	return s.runToEnd(ctx, g)
}

func (s *BatchReadSuite) received() []map[string]interface{} {
	return s.store.Rows(nodeVerify, helperTable)
}

func (s *BatchReadSuite) verifyCount() (string, error) {
	keys := map[string]bool{}
	for _, row := range s.received() {
		keys[fmt.Sprint(row["id"])] = true
	}
	if len(keys) != len(s.sent) {
		return "", fmt.Errorf("%d records should have been read, got %d distinct primary keys", len(s.sent), len(keys))
	}
	for _, size := range s.store.Writes(nodeVerify, helperTable) {
		if size > s.opts.BatchSize {
			return "", fmt.Errorf("batch of %d records exceeds the batch size %d", size, s.opts.BatchSize)
		}
	}
	return fmt.Sprintf("%d records in %d batches", len(keys), len(s.store.Writes(nodeVerify, helperTable))), nil
}

func (s *BatchReadSuite) verifyLast() (string, error) {
	last := s.sent[len(s.sent)-1]
	var got map[string]interface{}
	for _, row := range s.received() {
		if fmt.Sprint(row["id"]) == last["id"] {
			got = row
		}
	}
	if got == nil {
		return "", fmt.Errorf("record %v was not read back", last["id"])
	}
	var diffs []string
	for k, want := range last {
		if !sameValue(want, got[k]) {
			diffs = append(diffs, fmt.Sprintf("%s: sent %v, read %v", k, want, got[k]))
		}
	}
	if len(diffs) > 0 {
		return "", fmt.Errorf("last record does not match: %s", strings.Join(diffs, "; "))
	}
	return fmt.Sprintf("record %v matches", last["id"]), nil
}

// sameValue compares loosely: numbers and times by value, the rest as text
func sameValue(want, got interface{}) bool {
	if c, ok := core.Compare(want, got); ok {
		return c == 0
	}
	if t, ok := want.(time.Time); ok {
		if g, ok := got.(string); ok {
			parsed, err := time.Parse(time.RFC3339Nano, g)
			return err == nil && parsed.Equal(t)
		}
	}
	return fmt.Sprint(want) == fmt.Sprint(got)
}

// dropAndDiscover sends a drop table event through the origin flow, waits
// for it to pass the target with a patrol, then rediscovers the table
func (s *BatchReadSuite) dropAndDiscover(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	e, err := s.rt.NewEngine(s.originFlow(false))
	if err != nil {
		return err
	}
	streaming := make(chan struct{})
	var once sync.Once
	e.AddListener(pipeline.ListenerFuncs{Source: func(_, nodeID string, state pipeline.SourceState) {
		if nodeID == nodeOrigin && state == pipeline.SourceStreamStarted {
			once.Do(func() { close(streaming) })
		}
	}})
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = e.Stop(context.Background()) }()

	if err := await(ctx, e, streaming); err != nil {
		return err
	}
	if err := e.SendExternalEvent(ctx, nodeOrigin, &models.DropTable{}); err != nil {
		return err
	}
	left := make(chan struct{})
	var leftOnce sync.Once
	patrol := models.NewPatrol("tdd", func(nodeID string, state models.PatrolState) {
		if nodeID == nodeTestTarget && state == models.PatrolLeave {
			leftOnce.Do(func() { close(left) })
		}
	})
	if err := e.SendExternalEvent(ctx, nodeOrigin, patrol); err != nil {
		return err
	}
	if err := await(ctx, e, left); err != nil {
		return err
	}

	node, err := pipeline.NewConnectorNode(s.plugin, s.node("discover", pipeline.NodeTarget, s.plugin.Spec, s.opts.Table, s.connection), s.rt.Monitor, s.logger)
	if err != nil {
		return err
	}
	defer func() { _ = node.Destroy(context.Background()) }()
	if err := node.Start(ctx); err != nil {
		return err
	}
	table, err := node.DiscoverTable(ctx, s.opts.Table)
	if err != nil {
		return err
	}
	if table != nil {
		return fmt.Errorf("table %s is still discovered after drop_table, check the drop table function", s.opts.Table)
	}
	return nil
}

// await waits for ch, failing when the flow stops first
func await(ctx context.Context, e *pipeline.Engine, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-e.Done():
		if err := e.Wait(); err != nil {
			return err
		}
		return errors.New(errors.ErrorTypeInternal, "flow stopped early")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "waiting for the flow")
	}
}
