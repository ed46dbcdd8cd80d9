package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/observability"
	"github.com/ajitpratap0/nebula-pdk/pkg/offset"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// DefaultPrimaryKey orders samples of tables that declare no primary key
const DefaultPrimaryKey = "_id"

// SourceDriver reads one table from a source plugin: schema analysis, batch
// snapshot, then the change stream
type SourceDriver struct {
	engine  *Engine
	node    *ConnectorNode
	outputs []*Queue
	opts    JobOptions
	logger  *zap.Logger
	metrics *observability.NodeMetrics

	table        *schema.Table
	streamOffset core.Offset

	// offerMu orders external events against batches
	offerMu      sync.Mutex
	batchEnded   atomic.Bool
	firstOffered atomic.Bool
	finished     atomic.Bool
}

func newSourceDriver(e *Engine, node *ConnectorNode, outputs []*Queue) *SourceDriver {
	return &SourceDriver{
		engine:  e,
		node:    node,
		outputs: outputs,
		opts:    e.opts,
		logger:  e.logger.With(zap.String("node_id", node.Spec.ID), zap.String("plugin_id", node.Plugin.Spec.ID)),
		metrics: observability.NewNodeMetrics(e.graph.ID, node.Spec.ID),
	}
}

// Table returns the analysed table once available
func (d *SourceDriver) Table() *schema.Table { return d.table }

func (d *SourceDriver) emit(state SourceState) {
	d.logger.Debug("source state", zap.String("state", string(state)))
	d.engine.listeners.source(d.engine.graph.ID, d.node.Spec.ID, state)
}

// Run drives the source until it completes, fails or ctx ends
func (d *SourceDriver) Run(ctx context.Context) error {
	defer d.finish()
	d.emit(SourceStarted)

	table, err := d.analyse(ctx)
	if err != nil {
		return err
	}
	d.table = table

	forerunner := &models.Forerunner{Table: table.Clone()}
	d.stamp(forerunner)
	if err := d.offer(ctx, []models.Event{forerunner}); err != nil {
		return err
	}

	d.count(ctx)

	if err := d.captureStreamOffset(ctx); err != nil {
		return err
	}

	// stream-only sources never enter the batch phase
	if d.node.Fns.BatchRead != nil {
		if err := d.batch(ctx); err != nil {
			return err
		}
		d.endBatch()
	}

	if d.opts.CompleteOnBatchEnd || d.node.Fns.StreamRead == nil {
		return nil
	}
	return d.stream(ctx)
}

func (d *SourceDriver) finish() {
	if !d.finished.CompareAndSwap(false, true) {
		return
	}
	d.emit(SourceEnded)
	for _, q := range d.outputs {
		q.Done()
	}
}

func (d *SourceDriver) endBatch() {
	if d.batchEnded.CompareAndSwap(false, true) {
		d.emit(SourceBatchEnded)
	}
}

// analyse discovers the table and resolves every field's semantic type,
// sampling rows when metadata is missing or unknown
func (d *SourceDriver) analyse(ctx context.Context) (*schema.Table, error) {
	name := d.node.Spec.Table
	found, err := d.node.DiscoverTable(ctx, name)
	if err != nil {
		return nil, err
	}
	var table *schema.Table
	if found == nil {
		if d.node.Fns.QueryByAdvanceFilter == nil {
			return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "table %s not found", name).
				WithDetail("node_id", d.node.Spec.ID)
		}
		table = schema.NewTable(name)
	} else {
		table = found.Clone()
	}

	unresolved := 0
	mapping := d.node.Plugin.Spec.DataTypes
	for _, f := range table.Fields {
		if f.Type != nil {
			continue
		}
		if f.DataType == "" {
			unresolved++
			continue
		}
		t, err := mapping.ToSemanticType(f.DataType)
		if err != nil {
			d.logger.Warn("unknown native type, will sample",
				zap.String("field", f.Name), zap.String("data_type", f.DataType))
			unresolved++
			continue
		}
		f.Type = t
	}

	if len(table.Fields) == 0 || unresolved > 0 {
		if err := d.sample(ctx, table); err != nil {
			return nil, err
		}
	}

	for _, f := range table.Fields {
		if f.Type == nil {
			d.logger.Warn("field type could not be resolved, using raw", zap.String("field", f.Name))
			f.Type = schema.Raw{}
		}
	}
	if len(table.Fields) == 0 {
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "table %s has no fields", name).
			WithDetail("node_id", d.node.Spec.ID)
	}
	return table, nil
}

// sample infers field types from up to SampleSize rows
func (d *SourceDriver) sample(ctx context.Context, table *schema.Table) error {
	query := d.node.Fns.QueryByAdvanceFilter
	if query == nil {
		d.logger.Warn("cannot sample rows without query_by_advance_filter", zap.String("table", table.ID))
		return nil
	}

	keys := table.PrimaryKeys()
	if len(keys) == 0 && (len(table.Fields) == 0 || table.Field(DefaultPrimaryKey) != nil) {
		keys = []string{DefaultPrimaryKey}
	}
	filter := core.NewAdvanceFilter().WithLimit(d.opts.SampleSize)
	for _, k := range keys {
		filter.WithSort(k, true)
	}

	var rows []map[string]interface{}
	err := d.node.Invoke(ctx, "query_by_advance_filter", errors.ErrorTypeQuery, func(ctx context.Context) error {
		return query(ctx, d.node.Context, filter, table, func(r *core.FilterResults) error {
			if r == nil {
				return nil
			}
			if r.Error != nil {
				return r.Error
			}
			rows = append(rows, r.Results...)
			return nil
		})
	})
	if err != nil {
		return err
	}
	if len(rows) > d.opts.SampleSize {
		rows = rows[:d.opts.SampleSize]
	}

	fields, conflicts := d.node.Filter.Infer(rows)
	for _, c := range conflicts {
		d.logger.Warn("sampled values disagree", zap.String("conflict", c.String()))
	}

	discovered := len(table.Fields) > 0
	for _, f := range fields {
		existing := table.Field(f.Name)
		switch {
		case existing == nil && !discovered:
			table.Add(f)
		case existing != nil && existing.Type == nil:
			existing.Type = f.Type
		}
	}
	if len(table.PrimaryKeys()) == 0 {
		if f := table.Field(DefaultPrimaryKey); f != nil {
			f.AsPrimaryKey(1)
		}
	}
	d.logger.Info("sampled table", zap.String("table", table.ID), zap.Int("rows", len(rows)),
		zap.Int("fields", len(table.Fields)))
	return nil
}

func (d *SourceDriver) count(ctx context.Context) {
	fn := d.node.Fns.BatchCount
	if fn == nil {
		return
	}
	var n int64
	err := d.node.Invoke(ctx, "batch_count", errors.ErrorTypeQuery, func(ctx context.Context) error {
		var err error
		n, err = fn(ctx, d.node.Context, d.table)
		return err
	})
	if err != nil {
		d.logger.Warn("batch count failed", zap.Error(err))
		return
	}
	d.logger.Info("batch count", zap.String("table", d.table.ID), zap.Int64("count", n))
}

// captureStreamOffset fixes where the stream resumes before the snapshot
// starts, so changes made during the snapshot are replayed
func (d *SourceDriver) captureStreamOffset(ctx context.Context) error {
	if d.node.Fns.StreamRead == nil || d.opts.CompleteOnBatchEnd {
		return nil
	}
	key := d.engine.storeKey(d.node.Spec.ID, offset.NameStream)
	stored, err := d.engine.rt.Offsets.Get(ctx, key)
	if err != nil {
		return err
	}
	if stored != nil {
		d.streamOffset = stored
		return nil
	}
	fn := d.node.Fns.StreamOffset
	if fn == nil {
		return nil
	}
	var off core.Offset
	err = d.node.Invoke(ctx, "stream_offset", errors.ErrorTypeStreamConnect, func(ctx context.Context) error {
		var err error
		off, err = fn(ctx, d.node.Context, []string{d.table.ID}, nil)
		return err
	})
	if err != nil {
		return err
	}
	d.streamOffset = off
	return d.engine.rt.Offsets.Put(ctx, key, off)
}

func (d *SourceDriver) batch(ctx context.Context) error {
	d.emit(SourceBatchStarted)
	key := d.engine.storeKey(d.node.Spec.ID, offset.NameBatch)
	start, err := d.engine.rt.Offsets.Get(ctx, key)
	if err != nil {
		return err
	}
	if start != nil {
		d.logger.Info("resuming batch read", zap.ByteString("offset", start))
	}

	fns := d.node.Fns
	return d.node.Invoke(ctx, "batch_read", errors.ErrorTypeBatchRead, func(ctx context.Context) error {
		return fns.BatchRead(ctx, d.node.Context, d.table, start, d.opts.EventBatchSize, func(events []models.Event, next core.Offset) error {
			if err := d.offerRecords(ctx, events); err != nil {
				return err
			}
			if next == nil && fns.BatchOffset != nil {
				var err error
				next, err = fns.BatchOffset(ctx, d.node.Context)
				if err != nil {
					return err
				}
			}
			if next == nil {
				return nil
			}
			return d.engine.rt.Offsets.Put(ctx, key, next)
		})
	})
}

func (d *SourceDriver) stream(ctx context.Context) error {
	d.emit(SourceStreamStarted)
	key := d.engine.storeKey(d.node.Spec.ID, offset.NameStream)

	limit := rate.Inf
	if d.opts.StreamRate > 0 {
		limit = rate.Limit(d.opts.StreamRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	call := d.node.call("stream_read", errors.ErrorTypeStreamConnect)
	call.Retry = true
	call.RetryDelay = d.opts.StreamRetryDelay
	call.MaxDuration = d.opts.StreamMaxDuration

	fn := d.node.Fns.StreamRead
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		err := d.engine.rt.Monitor.Invoke(ctx, call, func(ctx context.Context) error {
			return fn(ctx, d.node.Context, []string{d.table.ID}, d.streamOffset, d.opts.EventBatchSize,
				func(events []models.Event, next core.Offset) error {
					if len(events) > 0 && d.firstOffered.CompareAndSwap(false, true) {
						d.emit(SourceFirstRecords)
					}
					if err := d.offerRecords(ctx, events); err != nil {
						return err
					}
					if next == nil {
						return nil
					}
					d.streamOffset = next
					return d.engine.rt.Offsets.Put(ctx, key, next)
				})
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// stamp fills the origin of an event that has none
func (d *SourceDriver) stamp(e models.Event) {
	h := e.Head()
	if h.TableID != "" && h.PluginID != "" {
		return
	}
	tableID := h.TableID
	if tableID == "" && d.table != nil {
		tableID = d.table.ID
	}
	s := d.node.Plugin.Spec
	h.Stamp(tableID, s.ID, s.Group, s.Version)
}

// offerRecords converts record images to abstract values and offers them
func (d *SourceDriver) offerRecords(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		d.stamp(e)
		rec, ok := e.(models.RecordEvent)
		if !ok {
			continue
		}
		for _, image := range rec.Images() {
			if err := d.node.Filter.TransformToValueMap(image); err != nil {
				return errors.Wrap(err, errors.ErrorTypeData, "convert source record").
					WithDetail("node_id", d.node.Spec.ID)
			}
		}
	}
	if err := d.offer(ctx, events); err != nil {
		return err
	}
	d.metrics.RecordEvents("out", len(events))
	return nil
}

func (d *SourceDriver) offer(ctx context.Context, events []models.Event) error {
	d.offerMu.Lock()
	defer d.offerMu.Unlock()
	return fanout(ctx, d.outputs, d.node.Spec.ID, events)
}

// SendExternal delivers an external event downstream, bracketed by the
// patrol states when it is a patrol
func (d *SourceDriver) SendExternal(ctx context.Context, e models.Event) error {
	if fn := d.node.Fns.Control; fn != nil {
		err := d.node.Invoke(ctx, "control", errors.ErrorTypeInternal, func(ctx context.Context) error {
			return fn(ctx, d.node.Context, e)
		})
		if err != nil {
			return err
		}
	}
	d.stamp(e)

	patrol, isPatrol := e.(*models.Patrol)
	if isPatrol {
		patrol.Apply(d.node.Spec.ID, models.PatrolEnter)
	}
	if err := d.offer(ctx, []models.Event{e}); err != nil {
		return err
	}
	if isPatrol {
		patrol.Apply(d.node.Spec.ID, models.PatrolLeave)
	}
	return nil
}
