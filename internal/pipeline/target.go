package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/mapping"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/observability"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// WriteStats sums the write results of a target
type WriteStats struct {
	Inserted int64
	Modified int64
	Removed  int64
	Failed   int64
	Batches  int64
}

// TargetDriver consumes a node's input queue, provisions the target table
// once and dispatches DDL and record writes to the plugin
type TargetDriver struct {
	engine    *Engine
	node      *ConnectorNode
	input     *Queue
	opts      JobOptions
	logger    *zap.Logger
	metrics   *observability.NodeMetrics
	generator *mapping.Generator

	table       *schema.Table
	provisioned atomic.Bool
	pending     []models.RecordEvent

	mu    sync.Mutex
	stats WriteStats
}

func newTargetDriver(e *Engine, node *ConnectorNode, input *Queue) *TargetDriver {
	return &TargetDriver{
		engine:    e,
		node:      node,
		input:     input,
		opts:      e.opts,
		logger:    e.logger.With(zap.String("node_id", node.Spec.ID), zap.String("plugin_id", node.Plugin.Spec.ID)),
		metrics:   observability.NewNodeMetrics(e.graph.ID, node.Spec.ID),
		generator: mapping.NewGenerator(),
	}
}

// Table returns the provisioned target table
func (d *TargetDriver) Table() *schema.Table { return d.table }

// Stats returns the write totals so far
func (d *TargetDriver) Stats() WriteStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Run consumes arrivals until every upstream producer is done
func (d *TargetDriver) Run(ctx context.Context) error {
	if d.input == nil {
		return nil
	}
	for {
		a, ok, err := d.input.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			return d.flush(ctx)
		}
		d.metrics.SetQueueDepth(d.input.Len())
		d.metrics.RecordEvents("in", len(a.Events))
		if err := d.handle(ctx, a.Events); err != nil {
			return err
		}
	}
}

// handle dispatches one arrival. Records are buffered and written together
// at the end of the arrival or before any other event.
func (d *TargetDriver) handle(ctx context.Context, events []models.Event) error {
	for _, e := range events {
		var err error
		switch v := e.(type) {
		case *models.InsertRecord, *models.UpdateRecord, *models.DeleteRecord:
			d.pending = append(d.pending, v.(models.RecordEvent))
		case *models.Forerunner:
			if err = d.flush(ctx); err == nil {
				err = d.provision(ctx, v.Table)
			}
		case *models.CreateTable:
			if err = d.flush(ctx); err == nil {
				err = d.createTable(ctx, v.Table)
			}
		case *models.AlterTable:
			if err = d.flush(ctx); err == nil {
				err = d.alterTable(ctx, v)
			}
		case *models.ClearTable:
			if err = d.flush(ctx); err == nil {
				err = d.clearTable(ctx)
			}
		case *models.DropTable:
			if err = d.flush(ctx); err == nil {
				err = d.dropTable(ctx)
			}
		case *models.Patrol:
			v.Apply(d.node.Spec.ID, models.PatrolEnter)
			if err = d.flush(ctx); err == nil {
				v.Apply(d.node.Spec.ID, models.PatrolLeave)
			}
		case *models.External:
			if err = d.flush(ctx); err == nil {
				err = d.control(ctx, v)
			}
		default:
			err = errors.Newf(errors.ErrorTypeInternal, "unexpected event %T", e)
		}
		if err != nil {
			return err
		}
	}
	return d.flush(ctx)
}

// flush writes the buffered records in one call
func (d *TargetDriver) flush(ctx context.Context) error {
	if len(d.pending) == 0 {
		return nil
	}
	batch := d.pending
	d.pending = nil

	if err := d.node.Require(core.CapWriteRecord); err != nil {
		return err
	}
	if err := d.ensureTable(ctx); err != nil {
		return err
	}
	for _, rec := range batch {
		for _, image := range rec.Images() {
			if err := d.node.Filter.TransformFromValueMap(image); err != nil {
				return errors.Wrap(err, errors.ErrorTypeData, "convert target record").
					WithDetail("node_id", d.node.Spec.ID)
			}
		}
	}

	result := core.NewWriteListResult()
	write := d.node.Fns.WriteRecord
	err := d.node.Invoke(ctx, "write_record", errors.ErrorTypeWriteBatch, func(ctx context.Context) error {
		return write(ctx, d.node.Context, batch, d.table, result.Merge)
	})
	if err != nil {
		return err
	}

	for e, werr := range result.ErrorMap {
		d.logger.Warn("record write failed", zap.String("event", models.Name(e)), zap.Error(werr))
	}
	d.mu.Lock()
	d.stats.Inserted += result.Inserted
	d.stats.Modified += result.Modified
	d.stats.Removed += result.Removed
	d.stats.Failed += int64(len(result.ErrorMap))
	d.stats.Batches++
	d.mu.Unlock()
	d.logger.Debug("batch written", zap.Int("records", len(batch)),
		zap.Int64("inserted", result.Inserted), zap.Int64("modified", result.Modified),
		zap.Int64("removed", result.Removed), zap.Int("failed", len(result.ErrorMap)))
	return nil
}

// ensureTable discovers the target table when records arrive before any
// forerunner
func (d *TargetDriver) ensureTable(ctx context.Context) error {
	if d.table != nil {
		return nil
	}
	t, err := d.node.DiscoverTable(ctx, d.node.Spec.Table)
	if err != nil {
		return err
	}
	if t == nil {
		return errors.Newf(errors.ErrorTypeSchemaMismatch, "target table %s is unknown", d.node.Spec.Table).
			WithDetail("node_id", d.node.Spec.ID)
	}
	d.table = t
	return nil
}

// provision prepares the target table from the first forerunner. A table
// saved by an earlier run is reused without re-running the actions.
func (d *TargetDriver) provision(ctx context.Context, incoming *schema.Table) error {
	if !d.provisioned.CompareAndSwap(false, true) {
		d.check(incoming)
		return nil
	}
	store := d.engine.rt.Offsets
	flowID, nodeID := d.engine.graph.ID, d.node.Spec.ID

	saved, err := store.LoadTable(ctx, flowID, nodeID, d.node.Spec.Table)
	if err != nil {
		return err
	}
	if saved != nil {
		d.logger.Info("reusing provisioned table", zap.String("table", saved.ID))
		d.table = saved
		d.check(incoming)
		return nil
	}

	table, err := d.convert(incoming)
	if err != nil {
		return err
	}
	d.table = table

	actions := map[string]bool{}
	for _, a := range d.opts.Actions {
		switch a {
		case ActionDropTable, ActionClearTable, ActionCreateTable:
			actions[a] = true
		default:
			d.logger.Warn("unknown table action", zap.String("action", a))
		}
	}
	if actions[ActionDropTable] {
		if err := d.dropTable(ctx); err != nil {
			return err
		}
	}
	if actions[ActionClearTable] {
		if err := d.clearTable(ctx); err != nil {
			return err
		}
	}
	if actions[ActionCreateTable] {
		if err := d.ddl(ctx, core.CapCreateTable, func(ctx context.Context) error {
			e := &models.CreateTable{Table: d.table.Clone()}
			d.stamp(e)
			return d.node.Fns.CreateTable(ctx, d.node.Context, e)
		}); err != nil {
			return err
		}
	}

	d.check(incoming)
	return store.SaveTable(ctx, flowID, nodeID, d.table)
}

// convert derives the target definition of a source table
func (d *TargetDriver) convert(source *schema.Table) (*schema.Table, error) {
	var table *schema.Table
	target := d.node.Plugin.Spec.DataTypes
	if target.Len() > 0 {
		out, items, err := d.generator.Convert(source, target, d.node.Codecs)
		if err != nil {
			return nil, err
		}
		d.logItems(items)
		table = out
	} else {
		table = source.Clone()
	}
	table.ID = d.node.Spec.Table
	table.Name = d.node.Spec.Table
	return table, nil
}

func (d *TargetDriver) check(incoming *schema.Table) {
	if incoming == nil || d.table == nil {
		return
	}
	d.logItems(mapping.Check(incoming, d.table))
}

func (d *TargetDriver) logItems(items []mapping.ResultItem) {
	for _, it := range items {
		fields := []zap.Field{zap.String("field", it.Field), zap.String("code", it.Code)}
		switch it.Level {
		case mapping.LevelError, mapping.LevelWarn:
			d.logger.Warn(it.Message, fields...)
		default:
			d.logger.Info(it.Message, fields...)
		}
	}
}

// ddl invokes a table operation, skipping it with a warning when the plugin
// lacks the capability
func (d *TargetDriver) ddl(ctx context.Context, c core.Capability, fn func(ctx context.Context) error) error {
	if !d.node.Fns.Has(c) {
		d.logger.Warn("table operation not supported, skipped", zap.String("capability", c.String()))
		return nil
	}
	return d.node.Invoke(ctx, c.String(), errors.ErrorTypeQuery, fn)
}

// stamp points a DDL event at the target table
func (d *TargetDriver) stamp(e models.Event) {
	s := d.node.Plugin.Spec
	e.Head().Stamp(d.node.Spec.Table, s.ID, s.Group, s.Version)
}

func (d *TargetDriver) createTable(ctx context.Context, source *schema.Table) error {
	table, err := d.convert(source)
	if err != nil {
		return err
	}
	return d.ddl(ctx, core.CapCreateTable, func(ctx context.Context) error {
		e := &models.CreateTable{Table: table}
		d.stamp(e)
		if err := d.node.Fns.CreateTable(ctx, d.node.Context, e); err != nil {
			return err
		}
		d.table = table
		return nil
	})
}

func (d *TargetDriver) alterTable(ctx context.Context, src *models.AlterTable) error {
	table, err := d.convert(src.Table)
	if err != nil {
		return err
	}
	return d.ddl(ctx, core.CapAlterTable, func(ctx context.Context) error {
		e := &models.AlterTable{Header: src.Header, Table: table}
		d.stamp(e)
		if err := d.node.Fns.AlterTable(ctx, d.node.Context, e); err != nil {
			return err
		}
		d.table = table
		return d.engine.rt.Offsets.SaveTable(ctx, d.engine.graph.ID, d.node.Spec.ID, table)
	})
}

func (d *TargetDriver) clearTable(ctx context.Context) error {
	return d.ddl(ctx, core.CapClearTable, func(ctx context.Context) error {
		e := &models.ClearTable{}
		d.stamp(e)
		return d.node.Fns.ClearTable(ctx, d.node.Context, e)
	})
}

func (d *TargetDriver) dropTable(ctx context.Context) error {
	return d.ddl(ctx, core.CapDropTable, func(ctx context.Context) error {
		e := &models.DropTable{}
		d.stamp(e)
		return d.node.Fns.DropTable(ctx, d.node.Context, e)
	})
}

func (d *TargetDriver) control(ctx context.Context, e *models.External) error {
	fn := d.node.Fns.Control
	if fn == nil {
		return nil
	}
	return d.node.Invoke(ctx, "control", errors.ErrorTypeInternal, func(ctx context.Context) error {
		return fn(ctx, d.node.Context, e)
	})
}
