// Package memory is a connector over in-process tables. It supports every
// capability and records what it receives, which makes it the backend of
// engine tests and of the conformance suites.
package memory

import (
	"context"
	_ "embed"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Implementation is the name bundle manifests use for this connector
const Implementation = "memory"

//go:embed manifest.yaml
var manifest []byte

// Manifest returns the default bundle manifest
func Manifest() []byte { return manifest }

func init() {
	registry.MustRegister(Descriptor(Default))
}

// Descriptor returns a descriptor whose instances share store
func Descriptor(store *Store) registry.Descriptor {
	return registry.Descriptor{
		Implementation: Implementation,
		Manifest:       manifest,
		Factory:        func() core.Connector { return New(store) },
	}
}

type batchOffset struct {
	Pos int `json:"pos"`
}

type streamOffset struct {
	Seq int64 `json:"seq"`
}

// Connector reads and writes tables of one database of a Store
type Connector struct {
	store  *Store
	db     string
	logger *zap.Logger
}

// New creates a connector over store
func New(store *Store) *Connector {
	return &Connector{store: store}
}

// Init selects the database named by the connection config
func (c *Connector) Init(_ context.Context, cc *core.ConnectorContext) error {
	c.db = cc.ConnectionConfig.StringOr("database", "default")
	c.logger = cc.Logger.With(zap.String("database", c.db))
	if cc.ConnectionConfig.Bool("fail_init", false) {
		return errors.New(errors.ErrorTypeConnection, "connection refused by configuration")
	}
	return nil
}

// DiscoverSchema returns the named tables, or all of them
func (c *Connector) DiscoverSchema(_ context.Context, _ *core.ConnectorContext, tables []string) ([]*schema.Table, error) {
	if len(tables) == 0 {
		return c.store.Tables(c.db), nil
	}
	var out []*schema.Table
	for _, name := range tables {
		if t := c.store.Table(c.db, name); t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// ConnectionTest reports every check as successful
func (c *Connector) ConnectionTest(_ context.Context, cc *core.ConnectorContext, consumer func(core.TestItem)) error {
	db := cc.ConnectionConfig.StringOr("database", "default")
	consumer(core.TestItem{Item: core.TestItemConnection, Result: core.TestSuccessful, Information: "database " + db})
	consumer(core.TestItem{Item: core.TestItemRead, Result: core.TestSuccessful})
	consumer(core.TestItem{Item: core.TestItemWrite, Result: core.TestSuccessful})
	consumer(core.TestItem{Item: core.TestItemStreamRead, Result: core.TestSuccessful})
	return nil
}

// RegisterCapabilities registers every function slot except batch offset,
// since batch read hands out its offsets with each batch
func (c *Connector) RegisterCapabilities(fns *core.Functions, _ *codec.Registry) {
	fns.BatchCount = c.batchCount
	fns.BatchRead = c.batchRead
	fns.StreamRead = c.streamRead
	fns.StreamOffset = c.streamOffset
	fns.QueryByFilter = c.queryByFilter
	fns.QueryByAdvanceFilter = c.queryByAdvanceFilter
	fns.CreateTable = c.createTable
	fns.AlterTable = c.alterTable
	fns.ClearTable = c.clearTable
	fns.DropTable = c.dropTable
	fns.WriteRecord = c.writeRecord
	fns.Control = c.control
}

// Destroy does nothing, the store outlives connector instances
func (c *Connector) Destroy(context.Context, *core.ConnectorContext) error { return nil }

func (c *Connector) batchCount(_ context.Context, _ *core.ConnectorContext, table *schema.Table) (int64, error) {
	return int64(len(c.store.Rows(c.db, table.ID))), nil
}

func (c *Connector) batchRead(ctx context.Context, _ *core.ConnectorContext, table *schema.Table, offset core.Offset, batchSize int, consumer core.Consumer) error {
	var start batchOffset
	if !offset.IsEmpty() {
		if err := offset.Decode(&start); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "invalid batch offset")
		}
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	rows := c.store.Rows(c.db, table.ID)
	for pos := start.Pos; pos < len(rows); pos += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := pos + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		events := make([]models.Event, 0, end-pos)
		for _, r := range rows[pos:end] {
			events = append(events, models.NewInsert(table.ID, r))
		}
		next, err := core.EncodeOffset(batchOffset{Pos: end})
		if err != nil {
			return err
		}
		if err := consumer(events, next); err != nil {
			return err
		}
	}
	return nil
}

// streamOffset starts at the current end of the change log. The memory log
// keeps no timestamps, so since is ignored.
func (c *Connector) streamOffset(_ context.Context, _ *core.ConnectorContext, _ []string, _ *time.Time) (core.Offset, error) {
	return core.EncodeOffset(streamOffset{Seq: c.store.Seq()})
}

// streamRead delivers logged changes after offset in batches, waiting for
// the next change when there is none
func (c *Connector) streamRead(ctx context.Context, _ *core.ConnectorContext, tables []string, offset core.Offset, batchSize int, consumer core.Consumer) error {
	var from streamOffset
	if !offset.IsEmpty() {
		if err := offset.Decode(&from); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "invalid stream offset")
		}
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	changes, err := c.store.Changes(ctx, tables, from.Seq)
	if err != nil {
		return err
	}
	for len(changes) > 0 {
		n := batchSize
		if n > len(changes) {
			n = len(changes)
		}
		events := make([]models.Event, 0, n)
		for _, ch := range changes[:n] {
			events = append(events, ch.Event)
		}
		next, err := core.EncodeOffset(streamOffset{Seq: changes[n-1].Seq})
		if err != nil {
			return err
		}
		if err := consumer(events, next); err != nil {
			return err
		}
		changes = changes[n:]
	}
	return nil
}

func (c *Connector) queryByFilter(_ context.Context, _ *core.ConnectorContext, filters []map[string]interface{}, table *schema.Table) ([]*core.FilterResult, error) {
	rows := c.store.Rows(c.db, table.ID)
	out := make([]*core.FilterResult, 0, len(filters))
	for _, f := range filters {
		res := &core.FilterResult{Filter: f}
		match := core.NewAdvanceFilter()
		for k, v := range f {
			match.WithMatch(k, v)
		}
		for _, r := range rows {
			if match.Accepts(r) {
				res.Result = r
				break
			}
		}
		out = append(out, res)
	}
	return out, nil
}

func (c *Connector) queryByAdvanceFilter(_ context.Context, _ *core.ConnectorContext, filter *core.AdvanceFilter, table *schema.Table, consumer func(*core.FilterResults) error) error {
	var rows []map[string]interface{}
	for _, r := range c.store.Rows(c.db, table.ID) {
		if filter.Accepts(r) {
			rows = append(rows, r)
		}
	}
	if len(filter.Sort) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, s := range filter.Sort {
				cmp, ok := core.Compare(rows[i][s.Key], rows[j][s.Key])
				if !ok || cmp == 0 {
					continue
				}
				if s.Ascending {
					return cmp < 0
				}
				return cmp > 0
			}
			return false
		})
	}
	if filter.Skip > 0 {
		if filter.Skip >= len(rows) {
			rows = nil
		} else {
			rows = rows[filter.Skip:]
		}
	}
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}
	for i, r := range rows {
		rows[i] = filter.Project(r)
	}
	return consumer(&core.FilterResults{Results: rows})
}

func (c *Connector) createTable(_ context.Context, _ *core.ConnectorContext, e *models.CreateTable) error {
	t := e.Table.Clone()
	t.ID = e.TableID
	if t.Name == "" {
		t.Name = e.TableID
	}
	if !c.store.CreateTable(c.db, t) {
		c.logger.Debug("table already exists", zap.String("table", t.ID))
	}
	return nil
}

func (c *Connector) alterTable(_ context.Context, _ *core.ConnectorContext, e *models.AlterTable) error {
	t := e.Table.Clone()
	t.ID = e.TableID
	if !c.store.AlterTable(c.db, t) {
		return errors.Newf(errors.ErrorTypeNotFound, "table %s does not exist", t.ID)
	}
	return nil
}

func (c *Connector) clearTable(_ context.Context, _ *core.ConnectorContext, e *models.ClearTable) error {
	c.store.ClearTable(c.db, e.TableID)
	return nil
}

func (c *Connector) dropTable(_ context.Context, _ *core.ConnectorContext, e *models.DropTable) error {
	if c.store.DropTable(c.db, e.TableID) {
		c.logger.Info("table dropped", zap.String("table", e.TableID))
	}
	return nil
}

func (c *Connector) writeRecord(_ context.Context, _ *core.ConnectorContext, events []models.RecordEvent, table *schema.Table, consumer func(*core.WriteListResult)) error {
	res := &writeResult{WriteListResult: core.NewWriteListResult()}
	if err := c.store.apply(c.db, table.ID, events, res); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteBatch, "write records")
	}
	consumer(res.WriteListResult)
	return nil
}

func (c *Connector) control(_ context.Context, _ *core.ConnectorContext, e models.Event) error {
	c.store.control(e)
	return nil
}

type writeResult struct {
	*core.WriteListResult
}

func (r *writeResult) inserted(models.Event)            { r.Inserted++ }
func (r *writeResult) modified(models.Event)            { r.Modified++ }
func (r *writeResult) removed(models.Event)             { r.Removed++ }
func (r *writeResult) failed(e models.Event, err error) { r.AddError(e, err) }
