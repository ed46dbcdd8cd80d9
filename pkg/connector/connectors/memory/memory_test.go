package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

func ordersTable() *schema.Table {
	t := schema.NewTable("orders")
	t.Add(schema.NewField("id", "int64").AsPrimaryKey(1))
	t.Add(schema.NewField("name", "string"))
	return t
}

func newConnector(t *testing.T, rows int) (*Connector, *core.ConnectorContext, *Store) {
	t.Helper()
	store := NewStore()
	require.True(t, store.CreateTable("db", ordersTable()))
	for i := 1; i <= rows; i++ {
		require.NoError(t, store.Insert("db", "orders", map[string]interface{}{"id": int64(i), "name": "n"}))
	}
	spec, err := core.ParseManifest(Manifest())
	require.NoError(t, err)
	cc := core.NewConnectorContext(spec, "node", core.DataMap{"database": "db"}, nil, nil)
	c := New(store)
	require.NoError(t, c.Init(context.Background(), cc))
	return c, cc, store
}

func TestManifest(t *testing.T) {
	spec, err := core.ParseManifest(Manifest())
	require.NoError(t, err)
	assert.Equal(t, Implementation, spec.Implementation)

	typ, err := spec.DataTypes.ToSemanticType("int64")
	require.NoError(t, err)
	assert.Equal(t, schema.Number{Bit: 64}, typ)

	fns := &core.Functions{}
	New(NewStore()).RegisterCapabilities(fns, nil)
	for _, name := range spec.Declared {
		c, ok := core.ParseCapability(name)
		require.True(t, ok)
		assert.True(t, fns.Has(c), name)
	}
}

func TestBatchReadResumes(t *testing.T) {
	c, cc, _ := newConnector(t, 11)
	ctx := context.Background()

	var sizes []int
	var last core.Offset
	err := c.batchRead(ctx, cc, ordersTable(), nil, 5, func(events []models.Event, next core.Offset) error {
		sizes = append(sizes, len(events))
		last = next
		if len(sizes) == 2 {
			return context.Canceled
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{5, 5}, sizes)

	var ids []int64
	err = c.batchRead(ctx, cc, ordersTable(), last, 5, func(events []models.Event, _ core.Offset) error {
		for _, e := range events {
			ids = append(ids, e.(*models.InsertRecord).After["id"].(int64))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, ids)
}

func TestQueryByAdvanceFilter(t *testing.T) {
	c, cc, _ := newConnector(t, 6)
	filter := core.NewAdvanceFilter().
		WithOperator("id", core.OpGT, 2).
		WithSort("id", false).
		WithLimit(2)
	var got []map[string]interface{}
	err := c.queryByAdvanceFilter(context.Background(), cc, filter, ordersTable(), func(r *core.FilterResults) error {
		got = append(got, r.Results...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(6), got[0]["id"])
	assert.Equal(t, int64(5), got[1]["id"])
}

func TestQueryByFilter(t *testing.T) {
	c, cc, _ := newConnector(t, 3)
	res, err := c.queryByFilter(context.Background(), cc, []map[string]interface{}{{"id": 2}, {"id": 9}}, ordersTable())
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, int64(2), res[0].Result["id"])
	assert.Nil(t, res[1].Result)
}

func TestWriteRecordAttributesFailures(t *testing.T) {
	c, cc, store := newConnector(t, 1)
	dup := models.NewInsert("orders", map[string]interface{}{"id": int64(1)})
	events := []models.RecordEvent{
		models.NewInsert("orders", map[string]interface{}{"id": int64(2), "name": "b"}),
		dup,
		models.NewUpdate("orders", nil, map[string]interface{}{"id": int64(2), "name": "c"}),
		models.NewDelete("orders", map[string]interface{}{"id": int64(1)}),
	}
	var res *core.WriteListResult
	err := c.writeRecord(context.Background(), cc, events, ordersTable(), func(r *core.WriteListResult) { res = r })
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(1), res.Inserted)
	assert.Equal(t, int64(1), res.Modified)
	assert.Equal(t, int64(1), res.Removed)
	require.Len(t, res.ErrorMap, 1)
	assert.Contains(t, res.ErrorMap[dup].Error(), "duplicate key")

	rows := store.Rows("db", "orders")
	require.Len(t, rows, 1)
	assert.Equal(t, "c", rows[0]["name"])
	assert.Equal(t, []int{4}, store.Writes("db", "orders"))
}

func TestStreamRead(t *testing.T) {
	c, cc, store := newConnector(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start, err := c.streamOffset(ctx, cc, []string{"orders"}, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Insert("db", "orders", map[string]interface{}{"id": int64(3)})
		_ = store.Update("db", "orders", map[string]interface{}{"id": int64(3), "name": "x"})
	}()

	var events []models.Event
	var next core.Offset
	err = c.streamRead(ctx, cc, []string{"orders"}, start, 10, func(batch []models.Event, off core.Offset) error {
		events = append(events, batch...)
		next = off
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.IsType(t, &models.InsertRecord{}, events[0])

	// nothing new: the read waits until ctx ends
	short, stop := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer stop()
	if len(events) == 2 {
		err = c.streamRead(short, cc, []string{"orders"}, next, 10, func([]models.Event, core.Offset) error {
			t.Fatal("unexpected events")
			return nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
}

func TestDropTable(t *testing.T) {
	c, cc, store := newConnector(t, 1)
	e := &models.DropTable{}
	e.TableID = "orders"
	require.NoError(t, c.dropTable(context.Background(), cc, e))

	tables, err := c.DiscoverSchema(context.Background(), cc, []string{"orders"})
	require.NoError(t, err)
	assert.Empty(t, tables)
	assert.Nil(t, store.Table("db", "orders"))
}
