package mysql

import (
	"regexp"
	"testing"

	"github.com/go-mysql-org/go-mysql/canal"
	gmysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	gschema "github.com/go-mysql-org/go-mysql/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
)

func binlogTable(name string) *gschema.Table {
	return &gschema.Table{
		Schema: "shop",
		Name:   name,
		Columns: []gschema.TableColumn{
			{Name: "id", Type: gschema.TYPE_NUMBER, RawType: "int"},
			{Name: "name", Type: gschema.TYPE_STRING, RawType: "varchar(64)"},
			{Name: "doc", Type: gschema.TYPE_JSON, RawType: "json"},
			{Name: "state", Type: gschema.TYPE_ENUM, RawType: "enum('new','paid')", EnumValues: []string{"new", "paid"}},
		},
		PKColumns: []int{0},
	}
}

func TestBinlogHandlerDeliversOnCommit(t *testing.T) {
	var batches [][]models.Event
	var offsets []core.Offset
	h := newBinlogHandler("shop", []string{"orders"}, 2, func(events []models.Event, off core.Offset) error {
		batches = append(batches, append([]models.Event(nil), events...))
		offsets = append(offsets, off)
		return nil
	})
	h.committed = streamOffset{File: "binlog.000001", Pos: 4}
	header := &replication.EventHeader{Timestamp: 1700000000}

	require.NoError(t, h.OnRow(&canal.RowsEvent{
		Table:  binlogTable("orders"),
		Action: canal.InsertAction,
		Rows: [][]interface{}{
			{int32(1), "a", []byte(`{"k":"v"}`), int64(2)},
			{int32(2), "b", nil, int64(1)},
		},
		Header: header,
	}))
	require.NoError(t, h.OnRow(&canal.RowsEvent{
		Table:  binlogTable("ignored"),
		Action: canal.InsertAction,
		Rows:   [][]interface{}{{int32(9), "x", nil, int64(1)}},
	}))
	require.NoError(t, h.OnRow(&canal.RowsEvent{
		Table:  binlogTable("orders"),
		Action: canal.UpdateAction,
		Rows: [][]interface{}{
			{int32(1), "a", nil, int64(2)},
			{int32(1), "c", nil, int64(2)},
		},
	}))
	assert.Empty(t, batches)

	require.NoError(t, h.OnXID(header, gmysql.Position{Name: "binlog.000001", Pos: 900}))
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)

	ins := batches[0][0].(*models.InsertRecord)
	assert.Equal(t, "orders", ins.TableID)
	assert.Equal(t, int64(1700000000000), ins.ReferenceTime)
	assert.Equal(t, map[string]interface{}{
		"id": int64(1), "name": "a", "doc": map[string]interface{}{"k": "v"}, "state": "paid",
	}, ins.After)

	upd := batches[1][0].(*models.UpdateRecord)
	assert.Equal(t, "a", upd.Before["name"])
	assert.Equal(t, "c", upd.After["name"])

	var held, last streamOffset
	require.NoError(t, offsets[0].Decode(&held))
	require.NoError(t, offsets[1].Decode(&last))
	assert.Equal(t, streamOffset{File: "binlog.000001", Pos: 4}, held)
	assert.Equal(t, streamOffset{File: "binlog.000001", Pos: 900}, last)

	// an empty transaction still moves the committed position
	require.NoError(t, h.OnXID(header, gmysql.Position{Name: "binlog.000002", Pos: 4}))
	assert.Len(t, batches, 2)
	assert.Equal(t, streamOffset{File: "binlog.000002", Pos: 4}, h.committed)
}

func TestRowEventsRejectsOddUpdateRows(t *testing.T) {
	_, err := rowEvents(binlogTable("orders"), canal.UpdateAction, [][]interface{}{{int32(1), "a", nil, int64(1)}})
	require.Error(t, err)
}

func TestBinlogValueKeepsBinaryBytes(t *testing.T) {
	col := gschema.TableColumn{Name: "raw", Type: gschema.TYPE_STRING, RawType: "varbinary(16)"}
	v, err := binlogValue(&col, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, v)

	col = gschema.TableColumn{Name: "txt", Type: gschema.TYPE_STRING, RawType: "text"}
	v, err = binlogValue(&col, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", v)
}

func TestIncludeRegex(t *testing.T) {
	all := includeRegex("shop", nil)
	require.Len(t, all, 1)
	assert.Regexp(t, regexp.MustCompile(all[0]), "shop.orders")

	some := includeRegex("shop", []string{"orders"})
	re := regexp.MustCompile(some[0])
	assert.True(t, re.MatchString("shop.orders"))
	assert.False(t, re.MatchString("shop.orders_archive"))
	assert.False(t, re.MatchString("shopXorders"))
}
