package mysql

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	gmysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	gschema "github.com/go-mysql-org/go-mysql/schema"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
)

type streamOffset struct {
	File string `json:"file"`
	Pos  uint32 `json:"pos"`
}

func (o streamOffset) position() gmysql.Position {
	return gmysql.Position{Name: o.File, Pos: o.Pos}
}

// streamOffset returns the current binary log position. A since time would
// need a scan of every binlog file, so it is ignored with a warning.
func (c *Connector) streamOffset(ctx context.Context, _ *core.ConnectorContext, _ []string, since *time.Time) (core.Offset, error) {
	if since != nil {
		c.logger.Warn("stream offset by time is not supported, starting at the current binlog position",
			zap.Time("since", *since))
	}
	pos, err := c.masterPosition(ctx)
	if err != nil {
		return nil, err
	}
	return core.EncodeOffset(pos)
}

// masterPosition reads the binlog file and position. MySQL 8.4 renamed the
// statement, so the old name is tried second.
func (c *Connector) masterPosition(ctx context.Context) (streamOffset, error) {
	var lastErr error
	for _, stmt := range []string{"SHOW BINARY LOG STATUS", "SHOW MASTER STATUS"} {
		rows, err := c.db.QueryContext(ctx, stmt)
		if err != nil {
			lastErr = err
			continue
		}
		records, err := collectRows(rows)
		if err != nil {
			return streamOffset{}, err
		}
		if len(records) == 0 {
			return streamOffset{}, errors.New(errors.ErrorTypeStreamConnect, "binary logging is disabled")
		}
		var pos streamOffset
		pos.File = fmt.Sprint(records[0]["File"])
		var p uint64
		if _, err := fmt.Sscan(fmt.Sprint(records[0]["Position"]), &p); err != nil {
			return streamOffset{}, errors.Wrap(err, errors.ErrorTypeData, "invalid binlog position")
		}
		pos.Pos = uint32(p)
		return pos, nil
	}
	return streamOffset{}, errors.Wrap(lastErr, errors.ErrorTypeQuery, "failed to read binlog position")
}

// streamRead follows the binary log from offset, or from the current position
// when offset is empty, and delivers each transaction once it commits. It
// runs until ctx ends.
func (c *Connector) streamRead(ctx context.Context, _ *core.ConnectorContext, tables []string, offset core.Offset, batchSize int, consumer core.Consumer) error {
	var start streamOffset
	if offset.IsEmpty() {
		pos, err := c.masterPosition(ctx)
		if err != nil {
			return err
		}
		start = pos
	} else if err := offset.Decode(&start); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "invalid stream offset")
	}

	cfg := canal.NewDefaultConfig()
	cfg.Addr = c.cfg.Addr()
	cfg.User = c.cfg.User
	cfg.Password = c.cfg.Password
	cfg.Flavor = c.cfg.Flavor
	cfg.ServerID = c.cfg.ServerID
	cfg.ParseTime = true
	cfg.Dump.ExecutionPath = ""
	cfg.IncludeTableRegex = includeRegex(c.cfg.Database, tables)

	cn, err := canal.NewCanal(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStreamConnect, "failed to create binlog reader")
	}
	h := newBinlogHandler(c.cfg.Database, tables, batchSize, consumer)
	h.committed = start
	cn.SetEventHandler(h)

	c.logger.Info("started binlog replication",
		zap.String("file", start.File), zap.Uint32("pos", start.Pos), zap.Uint32("server_id", cfg.ServerID))
	done := make(chan error, 1)
	go func() { done <- cn.RunFrom(start.position()) }()

	select {
	case <-ctx.Done():
		cn.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		cn.Close()
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, errors.ErrorTypeStreamConnect, "binlog replication stopped")
	}
}

// includeRegex limits canal to the watched tables, or to the whole database
func includeRegex(database string, tables []string) []string {
	db := regexp.QuoteMeta(database)
	if len(tables) == 0 {
		return []string{"^" + db + `\..*$`}
	}
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = "^" + db + `\.` + regexp.QuoteMeta(t) + "$"
	}
	return out
}

// binlogHandler collects row events and hands them to the consumer when
// their transaction commits
type binlogHandler struct {
	canal.DummyEventHandler

	database  string
	tables    map[string]bool
	batchSize int
	consumer  core.Consumer
	pending   []models.Event
	committed streamOffset
}

func newBinlogHandler(database string, tables []string, batchSize int, consumer core.Consumer) *binlogHandler {
	h := &binlogHandler{database: database, batchSize: batchSize, consumer: consumer}
	if len(tables) > 0 {
		h.tables = make(map[string]bool, len(tables))
		for _, t := range tables {
			h.tables[t] = true
		}
	}
	return h
}

func (h *binlogHandler) String() string { return "pdk-mysql" }

func (h *binlogHandler) watched(t *gschema.Table) bool {
	if !strings.EqualFold(t.Schema, h.database) {
		return false
	}
	return h.tables == nil || h.tables[t.Name]
}

func (h *binlogHandler) OnRow(e *canal.RowsEvent) error {
	if !h.watched(e.Table) {
		return nil
	}
	var ref int64
	if e.Header != nil {
		ref = int64(e.Header.Timestamp) * 1000
	}
	events, err := rowEvents(e.Table, e.Action, e.Rows)
	if err != nil {
		return err
	}
	for _, ev := range events {
		ev.Head().ReferenceTime = ref
	}
	h.pending = append(h.pending, events...)
	return nil
}

func (h *binlogHandler) OnXID(_ *replication.EventHeader, next gmysql.Position) error {
	return h.commit(streamOffset{File: next.Name, Pos: next.Pos})
}

// commit delivers pending events. Earlier batches of a transaction carry the
// previous commit position, only the last one moves the offset to next.
func (h *binlogHandler) commit(next streamOffset) error {
	events := h.pending
	h.pending = nil
	prev := h.committed
	h.committed = next
	if len(events) == 0 {
		return nil
	}
	held, err := core.EncodeOffset(prev)
	if err != nil {
		return err
	}
	last, err := core.EncodeOffset(next)
	if err != nil {
		return err
	}
	size := h.batchSize
	if size <= 0 {
		size = len(events)
	}
	for len(events) > 0 {
		n := size
		if n > len(events) {
			n = len(events)
		}
		off := held
		if n == len(events) {
			off = last
		}
		if err := h.consumer(events[:n], off); err != nil {
			return err
		}
		events = events[n:]
	}
	return nil
}

// rowEvents converts the rows of one binlog rows event. Update rows come in
// before and after pairs.
func rowEvents(t *gschema.Table, action string, rows [][]interface{}) ([]models.Event, error) {
	var out []models.Event
	switch action {
	case canal.InsertAction:
		for _, r := range rows {
			img, err := rowImage(t, r)
			if err != nil {
				return nil, err
			}
			out = append(out, models.NewInsert(t.Name, img))
		}
	case canal.DeleteAction:
		for _, r := range rows {
			img, err := rowImage(t, r)
			if err != nil {
				return nil, err
			}
			out = append(out, models.NewDelete(t.Name, img))
		}
	case canal.UpdateAction:
		if len(rows)%2 != 0 {
			return nil, errors.Newf(errors.ErrorTypeData, "update event on %s has %d rows", t.Name, len(rows))
		}
		for i := 0; i < len(rows); i += 2 {
			before, err := rowImage(t, rows[i])
			if err != nil {
				return nil, err
			}
			after, err := rowImage(t, rows[i+1])
			if err != nil {
				return nil, err
			}
			out = append(out, models.NewUpdate(t.Name, before, after))
		}
	default:
		return nil, errors.Newf(errors.ErrorTypeData, "unknown rows action %q", action)
	}
	return out, nil
}

func rowImage(t *gschema.Table, row []interface{}) (map[string]interface{}, error) {
	img := make(map[string]interface{}, len(t.Columns))
	for i, col := range t.Columns {
		if i >= len(row) {
			break
		}
		v, err := binlogValue(&col, row[i])
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode binlog value").
				WithDetail("table", t.Name).WithDetail("column", col.Name)
		}
		img[col.Name] = v
	}
	return img, nil
}

// binlogValue normalizes a decoded binlog value: integers widen to int64,
// json is parsed and enum indexes resolve to their labels
func binlogValue(col *gschema.TableColumn, v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	}
	switch col.Type {
	case gschema.TYPE_JSON:
		var raw []byte
		switch x := v.(type) {
		case []byte:
			raw = x
		case string:
			raw = []byte(x)
		default:
			return v, nil
		}
		if len(raw) == 0 {
			return nil, nil
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	case gschema.TYPE_ENUM:
		if idx, ok := v.(int64); ok {
			if idx > 0 && int(idx) <= len(col.EnumValues) {
				return col.EnumValues[idx-1], nil
			}
			return "", nil
		}
	case gschema.TYPE_STRING:
		raw := strings.ToLower(col.RawType)
		if b, ok := v.([]byte); ok && !strings.Contains(raw, "blob") && !strings.Contains(raw, "binary") {
			return string(b), nil
		}
	}
	return v, nil
}
