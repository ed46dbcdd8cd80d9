package mysql

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

type batchOffset struct {
	Pos int64 `json:"pos"`
}

// DiscoverSchema reads columns and primary keys from information_schema
func (c *Connector) DiscoverSchema(ctx context.Context, _ *core.ConnectorContext, tables []string) ([]*schema.Table, error) {
	query, params := tableFilter(columnsQuery, c.cfg.Database, tables)
	rows, err := c.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query columns")
	}
	byName := map[string]*schema.Table{}
	var order []string
	for rows.Next() {
		var col column
		var nullable, key string
		if err := rows.Scan(&col.Table, &col.Name, &col.Type, &nullable, &col.Default,
			&key, &col.Extra, &col.Pos, &col.Comment); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan column")
		}
		col.Nullable = nullable == "YES"
		t, ok := byName[col.Table]
		if !ok {
			t = schema.NewTable(col.Table)
			byName[col.Table] = t
			order = append(order, col.Table)
		}
		t.Add(col.field())
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read columns")
	}

	query, params = tableFilter(primaryKeysQuery, c.cfg.Database, tables)
	pkRows, err := c.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query primary keys")
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var table, name string
		var pos int
		if err := pkRows.Scan(&table, &name, &pos); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to scan primary key")
		}
		if t, ok := byName[table]; ok {
			if f := t.Field(name); f != nil {
				f.AsPrimaryKey(pos)
			}
		}
	}
	if err := pkRows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read primary keys")
	}

	out := make([]*schema.Table, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}

func (c *Connector) batchCount(ctx context.Context, _ *core.ConnectorContext, table *schema.Table) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(table.ID)).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count rows")
	}
	return n, nil
}

// batchRead pages through the table in primary key order. The offset is the
// number of rows already delivered.
func (c *Connector) batchRead(ctx context.Context, _ *core.ConnectorContext, table *schema.Table, offset core.Offset, batchSize int, consumer core.Consumer) error {
	var pos batchOffset
	if !offset.IsEmpty() {
		if err := offset.Decode(&pos); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "invalid batch offset")
		}
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	query := batchSQL(table)
	for {
		rows, err := c.db.QueryContext(ctx, query, batchSize, pos.Pos)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to read batch")
		}
		records, err := collectRows(rows)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		events := make([]models.Event, len(records))
		for i, r := range records {
			events[i] = models.NewInsert(table.ID, r)
		}
		pos.Pos += int64(len(records))
		next, err := core.EncodeOffset(pos)
		if err != nil {
			return err
		}
		if err := consumer(events, next); err != nil {
			return err
		}
		if len(records) < batchSize {
			return nil
		}
	}
}

// collectRows reads every row as a column map and closes rows
func collectRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read column types")
	}
	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(types))
		ptrs := make([]interface{}, len(types))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode row")
		}
		r := make(map[string]interface{}, len(values))
		for i, v := range values {
			cv, err := columnValue(types[i].DatabaseTypeName(), v)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode column").
					WithDetail("column", types[i].Name())
			}
			r[types[i].Name()] = cv
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read rows")
	}
	return out, nil
}

// columnValue turns the raw bytes the driver returns for text protocol
// results into values matching the column type
func columnValue(typeName string, v interface{}) (interface{}, error) {
	b, ok := v.([]byte)
	if !ok {
		return v, nil
	}
	name := strings.ToUpper(typeName)
	switch {
	case strings.HasPrefix(name, "UNSIGNED") && strings.HasSuffix(name, "INT"):
		return strconv.ParseUint(string(b), 10, 64)
	case strings.HasSuffix(name, "INT"), name == "YEAR":
		return strconv.ParseInt(string(b), 10, 64)
	case name == "FLOAT", name == "DOUBLE":
		return strconv.ParseFloat(string(b), 64)
	case name == "JSON":
		var doc interface{}
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	case strings.Contains(name, "BLOB"), strings.Contains(name, "BINARY"), name == "BIT", name == "GEOMETRY":
		return append([]byte(nil), b...), nil
	default:
		return string(b), nil
	}
}

func (c *Connector) queryByFilter(ctx context.Context, _ *core.ConnectorContext, filters []map[string]interface{}, table *schema.Table) ([]*core.FilterResult, error) {
	out := make([]*core.FilterResult, 0, len(filters))
	for _, f := range filters {
		res := &core.FilterResult{Filter: f}
		af := core.NewAdvanceFilter().WithLimit(1)
		for k, v := range f {
			af.WithMatch(k, v)
		}
		query, params := selectSQL(table, af)
		rows, err := c.db.QueryContext(ctx, query, params...)
		if err != nil {
			res.Error = err
			out = append(out, res)
			continue
		}
		records, err := collectRows(rows)
		switch {
		case err != nil:
			res.Error = err
		case len(records) > 0:
			res.Result = records[0]
		}
		out = append(out, res)
	}
	return out, nil
}

func (c *Connector) queryByAdvanceFilter(ctx context.Context, _ *core.ConnectorContext, filter *core.AdvanceFilter, table *schema.Table, consumer func(*core.FilterResults) error) error {
	query, params := selectSQL(table, filter)
	rows, err := c.db.QueryContext(ctx, query, params...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to query table")
	}
	records, err := collectRows(rows)
	if err != nil {
		return err
	}
	return consumer(&core.FilterResults{Results: records})
}
