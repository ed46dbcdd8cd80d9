package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

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
	if tables == nil {
		tables = []string{}
	}
	rows, err := c.pool.Query(ctx, columnsQuery, c.cfg.Schema, tables)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to query columns")
	}
	byName := map[string]*schema.Table{}
	var order []string
	for rows.Next() {
		var col column
		var nullable string
		if err := rows.Scan(&col.Table, &col.Name, &col.DataType, &nullable, &col.Default,
			&col.Length, &col.Precision, &col.Scale, &col.Fraction, &col.Pos, &col.Comment); err != nil {
			rows.Close()
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
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read columns")
	}

	pkRows, err := c.pool.Query(ctx, primaryKeysQuery, c.cfg.Schema, tables)
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
	err := c.pool.QueryRow(ctx, "SELECT count(*) FROM "+qualified(c.cfg.Schema, table.ID)).Scan(&n)
	if err != nil {
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
	query := batchSQL(c.cfg.Schema, table)
	for {
		rows, err := c.pool.Query(ctx, query, batchSize, pos.Pos)
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
func collectRows(rows pgx.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out []map[string]interface{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode row")
		}
		r := make(map[string]interface{}, len(values))
		for i, v := range values {
			r[fields[i].Name] = v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read rows")
	}
	return out, nil
}

func (c *Connector) queryByFilter(ctx context.Context, _ *core.ConnectorContext, filters []map[string]interface{}, table *schema.Table) ([]*core.FilterResult, error) {
	out := make([]*core.FilterResult, 0, len(filters))
	for _, f := range filters {
		res := &core.FilterResult{Filter: f}
		af := core.NewAdvanceFilter().WithLimit(1)
		for k, v := range f {
			af.WithMatch(k, v)
		}
		query, params := selectSQL(c.cfg.Schema, table, af)
		rows, err := c.pool.Query(ctx, query, params...)
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
	query, params := selectSQL(c.cfg.Schema, table, filter)
	rows, err := c.pool.Query(ctx, query, params...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to query table")
	}
	records, err := collectRows(rows)
	if err != nil {
		return err
	}
	return consumer(&core.FilterResults{Results: records})
}
