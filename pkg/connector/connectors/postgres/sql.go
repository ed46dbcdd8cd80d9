package postgres

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

const columnsQuery = `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable, c.column_default,
       c.character_maximum_length, c.numeric_precision, c.numeric_scale,
       c.datetime_precision, c.ordinal_position,
       col_description(format('%I.%I', c.table_schema, c.table_name)::regclass, c.ordinal_position)
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
  AND (cardinality($2::text[]) = 0 OR c.table_name = ANY($2))
ORDER BY c.table_name, c.ordinal_position`

const primaryKeysQuery = `
SELECT kcu.table_name, kcu.column_name, kcu.ordinal_position
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1
  AND (cardinality($2::text[]) = 0 OR kcu.table_name = ANY($2))`

// column is one row of the columns query
type column struct {
	Table     string
	Name      string
	DataType  string
	Nullable  bool
	Default   *string
	Length    *int32
	Precision *int32
	Scale     *int32
	Fraction  *int32
	Pos       int
	Comment   *string
}

// nativeType renders the type expression the manifest rules match
func nativeType(c column) string {
	switch c.DataType {
	case "character varying", "character":
		if c.Length != nil {
			return fmt.Sprintf("%s(%d)", c.DataType, *c.Length)
		}
	case "numeric":
		if c.Precision != nil && c.Scale != nil {
			return fmt.Sprintf("numeric(%d,%d)", *c.Precision, *c.Scale)
		}
	case "time without time zone", "time with time zone",
		"timestamp without time zone", "timestamp with time zone":
		if c.Fraction != nil {
			head, tail, _ := strings.Cut(c.DataType, " ")
			return fmt.Sprintf("%s(%d) %s", head, *c.Fraction, tail)
		}
	case "ARRAY":
		return "array"
	}
	return c.DataType
}

func (c column) field() *schema.Field {
	f := schema.NewField(c.Name, nativeType(c))
	f.Nullable = c.Nullable
	f.Pos = c.Pos
	if c.Default != nil {
		f.Default = *c.Default
		f.AutoIncrement = strings.HasPrefix(*c.Default, "nextval(")
	}
	if c.Comment != nil {
		f.Comment = *c.Comment
	}
	return f
}

// qualified quotes schema.table
func qualified(schemaName, table string) string {
	return pgx.Identifier{schemaName, table}.Sanitize()
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
	}
	return strings.Join(quoted, ", ")
}

// createTableSQL renders CREATE TABLE for t. Fields keep their DataType as
// generated for this connector.
func createTableSQL(schemaName string, t *schema.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", qualified(schemaName, t.ID))
	for i, f := range t.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(columnDefinition(f))
	}
	if pks := t.PrimaryKeys(); len(pks) > 0 {
		fmt.Fprintf(&b, ", PRIMARY KEY (%s)", quoteAll(pks))
	}
	b.WriteString(")")
	return b.String()
}

func columnDefinition(f *schema.Field) string {
	def := quote(f.Name) + " " + f.DataType
	if !f.Nullable || f.PrimaryKey {
		def += " NOT NULL"
	}
	return def
}

// addColumnsSQL renders ALTER TABLE statements for the fields of t missing
// from existing
func addColumnsSQL(schemaName string, existing, t *schema.Table) []string {
	var stmts []string
	for _, f := range t.Fields {
		if existing.Field(f.Name) != nil {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
			qualified(schemaName, t.ID), columnDefinition(f)))
	}
	return stmts
}

// args collects positional parameters
type args []interface{}

func (a *args) add(v interface{}) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

// whereClause renders the equality matches and operators of f, keys sorted
// for stable statements
func whereClause(f *core.AdvanceFilter, a *args) string {
	var conds []string
	keys := make([]string, 0, len(f.Match))
	for k := range f.Match {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if f.Match[k] == nil {
			conds = append(conds, quote(k)+" IS NULL")
			continue
		}
		conds = append(conds, quote(k)+" = "+a.add(f.Match[k]))
	}
	for _, op := range f.Operators {
		conds = append(conds, fmt.Sprintf("%s %s %s", quote(op.Key), op.Operator, a.add(op.Value)))
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// selectSQL renders an advance filter query on table
func selectSQL(schemaName string, table *schema.Table, f *core.AdvanceFilter) (string, []interface{}) {
	var a args
	cols := "*"
	if f.Projection != nil && len(f.Projection.Include) > 0 {
		cols = quoteAll(f.Projection.Include)
	} else if f.Projection != nil && len(f.Projection.Exclude) > 0 && table != nil {
		excluded := map[string]bool{}
		for _, e := range f.Projection.Exclude {
			excluded[e] = true
		}
		var keep []string
		for _, name := range table.FieldNames() {
			if !excluded[name] {
				keep = append(keep, name)
			}
		}
		cols = quoteAll(keep)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, qualified(schemaName, table.ID))
	b.WriteString(whereClause(f, &a))
	if len(f.Sort) > 0 {
		order := make([]string, len(f.Sort))
		for i, s := range f.Sort {
			dir := "ASC"
			if !s.Ascending {
				dir = "DESC"
			}
			order[i] = quote(s.Key) + " " + dir
		}
		b.WriteString(" ORDER BY " + strings.Join(order, ", "))
	}
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + a.add(f.Limit))
	}
	if f.Skip > 0 {
		b.WriteString(" OFFSET " + a.add(f.Skip))
	}
	return b.String(), a
}

// batchSQL pages through table ordered by its primary key, or by every
// column when it has none
func batchSQL(schemaName string, table *schema.Table) string {
	order := table.PrimaryKeys()
	if len(order) == 0 {
		order = table.FieldNames()
	}
	return fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT $1 OFFSET $2",
		qualified(schemaName, table.ID), quoteAll(order))
}

// sortedKeys returns the keys of a record in a stable order
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// insertSQL renders an insert of row. With update set, a conflicting primary
// key updates the remaining columns, otherwise the row is skipped.
func insertSQL(schemaName string, table *schema.Table, row map[string]interface{}, update bool) (string, []interface{}) {
	var a args
	cols := sortedKeys(row)
	values := make([]string, len(cols))
	for i, c := range cols {
		values[i] = a.add(row[c])
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qualified(schemaName, table.ID), quoteAll(cols), strings.Join(values, ", "))

	pks := table.PrimaryKeys()
	if len(pks) == 0 {
		return stmt, a
	}
	isKey := map[string]bool{}
	for _, k := range pks {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quote(c), quote(c)))
		}
	}
	if update && len(sets) > 0 {
		stmt += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", quoteAll(pks), strings.Join(sets, ", "))
	} else {
		stmt += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", quoteAll(pks))
	}
	return stmt, a
}

// keyCondition matches the row identified by the primary key values in
// image, or by every column of image when the table has no key
func keyCondition(table *schema.Table, image map[string]interface{}, a *args) string {
	keys := table.PrimaryKeys()
	if len(keys) == 0 {
		keys = sortedKeys(image)
	}
	conds := make([]string, len(keys))
	for i, k := range keys {
		if image[k] == nil {
			conds[i] = quote(k) + " IS NULL"
			continue
		}
		conds[i] = quote(k) + " = " + a.add(image[k])
	}
	return strings.Join(conds, " AND ")
}

// updateSQL sets the columns of after on the row keyed by before, falling
// back to after when before carries no key
func updateSQL(schemaName string, table *schema.Table, before, after map[string]interface{}) (string, []interface{}) {
	var a args
	cols := sortedKeys(after)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = quote(c) + " = " + a.add(after[c])
	}
	key := after
	if hasKeys(table, before) {
		key = before
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		qualified(schemaName, table.ID), strings.Join(sets, ", "), keyCondition(table, key, &a)), a
}

func deleteSQL(schemaName string, table *schema.Table, before map[string]interface{}) (string, []interface{}) {
	var a args
	return fmt.Sprintf("DELETE FROM %s WHERE %s",
		qualified(schemaName, table.ID), keyCondition(table, before, &a)), a
}

func hasKeys(table *schema.Table, image map[string]interface{}) bool {
	pks := table.PrimaryKeys()
	if len(pks) == 0 || image == nil {
		return false
	}
	for _, k := range pks {
		if _, ok := image[k]; !ok {
			return false
		}
	}
	return true
}
