package mysql

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

const columnsQuery = `
SELECT TABLE_NAME, COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT,
       COLUMN_KEY, EXTRA, ORDINAL_POSITION, COLUMN_COMMENT
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = ?%s
ORDER BY TABLE_NAME, ORDINAL_POSITION`

const primaryKeysQuery = `
SELECT TABLE_NAME, COLUMN_NAME, ORDINAL_POSITION
FROM information_schema.KEY_COLUMN_USAGE
WHERE TABLE_SCHEMA = ? AND CONSTRAINT_NAME = 'PRIMARY'%s`

// tableFilter appends an IN list for tables to a discovery query
func tableFilter(query, database string, tables []string) (string, []interface{}) {
	params := []interface{}{database}
	if len(tables) == 0 {
		return fmt.Sprintf(query, ""), params
	}
	marks := make([]string, len(tables))
	for i, t := range tables {
		marks[i] = "?"
		params = append(params, t)
	}
	return fmt.Sprintf(query, " AND TABLE_NAME IN ("+strings.Join(marks, ", ")+")"), params
}

// column is one row of the columns query
type column struct {
	Table    string
	Name     string
	Type     string
	Nullable bool
	Default  *string
	Extra    string
	Pos      int
	Comment  string
}

func (c column) field() *schema.Field {
	f := schema.NewField(c.Name, strings.ToLower(c.Type))
	f.Nullable = c.Nullable
	f.Pos = c.Pos
	f.Comment = c.Comment
	f.AutoIncrement = strings.Contains(strings.ToLower(c.Extra), "auto_increment")
	if c.Default != nil {
		f.Default = *c.Default
	}
	return f
}

func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
	}
	return strings.Join(quoted, ", ")
}

// createTableSQL renders CREATE TABLE for t
func createTableSQL(t *schema.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", quote(t.ID))
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
	if t.Comment != "" {
		fmt.Fprintf(&b, " COMMENT = '%s'", escapeString(t.Comment))
	}
	return b.String()
}

func columnDefinition(f *schema.Field) string {
	def := quote(f.Name) + " " + f.DataType
	if !f.Nullable || f.PrimaryKey {
		def += " NOT NULL"
	}
	if f.Comment != "" {
		def += " COMMENT '" + escapeString(f.Comment) + "'"
	}
	return def
}

func escapeString(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `''`).Replace(s)
}

// addColumnsSQL renders one ALTER TABLE adding the fields of t missing from
// existing, or nothing when none are missing
func addColumnsSQL(existing, t *schema.Table) string {
	var adds []string
	for _, f := range t.Fields {
		if existing.Field(f.Name) == nil {
			adds = append(adds, "ADD COLUMN "+columnDefinition(f))
		}
	}
	if len(adds) == 0 {
		return ""
	}
	return fmt.Sprintf("ALTER TABLE %s %s", quote(t.ID), strings.Join(adds, ", "))
}

// whereClause renders the matches and operators of f, match keys sorted for
// stable statements
func whereClause(f *core.AdvanceFilter, params *[]interface{}) string {
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
		conds = append(conds, quote(k)+" = ?")
		*params = append(*params, f.Match[k])
	}
	for _, op := range f.Operators {
		conds = append(conds, fmt.Sprintf("%s %s ?", quote(op.Key), op.Operator))
		*params = append(*params, op.Value)
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// selectSQL renders an advance filter query on table. MySQL has no OFFSET
// without LIMIT, so a skip alone uses the largest row count.
func selectSQL(table *schema.Table, f *core.AdvanceFilter) (string, []interface{}) {
	var params []interface{}
	cols := "*"
	if f.Projection != nil && len(f.Projection.Include) > 0 {
		cols = quoteAll(f.Projection.Include)
	} else if f.Projection != nil && len(f.Projection.Exclude) > 0 {
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
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, quote(table.ID))
	b.WriteString(whereClause(f, &params))
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
	switch {
	case f.Limit > 0:
		b.WriteString(" LIMIT ?")
		params = append(params, f.Limit)
	case f.Skip > 0:
		b.WriteString(" LIMIT 18446744073709551615")
	}
	if f.Skip > 0 {
		b.WriteString(" OFFSET ?")
		params = append(params, f.Skip)
	}
	return b.String(), params
}

// batchSQL pages through table ordered by its primary key, or by every
// column when it has none
func batchSQL(table *schema.Table) string {
	order := table.PrimaryKeys()
	if len(order) == 0 {
		order = table.FieldNames()
	}
	return fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT ? OFFSET ?", quote(table.ID), quoteAll(order))
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// insertSQL renders an insert of row. With update set a duplicate key updates
// the other columns, otherwise the row is ignored.
func insertSQL(table *schema.Table, row map[string]interface{}, update bool) (string, []interface{}) {
	cols := sortedKeys(row)
	params := make([]interface{}, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		params[i] = row[c]
		marks[i] = "?"
	}
	isKey := map[string]bool{}
	for _, k := range table.PrimaryKeys() {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", quote(c), quote(c)))
		}
	}
	if !update || len(sets) == 0 || len(isKey) == 0 {
		verb := "INSERT"
		if !update && len(isKey) > 0 {
			verb = "INSERT IGNORE"
		}
		return fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, quote(table.ID), quoteAll(cols), strings.Join(marks, ", ")), params
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		quote(table.ID), quoteAll(cols), strings.Join(marks, ", "), strings.Join(sets, ", ")), params
}

// keyCondition matches the row identified by the primary key values in
// image, or by every column of image when the table has no key
func keyCondition(table *schema.Table, image map[string]interface{}, params *[]interface{}) string {
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
		conds[i] = quote(k) + " = ?"
		*params = append(*params, image[k])
	}
	return strings.Join(conds, " AND ")
}

func updateSQL(table *schema.Table, before, after map[string]interface{}) (string, []interface{}) {
	var params []interface{}
	cols := sortedKeys(after)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = quote(c) + " = ?"
		params = append(params, after[c])
	}
	key := after
	if hasKeys(table, before) {
		key = before
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quote(table.ID), strings.Join(sets, ", "), keyCondition(table, key, &params)), params
}

func deleteSQL(table *schema.Table, before map[string]interface{}) (string, []interface{}) {
	var params []interface{}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", quote(table.ID), keyCondition(table, before, &params)), params
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
