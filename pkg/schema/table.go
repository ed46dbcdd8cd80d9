package schema

import (
	"sort"

	"github.com/goccy/go-json"
)

// Field describes one column of a table
type Field struct {
	Name          string      `json:"name" yaml:"name"`
	DataType      string      `json:"dataType,omitempty" yaml:"dataType,omitempty"`
	Type          Type        `json:"-" yaml:"-"`
	Nullable      bool        `json:"nullable" yaml:"nullable"`
	Default       interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	PrimaryKey    bool        `json:"primaryKey,omitempty" yaml:"primaryKey,omitempty"`
	PrimaryKeyPos int         `json:"primaryKeyPos,omitempty" yaml:"primaryKeyPos,omitempty"`
	AutoIncrement bool        `json:"autoIncrement,omitempty" yaml:"autoIncrement,omitempty"`
	Pos           int         `json:"pos" yaml:"pos"`
	Comment       string      `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// NewField creates a nullable field with a native type expression
func NewField(name, dataType string) *Field {
	return &Field{Name: name, DataType: dataType, Nullable: true}
}

// WithType sets the semantic type
func (f *Field) WithType(t Type) *Field {
	f.Type = t
	return f
}

// AsPrimaryKey marks the field as the pos-th primary key column (1 based)
func (f *Field) AsPrimaryKey(pos int) *Field {
	f.PrimaryKey = true
	f.PrimaryKeyPos = pos
	f.Nullable = false
	return f
}

// Clone returns a copy of the field. Semantic types are immutable values.
func (f *Field) Clone() *Field {
	c := *f
	return &c
}

// fieldJSON is the serialized form of a Field, with the semantic type spelled
// out as a Spec
type fieldJSON struct {
	Name          string      `json:"name"`
	DataType      string      `json:"dataType,omitempty"`
	Type          *Spec       `json:"type,omitempty"`
	Nullable      bool        `json:"nullable"`
	Default       interface{} `json:"default,omitempty"`
	PrimaryKey    bool        `json:"primaryKey,omitempty"`
	PrimaryKeyPos int         `json:"primaryKeyPos,omitempty"`
	AutoIncrement bool        `json:"autoIncrement,omitempty"`
	Pos           int         `json:"pos"`
	Comment       string      `json:"comment,omitempty"`
}

// MarshalJSON includes the semantic type in its serializable form
func (f *Field) MarshalJSON() ([]byte, error) {
	return json.Marshal(fieldJSON{
		Name:          f.Name,
		DataType:      f.DataType,
		Type:          SpecOf(f.Type),
		Nullable:      f.Nullable,
		Default:       f.Default,
		PrimaryKey:    f.PrimaryKey,
		PrimaryKeyPos: f.PrimaryKeyPos,
		AutoIncrement: f.AutoIncrement,
		Pos:           f.Pos,
		Comment:       f.Comment,
	})
}

// UnmarshalJSON restores the semantic type
func (f *Field) UnmarshalJSON(data []byte) error {
	var aux fieldJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*f = Field{
		Name:          aux.Name,
		DataType:      aux.DataType,
		Nullable:      aux.Nullable,
		Default:       aux.Default,
		PrimaryKey:    aux.PrimaryKey,
		PrimaryKeyPos: aux.PrimaryKeyPos,
		AutoIncrement: aux.AutoIncrement,
		Pos:           aux.Pos,
		Comment:       aux.Comment,
	}
	if aux.Type != nil {
		t, err := aux.Type.Type()
		if err != nil {
			return err
		}
		f.Type = t
	}
	return nil
}

// Index describes a table index
type Index struct {
	Name    string   `json:"name" yaml:"name"`
	Fields  []string `json:"fields" yaml:"fields"`
	Unique  bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
	Primary bool     `json:"primary,omitempty" yaml:"primary,omitempty"`
}

// Table is an ordered set of uniquely named fields plus indexes
type Table struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name" yaml:"name"`
	Fields  []*Field `json:"fields" yaml:"fields"`
	Indexes []*Index `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	Comment string   `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// NewTable creates an empty table whose id equals its name
func NewTable(name string) *Table {
	return &Table{ID: name, Name: name}
}

// Field returns the named field or nil
func (t *Table) Field(name string) *Field {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Add appends f, or replaces the field with the same name keeping its position.
// A zero Pos is set to the field's ordinal position.
func (t *Table) Add(f *Field) *Table {
	for i, existing := range t.Fields {
		if existing.Name == f.Name {
			if f.Pos == 0 {
				f.Pos = existing.Pos
			}
			t.Fields[i] = f
			return t
		}
	}
	if f.Pos == 0 {
		f.Pos = len(t.Fields) + 1
	}
	t.Fields = append(t.Fields, f)
	return t
}

// Remove deletes the named field and reports whether it existed
func (t *Table) Remove(name string) bool {
	for i, f := range t.Fields {
		if f.Name == name {
			t.Fields = append(t.Fields[:i], t.Fields[i+1:]...)
			return true
		}
	}
	return false
}

// FieldNames returns field names in order
func (t *Table) FieldNames() []string {
	names := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		names = append(names, f.Name)
	}
	return names
}

// PrimaryKeys returns the primary key field names ordered by key position
func (t *Table) PrimaryKeys() []string {
	var keys []*Field
	for _, f := range t.Fields {
		if f.PrimaryKey {
			keys = append(keys, f)
		}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].PrimaryKeyPos != keys[j].PrimaryKeyPos {
			return keys[i].PrimaryKeyPos < keys[j].PrimaryKeyPos
		}
		return keys[i].Pos < keys[j].Pos
	})
	names := make([]string, 0, len(keys))
	for _, f := range keys {
		names = append(names, f.Name)
	}
	return names
}

// SortFields orders fields by position. Fields without a position keep their
// relative order after the positioned ones.
func (t *Table) SortFields() {
	sort.SliceStable(t.Fields, func(i, j int) bool {
		pi, pj := t.Fields[i].Pos, t.Fields[j].Pos
		if pi == 0 || pj == 0 {
			return pi != 0 && pj == 0
		}
		return pi < pj
	})
}

// Clone returns a deep copy of the table
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	c := &Table{ID: t.ID, Name: t.Name, Comment: t.Comment}
	c.Fields = make([]*Field, 0, len(t.Fields))
	for _, f := range t.Fields {
		c.Fields = append(c.Fields, f.Clone())
	}
	for _, idx := range t.Indexes {
		ci := *idx
		ci.Fields = append([]string(nil), idx.Fields...)
		c.Indexes = append(c.Indexes, &ci)
	}
	return c
}
