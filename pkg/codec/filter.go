package codec

import (
	"fmt"
	"sort"

	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// FilterManager converts record images in place using a registry
type FilterManager struct {
	registry *Registry
}

// NewFilterManager creates a filter manager over r
func NewFilterManager(r *Registry) *FilterManager {
	return &FilterManager{registry: r}
}

// Registry returns the underlying registry
func (f *FilterManager) Registry() *Registry { return f.registry }

// TransformToValueMap replaces every value of record with its abstract form
func (f *FilterManager) TransformToValueMap(record map[string]interface{}) error {
	for k, v := range record {
		val, err := f.registry.ToValue(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		if val.IsNull() {
			record[k] = nil
			continue
		}
		record[k] = val
	}
	return nil
}

// TransformFromValueMap replaces every abstract value of record with the
// connector's native form. Other values are left alone.
func (f *FilterManager) TransformFromValueMap(record map[string]interface{}) error {
	for k, v := range record {
		val, ok := v.(Value)
		if !ok {
			continue
		}
		out, err := f.registry.FromValue(val)
		if err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		record[k] = out
	}
	return nil
}

// Conflict records a field whose sampled values disagree on their type
type Conflict struct {
	Field string
	First schema.Type
	Other schema.Type
}

func (c Conflict) String() string {
	return fmt.Sprintf("field %s sampled as %s and %s", c.Field, c.First, c.Other)
}

// Infer derives field types from sample rows. The first non-null value of a
// field decides its type; later disagreeing values are reported as conflicts.
// Fields that are null in every row are typed Raw. Fields are returned in
// name order with positions assigned.
func (f *FilterManager) Infer(rows []map[string]interface{}) ([]*schema.Field, []Conflict) {
	types := map[string]schema.Type{}
	seen := map[string]bool{}
	var conflicts []Conflict
	for _, row := range rows {
		for name, v := range row {
			seen[name] = true
			t, ok := f.registry.TypeOf(v)
			if !ok {
				if v != nil && !isNullValue(v) {
					t = schema.Raw{}
				} else {
					continue
				}
			}
			first, exists := types[name]
			if !exists {
				types[name] = t
				continue
			}
			if first != t {
				conflicts = append(conflicts, Conflict{Field: name, First: first, Other: t})
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]*schema.Field, 0, len(names))
	for i, name := range names {
		t, ok := types[name]
		if !ok {
			t = schema.Raw{}
		}
		field := schema.NewField(name, "").WithType(t)
		field.Pos = i + 1
		fields = append(fields, field)
	}
	return fields, conflicts
}

func isNullValue(v interface{}) bool {
	val, ok := v.(Value)
	return ok && val.IsNull()
}
