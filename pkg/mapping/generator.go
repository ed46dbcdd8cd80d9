package mapping

import (
	"fmt"

	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// HintProvider supplies a connector's preferred native type for a semantic
// kind, typically from its registered codecs.
type HintProvider interface {
	NativeHint(kind schema.Kind) (string, bool)
}

// Generator computes target field definitions from source fields
type Generator struct{}

// NewGenerator creates a generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Convert builds the target table for source using the target mapping.
// A codec hint for a field's kind wins over the mapping search when the
// target mapping recognises it. Fields that cannot be converted are left out
// and reported as error items; the returned error is set only when source
// has no semantic types to work from.
func (g *Generator) Convert(source *schema.Table, target *Mapping, hints HintProvider) (*schema.Table, []ResultItem, error) {
	if source == nil {
		return nil, nil, errors.New(errors.ErrorTypeValidation, "source table is missing")
	}
	out := &schema.Table{ID: source.ID, Name: source.Name, Comment: source.Comment}
	for _, idx := range source.Indexes {
		ci := *idx
		ci.Fields = append([]string(nil), idx.Fields...)
		out.Indexes = append(out.Indexes, &ci)
	}

	var items []ResultItem
	typed := 0
	for _, f := range source.Fields {
		if f.Type == nil {
			items = append(items, ResultItem{
				Field:   f.Name,
				Level:   LevelError,
				Code:    CodeNoType,
				Message: fmt.Sprintf("field %s has no semantic type", f.Name),
			})
			continue
		}
		typed++

		expr, fieldItems, err := g.convertField(f, target, hints)
		for i := range fieldItems {
			fieldItems[i].Field = f.Name
		}
		items = append(items, fieldItems...)
		if err != nil {
			items = append(items, ResultItem{
				Field:   f.Name,
				Level:   LevelError,
				Code:    CodeUnmapped,
				Message: err.Error(),
			})
			continue
		}

		tf := f.Clone()
		tf.DataType = expr
		if t, err := target.ToSemanticType(expr); err == nil {
			tf.Type = t
		}
		out.Add(tf)
	}
	if typed == 0 && len(source.Fields) > 0 {
		return nil, items, errors.Newf(errors.ErrorTypeSchemaMismatch, "table %s has no typed fields", source.Name)
	}
	return out, items, nil
}

func (g *Generator) convertField(f *schema.Field, target *Mapping, hints HintProvider) (string, []ResultItem, error) {
	if hints != nil {
		if hint, ok := hints.NativeHint(f.Type.Kind()); ok && hint != "" {
			if _, err := target.ToSemanticType(hint); err == nil {
				return hint, nil, nil
			}
			return hint, []ResultItem{{
				Level:   LevelInfo,
				Code:    CodeHint,
				Message: fmt.Sprintf("codec hint %q is not a declared data type", hint),
			}}, nil
		}
	}
	return target.FromSemanticType(f.Type)
}

// Check compares computed target fields with the incoming ones and reports
// missing fields and kind disagreements.
func Check(incoming, target *schema.Table) []ResultItem {
	var items []ResultItem
	for _, f := range incoming.Fields {
		tf := target.Field(f.Name)
		if tf == nil {
			items = append(items, ResultItem{
				Field:   f.Name,
				Level:   LevelWarn,
				Code:    CodeUnmapped,
				Message: fmt.Sprintf("field %s is missing on the target", f.Name),
			})
			continue
		}
		if f.Type != nil && tf.Type != nil && f.Type.Kind() != tf.Type.Kind() {
			items = append(items, ResultItem{
				Field:   f.Name,
				Level:   LevelWarn,
				Code:    CodeFamilyChange,
				Message: fmt.Sprintf("field %s is %s on the source and %s on the target", f.Name, f.Type.Kind(), tf.Type.Kind()),
			})
		}
	}
	return items
}
