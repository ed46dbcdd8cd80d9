package mongodb

import (
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

const idField = "_id"

var operators = map[core.Operator]string{
	core.OpGT:  "$gt",
	core.OpGTE: "$gte",
	core.OpLT:  "$lt",
	core.OpLTE: "$lte",
}

// normalize turns decoded documents and arrays into plain maps and slices
func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case primitive.D:
		m := make(map[string]interface{}, len(x))
		for _, e := range x {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case primitive.M:
		return normalizeMap(x)
	case map[string]interface{}:
		return normalizeMap(x)
	case primitive.A:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

// bsonTypeName names the bson type of a decoded value as the manifest does
func bsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return "NULL"
	case string, primitive.Symbol, primitive.Regex:
		return "STRING"
	case primitive.ObjectID:
		return "OBJECT_ID"
	case int32:
		return "INT32"
	case int64, int:
		return "INT64"
	case float64:
		return "DOUBLE"
	case primitive.Decimal128:
		return "DECIMAL128"
	case bool:
		return "BOOLEAN"
	case primitive.DateTime:
		return "DATE_TIME"
	case primitive.Timestamp:
		return "TIMESTAMP"
	case primitive.Binary, []byte:
		return "BINARY"
	case primitive.D, primitive.M, map[string]interface{}:
		return "DOCUMENT"
	case primitive.A, []interface{}:
		return "ARRAY"
	default:
		return "NULL"
	}
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

// filterDoc renders the matches and operators of f as a query document
func filterDoc(f *core.AdvanceFilter) bson.D {
	doc := bson.D{}
	if f == nil {
		return doc
	}
	for _, k := range sortedKeys(f.Match) {
		doc = append(doc, bson.E{Key: k, Value: f.Match[k]})
	}
	byKey := map[string]bson.D{}
	var order []string
	for _, op := range f.Operators {
		if _, ok := byKey[op.Key]; !ok {
			order = append(order, op.Key)
		}
		byKey[op.Key] = append(byKey[op.Key], bson.E{Key: operators[op.Operator], Value: op.Value})
	}
	for _, k := range order {
		doc = append(doc, bson.E{Key: k, Value: byKey[k]})
	}
	return doc
}

// findOptions renders sort, paging and projection of f
func findOptions(f *core.AdvanceFilter) *options.FindOptions {
	opts := options.Find()
	if f == nil {
		return opts
	}
	if len(f.Sort) > 0 {
		sortDoc := bson.D{}
		for _, s := range f.Sort {
			dir := 1
			if !s.Ascending {
				dir = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: s.Key, Value: dir})
		}
		opts.SetSort(sortDoc)
	}
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	if f.Skip > 0 {
		opts.SetSkip(int64(f.Skip))
	}
	if p := f.Projection; p != nil {
		proj := bson.D{}
		switch {
		case len(p.Include) > 0:
			for _, k := range p.Include {
				proj = append(proj, bson.E{Key: k, Value: 1})
			}
		case len(p.Exclude) > 0:
			for _, k := range p.Exclude {
				proj = append(proj, bson.E{Key: k, Value: 0})
			}
		}
		if len(proj) > 0 {
			opts.SetProjection(proj)
		}
	}
	return opts
}

// recordKeys lists the fields identifying a record of table: its primary
// keys, or _id when it declares none
func recordKeys(table *schema.Table) []string {
	if table != nil {
		if pks := table.PrimaryKeys(); len(pks) > 0 {
			return pks
		}
	}
	return []string{idField}
}

// keyFilter selects the record identified by keys in image. It reports false
// when image lacks a key.
func keyFilter(keys []string, image map[string]interface{}) (bson.D, bool) {
	doc := make(bson.D, 0, len(keys))
	for _, k := range keys {
		v, ok := image[k]
		if !ok {
			return nil, false
		}
		doc = append(doc, bson.E{Key: k, Value: v})
	}
	return doc, true
}

// setDoc renders the fields of image for $set, leaving _id alone
func setDoc(image map[string]interface{}) bson.D {
	doc := make(bson.D, 0, len(image))
	for _, k := range sortedKeys(image) {
		if k == idField {
			continue
		}
		doc = append(doc, bson.E{Key: k, Value: image[k]})
	}
	return doc
}
