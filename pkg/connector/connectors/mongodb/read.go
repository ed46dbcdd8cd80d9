package mongodb

import (
	"context"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// batchOffset holds the last delivered _id as canonical extended JSON
type batchOffset struct {
	LastID string `json:"lastId"`
}

func encodeID(id interface{}) (string, error) {
	data, err := bson.MarshalExtJSON(bson.D{{Key: "id", Value: id}}, true, false)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeID(s string) (interface{}, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), true, &doc); err != nil {
		return nil, err
	}
	if len(doc) != 1 {
		return nil, errors.New(errors.ErrorTypeValidation, "offset id document must have one field")
	}
	return doc[0].Value, nil
}

func (c *Connector) registry() *codec.Registry {
	if c.codecs == nil {
		c.codecs = codec.NewRegistry()
		registerCodecs(c.codecs)
	}
	return c.codecs
}

// DiscoverSchema samples each collection and infers its fields
func (c *Connector) DiscoverSchema(ctx context.Context, _ *core.ConnectorContext, tables []string) ([]*schema.Table, error) {
	filter := bson.D{}
	if len(tables) > 0 {
		filter = bson.D{{Key: "name", Value: bson.D{{Key: "$in", Value: tables}}}}
	}
	names, err := c.db.ListCollectionNames(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list collections")
	}
	sort.Strings(names)

	fm := codec.NewFilterManager(c.registry())
	out := make([]*schema.Table, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, "system.") {
			continue
		}
		cur, err := c.db.Collection(name).Aggregate(ctx, mongo.Pipeline{
			{{Key: "$sample", Value: bson.D{{Key: "size", Value: c.cfg.SampleSize}}}},
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to sample collection").WithDetail("collection", name)
		}
		rows, err := collectDocs(ctx, cur)
		if err != nil {
			return nil, err
		}
		t, conflicts := sampledTable(name, rows, fm)
		for _, cf := range conflicts {
			c.logger.Warn("sampled field types disagree", zap.String("collection", name), zap.String("conflict", cf.String()))
		}
		out = append(out, t)
	}
	return out, nil
}

// sampledTable builds a table from sampled documents. _id is the primary key
// and is present even when the collection is empty.
func sampledTable(name string, rows []map[string]interface{}, fm *codec.FilterManager) (*schema.Table, []codec.Conflict) {
	fields, conflicts := fm.Infer(rows)
	t := schema.NewTable(name)
	hasID := false
	for _, f := range fields {
		f.DataType = "NULL"
		for _, row := range rows {
			if v, ok := row[f.Name]; ok && v != nil {
				f.DataType = bsonTypeName(v)
				break
			}
		}
		if f.Name == idField {
			hasID = true
			f.AsPrimaryKey(1)
			f.Nullable = false
		}
		t.Add(f)
	}
	if !hasID {
		id := schema.NewField(idField, "OBJECT_ID").WithType(schema.String{Bytes: 24, Fixed: true}).AsPrimaryKey(1)
		id.Nullable = false
		id.Pos = len(t.Fields) + 1
		t.Add(id)
	}
	t.SortFields()
	return t, conflicts
}

// collectDocs decodes every document of cur and closes it
func collectDocs(ctx context.Context, cur *mongo.Cursor) ([]map[string]interface{}, error) {
	defer cur.Close(ctx)
	var out []map[string]interface{}
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode document")
		}
		out = append(out, normalizeMap(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read documents")
	}
	return out, nil
}

func (c *Connector) batchCount(ctx context.Context, _ *core.ConnectorContext, table *schema.Table) (int64, error) {
	n, err := c.db.Collection(table.ID).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count documents")
	}
	return n, nil
}

// batchRead pages through the collection in _id order, resuming after the
// last delivered _id
func (c *Connector) batchRead(ctx context.Context, _ *core.ConnectorContext, table *schema.Table, offset core.Offset, batchSize int, consumer core.Consumer) error {
	var last interface{}
	if !offset.IsEmpty() {
		var o batchOffset
		if err := offset.Decode(&o); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "invalid batch offset")
		}
		id, err := decodeID(o.LastID)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "invalid batch offset")
		}
		last = id
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	coll := c.db.Collection(table.ID)
	opts := options.Find().SetSort(bson.D{{Key: idField, Value: 1}}).SetLimit(int64(batchSize))
	for {
		filter := bson.D{}
		if last != nil {
			filter = bson.D{{Key: idField, Value: bson.D{{Key: "$gt", Value: last}}}}
		}
		cur, err := coll.Find(ctx, filter, opts)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to read batch")
		}
		docs, err := collectDocs(ctx, cur)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}
		events := make([]models.Event, len(docs))
		for i, d := range docs {
			events[i] = models.NewInsert(table.ID, d)
		}
		last = docs[len(docs)-1][idField]
		id, err := encodeID(last)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to encode offset")
		}
		next, err := core.EncodeOffset(batchOffset{LastID: id})
		if err != nil {
			return err
		}
		if err := consumer(events, next); err != nil {
			return err
		}
		if len(docs) < batchSize {
			return nil
		}
	}
}

func (c *Connector) queryByFilter(ctx context.Context, _ *core.ConnectorContext, filters []map[string]interface{}, table *schema.Table) ([]*core.FilterResult, error) {
	coll := c.db.Collection(table.ID)
	out := make([]*core.FilterResult, 0, len(filters))
	for _, f := range filters {
		res := &core.FilterResult{Filter: f}
		af := core.NewAdvanceFilter()
		for k, v := range f {
			af.WithMatch(k, v)
		}
		var doc bson.M
		err := coll.FindOne(ctx, filterDoc(af)).Decode(&doc)
		switch {
		case err == mongo.ErrNoDocuments:
		case err != nil:
			res.Error = err
		default:
			res.Result = normalizeMap(doc)
		}
		out = append(out, res)
	}
	return out, nil
}

func (c *Connector) queryByAdvanceFilter(ctx context.Context, _ *core.ConnectorContext, filter *core.AdvanceFilter, table *schema.Table, consumer func(*core.FilterResults) error) error {
	cur, err := c.db.Collection(table.ID).Find(ctx, filterDoc(filter), findOptions(filter))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to query collection")
	}
	docs, err := collectDocs(ctx, cur)
	if err != nil {
		return err
	}
	return consumer(&core.FilterResults{Results: docs})
}
