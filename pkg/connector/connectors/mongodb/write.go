package mongodb

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Insert policies of target nodes
const (
	InsertUpdateOnExists = "update_on_exists"
	InsertIgnoreOnExists = "ignore_on_exists"
)

const codeNamespaceExists = 48

// createTable creates the collection and the unique index of a primary key
// other than _id, plus the declared indexes
func (c *Connector) createTable(ctx context.Context, _ *core.ConnectorContext, e *models.CreateTable) error {
	err := c.db.CreateCollection(ctx, e.TableID)
	var ce mongo.CommandError
	if err != nil && !(errors.As(err, &ce) && ce.Code == codeNamespaceExists) {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create collection").WithDetail("collection", e.TableID)
	}
	if idx := indexModels(e.Table); len(idx) > 0 {
		if _, err := c.db.Collection(e.TableID).Indexes().CreateMany(ctx, idx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create indexes").WithDetail("collection", e.TableID)
		}
	}
	c.logger.Info("collection created", zap.String("collection", e.TableID))
	return nil
}

func indexModels(t *schema.Table) []mongo.IndexModel {
	if t == nil {
		return nil
	}
	var out []mongo.IndexModel
	if pks := t.PrimaryKeys(); len(pks) > 0 && !(len(pks) == 1 && pks[0] == idField) {
		out = append(out, mongo.IndexModel{
			Keys:    ascending(pks),
			Options: options.Index().SetUnique(true).SetName("pk_" + strings.Join(pks, "_")),
		})
	}
	for _, idx := range t.Indexes {
		if idx.Primary || len(idx.Fields) == 0 {
			continue
		}
		opts := options.Index().SetUnique(idx.Unique)
		if idx.Name != "" {
			opts.SetName(idx.Name)
		}
		out = append(out, mongo.IndexModel{Keys: ascending(idx.Fields), Options: opts})
	}
	return out
}

func ascending(fields []string) bson.D {
	keys := make(bson.D, len(fields))
	for i, f := range fields {
		keys[i] = bson.E{Key: f, Value: 1}
	}
	return keys
}

func (c *Connector) clearTable(ctx context.Context, _ *core.ConnectorContext, e *models.ClearTable) error {
	if _, err := c.db.Collection(e.TableID).DeleteMany(ctx, bson.D{}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to clear collection").WithDetail("collection", e.TableID)
	}
	return nil
}

func (c *Connector) dropTable(ctx context.Context, _ *core.ConnectorContext, e *models.DropTable) error {
	if err := c.db.Collection(e.TableID).Drop(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to drop collection").WithDetail("collection", e.TableID)
	}
	c.logger.Info("collection dropped", zap.String("collection", e.TableID))
	return nil
}

// planWrites turns events into bulk write models. Events that cannot be
// expressed are recorded on result and left out; planned[i] is the event of
// model i.
func planWrites(events []models.RecordEvent, table *schema.Table, update bool, result *core.WriteListResult) ([]mongo.WriteModel, []models.RecordEvent) {
	keys := recordKeys(table)
	var out []mongo.WriteModel
	var planned []models.RecordEvent
	for _, e := range events {
		var m mongo.WriteModel
		switch v := e.(type) {
		case *models.InsertRecord:
			filter, ok := keyFilter(keys, v.After)
			switch {
			case !ok:
				m = mongo.NewInsertOneModel().SetDocument(v.After)
			case update:
				m = mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(v.After).SetUpsert(true)
			default:
				m = mongo.NewUpdateOneModel().SetFilter(filter).
					SetUpdate(bson.D{{Key: "$setOnInsert", Value: v.After}}).SetUpsert(true)
			}
		case *models.UpdateRecord:
			image := v.After
			if _, ok := keyFilter(keys, v.Before); ok {
				image = v.Before
			}
			filter, ok := keyFilter(keys, image)
			if !ok {
				result.AddError(e, errors.Newf(errors.ErrorTypeValidation, "update carries no %s", strings.Join(keys, ", ")))
				continue
			}
			m = mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(bson.D{{Key: "$set", Value: setDoc(v.After)}})
		case *models.DeleteRecord:
			filter, ok := keyFilter(keys, v.Before)
			if !ok {
				result.AddError(e, errors.Newf(errors.ErrorTypeValidation, "delete carries no %s", strings.Join(keys, ", ")))
				continue
			}
			m = mongo.NewDeleteOneModel().SetFilter(filter)
		default:
			result.AddError(e, errors.Newf(errors.ErrorTypeValidation, "unsupported event %T", e))
			continue
		}
		out = append(out, m)
		planned = append(planned, e)
	}
	return out, planned
}

// writeRecord applies the events as one unordered bulk write. Failed models
// are reported per event, the rest still apply.
func (c *Connector) writeRecord(ctx context.Context, cc *core.ConnectorContext, events []models.RecordEvent, table *schema.Table, consumer func(*core.WriteListResult)) error {
	update := cc.NodeConfig.StringOr("insertPolicy", InsertUpdateOnExists) != InsertIgnoreOnExists
	result := core.NewWriteListResult()
	writes, planned := planWrites(events, table, update, result)
	if len(writes) == 0 {
		consumer(result)
		return nil
	}

	res, err := c.db.Collection(table.ID).BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	var bwe mongo.BulkWriteException
	switch {
	case err == nil:
	case errors.As(err, &bwe):
		for _, we := range bwe.WriteErrors {
			if we.Index >= 0 && we.Index < len(planned) {
				result.AddError(planned[we.Index], we)
			}
		}
		if bwe.WriteConcernError != nil {
			return errors.Wrap(err, errors.ErrorTypeWriteBatch, "write concern failed")
		}
	default:
		return errors.Wrap(err, errors.ErrorTypeWriteBatch, "failed to write batch")
	}
	if res != nil {
		result.Inserted += res.InsertedCount + res.UpsertedCount
		result.Modified += res.ModifiedCount
		result.Removed += res.DeletedCount
	}
	consumer(result)
	return nil
}
