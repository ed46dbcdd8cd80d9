package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
)

// streamOffset is either a resume token or a cluster time to start at
type streamOffset struct {
	Token   []byte `json:"token,omitempty"`
	StartAt uint32 `json:"startAt,omitempty"`
}

// changeEvent is the part of a change stream document the connector reads
type changeEvent struct {
	OperationType string `bson:"operationType"`
	Namespace     struct {
		Database   string `bson:"db"`
		Collection string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey              bson.M              `bson:"documentKey"`
	FullDocument             bson.M              `bson:"fullDocument"`
	FullDocumentBeforeChange bson.M              `bson:"fullDocumentBeforeChange"`
	ClusterTime              primitive.Timestamp `bson:"clusterTime"`
	UpdateDescription        *struct {
		UpdatedFields bson.M   `bson:"updatedFields"`
		RemovedFields []string `bson:"removedFields"`
	} `bson:"updateDescription"`
}

// streamOffset opens a change stream to take its current resume token. A
// since time becomes a cluster time to start at instead.
func (c *Connector) streamOffset(ctx context.Context, _ *core.ConnectorContext, tables []string, since *time.Time) (core.Offset, error) {
	if since != nil {
		return core.EncodeOffset(streamOffset{StartAt: uint32(since.Unix())})
	}
	cs, err := c.db.Watch(ctx, changePipeline(tables))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStreamConnect, "failed to open change stream")
	}
	defer cs.Close(context.Background())
	cs.TryNext(ctx)
	token := cs.ResumeToken()
	if token == nil {
		return nil, errors.New(errors.ErrorTypeStreamConnect, "change stream returned no resume token")
	}
	return core.EncodeOffset(streamOffset{Token: token})
}

// changePipeline keeps the data changes of the watched collections
func changePipeline(tables []string) mongo.Pipeline {
	match := bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{
		"insert", "update", "replace", "delete", "drop",
	}}}}}
	if len(tables) > 0 {
		match = append(match, bson.E{Key: "ns.coll", Value: bson.D{{Key: "$in", Value: tables}}})
	}
	return mongo.Pipeline{{{Key: "$match", Value: match}}}
}

// streamRead watches the database from offset. Events are delivered when the
// server batch is drained or batchSize is reached, each batch carrying the
// resume token of its last event. It runs until ctx ends.
func (c *Connector) streamRead(ctx context.Context, _ *core.ConnectorContext, tables []string, offset core.Offset, batchSize int, consumer core.Consumer) error {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if !offset.IsEmpty() {
		var o streamOffset
		if err := offset.Decode(&o); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "invalid stream offset")
		}
		switch {
		case len(o.Token) > 0:
			opts.SetResumeAfter(bson.Raw(o.Token))
		case o.StartAt > 0:
			opts.SetStartAtOperationTime(&primitive.Timestamp{T: o.StartAt})
		}
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	cs, err := c.db.Watch(ctx, changePipeline(tables), opts)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStreamConnect, "failed to open change stream")
	}
	defer cs.Close(context.Background())
	c.logger.Info("started MongoDB change stream", zap.Strings("collections", tables))

	var pending []models.Event
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		next, err := core.EncodeOffset(streamOffset{Token: cs.ResumeToken()})
		if err != nil {
			return err
		}
		events := pending
		pending = nil
		return consumer(events, next)
	}

	for cs.Next(ctx) {
		var ch changeEvent
		if err := cs.Decode(&ch); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to decode change event")
		}
		if ev := ch.event(); ev != nil {
			pending = append(pending, ev)
		}
		if len(pending) >= batchSize || cs.RemainingBatchLength() == 0 {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := cs.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStreamConnect, "change stream failed")
	}
	return flush()
}

// event converts a change document. Operations other than data changes and
// drops return nil.
func (ch *changeEvent) event() models.Event {
	table := ch.Namespace.Collection
	ref := int64(ch.ClusterTime.T) * 1000
	var ev models.Event
	switch ch.OperationType {
	case "insert":
		ev = models.NewInsert(table, normalizeMap(ch.FullDocument))
	case "update", "replace":
		after := ch.FullDocument
		if after == nil {
			// the document was deleted before the lookup
			after = bson.M{}
			for k, v := range ch.DocumentKey {
				after[k] = v
			}
			if ch.UpdateDescription != nil {
				for k, v := range ch.UpdateDescription.UpdatedFields {
					after[k] = v
				}
			}
		}
		var before map[string]interface{}
		if ch.FullDocumentBeforeChange != nil {
			before = normalizeMap(ch.FullDocumentBeforeChange)
		} else if ch.DocumentKey != nil {
			before = normalizeMap(ch.DocumentKey)
		}
		ev = models.NewUpdate(table, before, normalizeMap(after))
	case "delete":
		image := ch.FullDocumentBeforeChange
		if image == nil {
			image = ch.DocumentKey
		}
		ev = models.NewDelete(table, normalizeMap(image))
	case "drop":
		d := &models.DropTable{}
		d.TableID = table
		d.Time = time.Now().UnixMilli()
		ev = d
	default:
		return nil
	}
	ev.Head().ReferenceTime = ref
	return ev
}
