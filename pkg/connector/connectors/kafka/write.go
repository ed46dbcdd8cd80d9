package kafka

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Envelope operations
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Content types carried in the content-type header
const (
	ContentTypeJSON = "application/json"
	ContentTypeAvro = "avro/binary"
)

// envelope is the value of every message
type envelope struct {
	Op     string                 `json:"op"`
	Table  string                 `json:"table"`
	Ts     int64                  `json:"ts"`
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

func envelopeOf(table string, e models.RecordEvent) (envelope, error) {
	env := envelope{Table: table, Ts: e.Head().Time}
	if env.Ts == 0 {
		env.Ts = time.Now().UnixMilli()
	}
	switch v := e.(type) {
	case *models.InsertRecord:
		env.Op, env.After = OpInsert, v.After
	case *models.UpdateRecord:
		env.Op, env.Before, env.After = OpUpdate, v.Before, v.After
	case *models.DeleteRecord:
		env.Op, env.Before = OpDelete, v.Before
	default:
		return env, errors.Newf(errors.ErrorTypeValidation, "unsupported event %T", e)
	}
	return env, nil
}

// recordKey renders the primary key values of image as a JSON object. Tables
// without a primary key produce unkeyed messages.
func recordKey(pks []string, image map[string]interface{}) ([]byte, error) {
	if len(pks) == 0 {
		return nil, nil
	}
	key := make(map[string]interface{}, len(pks))
	for _, pk := range pks {
		v, ok := image[pk]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "record carries no key field %s", pk)
		}
		key[pk] = v
	}
	return json.Marshal(key)
}

// messageBuilder turns the record events of one table into messages
type messageBuilder struct {
	nc    NodeConfig
	table *schema.Table
	avro  *avroEncoder
}

func (b *messageBuilder) build(e models.RecordEvent) (*sarama.ProducerMessage, error) {
	env, err := envelopeOf(b.table.ID, e)
	if err != nil {
		return nil, err
	}
	image := env.After
	if env.Op == OpDelete {
		image = env.Before
	}
	key, err := recordKey(b.table.PrimaryKeys(), image)
	if err != nil {
		return nil, err
	}

	var value []byte
	contentType := ContentTypeJSON
	if b.avro != nil {
		contentType = ContentTypeAvro
		value, err = b.avro.encode(env)
	} else {
		value, err = json.Marshal(env)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode message")
	}

	msg := &sarama.ProducerMessage{
		Topic:     b.nc.TopicFor(b.table.ID),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.UnixMilli(env.Ts),
		Headers: []sarama.RecordHeader{
			{Key: []byte("op"), Value: []byte(env.Op)},
			{Key: []byte("table"), Value: []byte(b.table.ID)},
			{Key: []byte("content-type"), Value: []byte(contentType)},
		},
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}
	return msg, nil
}

// encoder returns the Avro encoder of table, rebuilding it when the fields
// changed since it was derived
func (c *Connector) encoder(table *schema.Table, resolve typeResolver) (*avroEncoder, error) {
	sig := avroSignature(table, resolve)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.encoders[table.ID]; ok && e.signature == sig {
		return e, nil
	}
	e, err := newAvroEncoder(table, resolve)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to derive avro schema").WithDetail("table", table.ID)
	}
	c.encoders[table.ID] = e
	return e, nil
}

func (c *Connector) builder(cc *core.ConnectorContext, table *schema.Table) (*messageBuilder, error) {
	nc, err := ParseNodeConfig(cc.NodeConfig)
	if err != nil {
		return nil, err
	}
	b := &messageBuilder{nc: nc, table: table}
	if nc.Format == FormatAvro {
		if b.avro, err = c.encoder(table, specResolver(cc.Spec)); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// createTable creates the topic of the table. An existing topic is kept.
func (c *Connector) createTable(_ context.Context, cc *core.ConnectorContext, e *models.CreateTable) error {
	nc, err := ParseNodeConfig(cc.NodeConfig)
	if err != nil {
		return err
	}
	if nc.Format == FormatAvro && e.Table != nil {
		enc, err := c.encoder(e.Table, specResolver(cc.Spec))
		if err != nil {
			return err
		}
		c.logger.Debug("derived avro schema", zap.String("table", e.TableID), zap.String("schema", enc.Schema()))
	}
	topic := nc.TopicFor(e.TableID)
	err = c.admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     nc.Partitions,
		ReplicationFactor: nc.ReplicationFactor,
	}, false)
	if err != nil && !isTopicError(err, sarama.ErrTopicAlreadyExists) {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create topic").WithDetail("topic", topic)
	}
	c.logger.Info("topic ready", zap.String("topic", topic))
	return nil
}

// alterTable forgets the derived schema of the table
func (c *Connector) alterTable(_ context.Context, _ *core.ConnectorContext, e *models.AlterTable) error {
	c.mu.Lock()
	delete(c.encoders, e.TableID)
	c.mu.Unlock()
	return nil
}

// dropTable deletes the topic of the table. A shared topic is kept.
func (c *Connector) dropTable(_ context.Context, cc *core.ConnectorContext, e *models.DropTable) error {
	nc, err := ParseNodeConfig(cc.NodeConfig)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.encoders, e.TableID)
	c.mu.Unlock()
	if nc.Topic != "" {
		c.logger.Info("shared topic kept on drop", zap.String("table", e.TableID), zap.String("topic", nc.Topic))
		return nil
	}
	topic := nc.TopicFor(e.TableID)
	if err := c.admin.DeleteTopic(topic); err != nil && !isTopicError(err, sarama.ErrUnknownTopicOrPartition) {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to delete topic").WithDetail("topic", topic)
	}
	c.logger.Info("topic deleted", zap.String("topic", topic))
	return nil
}

func isTopicError(err error, code sarama.KError) bool {
	var te *sarama.TopicError
	if errors.As(err, &te) {
		return te.Err == code
	}
	return errors.Is(err, code)
}

// messageSender is the part of sarama.SyncProducer the writer uses
type messageSender interface {
	SendMessages(msgs []*sarama.ProducerMessage) error
}

// writeRecord produces one message per event in a single synchronous send.
// Events that fail to encode or produce are reported per event.
func (c *Connector) writeRecord(ctx context.Context, cc *core.ConnectorContext, events []models.RecordEvent, table *schema.Table, consumer func(*core.WriteListResult)) error {
	b, err := c.builder(cc, table)
	if err != nil {
		return err
	}
	result, err := produce(ctx, c.producer, b, events)
	if err != nil {
		return err
	}
	consumer(result)
	return nil
}

func produce(ctx context.Context, sender messageSender, b *messageBuilder, events []models.RecordEvent) (*core.WriteListResult, error) {
	result := core.NewWriteListResult()
	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	built := make([]models.RecordEvent, 0, len(events))
	for _, e := range events {
		msg, err := b.build(e)
		if err != nil {
			result.AddError(e, err)
			continue
		}
		msg.Metadata = len(built)
		msgs = append(msgs, msg)
		built = append(built, e)
	}
	if len(msgs) == 0 {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	failed := map[int]bool{}
	if err := sender.SendMessages(msgs); err != nil {
		var perrs sarama.ProducerErrors
		if !errors.As(err, &perrs) {
			return nil, errors.Wrap(err, errors.ErrorTypeWriteBatch, "failed to produce batch")
		}
		for _, pe := range perrs {
			if i, ok := pe.Msg.Metadata.(int); ok && i < len(built) {
				failed[i] = true
				result.AddError(built[i], errors.Wrap(pe.Err, errors.ErrorTypeWriteBatch, "failed to produce message"))
			}
		}
	}
	for i, e := range built {
		if failed[i] {
			continue
		}
		switch e.(type) {
		case *models.InsertRecord:
			result.Inserted++
		case *models.UpdateRecord:
			result.Modified++
		case *models.DeleteRecord:
			result.Removed++
		}
	}
	return result, nil
}
