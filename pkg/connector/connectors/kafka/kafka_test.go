package kafka

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

func ordersTable() *schema.Table {
	t := schema.NewTable("shop.orders")
	t.Add(schema.NewField("id", "long").WithType(schema.Number{Bit: 64}).AsPrimaryKey(1))
	t.Add(schema.NewField("name", "string").WithType(schema.String{}))
	t.Add(schema.NewField("total", "decimal(10,2)").WithType(schema.Number{Precision: 10, Scale: 2, Fixed: true}))
	t.Add(schema.NewField("paid_at", "timestamp-millis").WithType(schema.DateTime{Fraction: 3, WithTimeZone: true}))
	t.Add(schema.NewField("tags", "array").WithType(schema.Array{}))
	return t
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(core.DataMap{"brokers": "a:9092, b:9092", "acks": "LEADER"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Brokers)
	assert.Equal(t, "leader", cfg.Acks)

	cfg, err = ParseConfig(core.DataMap{"brokers": []interface{}{"a:9092", "b:9092"}})
	require.NoError(t, err)
	assert.Len(t, cfg.Brokers, 2)

	_, err = ParseConfig(core.DataMap{})
	require.Error(t, err)
}

func TestSaramaConfig(t *testing.T) {
	cfg, err := ParseConfig(core.DataMap{
		"brokers":       "a:9092",
		"compression":   "snappy",
		"idempotent":    true,
		"saslMechanism": "scram-sha-512",
		"saslUser":      "pdk",
		"saslPassword":  "secret",
	})
	require.NoError(t, err)
	sc, err := saramaConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionSnappy, sc.Producer.Compression)
	assert.True(t, sc.Producer.Idempotent)
	assert.Equal(t, 1, sc.Net.MaxOpenRequests)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), sc.Net.SASL.Mechanism)
	require.NotNil(t, sc.Net.SASL.SCRAMClientGeneratorFunc)
	assert.IsType(t, &scramClient{}, sc.Net.SASL.SCRAMClientGeneratorFunc())

	for _, bad := range []core.DataMap{
		{"brokers": "a:9092", "acks": "some"},
		{"brokers": "a:9092", "compression": "brotli"},
		{"brokers": "a:9092", "idempotent": true, "acks": "leader"},
		{"brokers": "a:9092", "saslMechanism": "kerberos"},
		{"brokers": "a:9092", "version": "x.y"},
	} {
		cfg, err := ParseConfig(bad)
		require.NoError(t, err)
		_, err = saramaConfig(cfg)
		assert.Error(t, err, bad)
	}
}

func TestTopicNaming(t *testing.T) {
	nc, err := ParseNodeConfig(core.DataMap{"topicPrefix": "cdc.", "topicSuffix": ".v1"})
	require.NoError(t, err)
	assert.Equal(t, "cdc.shop_orders.v1", nc.TopicFor("shop.orders"))

	name, ok := nc.tableOf("cdc.orders.v1")
	assert.True(t, ok)
	assert.Equal(t, "orders", name)
	_, ok = nc.tableOf("other")
	assert.False(t, ok)
	_, ok = nc.tableOf("__consumer_offsets")
	assert.False(t, ok)

	nc, err = ParseNodeConfig(core.DataMap{"topic": "events"})
	require.NoError(t, err)
	assert.Equal(t, "events", nc.TopicFor("orders"))

	_, err = ParseNodeConfig(core.DataMap{"format": "protobuf"})
	require.Error(t, err)
}

func TestAvroName(t *testing.T) {
	assert.Equal(t, "shop_orders", avroName("shop.orders"))
	assert.Equal(t, "_1st", avroName("1st"))
	assert.Equal(t, "_", avroName(""))
}

func TestAvroTypeMapping(t *testing.T) {
	for _, tt := range []struct {
		typ    schema.Type
		branch string
	}{
		{schema.Number{Bit: 16}, "int"},
		{schema.Number{Bit: 32, Unsigned: true}, "long"},
		{schema.Number{Bit: 64}, "long"},
		{schema.Number{Bit: 64, Unsigned: true}, "bytes.decimal"},
		{schema.Number{Precision: 10, Scale: 2, Fixed: true}, "bytes.decimal"},
		{schema.Number{Precision: 6}, "float"},
		{schema.Number{Precision: 17}, "double"},
		{schema.Date{}, "int.date"},
		{schema.Time{Fraction: 6}, "long.time-micros"},
		{schema.DateTime{Fraction: 3}, "long.timestamp-millis"},
		{schema.DateTime{Fraction: 6}, "long.timestamp-micros"},
		{schema.Year{}, "int"},
		{schema.Binary{}, "bytes"},
		{schema.Map{}, "string"},
	} {
		_, branch, _ := avroType(tt.typ)
		assert.Equal(t, tt.branch, branch, tt.typ.String())
	}
}

func TestAvroEncoderRoundTrip(t *testing.T) {
	enc, err := newAvroEncoder(ordersTable(), specResolver(nil))
	require.NoError(t, err)
	assert.Contains(t, enc.Schema(), `"io.nebula.pdk.shop_orders_envelope"`)

	paid := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	data, err := enc.encode(envelope{
		Op:    OpInsert,
		Table: "shop.orders",
		Ts:    paid.UnixMilli(),
		After: map[string]interface{}{"id": int64(7), "name": "a", "total": "12.50", "paid_at": paid, "tags": []interface{}{"x"}},
	})
	require.NoError(t, err)

	native, _, err := enc.codec.NativeFromSingle(data)
	require.NoError(t, err)
	rec := native.(map[string]interface{})
	assert.Equal(t, "insert", rec["op"])
	assert.Nil(t, rec["before"])

	after := rec["after"].(map[string]interface{})["io.nebula.pdk.shop_orders"].(map[string]interface{})
	assert.Equal(t, int64(7), after["id"])
	assert.Equal(t, map[string]interface{}{"string": "a"}, after["name"])
	assert.Equal(t, map[string]interface{}{"string": `["x"]`}, after["tags"])
	total := after["total"].(map[string]interface{})["bytes.decimal"].(*big.Rat)
	assert.Equal(t, "12.50", total.FloatString(2))
	assert.True(t, paid.Equal(after["paid_at"].(map[string]interface{})["long.timestamp-millis"].(time.Time)))
}

func TestAvroEncoderRequiresKeys(t *testing.T) {
	enc, err := newAvroEncoder(ordersTable(), specResolver(nil))
	require.NoError(t, err)
	_, err = enc.encode(envelope{Op: OpDelete, Table: "shop.orders", Before: map[string]interface{}{"name": "a"}})
	require.Error(t, err)

	_, err = enc.encode(envelope{Op: OpDelete, Table: "shop.orders", Before: map[string]interface{}{"id": int64(7)}})
	require.NoError(t, err)
}

func TestAvroEncoderRejectsNameClash(t *testing.T) {
	table := schema.NewTable("t")
	table.Add(schema.NewField("a.b", "string"))
	table.Add(schema.NewField("a_b", "string"))
	_, err := newAvroEncoder(table, specResolver(nil))
	require.Error(t, err)
}

func TestSpecResolverUsesDataTypes(t *testing.T) {
	spec, err := core.ParseManifest(Manifest())
	require.NoError(t, err)
	resolve := specResolver(spec)
	assert.Equal(t, schema.Number{Bit: 64}, resolve(schema.NewField("n", "long")))
	assert.Equal(t, schema.Raw{}, resolve(schema.NewField("n", "no-such-type")))
}

func TestEncoderCacheFollowsFields(t *testing.T) {
	c := New()
	table := ordersTable()
	first, err := c.encoder(table, specResolver(nil))
	require.NoError(t, err)
	again, err := c.encoder(table, specResolver(nil))
	require.NoError(t, err)
	assert.Same(t, first, again)

	table.Add(schema.NewField("note", "string").WithType(schema.String{}))
	changed, err := c.encoder(table, specResolver(nil))
	require.NoError(t, err)
	assert.NotSame(t, first, changed)
}

func TestRecordKey(t *testing.T) {
	key, err := recordKey([]string{"id", "region"}, map[string]interface{}{"id": 1, "region": "eu", "x": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"region":"eu"}`, string(key))

	key, err = recordKey(nil, map[string]interface{}{"id": 1})
	require.NoError(t, err)
	assert.Nil(t, key)

	_, err = recordKey([]string{"id"}, map[string]interface{}{})
	require.Error(t, err)
}

func TestMessageBuilderJSON(t *testing.T) {
	b := &messageBuilder{nc: NodeConfig{TopicPrefix: "cdc."}, table: ordersTable()}
	del := models.NewDelete("shop.orders", map[string]interface{}{"id": int64(7)})
	del.Time = 1700000000000

	msg, err := b.build(del)
	require.NoError(t, err)
	assert.Equal(t, "cdc.shop_orders", msg.Topic)
	assert.Equal(t, time.UnixMilli(1700000000000), msg.Timestamp)

	key, _ := msg.Key.Encode()
	assert.JSONEq(t, `{"id":7}`, string(key))
	value, _ := msg.Value.Encode()
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(value, &env))
	assert.Equal(t, "delete", env["op"])
	assert.Equal(t, map[string]interface{}{"id": float64(7)}, env["before"])
	assert.NotContains(t, env, "after")

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	assert.Equal(t, map[string]string{"op": "delete", "table": "shop.orders", "content-type": ContentTypeJSON}, headers)
}

type fakeSender struct {
	sent []*sarama.ProducerMessage
	fail map[int]error
}

func (f *fakeSender) SendMessages(msgs []*sarama.ProducerMessage) error {
	f.sent = append(f.sent, msgs...)
	var errs sarama.ProducerErrors
	for i, m := range msgs {
		if err, ok := f.fail[i]; ok {
			errs = append(errs, &sarama.ProducerError{Msg: m, Err: err})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func TestProduceReportsPerEventErrors(t *testing.T) {
	b := &messageBuilder{nc: NodeConfig{}, table: ordersTable()}
	ins := models.NewInsert("shop.orders", map[string]interface{}{"id": int64(1), "name": "a"})
	upd := models.NewUpdate("shop.orders", map[string]interface{}{"id": int64(2)}, map[string]interface{}{"id": int64(2), "name": "b"})
	del := models.NewDelete("shop.orders", map[string]interface{}{"id": int64(3)})
	keyless := models.NewInsert("shop.orders", map[string]interface{}{"name": "c"})

	sender := &fakeSender{fail: map[int]error{1: sarama.ErrMessageSizeTooLarge}}
	result, err := produce(context.Background(), sender, b, []models.RecordEvent{ins, keyless, upd, del})
	require.NoError(t, err)
	assert.Len(t, sender.sent, 3)
	assert.Equal(t, int64(1), result.Inserted)
	assert.Equal(t, int64(0), result.Modified)
	assert.Equal(t, int64(1), result.Removed)
	require.Len(t, result.ErrorMap, 2)
	assert.Contains(t, result.ErrorMap, models.Event(keyless))
	assert.Contains(t, result.ErrorMap, models.Event(upd))
}

func TestProduceAvroSetsContentType(t *testing.T) {
	c := New()
	cc := core.NewConnectorContext(nil, "node-1", nil, core.DataMap{"format": "avro"}, nil)
	b, err := c.builder(cc, ordersTable())
	require.NoError(t, err)
	require.NotNil(t, b.avro)

	sender := &fakeSender{}
	result, err := produce(context.Background(), sender, b, []models.RecordEvent{
		models.NewInsert("shop.orders", map[string]interface{}{"id": int64(1), "total": 3.5}),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Inserted)
	require.Len(t, sender.sent, 1)
	value, _ := sender.sent[0].Value.Encode()
	assert.Equal(t, []byte{0xC3, 0x01}, value[:2])
}
