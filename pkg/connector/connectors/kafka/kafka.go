// Package kafka publishes change events to Kafka. It is a target only: every
// record event becomes one message keyed by the primary key of its table.
package kafka

import (
	"context"
	"crypto/tls"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

const Implementation = "kafka"

//go:embed manifest.yaml
var manifest []byte

// Manifest returns the default bundle manifest
func Manifest() []byte { return manifest }

func init() {
	registry.MustRegister(registry.Descriptor{
		Implementation: Implementation,
		Manifest:       manifest,
		Factory:        func() core.Connector { return New() },
	})
}

// Config is the connection configuration
type Config struct {
	Brokers               []string
	ClientID              string
	Version               string
	Acks                  string
	Compression           string
	Retries               int
	Idempotent            bool
	TLS                   bool
	TLSInsecureSkipVerify bool
	SASLMechanism         string
	SASLUser              string
	SASLPassword          string
}

// ParseConfig reads a connection config map
func ParseConfig(m core.DataMap) (Config, error) {
	cfg := Config{
		ClientID:              m.StringOr("clientId", "nebula-pdk"),
		Version:               m.StringOr("version", "2.1.0"),
		Acks:                  strings.ToLower(m.StringOr("acks", "all")),
		Compression:           strings.ToLower(m.StringOr("compression", "none")),
		Retries:               m.Int("retries", 3),
		Idempotent:            m.Bool("idempotent", false),
		TLS:                   m.Bool("tls", false),
		TLSInsecureSkipVerify: m.Bool("tlsInsecureSkipVerify", false),
		SASLMechanism:         strings.ToUpper(m.String("saslMechanism")),
		SASLUser:              m.String("saslUser"),
		SASLPassword:          m.String("saslPassword"),
	}
	for _, b := range m.Strings("brokers") {
		for _, part := range strings.Split(b, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.Brokers = append(cfg.Brokers, part)
			}
		}
	}
	if len(cfg.Brokers) == 0 {
		return cfg, errors.New(errors.ErrorTypeConfig, "brokers is required")
	}
	return cfg, nil
}

// saramaConfig maps cfg onto a producer configuration
func saramaConfig(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid kafka version")
	}
	sc.Version = version

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = cfg.Retries

	switch cfg.Acks {
	case "all", "-1":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "leader", "1":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none", "0":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown acks %q", cfg.Acks)
	}

	switch cfg.Compression {
	case "none", "":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown compression %q", cfg.Compression)
	}

	if cfg.Idempotent {
		if sc.Producer.RequiredAcks != sarama.WaitForAll {
			return nil, errors.New(errors.ErrorTypeConfig, "idempotent producer requires acks=all")
		}
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}

	if cfg.TLS {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{InsecureSkipVerify: cfg.TLSInsecureSkipVerify} // #nosec G402 -- opt-in
	}

	if cfg.SASLMechanism != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUser
		sc.Net.SASL.Password = cfg.SASLPassword
		switch cfg.SASLMechanism {
		case "PLAIN":
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &scramClient{hash: sha256Hash} }
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &scramClient{hash: sha512Hash} }
		default:
			return nil, errors.Newf(errors.ErrorTypeConfig, "unknown sasl mechanism %q", cfg.SASLMechanism)
		}
	}

	if err := sc.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid producer config")
	}
	return sc, nil
}

// NodeConfig is the per node configuration of a target
type NodeConfig struct {
	Format            string
	Topic             string
	TopicPrefix       string
	TopicSuffix       string
	Partitions        int32
	ReplicationFactor int16
}

// Message formats
const (
	FormatJSON = "json"
	FormatAvro = "avro"
)

// ParseNodeConfig reads a node config map
func ParseNodeConfig(m core.DataMap) (NodeConfig, error) {
	nc := NodeConfig{
		Format:            strings.ToLower(m.StringOr("format", FormatJSON)),
		Topic:             m.String("topic"),
		TopicPrefix:       m.String("topicPrefix"),
		TopicSuffix:       m.String("topicSuffix"),
		Partitions:        int32(m.Int("partitions", 1)),
		ReplicationFactor: int16(m.Int("replicationFactor", 1)),
	}
	if nc.Format != FormatJSON && nc.Format != FormatAvro {
		return nc, errors.Newf(errors.ErrorTypeConfig, "unknown format %q", nc.Format)
	}
	if nc.Partitions <= 0 || nc.ReplicationFactor <= 0 {
		return nc, errors.New(errors.ErrorTypeConfig, "partitions and replicationFactor must be positive")
	}
	return nc, nil
}

// TopicFor names the topic receiving the events of table
func (nc NodeConfig) TopicFor(table string) string {
	if nc.Topic != "" {
		return nc.Topic
	}
	return nc.TopicPrefix + strings.ReplaceAll(table, ".", "_") + nc.TopicSuffix
}

// tableOf reverses TopicFor. It reports false for topics of other tables.
func (nc NodeConfig) tableOf(topic string) (string, bool) {
	if nc.Topic != "" || strings.HasPrefix(topic, "__") {
		return "", false
	}
	if !strings.HasPrefix(topic, nc.TopicPrefix) || !strings.HasSuffix(topic, nc.TopicSuffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(topic, nc.TopicPrefix), nc.TopicSuffix)
	return name, name != ""
}

// Connector produces the events of a pipeline to Kafka
type Connector struct {
	cfg      Config
	client   sarama.Client
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	logger   *zap.Logger

	mu       sync.Mutex
	encoders map[string]*avroEncoder
}

// New creates an unconnected instance
func New() *Connector {
	return &Connector{encoders: map[string]*avroEncoder{}}
}

// Init connects to the cluster and starts a synchronous producer
func (c *Connector) Init(_ context.Context, cc *core.ConnectorContext) error {
	cfg, err := ParseConfig(cc.ConnectionConfig)
	if err != nil {
		return err
	}
	sc, err := saramaConfig(cfg)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = cc.Logger.With(zap.Strings("brokers", cfg.Brokers))

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to kafka")
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create producer")
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create cluster admin")
	}
	c.client, c.producer, c.admin = client, producer, admin
	c.logger.Info("Kafka connector initialized", zap.String("version", sc.Version.String()))
	return nil
}

// Destroy flushes the producer and closes the client
func (c *Connector) Destroy(_ context.Context, _ *core.ConnectorContext) error {
	var firstErr error
	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			firstErr = err
		}
		c.producer = nil
	}
	// closing the admin closes the shared client
	if c.admin != nil {
		if err := c.admin.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.admin, c.client = nil, nil
	}
	return firstErr
}

// DiscoverSchema lists the tables that have a topic. Topics carry no schema,
// so the tables have no fields.
func (c *Connector) DiscoverSchema(_ context.Context, cc *core.ConnectorContext, tables []string) ([]*schema.Table, error) {
	nc, err := ParseNodeConfig(cc.NodeConfig)
	if err != nil {
		return nil, err
	}
	topics, err := c.client.Topics()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list topics")
	}
	wanted := map[string]bool{}
	for _, t := range tables {
		wanted[t] = true
	}
	var names []string
	for _, topic := range topics {
		name, ok := nc.tableOf(topic)
		if !ok || (len(wanted) > 0 && !wanted[name]) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*schema.Table, len(names))
	for i, n := range names {
		out[i] = schema.NewTable(n)
	}
	return out, nil
}

// ConnectionTest reports broker reachability and whether topics can be listed
func (c *Connector) ConnectionTest(ctx context.Context, cc *core.ConnectorContext, consumer func(core.TestItem)) error {
	if c.client == nil {
		if err := c.Init(ctx, cc); err != nil {
			consumer(core.TestItem{Item: core.TestItemConnection, Result: core.TestFailed, Information: err.Error()})
			return nil
		}
		defer func() { _ = c.Destroy(ctx, cc) }()
	}
	consumer(core.TestItem{Item: core.TestItemConnection, Result: core.TestSuccessful,
		Information: fmt.Sprintf("%d brokers", len(c.client.Brokers()))})

	if c.cfg.SASLMechanism != "" {
		consumer(core.TestItem{Item: core.TestItemLogin, Result: core.TestSuccessful, Information: c.cfg.SASLMechanism})
	}

	if _, controller, err := c.admin.DescribeCluster(); err != nil {
		consumer(core.TestItem{Item: core.TestItemVersion, Result: core.TestWarning, Information: err.Error()})
	} else {
		consumer(core.TestItem{Item: core.TestItemVersion, Result: core.TestSuccessful,
			Information: fmt.Sprintf("protocol %s, controller %d", c.cfg.Version, controller)})
	}

	if _, err := c.admin.ListTopics(); err != nil {
		consumer(core.TestItem{Item: core.TestItemWrite, Result: core.TestFailed, Information: err.Error()})
	} else {
		consumer(core.TestItem{Item: core.TestItemWrite, Result: core.TestSuccessful})
	}
	return nil
}

// RegisterCapabilities fills the target slots and the codecs of the Avro
// flavoured type names
func (c *Connector) RegisterCapabilities(fns *core.Functions, codecs *codec.Registry) {
	fns.CreateTable = c.createTable
	fns.AlterTable = c.alterTable
	fns.DropTable = c.dropTable
	fns.WriteRecord = c.writeRecord
	registerCodecs(codecs)
}

func registerCodecs(r *codec.Registry) {
	r.RegisterFromValue(schema.KindYear, codec.FromValueCodec{
		Hint: "int",
		Convert: func(v codec.Value) (interface{}, error) {
			return codec.AsInt64(v.V)
		},
	})
	r.RegisterFromValue(schema.KindRaw, codec.FromValueCodec{Hint: "json"})
}
