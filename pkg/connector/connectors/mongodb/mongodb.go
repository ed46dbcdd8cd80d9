// Package mongodb connects MongoDB collections. Collections carry no schema,
// so discovery samples documents and infers field types from them.
package mongodb

import (
	"context"
	_ "embed"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

const Implementation = "mongodb"

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
	URI        string
	Host       string
	Port       int
	Database   string
	User       string
	Password   string
	SampleSize int
}

// ParseConfig reads a connection config map
func ParseConfig(m core.DataMap) (Config, error) {
	cfg := Config{
		URI:        m.String("uri"),
		Host:       m.StringOr("host", "localhost"),
		Port:       m.Int("port", 27017),
		Database:   m.String("database"),
		User:       m.String("user"),
		Password:   m.String("password"),
		SampleSize: m.Int("sampleSize", 100),
	}
	if cfg.Database == "" {
		return cfg, errors.New(errors.ErrorTypeConfig, "database is required")
	}
	if cfg.SampleSize <= 0 {
		return cfg, errors.Newf(errors.ErrorTypeConfig, "sampleSize must be positive, got %d", cfg.SampleSize)
	}
	return cfg, nil
}

// ConnectionURI returns the configured uri or one built from the parts
func (c Config) ConnectionURI() string {
	if c.URI != "" {
		return c.URI
	}
	u := url.URL{Scheme: "mongodb", Host: fmt.Sprintf("%s:%d", c.Host, c.Port), Path: "/"}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String()
}

// Connector reads and writes the collections of one database
type Connector struct {
	cfg    Config
	client *mongo.Client
	db     *mongo.Database
	codecs *codec.Registry
	logger *zap.Logger
}

// New creates an unconnected instance
func New() *Connector {
	return &Connector{}
}

// Init connects the client and pings the primary
func (c *Connector) Init(ctx context.Context, cc *core.ConnectorContext) error {
	cfg, err := ParseConfig(cc.ConnectionConfig)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = cc.Logger.With(zap.String("database", cfg.Database))

	opts := options.Client().ApplyURI(cfg.ConnectionURI()).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping server")
	}
	c.client = client
	c.db = client.Database(cfg.Database)
	c.logger.Info("MongoDB connector initialized")
	return nil
}

// Destroy disconnects the client
func (c *Connector) Destroy(ctx context.Context, _ *core.ConnectorContext) error {
	if c.client == nil {
		return nil
	}
	err := c.client.Disconnect(ctx)
	c.client, c.db = nil, nil
	return err
}

// RegisterCapabilities fills every slot but alter table, batch offset and control
func (c *Connector) RegisterCapabilities(fns *core.Functions, codecs *codec.Registry) {
	fns.BatchCount = c.batchCount
	fns.BatchRead = c.batchRead
	fns.StreamRead = c.streamRead
	fns.StreamOffset = c.streamOffset
	fns.QueryByFilter = c.queryByFilter
	fns.QueryByAdvanceFilter = c.queryByAdvanceFilter
	fns.CreateTable = c.createTable
	fns.ClearTable = c.clearTable
	fns.DropTable = c.dropTable
	fns.WriteRecord = c.writeRecord
	registerCodecs(codecs)
	c.codecs = codecs
}

// registerCodecs teaches the registry the bson value types
func registerCodecs(r *codec.Registry) {
	r.RegisterToValue(primitive.ObjectID{}, codec.ToValueCodec{
		Type:    schema.String{Bytes: 24, Fixed: true},
		Convert: func(v interface{}) (interface{}, error) { return v.(primitive.ObjectID).Hex(), nil },
	})
	r.RegisterToValue(primitive.DateTime(0), codec.ToValueCodec{
		Type:    schema.DateTime{Fraction: 3, WithTimeZone: true},
		Convert: func(v interface{}) (interface{}, error) { return v.(primitive.DateTime).Time().UTC(), nil },
	})
	r.RegisterToValue(primitive.Timestamp{}, codec.ToValueCodec{
		Type:    schema.DateTime{WithTimeZone: true},
		Convert: func(v interface{}) (interface{}, error) { return time.Unix(int64(v.(primitive.Timestamp).T), 0).UTC(), nil },
	})
	r.RegisterToValue(primitive.Decimal128{}, codec.ToValueCodec{
		Type:    schema.Number{Precision: 34, Scale: 6, Fixed: true},
		Convert: func(v interface{}) (interface{}, error) { return v.(primitive.Decimal128).String(), nil },
	})
	r.RegisterToValue(primitive.Binary{}, codec.ToValueCodec{
		Type:    schema.Binary{},
		Convert: func(v interface{}) (interface{}, error) { return v.(primitive.Binary).Data, nil },
	})
	r.RegisterToValue(primitive.Regex{}, codec.ToValueCodec{
		Type:    schema.String{},
		Convert: func(v interface{}) (interface{}, error) { return v.(primitive.Regex).String(), nil },
	})
	r.RegisterFromValue(schema.KindNumber, codec.FromValueCodec{Convert: func(v codec.Value) (interface{}, error) {
		s, ok := v.V.(string)
		if !ok {
			return v.V, nil
		}
		d, err := primitive.ParseDecimal128(s)
		if err != nil {
			return nil, err
		}
		return d, nil
	}})
	r.RegisterFromValue(schema.KindYear, codec.FromValueCodec{Hint: "INT32", Convert: func(v codec.Value) (interface{}, error) {
		n, err := codec.AsInt64(v.V)
		if err != nil {
			return nil, err
		}
		return int32(n), nil
	}})
	r.RegisterFromValue(schema.KindDate, codec.FromValueCodec{Hint: "DATE_TIME", Convert: func(v codec.Value) (interface{}, error) {
		return codec.AsTime(v.V)
	}})
	r.RegisterFromValue(schema.KindTime, codec.FromValueCodec{Hint: "STRING", Convert: codec.TextValue})
}

// ConnectionTest checks connectivity, server version, collection listing and
// replica set membership for change streams
func (c *Connector) ConnectionTest(ctx context.Context, cc *core.ConnectorContext, consumer func(core.TestItem)) error {
	if c.client == nil {
		if err := c.Init(ctx, cc); err != nil {
			consumer(core.TestItem{Item: core.TestItemConnection, Result: core.TestFailed, Information: err.Error()})
			return nil
		}
		defer func() { _ = c.Destroy(ctx, cc) }()
	}
	consumer(core.TestItem{Item: core.TestItemConnection, Result: core.TestSuccessful})

	var info bson.M
	if err := c.db.RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&info); err != nil {
		consumer(core.TestItem{Item: core.TestItemVersion, Result: core.TestFailed, Information: err.Error()})
	} else {
		consumer(core.TestItem{Item: core.TestItemVersion, Result: core.TestSuccessful, Information: fmt.Sprint(info["version"])})
	}

	if names, err := c.db.ListCollectionNames(ctx, bson.D{}); err != nil {
		consumer(core.TestItem{Item: core.TestItemRead, Result: core.TestFailed, Information: err.Error()})
	} else {
		consumer(core.TestItem{Item: core.TestItemRead, Result: core.TestSuccessful,
			Information: fmt.Sprintf("%d collections", len(names))})
	}

	var hello bson.M
	if err := c.db.RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}}).Decode(&hello); err != nil {
		consumer(core.TestItem{Item: core.TestItemStreamRead, Result: core.TestWarning, Information: err.Error()})
	} else if _, ok := hello["setName"]; !ok && hello["msg"] != "isdbgrid" {
		consumer(core.TestItem{Item: core.TestItemStreamRead, Result: core.TestWarning,
			Information: "change streams need a replica set or sharded cluster"})
	} else {
		consumer(core.TestItem{Item: core.TestItemStreamRead, Result: core.TestSuccessful})
	}
	return nil
}
