// Package postgres connects PostgreSQL tables. Snapshots, queries and writes
// go through a pgx pool; stream read follows a logical replication slot with
// the pgoutput plugin.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

const Implementation = "postgres"

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
	DSN         string
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	Schema      string
	MaxConns    int
	Slot        string
	Publication string
}

// ParseConfig reads a connection config map
func ParseConfig(m core.DataMap, nodeID string) (Config, error) {
	cfg := Config{
		DSN:         m.String("dsn"),
		Host:        m.StringOr("host", "localhost"),
		Port:        m.Int("port", 5432),
		Database:    m.String("database"),
		User:        m.String("user"),
		Password:    m.String("password"),
		Schema:      m.StringOr("schema", "public"),
		MaxConns:    m.Int("maxConns", 4),
		Slot:        m.String("slot"),
		Publication: m.StringOr("publication", "pdk_publication"),
	}
	if cfg.DSN == "" && cfg.Database == "" {
		return cfg, errors.New(errors.ErrorTypeConfig, "database is required")
	}
	if cfg.Slot == "" {
		cfg.Slot = slotName(nodeID)
	}
	return cfg, nil
}

// ConnString renders the config as a libpq URL
func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	return u.String()
}

// slotName derives a valid replication slot name: lower case letters,
// digits and underscores, at most 63 characters
func slotName(nodeID string) string {
	var b strings.Builder
	b.WriteString("pdk_")
	for _, r := range strings.ToLower(nodeID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

// Connector reads and writes the tables of one schema
type Connector struct {
	cfg     Config
	pool    *pgxpool.Pool
	logger  *zap.Logger
	typeMap *pgtype.Map
}

// New creates an unconnected instance
func New() *Connector {
	return &Connector{typeMap: pgtype.NewMap()}
}

// Init opens the connection pool
func (c *Connector) Init(ctx context.Context, cc *core.ConnectorContext) error {
	cfg, err := ParseConfig(cc.ConnectionConfig, cc.NodeID)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = cc.Logger.With(zap.String("schema", cfg.Schema))

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = 4
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	c.pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}
	if err := c.pool.Ping(ctx); err != nil {
		c.pool.Close()
		c.pool = nil
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect")
	}
	c.logger.Info("PostgreSQL connector initialized",
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_connections", poolConfig.MaxConns))
	return nil
}

// Destroy closes the pool
func (c *Connector) Destroy(context.Context, *core.ConnectorContext) error {
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return nil
}

// Pause releases the pool, Init reopens it
func (c *Connector) Pause(ctx context.Context, cc *core.ConnectorContext) error {
	return c.Destroy(ctx, cc)
}

// RegisterCapabilities fills every slot but batch offset and control
func (c *Connector) RegisterCapabilities(fns *core.Functions, codecs *codec.Registry) {
	fns.BatchCount = c.batchCount
	fns.BatchRead = c.batchRead
	fns.StreamRead = c.streamRead
	fns.StreamOffset = c.streamOffset
	fns.QueryByFilter = c.queryByFilter
	fns.QueryByAdvanceFilter = c.queryByAdvanceFilter
	fns.CreateTable = c.createTable
	fns.AlterTable = c.alterTable
	fns.ClearTable = c.clearTable
	fns.DropTable = c.dropTable
	fns.WriteRecord = c.writeRecord
	registerCodecs(codecs)
}

// registerCodecs teaches the registry the pgx value types and the native
// types used when writing documents
func registerCodecs(r *codec.Registry) {
	r.RegisterToValue(pgtype.Numeric{}, codec.ToValueCodec{
		Type: schema.Number{Precision: 38, Scale: 18, Fixed: true},
		Convert: func(v interface{}) (interface{}, error) {
			n := v.(pgtype.Numeric)
			if !n.Valid {
				return nil, nil
			}
			b, err := n.MarshalJSON()
			if err != nil {
				return nil, err
			}
			return string(b), nil
		},
	})
	r.RegisterToValue([16]byte{}, codec.ToValueCodec{
		Type: schema.String{Bytes: 36},
		Convert: func(v interface{}) (interface{}, error) {
			return uuid.UUID(v.([16]byte)).String(), nil
		},
	})
	r.RegisterToValue(pgtype.Time{}, codec.ToValueCodec{
		Type: schema.Time{Fraction: 6},
		Convert: func(v interface{}) (interface{}, error) {
			t := v.(pgtype.Time)
			if !t.Valid {
				return nil, nil
			}
			return time.Unix(0, 0).UTC().Add(time.Duration(t.Microseconds) * time.Microsecond), nil
		},
	})
	r.RegisterToValue(pgtype.Interval{}, codec.ToValueCodec{
		Type: schema.String{},
		Convert: func(v interface{}) (interface{}, error) {
			i := v.(pgtype.Interval)
			if !i.Valid {
				return nil, nil
			}
			return fmt.Sprintf("%d months %d days %d microseconds", i.Months, i.Days, i.Microseconds), nil
		},
	})
	r.RegisterFromValue(schema.KindMap, codec.FromValueCodec{Hint: "jsonb", Convert: codec.JSONText})
	r.RegisterFromValue(schema.KindArray, codec.FromValueCodec{Hint: "jsonb", Convert: codec.JSONText})
	r.RegisterFromValue(schema.KindRaw, codec.FromValueCodec{Hint: "jsonb", Convert: codec.JSONText})
	r.RegisterFromValue(schema.KindYear, codec.FromValueCodec{Hint: "integer", Convert: func(v codec.Value) (interface{}, error) {
		return v.V, nil
	}})
}

// ConnectionTest checks connectivity, version, privileges and whether the
// server can serve logical replication
func (c *Connector) ConnectionTest(ctx context.Context, cc *core.ConnectorContext, consumer func(core.TestItem)) error {
	if c.pool == nil {
		if err := c.Init(ctx, cc); err != nil {
			consumer(core.TestItem{Item: core.TestItemConnection, Result: core.TestFailed, Information: err.Error()})
			return nil
		}
		defer func() { _ = c.Destroy(ctx, cc) }()
	}
	consumer(core.TestItem{Item: core.TestItemConnection, Result: core.TestSuccessful})

	var version string
	if err := c.pool.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
		consumer(core.TestItem{Item: core.TestItemVersion, Result: core.TestFailed, Information: err.Error()})
	} else {
		consumer(core.TestItem{Item: core.TestItemVersion, Result: core.TestSuccessful, Information: version})
	}

	var usage, create bool
	err := c.pool.QueryRow(ctx,
		"SELECT has_schema_privilege(current_user, $1, 'USAGE'), has_schema_privilege(current_user, $1, 'CREATE')",
		c.cfg.Schema).Scan(&usage, &create)
	switch {
	case err != nil:
		consumer(core.TestItem{Item: core.TestItemRead, Result: core.TestFailed, Information: err.Error()})
	default:
		consumer(privilegeItem(core.TestItemRead, usage, "USAGE", c.cfg.Schema))
		consumer(privilegeItem(core.TestItemWrite, create, "CREATE", c.cfg.Schema))
	}

	var walLevel string
	if err := c.pool.QueryRow(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		consumer(core.TestItem{Item: core.TestItemStreamRead, Result: core.TestWarning, Information: err.Error()})
	} else if walLevel != "logical" {
		consumer(core.TestItem{Item: core.TestItemStreamRead, Result: core.TestWarning,
			Information: "wal_level is " + walLevel + ", stream read needs logical"})
	} else {
		consumer(core.TestItem{Item: core.TestItemStreamRead, Result: core.TestSuccessful})
	}
	return nil
}

func privilegeItem(item string, granted bool, privilege, schemaName string) core.TestItem {
	if granted {
		return core.TestItem{Item: item, Result: core.TestSuccessful}
	}
	return core.TestItem{Item: item, Result: core.TestFailed,
		Information: fmt.Sprintf("%s on schema %s is not granted", privilege, schemaName)}
}
