// Package mysql connects MySQL and MariaDB tables. Reads and writes use
// database/sql with the go-sql-driver driver; stream read follows the binary
// log with a go-mysql canal.
package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

const Implementation = "mysql"

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
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Flavor   string
	ServerID uint32
}

// ParseConfig reads a connection config map
func ParseConfig(m core.DataMap, nodeID string) (Config, error) {
	cfg := Config{
		Host:     m.StringOr("host", "localhost"),
		Port:     m.Int("port", 3306),
		Database: m.String("database"),
		User:     m.String("user"),
		Password: m.String("password"),
		Flavor:   m.StringOr("flavor", "mysql"),
		ServerID: uint32(m.Int("serverId", 0)),
	}
	if cfg.Database == "" {
		return cfg, errors.New(errors.ErrorTypeConfig, "database is required")
	}
	if cfg.Flavor != "mysql" && cfg.Flavor != "mariadb" {
		return cfg, errors.Newf(errors.ErrorTypeConfig, "unknown flavor %q", cfg.Flavor)
	}
	if cfg.ServerID == 0 {
		cfg.ServerID = serverID(nodeID)
	}
	return cfg, nil
}

// serverID derives a stable replica id from the node id, away from the
// small ids servers usually take
func serverID(nodeID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return 1000 + h.Sum32()%(1<<31)
}

// Addr is host:port
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN renders the driver data source name
func (c Config) DSN() string {
	dc := gomysql.NewConfig()
	dc.User = c.User
	dc.Passwd = c.Password
	dc.Net = "tcp"
	dc.Addr = c.Addr()
	dc.DBName = c.Database
	dc.ParseTime = true
	dc.Loc = time.UTC
	dc.ClientFoundRows = true
	dc.Params = map[string]string{"charset": "utf8mb4"}
	return dc.FormatDSN()
}

// Connector reads and writes the tables of one database
type Connector struct {
	cfg    Config
	db     *sql.DB
	logger *zap.Logger
}

// New creates an unconnected instance
func New() *Connector {
	return &Connector{}
}

// Init opens the connection pool and checks the server answers
func (c *Connector) Init(ctx context.Context, cc *core.ConnectorContext) error {
	cfg, err := ParseConfig(cc.ConnectionConfig, cc.NodeID)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = cc.Logger.With(zap.String("database", cfg.Database))

	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to open database")
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect")
	}
	c.db = db
	c.logger.Info("MySQL connector initialized", zap.String("addr", cfg.Addr()))
	return nil
}

// Destroy closes the pool
func (c *Connector) Destroy(context.Context, *core.ConnectorContext) error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
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

// registerCodecs writes booleans as tinyint(1) and documents as json text
func registerCodecs(r *codec.Registry) {
	r.RegisterFromValue(schema.KindBoolean, codec.FromValueCodec{Hint: "tinyint(1)", Convert: codec.BoolAsInt})
	r.RegisterFromValue(schema.KindMap, codec.FromValueCodec{Hint: "json", Convert: codec.JSONText})
	r.RegisterFromValue(schema.KindArray, codec.FromValueCodec{Hint: "json", Convert: codec.JSONText})
	r.RegisterFromValue(schema.KindRaw, codec.FromValueCodec{Hint: "json", Convert: codec.JSONText})
	r.RegisterFromValue(schema.KindYear, codec.FromValueCodec{Hint: "year", Convert: func(v codec.Value) (interface{}, error) {
		return v.V, nil
	}})
}

// ConnectionTest checks connectivity, version, privileges and binlog settings
func (c *Connector) ConnectionTest(ctx context.Context, cc *core.ConnectorContext, consumer func(core.TestItem)) error {
	if c.db == nil {
		if err := c.Init(ctx, cc); err != nil {
			consumer(core.TestItem{Item: core.TestItemConnection, Result: core.TestFailed, Information: err.Error()})
			return nil
		}
		defer func() { _ = c.Destroy(ctx, cc) }()
	}
	consumer(core.TestItem{Item: core.TestItemConnection, Result: core.TestSuccessful})

	var version string
	if err := c.db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		consumer(core.TestItem{Item: core.TestItemVersion, Result: core.TestFailed, Information: err.Error()})
	} else {
		consumer(core.TestItem{Item: core.TestItemVersion, Result: core.TestSuccessful, Information: version})
	}

	grants, err := c.grants(ctx)
	if err != nil {
		consumer(core.TestItem{Item: core.TestItemRead, Result: core.TestWarning, Information: err.Error()})
	} else {
		consumer(grantItem(core.TestItemRead, grants, "SELECT"))
		consumer(grantItem(core.TestItemWrite, grants, "INSERT", "UPDATE", "DELETE", "CREATE", "DROP"))
		consumer(grantItem(core.TestItemStreamRead, grants, "REPLICATION SLAVE", "REPLICATION CLIENT"))
	}

	var name, format string
	if err := c.db.QueryRowContext(ctx, "SHOW VARIABLES LIKE 'binlog_format'").Scan(&name, &format); err != nil {
		consumer(core.TestItem{Item: core.TestItemStreamRead, Result: core.TestWarning, Information: err.Error()})
	} else if !strings.EqualFold(format, "ROW") {
		consumer(core.TestItem{Item: core.TestItemStreamRead, Result: core.TestWarning,
			Information: "binlog_format is " + format + ", stream read needs ROW"})
	}
	return nil
}

func (c *Connector) grants(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, strings.ToUpper(g))
	}
	return out, rows.Err()
}

// grantItem succeeds when every privilege appears in a grant or ALL is granted
func grantItem(item string, grants []string, privileges ...string) core.TestItem {
	var missing []string
	for _, p := range privileges {
		found := false
		for _, g := range grants {
			if strings.Contains(g, "ALL PRIVILEGES") || strings.Contains(g, p) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return core.TestItem{Item: item, Result: core.TestSuccessful}
	}
	return core.TestItem{Item: item, Result: core.TestFailed, Information: "missing " + strings.Join(missing, ", ")}
}
