package core

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/pkg/codec"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Connector is implemented by every plugin. Schema discovery and connection
// tests are mandatory; everything else is registered as optional functions.
type Connector interface {
	// Init prepares the connector for a node. Called once per instance.
	Init(ctx context.Context, cc *ConnectorContext) error
	// DiscoverSchema returns the named tables, or every table when tables is empty
	DiscoverSchema(ctx context.Context, cc *ConnectorContext, tables []string) ([]*schema.Table, error)
	// ConnectionTest reports one TestItem per check it performs
	ConnectionTest(ctx context.Context, cc *ConnectorContext, consumer func(TestItem)) error
	// RegisterCapabilities fills the optional function slots and codecs
	RegisterCapabilities(fns *Functions, codecs *codec.Registry)
	// Destroy releases every resource held for cc
	Destroy(ctx context.Context, cc *ConnectorContext) error
}

// Pauser is implemented by connectors that can release resources while
// keeping their position, to be re-initialised later
type Pauser interface {
	Pause(ctx context.Context, cc *ConnectorContext) error
}

// Factory creates a connector instance
type Factory func() Connector

// ConnectorContext is what a connector sees of the node it runs in
type ConnectorContext struct {
	Spec             *Specification
	ConnectionConfig DataMap
	NodeConfig       DataMap
	Logger           *zap.Logger
	NodeID           string
}

// NewConnectorContext builds a context with a no-op logger when none is given
func NewConnectorContext(spec *Specification, nodeID string, conn, node DataMap, log *zap.Logger) *ConnectorContext {
	if log == nil {
		log = zap.NewNop()
	}
	if conn == nil {
		conn = DataMap{}
	}
	if node == nil {
		node = DataMap{}
	}
	return &ConnectorContext{Spec: spec, ConnectionConfig: conn, NodeConfig: node, Logger: log, NodeID: nodeID}
}

// DataMap is a loosely typed configuration map
type DataMap map[string]interface{}

// String returns the value of key as a string
func (m DataMap) String(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// StringOr returns the value of key or def when absent or empty
func (m DataMap) StringOr(key, def string) string {
	if s := m.String(key); s != "" {
		return s
	}
	return def
}

// Int returns the value of key as an int, or def
func (m DataMap) Int(key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case uint64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the value of key as a bool, or def
func (m DataMap) Bool(key string, def bool) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Strings returns a list value
func (m DataMap) Strings(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// TestResult classifies a connection test item
type TestResult string

const (
	TestSuccessful TestResult = "successful"
	TestWarning    TestResult = "warning"
	TestFailed     TestResult = "failed"
)

// TestItem is one check of a connection test
type TestItem struct {
	Item        string     `json:"item"`
	Result      TestResult `json:"result"`
	Information string     `json:"information,omitempty"`
}

// Connection test item names
const (
	TestItemConnection = "Connection"
	TestItemLogin      = "Login"
	TestItemVersion    = "Version"
	TestItemRead       = "Read"
	TestItemWrite      = "Write"
	TestItemStreamRead = "Stream read"
)
