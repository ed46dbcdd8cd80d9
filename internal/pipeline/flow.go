package pipeline

import (
	"github.com/ajitpratap0/nebula-pdk/pkg/config"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
)

// ParseFlow builds a graph from a YAML flow description after substituting
// ${VAR} references:
//
//	id: orders-sync
//	options:
//	  eventBatchSize: 500
//	  actions: [drop_table, create_table]
//	nodes:
//	  - id: src
//	    kind: source
//	    plugin: postgres
//	    table: orders
//	    connection: {host: "${PG_HOST}", database: shop}
//	  - id: dst
//	    kind: target
//	    plugin: mysql
//	    table: orders
//	edges:
//	  - {from: src, to: dst}
func ParseFlow(data []byte) (*Graph, error) {
	var g Graph
	if err := config.LoadBytes(data, &g); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parse flow")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// LoadFlow reads and parses a flow file
func LoadFlow(path string) (*Graph, error) {
	var g Graph
	if err := config.Load(path, &g); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "load flow").WithDetail("path", path)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}
