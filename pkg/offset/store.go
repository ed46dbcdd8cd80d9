// Package offset persists source positions and table definitions across
// restarts of a flow.
package offset

import (
	"context"
	"sync"

	"github.com/ajitpratap0/nebula-pdk/pkg/connector/core"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Names of the offsets a source node keeps
const (
	NameBatch  = "batch"
	NameStream = "stream"
)

// Key addresses one offset
type Key struct {
	FlowID string
	NodeID string
	Name   string
}

// Store persists offsets. Get returns a nil offset when none is stored.
type Store interface {
	Get(ctx context.Context, key Key) (core.Offset, error)
	Put(ctx context.Context, key Key, offset core.Offset) error
	// Clear removes every offset and table of a node, or of the whole flow
	// when nodeID is empty
	Clear(ctx context.Context, flowID, nodeID string) error
	SaveTable(ctx context.Context, flowID, nodeID string, table *schema.Table) error
	LoadTable(ctx context.Context, flowID, nodeID, tableID string) (*schema.Table, error)
	Close() error
}

// MemoryStore keeps offsets in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	offsets map[Key]core.Offset
	tables  map[Key]*schema.Table
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: map[Key]core.Offset{}, tables: map[Key]*schema.Table{}}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (core.Offset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.offsets[key]
	if !ok {
		return nil, nil
	}
	return append(core.Offset(nil), v...), nil
}

func (s *MemoryStore) Put(_ context.Context, key Key, offset core.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset == nil {
		delete(s.offsets, key)
		return nil
	}
	s.offsets[key] = append(core.Offset(nil), offset...)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, flowID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	match := func(k Key) bool { return k.FlowID == flowID && (nodeID == "" || k.NodeID == nodeID) }
	for k := range s.offsets {
		if match(k) {
			delete(s.offsets, k)
		}
	}
	for k := range s.tables {
		if match(k) {
			delete(s.tables, k)
		}
	}
	return nil
}

func (s *MemoryStore) SaveTable(_ context.Context, flowID, nodeID string, table *schema.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[Key{FlowID: flowID, NodeID: nodeID, Name: table.ID}] = table.Clone()
	return nil
}

func (s *MemoryStore) LoadTable(_ context.Context, flowID, nodeID, tableID string) (*schema.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[Key{FlowID: flowID, NodeID: nodeID, Name: tableID}]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Close() error { return nil }
