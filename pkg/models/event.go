// Package models defines the events that travel along flow edges.
//
// Event is a closed union: record events (insert, update, delete), table
// events (create, alter, clear, drop) and control events (patrol, forerunner,
// external). Consumers dispatch with a single type switch.
package models

import (
	"time"

	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Header is carried by every event
type Header struct {
	TableID       string                 `json:"tableId,omitempty"`
	PluginID      string                 `json:"pluginId,omitempty"`
	PluginGroup   string                 `json:"pluginGroup,omitempty"`
	PluginVersion string                 `json:"pluginVersion,omitempty"`
	ReferenceTime int64                  `json:"referenceTime,omitempty"`
	Time          int64                  `json:"time"`
	Info          map[string]interface{} `json:"info,omitempty"`
}

// Head returns the header
func (h *Header) Head() *Header { return h }

// Stamp fills the origin of an event
func (h *Header) Stamp(tableID, pluginID, group, version string) {
	h.TableID = tableID
	h.PluginID = pluginID
	h.PluginGroup = group
	h.PluginVersion = version
	if h.Time == 0 {
		h.Time = time.Now().UnixMilli()
	}
}

// Event is implemented by every event type of this package only
type Event interface {
	Head() *Header
	event()
}

// RecordEvent is an insert, update or delete
type RecordEvent interface {
	Event
	// Images returns the record maps the event carries
	Images() []map[string]interface{}
	record()
}

// TableEvent changes a table definition
type TableEvent interface {
	Event
	table()
}

// InsertRecord carries the after image of a new record
type InsertRecord struct {
	Header
	After map[string]interface{} `json:"after"`
}

// UpdateRecord carries the images before and after a change. Before may be
// nil when the source only knows the key.
type UpdateRecord struct {
	Header
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after"`
}

// DeleteRecord carries the image of a removed record
type DeleteRecord struct {
	Header
	Before map[string]interface{} `json:"before"`
}

// CreateTable asks the target to create Table
type CreateTable struct {
	Header
	Table *schema.Table `json:"table"`
}

// AlterTable carries the new definition of a table
type AlterTable struct {
	Header
	Table *schema.Table `json:"table"`
}

// ClearTable removes every record of a table
type ClearTable struct {
	Header
}

// DropTable removes a table
type DropTable struct {
	Header
}

// Forerunner precedes the data of a table and carries its analysed definition
type Forerunner struct {
	Header
	Table *schema.Table `json:"table"`
}

// External is a custom control event sent from outside the flow
type External struct {
	Header
	Name    string                 `json:"name"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func (*InsertRecord) event() {}
func (*UpdateRecord) event() {}
func (*DeleteRecord) event() {}
func (*CreateTable) event()  {}
func (*AlterTable) event()   {}
func (*ClearTable) event()   {}
func (*DropTable) event()    {}
func (*Forerunner) event()   {}
func (*External) event()     {}
func (*Patrol) event()       {}

func (*InsertRecord) record() {}
func (*UpdateRecord) record() {}
func (*DeleteRecord) record() {}

func (*CreateTable) table() {}
func (*AlterTable) table()  {}
func (*ClearTable) table()  {}
func (*DropTable) table()   {}

func (e *InsertRecord) Images() []map[string]interface{} {
	return []map[string]interface{}{e.After}
}

func (e *UpdateRecord) Images() []map[string]interface{} {
	if e.Before == nil {
		return []map[string]interface{}{e.After}
	}
	return []map[string]interface{}{e.Before, e.After}
}

func (e *DeleteRecord) Images() []map[string]interface{} {
	return []map[string]interface{}{e.Before}
}

// NewInsert builds an insert for table
func NewInsert(tableID string, after map[string]interface{}) *InsertRecord {
	e := &InsertRecord{After: after}
	e.TableID, e.Time = tableID, time.Now().UnixMilli()
	return e
}

// NewUpdate builds an update for table
func NewUpdate(tableID string, before, after map[string]interface{}) *UpdateRecord {
	e := &UpdateRecord{Before: before, After: after}
	e.TableID, e.Time = tableID, time.Now().UnixMilli()
	return e
}

// NewDelete builds a delete for table
func NewDelete(tableID string, before map[string]interface{}) *DeleteRecord {
	e := &DeleteRecord{Before: before}
	e.TableID, e.Time = tableID, time.Now().UnixMilli()
	return e
}

// Name returns a short name for the event type
func Name(e Event) string {
	switch e.(type) {
	case *InsertRecord:
		return "insert"
	case *UpdateRecord:
		return "update"
	case *DeleteRecord:
		return "delete"
	case *CreateTable:
		return "create_table"
	case *AlterTable:
		return "alter_table"
	case *ClearTable:
		return "clear_table"
	case *DropTable:
		return "drop_table"
	case *Forerunner:
		return "forerunner"
	case *External:
		return "external"
	case *Patrol:
		return "patrol"
	default:
		return "unknown"
	}
}

// Clone copies an event so another consumer may convert its images in place.
// Record maps and headers are copied, tables are deep copied. Patrols are
// shared: every consumer must observe the same barrier.
func Clone(e Event) Event {
	switch v := e.(type) {
	case *InsertRecord:
		c := *v
		c.Header = v.Header.clone()
		c.After = copyMap(v.After)
		return &c
	case *UpdateRecord:
		c := *v
		c.Header = v.Header.clone()
		c.Before = copyMap(v.Before)
		c.After = copyMap(v.After)
		return &c
	case *DeleteRecord:
		c := *v
		c.Header = v.Header.clone()
		c.Before = copyMap(v.Before)
		return &c
	case *CreateTable:
		c := *v
		c.Header = v.Header.clone()
		c.Table = v.Table.Clone()
		return &c
	case *AlterTable:
		c := *v
		c.Header = v.Header.clone()
		c.Table = v.Table.Clone()
		return &c
	case *ClearTable:
		c := *v
		c.Header = v.Header.clone()
		return &c
	case *DropTable:
		c := *v
		c.Header = v.Header.clone()
		return &c
	case *Forerunner:
		c := *v
		c.Header = v.Header.clone()
		c.Table = v.Table.Clone()
		return &c
	case *External:
		c := *v
		c.Header = v.Header.clone()
		c.Payload = copyMap(v.Payload)
		return &c
	default:
		return e
	}
}

func (h Header) clone() Header {
	h.Info = copyMap(h.Info)
	return h
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
