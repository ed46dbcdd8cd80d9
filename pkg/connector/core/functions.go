package core

import (
	"context"
	"sort"
	"time"

	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Capability names an optional function slot
type Capability int

const (
	CapBatchCount Capability = iota + 1
	CapBatchRead
	CapBatchOffset
	CapStreamRead
	CapStreamOffset
	CapQueryByFilter
	CapQueryByAdvanceFilter
	CapCreateTable
	CapAlterTable
	CapClearTable
	CapDropTable
	CapWriteRecord
	CapControl
)

var capabilityNames = map[Capability]string{
	CapBatchCount:           "batch_count",
	CapBatchRead:            "batch_read",
	CapBatchOffset:          "batch_offset",
	CapStreamRead:           "stream_read",
	CapStreamOffset:         "stream_offset",
	CapQueryByFilter:        "query_by_filter",
	CapQueryByAdvanceFilter: "query_by_advance_filter",
	CapCreateTable:          "create_table",
	CapAlterTable:           "alter_table",
	CapClearTable:           "clear_table",
	CapDropTable:            "drop_table",
	CapWriteRecord:          "write_record",
	CapControl:              "control",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCapability resolves a capability name
func ParseCapability(name string) (Capability, bool) {
	for c, n := range capabilityNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// Consumer receives events read from a source together with the offset that
// resumes right after them. Returning an error stops the read.
type Consumer func(events []models.Event, offset Offset) error

type (
	BatchCountFunc   func(ctx context.Context, cc *ConnectorContext, table *schema.Table) (int64, error)
	BatchReadFunc    func(ctx context.Context, cc *ConnectorContext, table *schema.Table, offset Offset, batchSize int, consumer Consumer) error
	BatchOffsetFunc  func(ctx context.Context, cc *ConnectorContext) (Offset, error)
	StreamReadFunc   func(ctx context.Context, cc *ConnectorContext, tables []string, offset Offset, batchSize int, consumer Consumer) error
	StreamOffsetFunc func(ctx context.Context, cc *ConnectorContext, tables []string, since *time.Time) (Offset, error)

	QueryByFilterFunc        func(ctx context.Context, cc *ConnectorContext, filters []map[string]interface{}, table *schema.Table) ([]*FilterResult, error)
	QueryByAdvanceFilterFunc func(ctx context.Context, cc *ConnectorContext, filter *AdvanceFilter, table *schema.Table, consumer func(*FilterResults) error) error

	CreateTableFunc func(ctx context.Context, cc *ConnectorContext, e *models.CreateTable) error
	AlterTableFunc  func(ctx context.Context, cc *ConnectorContext, e *models.AlterTable) error
	ClearTableFunc  func(ctx context.Context, cc *ConnectorContext, e *models.ClearTable) error
	DropTableFunc   func(ctx context.Context, cc *ConnectorContext, e *models.DropTable) error

	WriteRecordFunc func(ctx context.Context, cc *ConnectorContext, events []models.RecordEvent, table *schema.Table, consumer func(*WriteListResult)) error
	ControlFunc     func(ctx context.Context, cc *ConnectorContext, e models.Event) error
)

// Functions is the sparse set of optional operations a connector supports.
// A nil slot must never be invoked.
type Functions struct {
	BatchCount           BatchCountFunc
	BatchRead            BatchReadFunc
	BatchOffset          BatchOffsetFunc
	StreamRead           StreamReadFunc
	StreamOffset         StreamOffsetFunc
	QueryByFilter        QueryByFilterFunc
	QueryByAdvanceFilter QueryByAdvanceFilterFunc
	CreateTable          CreateTableFunc
	AlterTable           AlterTableFunc
	ClearTable           ClearTableFunc
	DropTable            DropTableFunc
	WriteRecord          WriteRecordFunc
	Control              ControlFunc
}

// Has reports whether the slot for c is filled
func (f *Functions) Has(c Capability) bool {
	if f == nil {
		return false
	}
	switch c {
	case CapBatchCount:
		return f.BatchCount != nil
	case CapBatchRead:
		return f.BatchRead != nil
	case CapBatchOffset:
		return f.BatchOffset != nil
	case CapStreamRead:
		return f.StreamRead != nil
	case CapStreamOffset:
		return f.StreamOffset != nil
	case CapQueryByFilter:
		return f.QueryByFilter != nil
	case CapQueryByAdvanceFilter:
		return f.QueryByAdvanceFilter != nil
	case CapCreateTable:
		return f.CreateTable != nil
	case CapAlterTable:
		return f.AlterTable != nil
	case CapClearTable:
		return f.ClearTable != nil
	case CapDropTable:
		return f.DropTable != nil
	case CapWriteRecord:
		return f.WriteRecord != nil
	case CapControl:
		return f.Control != nil
	default:
		return false
	}
}

// Require fails with a capability_missing error when c is absent
func (f *Functions) Require(c Capability, pluginID string) error {
	if f.Has(c) {
		return nil
	}
	return errors.Newf(errors.ErrorTypeCapabilityMissing, "plugin %s does not support %s", pluginID, c).
		WithDetail("plugin_id", pluginID).
		WithDetail("capability", c.String())
}

// Capabilities returns the filled slots in a stable order
func (f *Functions) Capabilities() []Capability {
	var out []Capability
	for c := range capabilityNames {
		if f.Has(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
