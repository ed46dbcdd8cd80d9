package core

import (
	"github.com/goccy/go-json"

	"github.com/ajitpratap0/nebula-pdk/pkg/models"
)

// Offset is an opaque position produced and consumed by one plugin
type Offset []byte

// EncodeOffset serializes a plugin position
func EncodeOffset(v interface{}) (Offset, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode restores a position written by EncodeOffset
func (o Offset) Decode(v interface{}) error {
	return json.Unmarshal(o, v)
}

// IsEmpty reports whether there is no position
func (o Offset) IsEmpty() bool { return len(o) == 0 }

// QueryOperator compares a field in an AdvanceFilter
type QueryOperator struct {
	Key      string      `json:"key"`
	Value    interface{} `json:"value"`
	Operator Operator    `json:"operator"`
}

// Operator is a comparison
type Operator int

const (
	OpGT  Operator = 1
	OpGTE Operator = 2
	OpLT  Operator = 3
	OpLTE Operator = 4
)

func (o Operator) String() string {
	switch o {
	case OpGT:
		return ">"
	case OpGTE:
		return ">="
	case OpLT:
		return "<"
	case OpLTE:
		return "<="
	default:
		return "?"
	}
}

// Matches compares a value against the operand with the operator
func (q QueryOperator) Matches(v interface{}) bool {
	c, ok := Compare(v, q.Value)
	if !ok {
		return false
	}
	switch q.Operator {
	case OpGT:
		return c > 0
	case OpGTE:
		return c >= 0
	case OpLT:
		return c < 0
	case OpLTE:
		return c <= 0
	default:
		return false
	}
}

// SortOn orders AdvanceFilter results
type SortOn struct {
	Key       string `json:"key"`
	Ascending bool   `json:"ascending"`
}

// Projection limits the returned fields
type Projection struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// AdvanceFilter is a query with equality matches, comparisons, ordering and paging
type AdvanceFilter struct {
	Match      map[string]interface{} `json:"match,omitempty"`
	Operators  []QueryOperator        `json:"operators,omitempty"`
	Sort       []SortOn               `json:"sort,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Skip       int                    `json:"skip,omitempty"`
	Projection *Projection            `json:"projection,omitempty"`
}

// NewAdvanceFilter creates an empty filter
func NewAdvanceFilter() *AdvanceFilter {
	return &AdvanceFilter{Match: map[string]interface{}{}}
}

// WithLimit sets the limit
func (f *AdvanceFilter) WithLimit(n int) *AdvanceFilter {
	f.Limit = n
	return f
}

// WithMatch adds an equality match
func (f *AdvanceFilter) WithMatch(key string, value interface{}) *AdvanceFilter {
	if f.Match == nil {
		f.Match = map[string]interface{}{}
	}
	f.Match[key] = value
	return f
}

// WithOperator adds a comparison
func (f *AdvanceFilter) WithOperator(key string, op Operator, value interface{}) *AdvanceFilter {
	f.Operators = append(f.Operators, QueryOperator{Key: key, Value: value, Operator: op})
	return f
}

// WithSort adds an ordering
func (f *AdvanceFilter) WithSort(key string, ascending bool) *AdvanceFilter {
	f.Sort = append(f.Sort, SortOn{Key: key, Ascending: ascending})
	return f
}

// Accepts evaluates the filter's matches and comparisons against a record
func (f *AdvanceFilter) Accepts(record map[string]interface{}) bool {
	for k, want := range f.Match {
		got, ok := record[k]
		if !ok {
			return false
		}
		if c, ok := Compare(got, want); !ok || c != 0 {
			return false
		}
	}
	for _, op := range f.Operators {
		if !op.Matches(record[op.Key]) {
			return false
		}
	}
	return true
}

// Project applies the projection to a record, returning a new map
func (f *AdvanceFilter) Project(record map[string]interface{}) map[string]interface{} {
	if f.Projection == nil {
		return record
	}
	out := map[string]interface{}{}
	if len(f.Projection.Include) > 0 {
		for _, k := range f.Projection.Include {
			if v, ok := record[k]; ok {
				out[k] = v
			}
		}
		return out
	}
	excluded := map[string]bool{}
	for _, k := range f.Projection.Exclude {
		excluded[k] = true
	}
	for k, v := range record {
		if !excluded[k] {
			out[k] = v
		}
	}
	return out
}

// FilterResult is the outcome of one QueryByFilter filter
type FilterResult struct {
	Filter map[string]interface{} `json:"filter"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  error                  `json:"-"`
}

// FilterResults is a page of QueryByAdvanceFilter rows
type FilterResults struct {
	Results []map[string]interface{} `json:"results"`
	Error   error                    `json:"-"`
}

// WriteListResult reports the outcome of one WriteRecord call
type WriteListResult struct {
	Inserted int64
	Modified int64
	Removed  int64
	ErrorMap map[models.Event]error
}

// NewWriteListResult creates an empty result
func NewWriteListResult() *WriteListResult {
	return &WriteListResult{ErrorMap: map[models.Event]error{}}
}

// AddError attributes err to e
func (r *WriteListResult) AddError(e models.Event, err error) {
	if r.ErrorMap == nil {
		r.ErrorMap = map[models.Event]error{}
	}
	r.ErrorMap[e] = err
}

// Merge adds other's counts and errors into r
func (r *WriteListResult) Merge(other *WriteListResult) {
	if other == nil {
		return
	}
	r.Inserted += other.Inserted
	r.Modified += other.Modified
	r.Removed += other.Removed
	for e, err := range other.ErrorMap {
		r.AddError(e, err)
	}
}
