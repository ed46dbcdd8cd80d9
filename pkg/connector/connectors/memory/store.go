package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/nebula-pdk/pkg/models"
	"github.com/ajitpratap0/nebula-pdk/pkg/schema"
)

// Change is one record mutation of the change log
type Change struct {
	Seq   int64
	Table string
	Event models.Event
}

// Store holds in-process databases. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	databases map[string]*database
	log       []Change
	seq       int64
	notify    chan struct{}
	controls  []models.Event
}

type database struct {
	tables map[string]*memTable
}

type memTable struct {
	def    *schema.Table
	rows   []map[string]interface{}
	writes []int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{databases: map[string]*database{}, notify: make(chan struct{})}
}

// Default backs the memory connector registered in the global catalog
var Default = NewStore()

func (s *Store) db(name string) *database {
	d, ok := s.databases[name]
	if !ok {
		d = &database{tables: map[string]*memTable{}}
		s.databases[name] = d
	}
	return d
}

// CreateTable defines a table. It reports false when the table exists.
func (s *Store) CreateTable(db string, t *schema.Table) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.db(db)
	if _, ok := d.tables[t.ID]; ok {
		return false
	}
	d.tables[t.ID] = &memTable{def: t.Clone()}
	return true
}

// AlterTable replaces a table definition, keeping its rows
func (s *Store) AlterTable(db string, t *schema.Table) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, ok := s.db(db).tables[t.ID]
	if !ok {
		return false
	}
	mt.def = t.Clone()
	return true
}

// DropTable removes a table and reports whether it existed
func (s *Store) DropTable(db, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.db(db)
	_, ok := d.tables[id]
	delete(d.tables, id)
	return ok
}

// ClearTable removes every row of a table
func (s *Store) ClearTable(db, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, ok := s.db(db).tables[id]
	if ok {
		mt.rows = nil
	}
	return ok
}

// Table returns a copy of a table definition or nil
func (s *Store) Table(db, id string) *schema.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.databases[db]; ok {
		if mt, ok := d.tables[id]; ok {
			return mt.def.Clone()
		}
	}
	return nil
}

// Tables returns copies of every table of db ordered by id
func (s *Store) Tables(db string) []*schema.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.databases[db]
	if !ok {
		return nil
	}
	out := make([]*schema.Table, 0, len(d.tables))
	for _, mt := range d.tables {
		out = append(out, mt.def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rows returns copies of the rows of a table in insertion order
func (s *Store) Rows(db, id string) []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.databases[db]
	if !ok {
		return nil
	}
	mt, ok := d.tables[id]
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, len(mt.rows))
	for i, r := range mt.rows {
		out[i] = copyRow(r)
	}
	return out
}

// Writes returns the size of every write call a table received
func (s *Store) Writes(db, id string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.databases[db]; ok {
		if mt, ok := d.tables[id]; ok {
			return append([]int(nil), mt.writes...)
		}
	}
	return nil
}

// Controls returns the control events received so far
func (s *Store) Controls() []models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Event(nil), s.controls...)
}

func (s *Store) control(e models.Event) {
	s.mu.Lock()
	s.controls = append(s.controls, e)
	s.mu.Unlock()
}

// Insert adds rows to a table and logs them
func (s *Store) Insert(db, id string, rows ...map[string]interface{}) error {
	events := make([]models.RecordEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, models.NewInsert(id, r))
	}
	return s.apply(db, id, events, nil)
}

// Update replaces the row with the primary key of after
func (s *Store) Update(db, id string, after map[string]interface{}) error {
	return s.apply(db, id, []models.RecordEvent{models.NewUpdate(id, nil, after)}, nil)
}

// Delete removes the row with the primary key of before
func (s *Store) Delete(db, id string, before map[string]interface{}) error {
	return s.apply(db, id, []models.RecordEvent{models.NewDelete(id, before)}, nil)
}

// result receives the outcome of each applied event
type result interface {
	inserted(e models.Event)
	modified(e models.Event)
	removed(e models.Event)
	failed(e models.Event, err error)
}

// apply runs record events against a table. Without res the first failure
// is returned; with res failures are reported per event.
func (s *Store) apply(db, id string, events []models.RecordEvent, res result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mt, ok := s.db(db).tables[id]
	if !ok {
		return fmt.Errorf("table %s does not exist", id)
	}
	keys := mt.def.PrimaryKeys()
	changed := false
	for _, e := range events {
		err := mt.applyOne(keys, e, res)
		if err != nil {
			if res == nil {
				return err
			}
			res.failed(e, err)
			continue
		}
		s.seq++
		s.log = append(s.log, Change{Seq: s.seq, Table: id, Event: models.Clone(e)})
		changed = true
	}
	if res != nil {
		mt.writes = append(mt.writes, len(events))
	}
	if changed {
		close(s.notify)
		s.notify = make(chan struct{})
	}
	return nil
}

func (mt *memTable) applyOne(keys []string, e models.RecordEvent, res result) error {
	switch v := e.(type) {
	case *models.InsertRecord:
		if i := mt.find(keys, v.After); i >= 0 {
			return fmt.Errorf("duplicate key %s", keyOf(keys, v.After))
		}
		mt.rows = append(mt.rows, copyRow(v.After))
		if res != nil {
			res.inserted(e)
		}
	case *models.UpdateRecord:
		lookup := v.Before
		if lookup == nil {
			lookup = v.After
		}
		i := mt.find(keys, lookup)
		if i < 0 {
			return fmt.Errorf("no row with key %s", keyOf(keys, lookup))
		}
		row := mt.rows[i]
		for k, val := range v.After {
			row[k] = val
		}
		if res != nil {
			res.modified(e)
		}
	case *models.DeleteRecord:
		i := mt.find(keys, v.Before)
		if i < 0 {
			return nil
		}
		mt.rows = append(mt.rows[:i], mt.rows[i+1:]...)
		if res != nil {
			res.removed(e)
		}
	}
	return nil
}

// find returns the index of the row sharing the primary key of image
func (mt *memTable) find(keys []string, image map[string]interface{}) int {
	if len(keys) == 0 {
		return -1
	}
	want := keyOf(keys, image)
	for i, r := range mt.rows {
		if keyOf(keys, r) == want {
			return i
		}
	}
	return -1
}

func keyOf(keys []string, row map[string]interface{}) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprint(row[k])
	}
	return strings.Join(parts, "|")
}

// Seq returns the sequence number of the last change
func (s *Store) Seq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Changes returns the changes of tables after seq. When there are none it
// waits for the next change or for ctx.
func (s *Store) Changes(ctx context.Context, tables []string, after int64) ([]Change, error) {
	want := map[string]bool{}
	for _, t := range tables {
		want[t] = true
	}
	for {
		s.mu.RLock()
		var out []Change
		for _, c := range s.log {
			if c.Seq > after && (len(want) == 0 || want[c.Table]) {
				out = append(out, Change{Seq: c.Seq, Table: c.Table, Event: models.Clone(c.Event)})
			}
		}
		notify := s.notify
		s.mu.RUnlock()
		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func copyRow(r map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}
