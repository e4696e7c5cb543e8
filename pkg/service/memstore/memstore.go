// Package memstore is an in-memory data service. It backs the file source
// type and stands in for remote stores in tests, with hooks to inject
// per-record failures and broken connections.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

// Operation names used in call logs and fault hooks
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpUpsert = "upsert"
	OpDelete = "delete"
	OpQuery  = "query"
)

// Call is one write or query call received by a connection
type Call struct {
	Conn   string
	Op     string
	Object string
	Size   int
}

// FaultFunc may fail a single record of a write call by returning an error
// for it.
type FaultFunc func(op, object string, rec *common.Record) *common.WriteError

type table struct {
	schema  *service.Description
	records []*common.Record
	byID    map[string]*common.Record
}

// Store holds the data shared by every connection.
type Store struct {
	mu         sync.Mutex
	tables     map[string]*table
	seq        int
	fault      FaultFunc
	calls      []Call
	schemaless bool
}

// New creates an empty store
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

// SetSchemaless makes objects without a schema or records describe as
// schemaless instead of unknown, the way a document store does.
func (s *Store) SetSchemaless(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaless = on
}

// Define registers the schema of an object. Writes to defined objects are
// checked against it.
func (s *Store) Define(desc *service.Description) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(desc.Object).schema = desc
}

// Seed stores records as-is; records without an id get a generated one.
func (s *Store) Seed(object string, records ...*common.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(object)
	for _, r := range records {
		c := r.Clone()
		c.Type = object
		if c.ID == "" {
			c.ID = s.newID(object)
		}
		t.records = append(t.records, c)
		t.byID[c.ID] = c
	}
}

// SetFault installs a per-record fault hook; nil removes it.
func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// Records returns copies of the stored records of object in insertion order
func (s *Store) Records(object string) []*common.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[object]
	if !ok {
		return nil
	}
	out := make([]*common.Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r.Clone())
	}
	return out
}

// Record returns a copy of one stored record
func (s *Store) Record(object, id string) *common.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[object]; ok {
		if r, ok := t.byID[id]; ok {
			return r.Clone()
		}
	}
	return nil
}

// Calls returns the calls received so far
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Connect returns a new connection to the store
func (s *Store) Connect(name string) *Conn {
	return &Conn{store: s, name: name}
}

func (s *Store) table(object string) *table {
	t, ok := s.tables[object]
	if !ok {
		t = &table{byID: make(map[string]*common.Record)}
		s.tables[object] = t
	}
	return t
}

func (s *Store) newID(object string) string {
	s.seq++
	prefix := strings.ToUpper(object)
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return fmt.Sprintf("%s%012d", prefix, s.seq)
}

// Conn is one connection to a Store. It implements service.DataService.
type Conn struct {
	store  *Store
	name   string
	mu     sync.Mutex
	broken error
	pings  int
	closed bool
}

var _ service.DataService = (*Conn)(nil)
var _ service.Pinger = (*Conn)(nil)

// Break makes every following call of this connection fail with err
func (c *Conn) Break(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = err
}

// Pings returns how many times the session was refreshed
func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Closed reports whether Close was called
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Ping refreshes the session
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	c.mu.Lock()
	c.pings++
	c.mu.Unlock()
	return nil
}

// Close closes the connection
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Describe returns the defined schema, or one inferred from stored records.
// In schemaless mode an object with neither describes as schemaless.
func (c *Conn) Describe(ctx context.Context, object string) (*service.Description, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[object]
	switch {
	case ok && t.schema != nil:
		return t.schema, nil
	case s.schemaless && (!ok || len(t.records) == 0):
		desc := infer(object, nil)
		desc.Schemaless = true
		return desc, nil
	case !ok:
		return nil, fmt.Errorf("%w: %s", service.ErrUnknownObject, object)
	}
	return infer(object, t.records), nil
}

func infer(object string, records []*common.Record) *service.Description {
	names := map[string]bool{}
	for _, r := range records {
		for f := range r.Fields {
			names[f] = true
		}
	}
	desc := &service.Description{Object: object}
	desc.Fields = append(desc.Fields, service.Field{Name: common.IDField, Type: service.TypeID})
	sorted := make([]string, 0, len(names))
	for f := range names {
		sorted = append(sorted, f)
	}
	sort.Strings(sorted)
	for _, f := range sorted {
		desc.Fields = append(desc.Fields, service.Field{Name: f, Type: service.TypeString, Creatable: true, Updatable: true})
	}
	return desc
}

// Query returns the records of object matching filter. Filters compare fields
// with `=` or `!=` against quoted values or null, combined with AND, OR, NOT
// and parentheses.
func (c *Conn) Query(ctx context.Context, object string, fields []string, filter string) (service.Cursor, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	pred, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Conn: c.name, Op: OpQuery, Object: object})

	t, ok := s.tables[object]
	if !ok {
		if s.schemaless {
			return &cursor{}, nil
		}
		return nil, fmt.Errorf("%w: %s", service.ErrUnknownObject, object)
	}
	var out []*common.Record
	for _, r := range t.records {
		if !pred(r) {
			continue
		}
		out = append(out, project(r, fields))
	}
	return &cursor{records: out}, nil
}

func project(r *common.Record, fields []string) *common.Record {
	if fields == nil {
		return r.Clone()
	}
	p := &common.Record{Type: r.Type, ID: r.ID, Fields: make(map[string]interface{}, len(fields))}
	for _, f := range fields {
		if v, ok := r.Fields[f]; ok {
			p.Fields[f] = v
		}
	}
	return p
}

type cursor struct {
	records []*common.Record
	pos     int
}

func (c *cursor) Next(ctx context.Context) (*common.Record, error) {
	if c.pos >= len(c.records) {
		return nil, nil
	}
	r := c.records[c.pos]
	c.pos++
	return r, nil
}

func (c *cursor) Close(ctx context.Context) error {
	c.records = nil
	return nil
}

// Create inserts records and assigns their ids
func (c *Conn) Create(ctx context.Context, object string, records []*common.Record) ([]common.SaveResult, error) {
	return c.write(OpCreate, object, "", records, func(t *table, r *common.Record) common.SaveResult {
		return c.store.insert(t, object, r)
	})
}

// Update modifies existing records by id
func (c *Conn) Update(ctx context.Context, object string, records []*common.Record) ([]common.SaveResult, error) {
	return c.write(OpUpdate, object, "", records, func(t *table, r *common.Record) common.SaveResult {
		existing, ok := t.byID[r.ID]
		if r.ID == "" || !ok {
			return common.Failed(common.CodeEntityNotFound, fmt.Sprintf("no %s record with id %q", object, r.ID))
		}
		return c.store.modify(t, existing, r)
	})
}

// Upsert updates the record whose externalIDField matches, or creates one.
func (c *Conn) Upsert(ctx context.Context, object, externalIDField string, records []*common.Record) ([]common.SaveResult, error) {
	return c.write(OpUpsert, object, externalIDField, records, func(t *table, r *common.Record) common.SaveResult {
		key, ok := r.Fields[externalIDField]
		if !ok || common.IsEmpty(key) {
			return common.Failed(common.CodeRequiredFieldMissing, "missing external id "+externalIDField, externalIDField)
		}
		for _, existing := range t.records {
			if common.StringValue(existing.Fields[externalIDField]) == common.StringValue(key) {
				return c.store.modify(t, existing, r)
			}
		}
		return c.store.insert(t, object, r)
	})
}

// Delete removes records by id
func (c *Conn) Delete(ctx context.Context, object string, ids []string) ([]common.SaveResult, error) {
	records := make([]*common.Record, len(ids))
	for i, id := range ids {
		records[i] = &common.Record{Type: object, ID: id}
	}
	return c.write(OpDelete, object, "", records, func(t *table, r *common.Record) common.SaveResult {
		if _, ok := t.byID[r.ID]; !ok {
			return common.Failed(common.CodeEntityNotFound, fmt.Sprintf("no %s record with id %q", object, r.ID))
		}
		delete(t.byID, r.ID)
		for i, existing := range t.records {
			if existing.ID == r.ID {
				t.records = append(t.records[:i], t.records[i+1:]...)
				break
			}
		}
		return common.Succeeded(r.ID)
	})
}

func (c *Conn) write(op, object, extField string, records []*common.Record, apply func(*table, *common.Record) common.SaveResult) ([]common.SaveResult, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Conn: c.name, Op: op, Object: object, Size: len(records)})

	t := s.table(object)
	results := make([]common.SaveResult, len(records))
	for i, r := range records {
		if s.fault != nil {
			if werr := s.fault(op, object, r); werr != nil {
				results[i] = common.SaveResult{Errors: []common.WriteError{*werr}}
				continue
			}
		}
		if op != OpDelete {
			if res, ok := s.validate(t, op, r); !ok {
				results[i] = res
				continue
			}
		}
		results[i] = apply(t, r)
	}
	return results, nil
}

// validate checks a record against the object schema, when one is defined.
func (s *Store) validate(t *table, op string, r *common.Record) (common.SaveResult, bool) {
	if t.schema == nil {
		return common.SaveResult{}, true
	}
	fields := make(map[string]service.Field, len(t.schema.Fields))
	for _, f := range t.schema.Fields {
		fields[f.Name] = f
	}
	names := append(r.FieldNames(), r.FieldsToNull...)
	for _, name := range names {
		f, ok := fields[name]
		if !ok {
			return common.Failed(common.CodeInvalidField, "no such field "+name, name), false
		}
		writable := f.Creatable
		if op == OpUpdate || (op == OpUpsert && r.ID != "") {
			writable = f.Updatable
		}
		if !writable {
			return common.Failed(common.CodeInvalidFieldForWrite, "field not writable: "+name, name), false
		}
		if f.Type != service.TypeReference || len(f.ReferenceTargets) == 0 {
			continue
		}
		v, set := r.Fields[name]
		if !set || common.IsEmpty(v) {
			continue
		}
		found := false
		for _, target := range f.ReferenceTargets {
			if tt, ok := s.tables[target]; ok {
				if _, ok := tt.byID[common.StringValue(v)]; ok {
					found = true
					break
				}
			}
		}
		if !found {
			return common.Failed(common.CodeInvalidCrossReference, fmt.Sprintf("invalid cross reference id %v", v), name), false
		}
	}
	return common.SaveResult{}, true
}

func (s *Store) insert(t *table, object string, r *common.Record) common.SaveResult {
	c := r.Clone()
	c.Type = object
	c.ID = s.newID(object)
	c.FieldsToNull = nil
	t.records = append(t.records, c)
	t.byID[c.ID] = c
	return common.Succeeded(c.ID)
}

func (s *Store) modify(t *table, existing, r *common.Record) common.SaveResult {
	for k, v := range r.Fields {
		existing.Fields[k] = v
	}
	for _, f := range r.FieldsToNull {
		delete(existing.Fields, f)
	}
	return common.Succeeded(existing.ID)
}
