// Package pairing relates source records to their target counterparts.
//
// Tables are not safe for concurrent use. They are mutated only by the
// migration loop between write calls; workers return outcomes instead.
package pairing

import (
	"errors"
	"strconv"
	"strings"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
)

// KeyPrefix marks composite key entries of a table.
const KeyPrefix = "KEY_"

// ErrAlreadyBound is returned when a pair already has a different target id.
var ErrAlreadyBound = errors.New("record pair already bound to another target")

// RecordPair links one source record to its target record.
type RecordPair struct {
	SourceID string
	TargetID string
	Source   *common.Record
	Target   *common.Record

	// Parents maps a master-detail field to the parent's source record.
	Parents map[string]*common.Record
}

// SetParent attaches the source record of a master-detail parent
func (p *RecordPair) SetParent(field string, parent *common.Record) {
	if p.Parents == nil {
		p.Parents = make(map[string]*common.Record)
	}
	p.Parents[field] = parent
}

// Table holds the pairs of one object, addressable by source id and by
// composite key.
type Table struct {
	entries map[string]*RecordPair
	order   []*RecordPair
}

// NewTable creates an empty table
func NewTable() *Table {
	return &Table{entries: make(map[string]*RecordPair)}
}

// CreateOrGet returns the pair of sourceID, creating it on first observation.
func (t *Table) CreateOrGet(sourceID string) (*RecordPair, bool) {
	if p, ok := t.entries[sourceID]; ok {
		return p, false
	}
	p := &RecordPair{SourceID: sourceID}
	t.entries[sourceID] = p
	t.order = append(t.order, p)
	return p, true
}

// Observe records a source record, creating or updating its pair.
func (t *Table) Observe(rec *common.Record) *RecordPair {
	p, _ := t.CreateOrGet(rec.ID)
	p.Source = rec
	return p
}

// BySourceID returns the pair of a source id, if any
func (t *Table) BySourceID(id string) *RecordPair {
	if id == "" || strings.HasPrefix(id, KeyPrefix) {
		return nil
	}
	return t.entries[id]
}

// ByCompositeKey returns the pair indexed under key, if any
func (t *Table) ByCompositeKey(key string) *RecordPair {
	if !strings.HasPrefix(key, KeyPrefix) {
		return nil
	}
	return t.entries[key]
}

// Index makes p addressable by a composite key. The first pair indexed under
// a key keeps it; false is returned on collision with another pair.
func (t *Table) Index(key string, p *RecordPair) bool {
	if existing, ok := t.entries[key]; ok {
		return existing == p
	}
	t.entries[key] = p
	if p.SourceID == "" {
		t.order = append(t.order, p)
	}
	return true
}

// BindTarget sets the target id of p. Binding the same id again is a no-op.
func (t *Table) BindTarget(p *RecordPair, targetID string) error {
	if targetID == "" {
		return nil
	}
	if p.TargetID != "" && p.TargetID != targetID {
		return ErrAlreadyBound
	}
	p.TargetID = targetID
	return nil
}

// Pairs returns the distinct pairs in first-observed order
func (t *Table) Pairs() []*RecordPair {
	return t.order
}

// SourcePairs returns the pairs that carry a source record
func (t *Table) SourcePairs() []*RecordPair {
	out := make([]*RecordPair, 0, len(t.order))
	for _, p := range t.order {
		if p.Source != nil {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of distinct pairs
func (t *Table) Len() int {
	return len(t.order)
}

// Registry owns the tables of one migration run.
type Registry struct {
	tables map[graph.Key]*Table
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tables: make(map[graph.Key]*Table)}
}

// Table returns the table of an object identity, creating it on first use.
func (r *Registry) Table(k graph.Key) *Table {
	t, ok := r.tables[k]
	if !ok {
		t = NewTable()
		r.tables[k] = t
	}
	return t
}

// Lookup returns the table of k without creating it
func (r *Registry) Lookup(k graph.Key) *Table {
	return r.tables[k]
}

// Clear drops every table
func (r *Registry) Clear() {
	r.tables = make(map[graph.Key]*Table)
}

// CompositeKey derives the match key of a record from the values of fields,
// in order. Each value is quoted so distinct tuples give distinct keys; absent
// values render as null.
func CompositeKey(rec *common.Record, fields []string) string {
	return CompositeKeyOf(fields, rec.Get)
}

// CompositeKeyOf is CompositeKey over an arbitrary field accessor.
func CompositeKeyOf(fields []string, get func(string) interface{}) string {
	var b strings.Builder
	b.WriteString(KeyPrefix)
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('|')
		}
		v := get(f)
		if v == nil {
			b.WriteString("null")
			continue
		}
		b.WriteString(strconv.Quote(common.StringValue(v)))
	}
	return b.String()
}
