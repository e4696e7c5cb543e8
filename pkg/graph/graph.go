package graph

import (
	"errors"
	"sort"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
)

// ErrMalformed is returned for structurally invalid relationship descriptions.
var ErrMalformed = errors.New("malformed relationship description")

// RelationKind classifies a whole graph and selects the migration strategy.
type RelationKind int

const (
	Lookup RelationKind = iota
	MasterDetail
	Hierarchical
)

func (k RelationKind) String() string {
	switch k {
	case MasterDetail:
		return "MASTERDETAIL"
	case Hierarchical:
		return "HIERARCHICAL"
	default:
		return "LOOKUP"
	}
}

// Key identifies an object descriptor within a graph.
type Key struct {
	Name   string
	Lookup bool
}

// ObjectDescriptor describes one migratable object type, or, when Lookup is
// set, an object read only to resolve references of other objects.
type ObjectDescriptor struct {
	Name            string
	Lookup          bool
	ExternalIDField string
	Filter          string
	Directives      common.FieldDirectives
	KeyFields       []string
	BatchSize       int
	Refresh         bool
	Sequence        int
}

// Key returns the identity of the descriptor
func (d *ObjectDescriptor) Key() Key {
	return Key{Name: d.Name, Lookup: d.Lookup}
}

// ParentAssociation lists the master-detail parents of a child object.
type ParentAssociation struct {
	Child string
	// Fields maps a child field to the parent object type it references.
	Fields   map[string]string
	Sequence int
}

// SortedFields returns the child fields in a stable order
func (p *ParentAssociation) SortedFields() []string {
	fields := make([]string, 0, len(p.Fields))
	for f := range p.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// LookupAssociation is a cross reference from Owner.Field to records of Target
// matched across stores by KeyFields, or by ExternalIDField when no keys are
// declared.
type LookupAssociation struct {
	Owner           Key
	Field           string
	Target          string
	KeyFields       []string
	ExternalIDField string
	Filter          string
	Unmapped        []string
}

// MatchFields returns the fields used to match target records across stores.
func (l *LookupAssociation) MatchFields() []string {
	if len(l.KeyFields) > 0 {
		return l.KeyFields
	}
	return []string{l.ExternalIDField}
}

// Graph is the parsed relationship description. It is immutable once built.
type Graph struct {
	Objects []*ObjectDescriptor
	Parents map[string]*ParentAssociation
	Lookups map[Key][]*LookupAssociation
	Kind    RelationKind
}

// Object returns the primary descriptor named name
func (g *Graph) Object(name string) *ObjectDescriptor {
	return g.find(Key{Name: name})
}

// LookupObject returns the lookup descriptor named name
func (g *Graph) LookupObject(name string) *ObjectDescriptor {
	return g.find(Key{Name: name, Lookup: true})
}

func (g *Graph) find(k Key) *ObjectDescriptor {
	for _, d := range g.Objects {
		if d.Key() == k {
			return d
		}
	}
	return nil
}

// Primary returns the migrated objects in processing order: declaration order
// for lookup graphs, ascending sequence (stable) otherwise.
func (g *Graph) Primary() []*ObjectDescriptor {
	var out []*ObjectDescriptor
	for _, d := range g.Objects {
		if !d.Lookup {
			out = append(out, d)
		}
	}
	if g.Kind != Lookup {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	}
	return out
}

// LookupTargets returns the lookup descriptors, nested lookups before the
// lookups that declare them.
func (g *Graph) LookupTargets() []*ObjectDescriptor {
	var out []*ObjectDescriptor
	for i := len(g.Objects) - 1; i >= 0; i-- {
		if g.Objects[i].Lookup {
			out = append(out, g.Objects[i])
		}
	}
	return out
}

// AssociationsTo returns every lookup association whose target is object
func (g *Graph) AssociationsTo(object string) []*LookupAssociation {
	var out []*LookupAssociation
	for _, d := range g.Objects {
		for _, a := range g.Lookups[d.Key()] {
			if a.Target == object {
				out = append(out, a)
			}
		}
	}
	return out
}

// IsLookupTarget reports whether some association resolves against object
func (g *Graph) IsLookupTarget(object string) bool {
	return g.LookupObject(object) != nil
}

// LookupFields returns the lookup association of owner keyed by field
func (g *Graph) LookupFields(owner Key) map[string]*LookupAssociation {
	out := make(map[string]*LookupAssociation)
	for _, a := range g.Lookups[owner] {
		out[a.Field] = a
	}
	return out
}
