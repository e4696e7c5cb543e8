package graph

import (
	"fmt"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
)

type builder struct {
	graph   *Graph
	lookups []*LookupAssociation
	refresh bool
}

// Build walks a relationship description depth first and produces its graph.
// A structural error anywhere fails the whole build.
func Build(desc Description) (*Graph, error) {
	if len(desc) == 0 {
		return nil, fmt.Errorf("%w: no objects declared", ErrMalformed)
	}

	b := &builder{graph: &Graph{
		Parents: make(map[string]*ParentAssociation),
		Lookups: make(map[Key][]*LookupAssociation),
	}}

	for i := range desc {
		path := fmt.Sprintf("objects[%d]", i)
		node := &desc[i]
		name := node.Parent
		if name == "" {
			name = node.Object
		}
		if name == "" {
			return nil, fmt.Errorf("%w: %s: missing parent", ErrMalformed, path)
		}
		if b.graph.Object(name) != nil {
			return nil, fmt.Errorf("%w: %s: object %s declared twice", ErrMalformed, path, name)
		}
		if err := b.walk(path, name, node); err != nil {
			return nil, err
		}
	}

	b.classifyLookups()

	switch {
	case b.refresh:
		b.graph.Kind = Hierarchical
	case len(b.graph.Parents) > 0:
		b.graph.Kind = MasterDetail
	default:
		b.graph.Kind = Lookup
	}
	return b.graph, nil
}

func (b *builder) walk(path, name string, node *Node) error {
	desc := b.graph.Object(name)
	if desc == nil {
		desc = &ObjectDescriptor{Name: name}
		b.graph.Objects = append(b.graph.Objects, desc)
	}
	applyOverrides(desc, node)
	if desc.Refresh {
		b.refresh = true
	}

	for i := range node.Children {
		child := &node.Children[i]
		childPath := fmt.Sprintf("%s.children[%d]", path, i)
		if child.ChildObject == "" {
			return fmt.Errorf("%w: %s: missing childObject", ErrMalformed, childPath)
		}
		if child.ParentMappedField == "" {
			return fmt.Errorf("%w: %s: missing parentMappedField", ErrMalformed, childPath)
		}

		assoc := b.graph.Parents[child.ChildObject]
		if assoc == nil {
			assoc = &ParentAssociation{Child: child.ChildObject, Fields: make(map[string]string)}
			b.graph.Parents[child.ChildObject] = assoc
		}
		assoc.Fields[child.ParentMappedField] = name
		assoc.Sequence = child.Sequence

		if err := b.walk(childPath, child.ChildObject, child); err != nil {
			return err
		}
	}

	return b.walkLookups(path, Key{Name: name}, node.Lookups)
}

func (b *builder) walkLookups(path string, owner Key, nodes []Node) error {
	for i := range nodes {
		l := &nodes[i]
		lookupPath := fmt.Sprintf("%s.lookups[%d]", path, i)
		if l.LookupObject == "" {
			return fmt.Errorf("%w: %s: missing lookupObject", ErrMalformed, lookupPath)
		}
		if l.LookupMappedField == "" {
			return fmt.Errorf("%w: %s: missing lookupMappedField", ErrMalformed, lookupPath)
		}
		if len(l.Keys) == 0 && l.ExternalIDField == "" {
			return fmt.Errorf("%w: %s: lookup on %s needs keys or externalIdField", ErrMalformed, lookupPath, l.LookupObject)
		}

		b.lookups = append(b.lookups, &LookupAssociation{
			Owner:           owner,
			Field:           l.LookupMappedField,
			Target:          l.LookupObject,
			KeyFields:       append([]string(nil), l.Keys...),
			ExternalIDField: l.ExternalIDField,
			Filter:          l.Where,
			Unmapped:        append([]string(nil), l.UnmappedFields...),
		})

		if err := b.walkLookups(lookupPath, Key{Name: l.LookupObject, Lookup: true}, l.Lookups); err != nil {
			return err
		}
	}
	return nil
}

// classifyLookups keeps the lookup associations that are real cross
// references and derives one lookup descriptor per referenced object. A field
// that is also a master-detail parent field of its owner is a parent edge, and
// associations declared under a dropped lookup are dropped with it.
func (b *builder) classifyLookups() {
	for _, a := range b.lookups {
		if a.Owner.Lookup {
			if b.graph.LookupObject(a.Owner.Name) == nil {
				continue
			}
		} else if parents := b.graph.Parents[a.Owner.Name]; parents != nil {
			if _, ok := parents.Fields[a.Field]; ok {
				continue
			}
		}

		duplicate := false
		for _, existing := range b.graph.Lookups[a.Owner] {
			if existing.Field == a.Field {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		b.graph.Lookups[a.Owner] = append(b.graph.Lookups[a.Owner], a)

		target := b.graph.LookupObject(a.Target)
		if target == nil {
			target = &ObjectDescriptor{
				Name:            a.Target,
				Lookup:          true,
				ExternalIDField: a.ExternalIDField,
				Filter:          a.Filter,
				Directives:      common.FieldDirectives{Unmapped: a.Unmapped},
			}
			b.graph.Objects = append(b.graph.Objects, target)
		}
		target.KeyFields = appendMissing(target.KeyFields, a.MatchFields()...)
	}
}

func applyOverrides(desc *ObjectDescriptor, node *Node) {
	if node.ExternalIDField != "" {
		desc.ExternalIDField = node.ExternalIDField
	}
	if node.Where != "" {
		desc.Filter = node.Where
	}
	if node.BatchSize > 0 {
		desc.BatchSize = node.BatchSize
	}
	if node.Refresh {
		desc.Refresh = true
	}
	if node.Sequence != 0 {
		desc.Sequence = node.Sequence
	}
	if len(node.Keys) > 0 {
		desc.KeyFields = append([]string(nil), node.Keys...)
	}

	d := &desc.Directives
	d.Unmapped = appendMissing(d.Unmapped, node.UnmappedFields...)
	d.Masked = appendMissing(d.Masked, node.MaskedFields...)
	d.Nullable = appendMissing(d.Nullable, node.Nullable...)
	if m := mergePairs(node.FieldMapping); m != nil {
		if d.FieldMapping == nil {
			d.FieldMapping = make(map[string]string)
		}
		for k, v := range m {
			d.FieldMapping[k] = v
		}
	}
	if m := mergePairs(node.DefaultValues); m != nil {
		if d.DefaultValues == nil {
			d.DefaultValues = make(map[string]string)
		}
		for k, v := range m {
			d.DefaultValues[k] = v
		}
	}
}

func appendMissing(list []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, s := range list {
			if s == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}
