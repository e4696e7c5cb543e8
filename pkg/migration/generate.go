package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

// DefaultLookupKey is the match field written into generated lookups
const DefaultLookupKey = "Name"

// ignoredReferences are never turned into relationships
var ignoredReferences = map[string]bool{
	"ownerid":                            true,
	"createdbyid":                        true,
	"lastmodifiedbyid":                   true,
	strings.ToLower(common.SubtypeField): true,
}

// GenerateOptions selects the objects of a generated description.
type GenerateOptions struct {
	Objects    []string
	Side       service.Side
	LookupKeys []string
}

type parentEdge struct {
	object string
	field  string
}

type generator struct {
	opts     GenerateOptions
	members  map[string]bool
	parent   map[string]parentEdge
	children map[string][]parentEdge
	lookups  map[string][]graph.Node
	self     map[string][]string
}

// Generate derives a relationship description for objects from their
// described references. A reference to another listed object makes the
// referencing object a child of the first such object; a reference to an
// object outside the list becomes a lookup matched by LookupKeys; a reference
// to the object itself makes the description hierarchical.
func Generate(ctx context.Context, catalog *service.Catalog, opts GenerateOptions, log *logger.Logger) (graph.Description, error) {
	if len(opts.Objects) == 0 {
		return nil, fmt.Errorf("no objects to generate a description for")
	}
	if len(opts.LookupKeys) == 0 {
		opts.LookupKeys = []string{DefaultLookupKey}
	}

	gen := &generator{
		opts:     opts,
		members:  make(map[string]bool, len(opts.Objects)),
		parent:   make(map[string]parentEdge),
		children: make(map[string][]parentEdge),
		lookups:  make(map[string][]graph.Node),
		self:     make(map[string][]string),
	}
	for _, o := range opts.Objects {
		gen.members[o] = true
	}

	for _, o := range opts.Objects {
		meta, err := catalog.Metadata(ctx, opts.Side, o)
		if err != nil {
			return nil, err
		}
		gen.classify(meta, log)
	}

	var desc graph.Description
	for _, o := range opts.Objects {
		if _, ok := gen.parent[o]; ok {
			continue
		}
		n := gen.node(o, 0)
		n.Parent = o
		desc = append(desc, n)
	}

	g, err := graph.Build(desc)
	if err != nil {
		return nil, fmt.Errorf("generated description is invalid: %w", err)
	}
	for _, d := range g.LookupTargets() {
		log.WithObject(d.Name).Infof("Lookup referenced by %d field(s), match keys %v", len(g.AssociationsTo(d.Name)), d.KeyFields)
	}
	log.Infof("Generated %s description of %d object(s)", g.Kind, len(opts.Objects))
	return desc, nil
}

func (gen *generator) classify(meta *service.ObjectMetadata, log *logger.Logger) {
	entry := log.WithObject(meta.Object)
	for _, f := range meta.References {
		if ignoredReferences[strings.ToLower(f)] {
			continue
		}
		targets := meta.ReferenceTargets[f]
		if len(targets) == 0 {
			entry.Debugf("Reference %s has no target object, skipped", f)
			continue
		}
		if len(targets) > 1 {
			entry.Debugf("Reference %s is polymorphic, using %s", f, targets[0])
		}
		target := targets[0]

		switch {
		case target == meta.Object:
			gen.self[meta.Object] = append(gen.self[meta.Object], f)
		case gen.members[target]:
			if _, ok := gen.parent[meta.Object]; ok || gen.descends(target, meta.Object) {
				entry.Debugf("Reference %s to %s is already covered by a parent edge, skipped", f, target)
				continue
			}
			gen.parent[meta.Object] = parentEdge{object: target, field: f}
			gen.children[target] = append(gen.children[target], parentEdge{object: meta.Object, field: f})
		default:
			gen.lookups[meta.Object] = append(gen.lookups[meta.Object], gen.lookup(target, f))
		}
	}
}

// descends reports whether object is below ancestor in the parent tree
func (gen *generator) descends(object, ancestor string) bool {
	for o := object; ; {
		if o == ancestor {
			return true
		}
		p, ok := gen.parent[o]
		if !ok {
			return false
		}
		o = p.object
	}
}

func (gen *generator) lookup(target, field string) graph.Node {
	return graph.Node{
		LookupObject:      target,
		LookupMappedField: field,
		Keys:              append([]string(nil), gen.opts.LookupKeys...),
	}
}

func (gen *generator) node(object string, sequence int) graph.Node {
	n := graph.Node{Lookups: gen.lookups[object]}
	for _, f := range gen.self[object] {
		n.Refresh = true
		n.Lookups = append(n.Lookups, gen.lookup(object, f))
	}
	for _, c := range gen.children[object] {
		child := gen.node(c.object, sequence+1)
		child.ChildObject = c.object
		child.ParentMappedField = c.field
		child.Sequence = sequence + 1
		n.Children = append(n.Children, child)
	}
	return n
}
