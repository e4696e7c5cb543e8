// Package transform shapes source records into target records: field
// selection, masking, typed values, and resolution of parent and lookup
// references through the record pairs of the run.
package transform

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/pairing"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

// Schema is the metadata used to shape the records of one object.
type Schema struct {
	Source *service.ObjectMetadata
	Target *service.ObjectMetadata
	Fields *service.FieldSet
}

// Transformer converts source records to target records. It reads the pair
// registry and is used from the migration loop only.
type Transformer struct {
	graph    *graph.Graph
	registry *pairing.Registry
	masker   Masker
	log      *logger.Logger

	drift map[string]bool
}

// New creates a transformer. A nil masker selects FormatMasker.
func New(g *graph.Graph, registry *pairing.Registry, masker Masker, log *logger.Logger) *Transformer {
	if masker == nil {
		masker = FormatMasker{}
	}
	return &Transformer{
		graph:    g,
		registry: registry,
		masker:   masker,
		log:      log,
		drift:    make(map[string]bool),
	}
}

// Transform builds the target record of pair. Fields that cannot be carried
// are left out with a warning; the record is always produced.
func (t *Transformer) Transform(desc *graph.ObjectDescriptor, schema *Schema, pair *pairing.RecordPair) *common.Record {
	src := pair.Source
	out := common.NewRecord(desc.Name)
	entry := t.log.WithObject(desc.Name).WithField("sourceId", pair.SourceID)

	if len(desc.Directives.FieldMapping) > 0 {
		t.copyMapped(entry, desc, schema, src, out)
	} else {
		t.copyPrimitive(entry, desc, schema, src, out)
	}

	t.resolveParents(entry, desc, pair, out)
	t.resolveLookups(entry, desc, src, out)

	// Explicit nulls for empty nullable fields
	for _, f := range desc.Directives.Nullable {
		if common.IsEmpty(src.Get(f)) && !desc.Directives.IsUnmapped(f) {
			out.SetNull(f)
		}
	}

	if !desc.Directives.IsUnmapped(common.SubtypeField) {
		t.remapSubtype(entry, schema, src, out)
	}

	// Defaults go last and always win
	for _, f := range sortedKeys(desc.Directives.DefaultValues) {
		if desc.Directives.IsUnmapped(f) {
			continue
		}
		v, err := Deserialize(schema.Target.Type(f), desc.Directives.DefaultValues[f])
		if err != nil {
			entry.Warnf("Skipping default value of %s: %v", f, err)
			continue
		}
		out.Set(f, v)
		out.ClearNull(f)
	}

	return out
}

func (t *Transformer) copyMapped(entry *logrus.Entry, desc *graph.ObjectDescriptor, schema *Schema, src, out *common.Record) {
	d := desc.Directives
	for _, sf := range sortedKeys(d.FieldMapping) {
		tf := d.FieldMapping[sf]
		if d.IsUnmapped(sf) || d.IsUnmapped(tf) {
			continue
		}
		v := src.Get(sf)
		if common.IsEmpty(v) {
			if desc.ExternalIDField != "" && strings.EqualFold(sf, desc.ExternalIDField) {
				out.Set(tf, src.ID)
			}
			continue
		}
		t.carry(entry, out, tf, v, schema.Target.Type(tf), d.IsMasked(sf))
	}
}

func (t *Transformer) copyPrimitive(entry *logrus.Entry, desc *graph.ObjectDescriptor, schema *Schema, src, out *common.Record) {
	d := desc.Directives
	for _, f := range schema.Target.Primitive {
		if f == common.IDField || d.IsUnmapped(f) {
			continue
		}
		if !schema.Fields.Contains(f) {
			t.warnDrift(entry, desc.Name, f)
			continue
		}
		if desc.ExternalIDField == "" && !schema.Target.Creatable[f] {
			continue
		}
		v := src.Get(f)
		if common.IsEmpty(v) {
			if desc.ExternalIDField != "" && f == desc.ExternalIDField {
				out.Set(f, src.ID)
			}
			continue
		}
		t.carry(entry, out, f, v, schema.Target.Type(f), d.IsMasked(f))
	}
}

func (t *Transformer) carry(entry *logrus.Entry, out *common.Record, field string, v interface{}, typ service.FieldType, masked bool) {
	raw, isString := v.(string)
	if masked {
		raw, isString = t.masker.Mask(field, common.StringValue(v)), true
	}
	if !isString {
		out.Set(field, v)
		return
	}
	value, err := Deserialize(typ, raw)
	if err != nil {
		entry.Warnf("Skipping field %s: %v", field, err)
		return
	}
	out.Set(field, value)
}

func (t *Transformer) warnDrift(entry *logrus.Entry, object, field string) {
	key := object + "." + field
	if t.drift[key] {
		return
	}
	t.drift[key] = true
	entry.WithField("field", field).Warn("Field missing on one side, not migrated")
}

func (t *Transformer) resolveParents(entry *logrus.Entry, desc *graph.ObjectDescriptor, pair *pairing.RecordPair, out *common.Record) {
	parents := t.graph.Parents[desc.Name]
	if parents == nil {
		return
	}
	for _, field := range parents.SortedFields() {
		if desc.Directives.IsUnmapped(field) {
			continue
		}
		parent := pair.Parents[field]
		if parent == nil {
			if v := pair.Source.Get(field); !common.IsEmpty(v) {
				entry.Warnf("Parent %v of %s was not migrated, leaving %s unset", v, parents.Fields[field], field)
			}
			out.Unset(field)
			continue
		}
		targetID := ""
		if tbl := t.registry.Lookup(graph.Key{Name: parents.Fields[field]}); tbl != nil {
			if p := tbl.BySourceID(parent.ID); p != nil {
				targetID = p.TargetID
			}
		}
		if targetID == "" {
			entry.Warnf("Parent %s of %s has no target record, leaving %s unset", parent.ID, parents.Fields[field], field)
			out.Unset(field)
			continue
		}
		out.Set(field, targetID)
	}
}

func (t *Transformer) resolveLookups(entry *logrus.Entry, desc *graph.ObjectDescriptor, src, out *common.Record) {
	for _, assoc := range t.graph.Lookups[desc.Key()] {
		if desc.Directives.IsUnmapped(assoc.Field) {
			continue
		}
		v := src.Get(assoc.Field)
		if common.IsEmpty(v) {
			continue
		}
		targetID := t.ResolveLookup(assoc, common.StringValue(v))
		if targetID == "" {
			entry.Warnf("Dangling lookup %s -> %s %v, leaving field unset", assoc.Field, assoc.Target, v)
			out.Unset(assoc.Field)
			continue
		}
		out.Set(assoc.Field, targetID)
	}
}

// ResolveLookup returns the target id of the source record sourceID of the
// association's target object, or "" when it has no target counterpart. The
// lookup pairs are consulted first, then the pairs of records migrated in
// this run.
func (t *Transformer) ResolveLookup(assoc *graph.LookupAssociation, sourceID string) string {
	for _, k := range []graph.Key{{Name: assoc.Target, Lookup: true}, {Name: assoc.Target}} {
		tbl := t.registry.Lookup(k)
		if tbl == nil {
			continue
		}
		if p := tbl.BySourceID(sourceID); p != nil && p.TargetID != "" {
			return p.TargetID
		}
	}
	return ""
}

func (t *Transformer) remapSubtype(entry *logrus.Entry, schema *Schema, src, out *common.Record) {
	v := src.Get(common.SubtypeField)
	if common.IsEmpty(v) || len(schema.Source.SubtypeIDToName) == 0 {
		out.Unset(common.SubtypeField)
		return
	}
	name, ok := schema.Source.SubtypeIDToName[common.StringValue(v)]
	if !ok {
		entry.Warnf("Unknown source record type %v", v)
		out.Unset(common.SubtypeField)
		return
	}
	id, ok := schema.Target.SubtypeNameToID[name]
	if !ok {
		entry.Warnf("Record type %s does not exist on target", name)
		out.Unset(common.SubtypeField)
		return
	}
	out.Set(common.SubtypeField, id)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
