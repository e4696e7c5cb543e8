package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/pairing"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

// querySources reads the source records of every migrated object, in
// processing order so that master-detail parents are paired before their
// children.
func (m *Migrator) querySources(ctx context.Context) error {
	for _, d := range m.graph.Primary() {
		if err := m.querySource(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) querySource(ctx context.Context, d *graph.ObjectDescriptor) error {
	schema := m.schemas[d.Name]
	tbl := m.registry.Table(d.Key())
	parents := m.graph.Parents[d.Name]

	cur, err := m.session.Source.Query(ctx, d.Name, schema.Fields.Common, d.Filter)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", d.Name, err)
	}
	orphans := 0
	err = service.Drain(ctx, cur, func(rec *common.Record) error {
		p := tbl.Observe(rec)
		if parents == nil {
			return nil
		}
		for field, parentType := range parents.Fields {
			v := rec.Get(field)
			if common.IsEmpty(v) {
				continue
			}
			parentTbl := m.registry.Lookup(graph.Key{Name: parentType})
			if parentTbl == nil {
				orphans++
				continue
			}
			if parent := parentTbl.BySourceID(common.StringValue(v)); parent != nil && parent.Source != nil {
				p.SetParent(field, parent.Source)
			} else {
				orphans++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", d.Name, err)
	}

	entry := m.log.WithObject(d.Name)
	if orphans > 0 {
		entry.Warnf("%d parent reference(s) point to records outside this run", orphans)
	}
	entry.Infof("Read %d source record(s)", tbl.Len())
	return nil
}

// queryLookups reads every lookup object on both sides and pairs the records
// by their match key. Nested lookups come first so that their target ids are
// known when the keys of the lookups that declare them are built.
func (m *Migrator) queryLookups(ctx context.Context) error {
	for _, d := range m.graph.LookupTargets() {
		if err := m.queryLookupSource(ctx, d); err != nil {
			return err
		}
		if err := m.queryLookupTarget(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// matchFields returns the fields matching records of d across stores
func matchFields(d *graph.ObjectDescriptor) []string {
	if len(d.KeyFields) > 0 {
		return d.KeyFields
	}
	if d.ExternalIDField != "" {
		return []string{d.ExternalIDField}
	}
	return nil
}

func (m *Migrator) lookupFields(d *graph.ObjectDescriptor) []string {
	fields := append([]string(nil), matchFields(d)...)
	for f := range m.graph.LookupFields(d.Key()) {
		if !containsField(fields, f) {
			fields = append(fields, f)
		}
	}
	return fields
}

// sourceKey builds the match key of a source record. An empty external id
// stands for the source id, as it does on write, and references to nested
// lookups are translated to the target ids they resolve to.
func (m *Migrator) sourceKey(d *graph.ObjectDescriptor, rec *common.Record, fields []string) string {
	nested := m.graph.LookupFields(d.Key())
	return pairing.CompositeKeyOf(fields, func(f string) interface{} {
		v := rec.Get(f)
		if common.IsEmpty(v) {
			if f == d.ExternalIDField {
				return rec.ID
			}
			return v
		}
		if assoc, ok := nested[f]; ok {
			if id := m.transformer.ResolveLookup(assoc, common.StringValue(v)); id != "" {
				return id
			}
		}
		return v
	})
}

func (m *Migrator) queryLookupSource(ctx context.Context, d *graph.ObjectDescriptor) error {
	fields := matchFields(d)
	tbl := m.registry.Table(d.Key())

	cur, err := m.session.Source.Query(ctx, d.Name, m.lookupFields(d), d.Filter)
	if err != nil {
		return fmt.Errorf("failed to query lookup %s: %w", d.Name, err)
	}
	collisions := 0
	err = service.Drain(ctx, cur, func(rec *common.Record) error {
		p := tbl.Observe(rec)
		if !tbl.Index(m.sourceKey(d, rec, fields), p) {
			collisions++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read lookup %s: %w", d.Name, err)
	}
	if collisions > 0 {
		m.log.WithObject(d.Name).Warnf("%d source lookup record(s) share a match key with another record", collisions)
	}
	return nil
}

// queryLookupTarget reads the target side of lookup d and binds each record
// to the source pair with the same match key. It is safe to repeat once more
// records exist on the target.
func (m *Migrator) queryLookupTarget(ctx context.Context, d *graph.ObjectDescriptor) error {
	fields := matchFields(d)
	tbl := m.registry.Table(d.Key())

	cur, err := m.session.Target.Query(ctx, d.Name, fields, "")
	if err != nil {
		return fmt.Errorf("failed to query lookup %s on target: %w", d.Name, err)
	}
	matched, duplicates := 0, 0
	err = service.Drain(ctx, cur, func(rec *common.Record) error {
		key := pairing.CompositeKey(rec, fields)
		p := tbl.ByCompositeKey(key)
		if p == nil {
			tbl.Index(key, &pairing.RecordPair{TargetID: rec.ID, Target: rec})
			return nil
		}
		if p.SourceID == "" {
			return nil
		}
		if err := tbl.BindTarget(p, rec.ID); err != nil {
			if errors.Is(err, pairing.ErrAlreadyBound) {
				duplicates++
				return nil
			}
			return err
		}
		p.Target = rec
		matched++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read lookup %s on target: %w", d.Name, err)
	}

	entry := m.log.WithObject(d.Name)
	if duplicates > 0 {
		entry.Warnf("%d target lookup record(s) match an already paired key", duplicates)
	}
	if unmatched := len(tbl.Pairs()) - len(tbl.SourcePairs()); unmatched > 0 {
		entry.Debugf("%d target lookup record(s) have no source counterpart", unmatched)
	}
	entry.Infof("Paired %d lookup record(s)", matched)
	return nil
}

// reIssueLookupQuery refreshes the target side of a lookup after its object
// was written, so later objects resolve references to the new records.
func (m *Migrator) reIssueLookupQuery(ctx context.Context, object string) error {
	d := m.graph.LookupObject(object)
	if d == nil {
		return nil
	}
	m.log.WithObject(object).Debug("Re-reading lookup records from target")
	return m.queryLookupTarget(ctx, d)
}

func containsField(fields []string, f string) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}
