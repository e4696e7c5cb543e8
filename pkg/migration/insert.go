package migration

import (
	"context"
	"fmt"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/pairing"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/writer"
)

// insert writes every object in processing order. An object that other
// objects look up is re-read from the target right after it is written.
func (m *Migrator) insert(ctx context.Context) error {
	objects := m.graph.Primary()
	for _, d := range objects {
		if err := m.createTarget(ctx, d); err != nil {
			return err
		}
		if !m.graph.IsLookupTarget(d.Name) {
			continue
		}
		if err := m.reIssueLookupQuery(ctx, d.Name); err != nil {
			return err
		}
		if m.strategy.refresh != nil && d.Refresh {
			if err := m.strategy.refresh(ctx, d); err != nil {
				return err
			}
		}
	}

	if m.strategy.refresh == nil {
		return nil
	}
	for _, d := range objects {
		if !d.Refresh || m.refreshed[d.Name] {
			continue
		}
		if err := m.strategy.refresh(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// createTarget transforms and writes the source records of d, upserting on
// the external id when one is declared, and links the written records to
// their pairs.
func (m *Migrator) createTarget(ctx context.Context, d *graph.ObjectDescriptor) error {
	entry := m.log.WithObject(d.Name)
	tbl := m.registry.Lookup(d.Key())
	if tbl == nil {
		entry.Info("No source records")
		return nil
	}
	pairs := tbl.SourcePairs()
	if len(pairs) == 0 {
		entry.Info("No source records")
		return nil
	}

	schema := m.schemas[d.Name]
	records := make([]*common.Record, len(pairs))
	for i, p := range pairs {
		records[i] = m.transformer.Transform(d, schema, p)
	}

	op := writer.Create
	if d.ExternalIDField != "" {
		op = writer.Upsert
	}
	res, err := m.engine.Execute(ctx, writer.Request{
		Object:          d.Name,
		Operation:       op,
		ExternalIDField: d.ExternalIDField,
		BatchSize:       d.BatchSize,
		Records:         records,
		Pairs:           pairs,
		Link:            true,
		Table:           tbl,
		NonUpdatable:    schema.Target.NonUpdatable(),
	})
	if res != nil {
		m.report.add(d.Name, op, res)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", d.Name, err)
	}
	return nil
}

// updateTarget is the second pass over a self-referencing object. The lookups
// are read again from the now populated target, and every record written by
// the first pass is updated with the references that can now be resolved.
func (m *Migrator) updateTarget(ctx context.Context, d *graph.ObjectDescriptor) error {
	m.refreshed[d.Name] = true
	entry := m.log.WithObject(d.Name)

	for _, l := range m.graph.LookupTargets() {
		if err := m.queryLookupTarget(ctx, l); err != nil {
			return err
		}
	}

	tbl := m.registry.Lookup(d.Key())
	if tbl == nil {
		return nil
	}
	schema := m.schemas[d.Name]
	nonUpdatable := schema.Target.NonUpdatable()

	var records []*common.Record
	var pairs []*pairing.RecordPair
	for _, p := range tbl.SourcePairs() {
		if p.TargetID == "" {
			continue
		}
		rec := m.transformer.Transform(d, schema, p)
		for _, f := range nonUpdatable {
			rec.Unset(f)
			rec.ClearNull(f)
		}
		if len(rec.Fields) == 0 && len(rec.FieldsToNull) == 0 {
			continue
		}
		rec.ID = p.TargetID
		records = append(records, rec)
		pairs = append(pairs, p)
	}
	if len(records) == 0 {
		entry.Info("Nothing to refresh")
		return nil
	}

	entry.Infof("Refreshing %d record(s)", len(records))
	res, err := m.engine.Execute(ctx, writer.Request{
		Object:       d.Name,
		Operation:    writer.Update,
		BatchSize:    d.BatchSize,
		Records:      records,
		Pairs:        pairs,
		NonUpdatable: nonUpdatable,
	})
	if res != nil {
		m.report.add(d.Name, writer.Update, res)
	}
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", d.Name, err)
	}
	return nil
}
