package migration

import (
	"context"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
)

// strategy is the part of a run that differs between relation kinds
type strategy struct {
	// query loads the source records and the lookup records of both sides
	query func(context.Context) error
	// refresh, when set, runs a second write pass over an object flagged
	// refresh once its records exist on the target.
	refresh func(context.Context, *graph.ObjectDescriptor) error
}

func (m *Migrator) strategyFor(kind graph.RelationKind) strategy {
	switch kind {
	case graph.Hierarchical:
		return strategy{
			query: func(ctx context.Context) error {
				if err := m.queryLookups(ctx); err != nil {
					return err
				}
				return m.querySources(ctx)
			},
			refresh: m.updateTarget,
		}
	default:
		// Master-detail differs from plain lookups by its sequence ordering
		// and parent attachment, both carried by the graph.
		return strategy{
			query: func(ctx context.Context) error {
				if err := m.querySources(ctx); err != nil {
					return err
				}
				return m.queryLookups(ctx)
			},
		}
	}
}
