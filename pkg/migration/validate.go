package migration

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/pairing"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

// Validation compares one object across stores
type Validation struct {
	Object      string
	SourceCount int
	TargetCount int
	// KeyFields match records across stores; without them only the counts
	// are compared.
	KeyFields []string
	// Missing lists the source ids whose key is not found on the target
	Missing []string
}

// OK reports whether the target holds every source record
func (v *Validation) OK() bool {
	return len(v.Missing) == 0 && v.TargetCount >= v.SourceCount
}

// Validate counts the records of every migrated object on both sides and lists
// the source records missing from the target. Records are matched on the
// object's keys, or on its external id, where an empty source value stands for
// the source id.
func Validate(ctx context.Context, session *service.Session, g *graph.Graph, log *logger.Logger) ([]*Validation, error) {
	var out []*Validation
	for _, d := range g.Primary() {
		v, err := validateObject(ctx, session, d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)

		entry := log.WithObject(d.Name).WithFields(logrus.Fields{
			"source":  v.SourceCount,
			"target":  v.TargetCount,
			"missing": len(v.Missing),
		})
		if v.OK() {
			entry.Info("Validated")
			continue
		}
		entry.Warn("Target is missing records")
		for _, id := range v.Missing {
			log.WithObject(d.Name).WithField("sourceId", id).Warn("Missing on target")
		}
	}
	return out, nil
}

func validateObject(ctx context.Context, session *service.Session, d *graph.ObjectDescriptor) (*Validation, error) {
	keys := matchFields(d)
	v := &Validation{Object: d.Name, KeyFields: keys}

	fields := keys
	if fields == nil {
		fields = []string{common.IDField}
	}

	onTarget := make(map[string]bool)
	cur, err := session.Target.Query(ctx, d.Name, fields, "")
	if err != nil {
		return nil, fmt.Errorf("failed to query %s on target: %w", d.Name, err)
	}
	err = service.Drain(ctx, cur, func(rec *common.Record) error {
		v.TargetCount++
		if keys != nil {
			onTarget[pairing.CompositeKey(rec, keys)] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s on target: %w", d.Name, err)
	}

	cur, err = session.Source.Query(ctx, d.Name, fields, d.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", d.Name, err)
	}
	err = service.Drain(ctx, cur, func(rec *common.Record) error {
		v.SourceCount++
		if keys == nil {
			return nil
		}
		key := pairing.CompositeKeyOf(keys, func(f string) interface{} {
			if val := rec.Get(f); !common.IsEmpty(val) || f != d.ExternalIDField {
				return val
			}
			return rec.ID
		})
		if !onTarget[key] {
			v.Missing = append(v.Missing, rec.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d.Name, err)
	}
	return v, nil
}

// Compare reports, for every object of the graph, the fields that exist on one
// side only.
func Compare(ctx context.Context, session *service.Session, g *graph.Graph, log *logger.Logger) ([]*service.FieldSet, error) {
	var names []string
	seen := make(map[string]bool)
	for _, d := range g.Objects {
		if !seen[d.Name] {
			seen[d.Name] = true
			names = append(names, d.Name)
		}
	}

	sets, err := session.Catalog.Compare(ctx, names)
	if err != nil {
		return nil, err
	}
	for _, s := range sets {
		entry := log.WithObject(s.Object).WithField("common", len(s.Common))
		if !s.Drifted() {
			entry.Info("Fields match")
			continue
		}
		entry.WithFields(logrus.Fields{
			"sourceOnly": s.SourceOnly,
			"targetOnly": s.TargetOnly,
		}).Warn("Fields differ")
	}
	return sets, nil
}
