package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/writer"
)

var errRecordsRemain = errors.New("records remain on target")

// deleteAll empties the target objects, children first. A pass is repeated,
// up to DeletePasses in total, only while the target still holds records of
// some object, and the counts left after the last pass are reported.
func (m *Migrator) deleteAll(ctx context.Context) error {
	primary := m.graph.Primary()
	objects := make([]*graph.ObjectDescriptor, 0, len(primary))
	for i := len(primary) - 1; i >= 0; i-- {
		objects = append(objects, primary[i])
	}

	passes := m.opts.DeletePasses
	if passes < 1 {
		passes = 1
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(m.opts.DeleteRetryDelay)
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(passes-1)), ctx)

	pass := 0
	op := func() error {
		pass++
		m.entry.Infof("Delete pass %d/%d", pass, passes)
		for _, d := range objects {
			if err := m.deleteObject(ctx, d); err != nil {
				return backoff.Permanent(err)
			}
		}

		remaining := 0
		for _, d := range objects {
			n, err := service.Count(ctx, m.session.Target, d.Name, "")
			if err != nil {
				return backoff.Permanent(fmt.Errorf("failed to count %s: %w", d.Name, err))
			}
			m.report.object(d.Name, writer.Delete).Remaining = n
			remaining += n
		}
		if remaining > 0 {
			return fmt.Errorf("%w: %d after pass %d", errRecordsRemain, remaining, pass)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.entry.Warnf("%v, retrying in %s", err, wait)
	}

	err := backoff.RetryNotify(op, b, notify)
	if errors.Is(err, errRecordsRemain) {
		m.entry.Warnf("Delete incomplete: %v", err)
		return nil
	}
	return err
}

func (m *Migrator) deleteObject(ctx context.Context, d *graph.ObjectDescriptor) error {
	entry := m.log.WithObject(d.Name)
	cur, err := m.session.Target.Query(ctx, d.Name, []string{common.IDField}, "")
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", d.Name, err)
	}
	var records []*common.Record
	err = service.Drain(ctx, cur, func(rec *common.Record) error {
		records = append(records, &common.Record{Type: d.Name, ID: rec.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", d.Name, err)
	}
	if len(records) == 0 {
		entry.Info("Nothing to delete")
		return nil
	}

	res, err := m.engine.Execute(ctx, writer.Request{
		Object:    d.Name,
		Operation: writer.Delete,
		BatchSize: d.BatchSize,
		Records:   records,
	})
	if res != nil {
		m.report.add(d.Name, writer.Delete, res)
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", d.Name, err)
	}
	return nil
}
