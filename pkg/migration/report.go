package migration

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/writer"
)

// ObjectReport sums the writes of one operation on one object
type ObjectReport struct {
	Object    string
	Operation writer.Operation
	Processed int
	Succeeded int
	Retried   int
	Failures  []writer.Failure

	// Remaining is the target record count after a delete run
	Remaining int
}

// Report is the outcome of one run
type Report struct {
	RunID     string
	Kind      graph.RelationKind
	Operation string
	Started   time.Time
	Finished  time.Time
	Objects   []*ObjectReport
}

func newReport(runID string, kind graph.RelationKind, operation string) *Report {
	return &Report{RunID: runID, Kind: kind, Operation: operation, Started: time.Now()}
}

// Object returns the report of one object and operation, or nil
func (r *Report) Object(object string, op writer.Operation) *ObjectReport {
	for _, o := range r.Objects {
		if o.Object == object && o.Operation == op {
			return o
		}
	}
	return nil
}

func (r *Report) object(object string, op writer.Operation) *ObjectReport {
	if o := r.Object(object, op); o != nil {
		return o
	}
	o := &ObjectReport{Object: object, Operation: op}
	r.Objects = append(r.Objects, o)
	return o
}

func (r *Report) add(object string, op writer.Operation, res *writer.Result) {
	o := r.object(object, op)
	o.Processed += len(res.Outcomes)
	o.Succeeded += res.Succeeded
	o.Retried += res.Retried
	o.Failures = append(o.Failures, res.Failures...)
}

// Failed returns the number of permanently failed records
func (r *Report) Failed() int {
	n := 0
	for _, o := range r.Objects {
		n += len(o.Failures)
	}
	return n
}

// Log writes the consolidated report: one summary line per object, then
// every permanent failure.
func (r *Report) Log(log *logger.Logger) {
	entry := log.WithRun(r.RunID)
	entry.Infof("Run finished in %s (%s, %s)", r.Finished.Sub(r.Started).Round(time.Millisecond), r.Operation, r.Kind)

	for _, o := range r.Objects {
		fields := logrus.Fields{
			"object":    o.Object,
			"operation": o.Operation,
			"processed": o.Processed,
			"succeeded": o.Succeeded,
			"retried":   o.Retried,
			"failed":    len(o.Failures),
		}
		if o.Operation == writer.Delete {
			fields["remaining"] = o.Remaining
		}
		entry.WithFields(fields).Info("Object summary")
	}

	if n := r.Failed(); n > 0 {
		entry.Errorf("%d record(s) failed permanently", n)
		for _, o := range r.Objects {
			for _, f := range o.Failures {
				entry.WithFields(logrus.Fields{
					"object":    f.Object,
					"operation": o.Operation,
					"index":     f.Index,
					"sourceId":  f.SourceID,
					"codes":     f.Codes,
				}).Error(f.Message)
			}
		}
	}
}
