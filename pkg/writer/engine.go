// Package writer executes bulk writes of one object across a pool of
// workers, each bound to its own target connection, and retries transient
// per-record failures once on a single connection.
package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/batch"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/metrics"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/pairing"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

// Operation is a write operation
type Operation string

const (
	Create Operation = "create"
	Update Operation = "update"
	Upsert Operation = "upsert"
	Delete Operation = "delete"
)

// Config holds the write engine parameters
type Config struct {
	// BatchSize is the default number of records per call
	BatchSize int
	// SingleThreaded lists objects whose writes are never partitioned
	SingleThreaded []string
}

// Request is one bulk write of a single object
type Request struct {
	Object          string
	Operation       Operation
	ExternalIDField string
	BatchSize       int
	Records         []*common.Record

	// Pairs, when set, holds the pair of each record. Their source ids are
	// used in failure reports.
	Pairs []*pairing.RecordPair
	// Link binds the target id of each written record to its pair.
	Link  bool
	Table *pairing.Table

	// NonUpdatable fields are stripped before retrying a record that was
	// rejected for writing a non-writable field.
	NonUpdatable []string
}

// Outcome is the final state of one input record
type Outcome struct {
	ID      string
	Success bool
	Retried bool
	Errors  []common.WriteError
}

// Message joins the error messages of the outcome
func (o Outcome) Message() string {
	return common.SaveResult{Errors: o.Errors}.Message()
}

// Failure is a permanently failed record
type Failure struct {
	Object   string
	Index    int
	SourceID string
	Message  string
	Codes    []string
}

// Result aggregates a bulk write. Outcomes[i] belongs to Request.Records[i].
type Result struct {
	Outcomes  []Outcome
	Failures  []Failure
	Succeeded int
	Retried   int
}

// Engine runs bulk writes on the connections of a session
type Engine struct {
	session *service.Session
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Collector
}

// New creates an engine. collector may be nil.
func New(session *service.Session, cfg Config, log *logger.Logger, collector *metrics.Collector) *Engine {
	return &Engine{session: session, cfg: cfg, log: log, metrics: collector}
}

func (e *Engine) singleThreaded(object string) bool {
	for _, o := range e.cfg.SingleThreaded {
		if strings.EqualFold(o, object) {
			return true
		}
	}
	return false
}

// Execute writes the records of req and returns one outcome per record, in
// input order. Records failing with a transient code are retried once, as a
// single-threaded pass on the primary target connection. A worker whose
// connection fails marks the rest of its slice failed; the error is returned
// with the result once every worker has finished.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Pairs != nil && len(req.Pairs) != len(req.Records) {
		return nil, fmt.Errorf("%d pairs for %d records", len(req.Pairs), len(req.Records))
	}
	size := batch.Size(req.BatchSize)
	if req.BatchSize <= 0 {
		size = batch.Size(e.cfg.BatchSize)
	}
	entry := e.log.WithObject(req.Object).WithField("operation", req.Operation)

	result := &Result{Outcomes: make([]Outcome, len(req.Records))}
	if len(req.Records) == 0 {
		return result, nil
	}
	e.metrics.Processed(req.Object, string(req.Operation), len(req.Records))

	// Partition across the worker pool
	workers := e.session.WorkerCount()
	var slices []batch.Slice[*common.Record]
	if workers > 1 && len(req.Records) >= workers && !e.singleThreaded(req.Object) {
		slices = batch.Partition(req.Records, workers)
	} else {
		slices = []batch.Slice[*common.Record]{{Seq: -1, Items: req.Records}}
	}
	entry.Infof("Writing %d records in %d slice(s), batch size %d", len(req.Records), len(slices), size)

	parts := make([][]Outcome, len(slices))
	var g errgroup.Group
	for i, s := range slices {
		i, s := i, s
		g.Go(func() error {
			svc := e.session.Worker(s.Seq)
			out, err := e.runSlice(ctx, entry.WithField("worker", s.Seq), svc, req, s.Items, size)
			parts[i] = out
			if err != nil {
				return fmt.Errorf("worker %d failed: %w", s.Seq, err)
			}
			return nil
		})
	}
	workerErr := g.Wait()

	for i, s := range slices {
		copy(result.Outcomes[s.Start:], parts[i])
	}

	e.retry(ctx, entry, req, size, result)

	for i, o := range result.Outcomes {
		if o.Success {
			result.Succeeded++
			continue
		}
		f := Failure{Object: req.Object, Index: i, Message: o.Message(), Codes: common.SaveResult{Errors: o.Errors}.Codes()}
		if req.Pairs != nil {
			f.SourceID = req.Pairs[i].SourceID
		} else if req.Operation == Delete {
			f.SourceID = req.Records[i].ID
		}
		result.Failures = append(result.Failures, f)
		entry.WithFields(logrus.Fields{"index": i, "sourceId": f.SourceID}).Errorf("Record failed: %s", f.Message)
	}
	e.metrics.Failed(req.Object, string(req.Operation), len(result.Failures))

	if req.Link && req.Pairs != nil && req.Table != nil {
		for i, o := range result.Outcomes {
			if !o.Success {
				continue
			}
			if err := req.Table.BindTarget(req.Pairs[i], o.ID); err != nil {
				entry.Warnf("Record %s: %v", req.Pairs[i].SourceID, err)
			}
		}
	}

	entry.Infof("Wrote %d/%d records (%d retried, %d failed)", result.Succeeded, len(req.Records), result.Retried, len(result.Failures))
	return result, workerErr
}

// runSlice writes one contiguous slice chunk by chunk. The outcomes are
// owned by the caller once returned.
func (e *Engine) runSlice(ctx context.Context, entry *logrus.Entry, svc service.DataService, req Request, records []*common.Record, size int) ([]Outcome, error) {
	out := make([]Outcome, 0, len(records))
	chunks := batch.Chunk(records, size)
	for n, chunk := range chunks {
		results, err := e.call(ctx, svc, req, chunk)
		if err != nil {
			entry.Errorf("Write call %d/%d failed: %v", n+1, len(chunks), err)
			msg := err.Error()
			for len(out) < len(records) {
				out = append(out, Outcome{Errors: []common.WriteError{{Code: common.CodeConnectionError, Message: msg}}})
			}
			return out, err
		}
		for _, r := range results {
			out = append(out, Outcome{ID: r.ID, Success: r.Success, Errors: r.Errors})
		}
		entry.Debugf("Write call %d/%d done", n+1, len(chunks))
	}
	return out, nil
}

func (e *Engine) call(ctx context.Context, svc service.DataService, req Request, chunk []*common.Record) (results []common.SaveResult, err error) {
	started := time.Now()
	defer func() { e.metrics.ObserveCall(req.Object, string(req.Operation), started, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch req.Operation {
	case Create:
		results, err = svc.Create(ctx, req.Object, chunk)
	case Update:
		results, err = svc.Update(ctx, req.Object, chunk)
	case Upsert:
		results, err = svc.Upsert(ctx, req.Object, req.ExternalIDField, chunk)
	case Delete:
		ids := make([]string, len(chunk))
		for i, r := range chunk {
			ids[i] = r.ID
		}
		results, err = svc.Delete(ctx, req.Object, ids)
	default:
		return nil, fmt.Errorf("unsupported operation %q", req.Operation)
	}
	if err != nil {
		return nil, err
	}
	if err := service.Check(results, len(chunk)); err != nil {
		return nil, err
	}
	return results, nil
}

// retry re-submits the records that failed with a transient code, once, on
// the primary target connection, and overwrites their outcomes.
func (e *Engine) retry(ctx context.Context, entry *logrus.Entry, req Request, size int, result *Result) {
	var indexes []int
	var records []*common.Record
	for i, o := range result.Outcomes {
		if o.Success || !(common.SaveResult{Errors: o.Errors}).Retryable() {
			continue
		}
		rec := req.Records[i]
		if (common.SaveResult{Errors: o.Errors}).HasCode(common.CodeInvalidFieldForWrite) && len(req.NonUpdatable) > 0 {
			rec = rec.Clone()
			for _, f := range req.NonUpdatable {
				rec.Unset(f)
				rec.ClearNull(f)
			}
		}
		indexes = append(indexes, i)
		records = append(records, rec)
	}
	if len(records) == 0 {
		return
	}

	entry.Warnf("Retrying %d record(s) single-threaded", len(records))
	e.metrics.Retried(req.Object, string(req.Operation), len(records))
	result.Retried = len(records)

	out, err := e.runSlice(ctx, entry.WithField("worker", "retry"), e.session.Target, req, records, size)
	if err != nil && !errors.Is(err, context.Canceled) {
		entry.Errorf("Retry pass failed: %v", err)
	}
	for j, idx := range indexes {
		o := out[j]
		o.Retried = true
		result.Outcomes[idx] = o
	}
}
