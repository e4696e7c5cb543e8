package writer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/metrics"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/pairing"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service/memstore"
)

type harness struct {
	store   *memstore.Store
	target  *memstore.Conn
	workers []*memstore.Conn
	engine  *Engine
	hook    *test.Hook
}

func newHarness(workers int, cfg Config) *harness {
	store := memstore.New()
	h := &harness{store: store, target: store.Connect("target")}
	var ws []service.DataService
	for i := 0; i < workers; i++ {
		c := store.Connect(fmt.Sprintf("w%d", i))
		h.workers = append(h.workers, c)
		ws = append(ws, c)
	}
	session := service.NewSession(store.Connect("source"), h.target, ws, nil)
	log, hook := test.NewNullLogger()
	h.hook = hook
	h.engine = New(session, cfg, logger.Wrap(log), metrics.New())
	return h
}

func records(n int) []*common.Record {
	out := make([]*common.Record, n)
	for i := range out {
		out[i] = &common.Record{Type: "Account", Fields: map[string]interface{}{"Name": fmt.Sprintf("r%d", i)}}
	}
	return out
}

func (h *harness) writeCalls() []memstore.Call {
	var out []memstore.Call
	for _, c := range h.store.Calls() {
		if c.Op != memstore.OpQuery {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Conn < out[j].Conn })
	return out
}

func (h *harness) errorEntries() []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			out = append(out, e)
		}
	}
	return out
}

func TestExecutePartitionsAcrossWorkers(t *testing.T) {
	t.Parallel()

	h := newHarness(3, Config{BatchSize: 200})
	recs := records(250)
	res, err := h.engine.Execute(context.Background(), Request{Object: "Account", Operation: Create, Records: recs})
	require.NoError(t, err)

	assert.Equal(t, []memstore.Call{
		{Conn: "w0", Op: memstore.OpCreate, Object: "Account", Size: 83},
		{Conn: "w1", Op: memstore.OpCreate, Object: "Account", Size: 83},
		{Conn: "w2", Op: memstore.OpCreate, Object: "Account", Size: 84},
	}, h.writeCalls())

	require.Len(t, res.Outcomes, 250)
	assert.Equal(t, 250, res.Succeeded)
	assert.Empty(t, res.Failures)
	for i, o := range res.Outcomes {
		require.True(t, o.Success)
		stored := h.store.Record("Account", o.ID)
		require.NotNil(t, stored)
		assert.Equal(t, fmt.Sprintf("r%d", i), stored.Fields["Name"])
	}
}

func TestExecuteChunksSlices(t *testing.T) {
	t.Parallel()

	h := newHarness(2, Config{BatchSize: 200})
	_, err := h.engine.Execute(context.Background(), Request{Object: "Account", Operation: Create, Records: records(10), BatchSize: 3})
	require.NoError(t, err)

	var sizes []int
	for _, c := range h.writeCalls() {
		sizes = append(sizes, c.Size)
	}
	assert.Equal(t, []int{3, 2, 3, 2}, sizes)
}

func TestExecuteSingleThreadedAndSmallInputs(t *testing.T) {
	t.Parallel()

	h := newHarness(3, Config{SingleThreaded: []string{"account"}})
	_, err := h.engine.Execute(context.Background(), Request{Object: "Account", Operation: Create, Records: records(10)})
	require.NoError(t, err)
	_, err = h.engine.Execute(context.Background(), Request{Object: "Contact", Operation: Create, Records: records(2)})
	require.NoError(t, err)

	for _, c := range h.writeCalls() {
		assert.Equal(t, "target", c.Conn)
	}
}

func TestExecuteRetriesLockContention(t *testing.T) {
	t.Parallel()

	h := newHarness(3, Config{})
	locked := map[string]bool{}
	h.store.SetFault(func(op, object string, r *common.Record) *common.WriteError {
		name := r.Fields["Name"].(string)
		if name == "r5" && !locked[name] {
			locked[name] = true
			return &common.WriteError{Code: common.CodeLockContention, Message: "unable to obtain exclusive access"}
		}
		return nil
	})

	res, err := h.engine.Execute(context.Background(), Request{Object: "Account", Operation: Create, Records: records(9)})
	require.NoError(t, err)

	assert.True(t, res.Outcomes[5].Success)
	assert.True(t, res.Outcomes[5].Retried)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 9, res.Succeeded)
	assert.Empty(t, res.Failures)
	assert.Empty(t, h.errorEntries())
	assert.Len(t, h.store.Records("Account"), 9)
}

func TestExecuteRetryContainment(t *testing.T) {
	t.Parallel()

	h := newHarness(1, Config{})
	h.store.SetFault(func(op, object string, r *common.Record) *common.WriteError {
		switch r.Fields["Name"] {
		case "r1":
			return &common.WriteError{Code: common.CodeDuplicateValue, Message: "duplicate"}
		case "r2", "r3":
			return &common.WriteError{Code: common.CodeInvalidCrossReference, Message: "stale reference"}
		}
		return nil
	})

	recs := records(5)
	pairs := make([]*pairing.RecordPair, len(recs))
	for i := range pairs {
		pairs[i] = &pairing.RecordPair{SourceID: fmt.Sprintf("S%d", i)}
	}
	res, err := h.engine.Execute(context.Background(), Request{Object: "Account", Operation: Create, Records: recs, Pairs: pairs})
	require.NoError(t, err)

	calls := h.writeCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, 5, calls[0].Size)
	assert.Equal(t, 2, calls[1].Size, "only retryable records are re-submitted")

	assert.False(t, res.Outcomes[1].Retried)
	require.Len(t, res.Failures, 3)
	assert.Equal(t, Failure{Object: "Account", Index: 1, SourceID: "S1", Message: "DUPLICATE_VALUE: duplicate", Codes: []string{"DUPLICATE_VALUE"}}, res.Failures[0])
	assert.Equal(t, "S2", res.Failures[1].SourceID)
	assert.Equal(t, "INVALID_CROSS_REFERENCE_KEY: stale reference", res.Failures[1].Message)
	assert.Equal(t, []string{"INVALID_CROSS_REFERENCE_KEY"}, res.Failures[1].Codes)
	assert.Len(t, h.errorEntries(), 3)
}

func TestExecuteRetryReportsRetryError(t *testing.T) {
	t.Parallel()

	h := newHarness(1, Config{})
	attempts := 0
	h.store.SetFault(func(op, object string, r *common.Record) *common.WriteError {
		attempts++
		if attempts == 1 {
			return &common.WriteError{Code: common.CodeLockContention, Message: "locked"}
		}
		return &common.WriteError{Code: common.CodeRequiredFieldMissing, Message: "Name missing"}
	})

	res, err := h.engine.Execute(context.Background(), Request{Object: "Account", Operation: Create, Records: records(1)})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "REQUIRED_FIELD_MISSING: Name missing", res.Failures[0].Message)
	assert.True(t, res.Outcomes[0].Retried)
}

func TestExecuteStripsNonUpdatableOnRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(1, Config{})
	h.store.Define(&service.Description{Object: "Account", Fields: []service.Field{
		{Name: "Id", Type: service.TypeID},
		{Name: "Name", Type: service.TypeString, Creatable: true, Updatable: true},
		{Name: "Region", Type: service.TypeString, Creatable: true},
	}})
	h.store.Seed("Account", &common.Record{ID: "A1", Fields: map[string]interface{}{"Name": "old", "Region": "EU"}})

	upd := &common.Record{Type: "Account", ID: "A1", Fields: map[string]interface{}{"Name": "new", "Region": "US"}}
	res, err := h.engine.Execute(context.Background(), Request{
		Object: "Account", Operation: Update, Records: []*common.Record{upd}, NonUpdatable: []string{"Region"},
	})
	require.NoError(t, err)

	assert.True(t, res.Outcomes[0].Success)
	assert.Equal(t, map[string]interface{}{"Name": "new", "Region": "EU"}, h.store.Record("Account", "A1").Fields)
	assert.Equal(t, "US", upd.Fields["Region"], "input records are not modified")
}

func TestExecuteWorkerFailureIsContained(t *testing.T) {
	t.Parallel()

	h := newHarness(3, Config{})
	h.workers[1].Break(errors.New("connection reset by peer"))

	res, err := h.engine.Execute(context.Background(), Request{Object: "Account", Operation: Create, Records: records(9)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker 1 failed")

	require.Len(t, res.Outcomes, 9)
	for i, o := range res.Outcomes {
		if i >= 3 && i < 6 {
			assert.False(t, o.Success)
			assert.Equal(t, common.CodeConnectionError, o.Errors[0].Code)
		} else {
			assert.True(t, o.Success, "index %d", i)
		}
	}
	assert.Len(t, res.Failures, 3)
	assert.Equal(t, 0, res.Retried)
}

func TestExecuteLinksPairsInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(2, Config{})
	tbl := pairing.NewRegistry().Table(graph.Key{Name: "Account"})
	recs := records(4)
	pairs := make([]*pairing.RecordPair, len(recs))
	for i := range recs {
		pairs[i], _ = tbl.CreateOrGet(fmt.Sprintf("S%d", i))
	}

	res, err := h.engine.Execute(context.Background(), Request{Object: "Account", Operation: Create, Records: recs, Pairs: pairs, Link: true, Table: tbl})
	require.NoError(t, err)
	for i, p := range pairs {
		assert.Equal(t, res.Outcomes[i].ID, p.TargetID)
	}
}

func TestExecuteUpsertAndDelete(t *testing.T) {
	t.Parallel()

	h := newHarness(1, Config{})
	recs := []*common.Record{
		{Type: "Account", Fields: map[string]interface{}{"Ext__c": "1", "Name": "a"}},
		{Type: "Account", Fields: map[string]interface{}{"Ext__c": "2", "Name": "b"}},
	}
	first, err := h.engine.Execute(context.Background(), Request{Object: "Account", Operation: Upsert, ExternalIDField: "Ext__c", Records: recs})
	require.NoError(t, err)
	second, err := h.engine.Execute(context.Background(), Request{Object: "Account", Operation: Upsert, ExternalIDField: "Ext__c", Records: recs})
	require.NoError(t, err)
	assert.Equal(t, first.Outcomes, second.Outcomes)
	assert.Len(t, h.store.Records("Account"), 2)

	del := []*common.Record{{ID: first.Outcomes[0].ID}, {ID: "missing"}}
	res, err := h.engine.Execute(context.Background(), Request{Object: "Account", Operation: Delete, Records: del})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "missing", res.Failures[0].SourceID)
	assert.Len(t, h.store.Records("Account"), 1)
}

func TestExecuteRejectsMismatchedPairs(t *testing.T) {
	t.Parallel()

	h := newHarness(1, Config{})
	_, err := h.engine.Execute(context.Background(), Request{Object: "Account", Operation: Create, Records: records(2), Pairs: []*pairing.RecordPair{{}}})
	assert.Error(t, err)
}
