package migration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/config"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service/memstore"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/writer"
)

const accountsWithContacts = `[
  {"parent": "Account",
   "children": [{"childObject": "Contact", "parentMappedField": "AccountId", "sequence": 1}]}
]`

func seedTarget(f *fixture, accounts, contacts int) {
	f.define("Account", field("Name"))
	f.define("Contact", field("LastName"), field("AccountId"))
	for i := 0; i < accounts; i++ {
		f.target.Seed("Account", rec(fmt.Sprintf("acc%d", i), map[string]interface{}{"Name": fmt.Sprintf("A%d", i)}))
	}
	for i := 0; i < contacts; i++ {
		f.target.Seed("Contact", rec(fmt.Sprintf("con%d", i), map[string]interface{}{"LastName": fmt.Sprintf("C%d", i)}))
	}
}

func deleteOptions(passes int) Options {
	return Options{Operation: config.OperationDelete, DeletePasses: passes}
}

func TestDeleteEmptiesTargetChildrenFirst(t *testing.T) {
	t.Parallel()

	f := newFixture()
	seedTarget(f, 3, 2)
	g := build(t, accountsWithContacts)

	report, err := f.run(t, g, 0, deleteOptions(2))
	require.NoError(t, err)

	assert.Empty(t, f.target.Records("Account"))
	assert.Empty(t, f.target.Records("Contact"))

	var order []string
	for _, c := range f.target.Calls() {
		if c.Op == memstore.OpDelete {
			order = append(order, c.Object)
		}
	}
	assert.Equal(t, []string{"Contact", "Account"}, order)

	acc := report.Object("Account", writer.Delete)
	require.NotNil(t, acc)
	assert.Equal(t, 3, acc.Succeeded)
	assert.Zero(t, acc.Remaining)
	assert.Equal(t, 2, report.Object("Contact", writer.Delete).Succeeded)

	// The source side is never touched
	assert.Empty(t, f.source.Calls())
}

func TestDeleteRepeatsPassWhileRecordsRemain(t *testing.T) {
	t.Parallel()

	f := newFixture()
	seedTarget(f, 2, 0)
	failures := 0
	f.target.SetFault(func(op, object string, r *common.Record) *common.WriteError {
		if op == memstore.OpDelete && r.ID == "acc1" && failures == 0 {
			failures++
			return &common.WriteError{Code: "DELETE_FAILED", Message: "record in use"}
		}
		return nil
	})

	report, err := f.run(t, build(t, accountsWithContacts), 0, deleteOptions(3))
	require.NoError(t, err)

	assert.Empty(t, f.target.Records("Account"))
	acc := report.Object("Account", writer.Delete)
	require.NotNil(t, acc)
	assert.Equal(t, 3, acc.Processed)
	assert.Equal(t, 2, acc.Succeeded)
	require.Len(t, acc.Failures, 1)
	assert.Equal(t, "acc1", acc.Failures[0].SourceID)
	assert.Zero(t, acc.Remaining)
	assert.Equal(t, 1, f.warnings("retrying"))
}

func TestDeleteReportsRemainingAfterLastPass(t *testing.T) {
	t.Parallel()

	f := newFixture()
	seedTarget(f, 2, 0)
	f.target.SetFault(func(op, object string, r *common.Record) *common.WriteError {
		if op == memstore.OpDelete && r.ID == "acc0" {
			return &common.WriteError{Code: "DELETE_FAILED", Message: "record in use"}
		}
		return nil
	})

	report, err := f.run(t, build(t, accountsWithContacts), 0, deleteOptions(2))
	require.NoError(t, err)

	acc := report.Object("Account", writer.Delete)
	require.NotNil(t, acc)
	assert.Equal(t, 1, acc.Remaining)
	assert.Len(t, acc.Failures, 2)
	assert.Len(t, f.target.Records("Account"), 1)
	assert.Equal(t, 1, f.warnings("Delete incomplete"))

	var deletes int
	for _, c := range f.targetWrites("Account") {
		if c.Op == memstore.OpDelete {
			deletes++
		}
	}
	assert.Equal(t, 2, deletes)
}
