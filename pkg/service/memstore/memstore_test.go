package memstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

func accountSchema() *service.Description {
	return &service.Description{
		Object: "Account",
		Fields: []service.Field{
			{Name: "Id", Type: service.TypeID},
			{Name: "Name", Type: service.TypeString, Creatable: true, Updatable: true},
			{Name: "Ext__c", Type: service.TypeString, Creatable: true, Updatable: true},
			{Name: "Region", Type: service.TypeString, Creatable: true},
			{Name: "ParentId", Type: service.TypeReference, Creatable: true, Updatable: true, ReferenceTargets: []string{"Account"}},
		},
	}
}

func rec(fields map[string]interface{}) *common.Record {
	return &common.Record{Type: "Account", Fields: fields}
}

func TestCreateQueryUpdateDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := New()
	s.Define(accountSchema())
	conn := s.Connect("primary")

	res, err := conn.Create(ctx, "Account", []*common.Record{
		rec(map[string]interface{}{"Name": "Acme", "Region": "EU", "Ext__c": "9"}),
		rec(map[string]interface{}{"Name": "Globex", "Bogus": "x"}),
	})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res[0].Success)
	assert.True(t, res[1].HasCode(common.CodeInvalidField))

	cur, err := conn.Query(ctx, "Account", []string{"Name"}, "Name = 'Acme'")
	require.NoError(t, err)
	var got []*common.Record
	require.NoError(t, service.Drain(ctx, cur, func(r *common.Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, res[0].ID, got[0].ID)
	assert.Equal(t, map[string]interface{}{"Name": "Acme"}, got[0].Fields)

	// Region is creatable only
	upd := &common.Record{Type: "Account", ID: res[0].ID, Fields: map[string]interface{}{"Region": "US"}}
	res, err = conn.Update(ctx, "Account", []*common.Record{upd})
	require.NoError(t, err)
	assert.True(t, res[0].HasCode(common.CodeInvalidFieldForWrite))
	assert.True(t, res[0].Retryable())

	upd = &common.Record{Type: "Account", ID: got[0].ID, Fields: map[string]interface{}{"Name": "Acme Corp"}, FieldsToNull: []string{"Ext__c"}}
	res, err = conn.Update(ctx, "Account", []*common.Record{upd})
	require.NoError(t, err)
	require.True(t, res[0].Success)
	stored := s.Record("Account", got[0].ID)
	assert.Equal(t, map[string]interface{}{"Name": "Acme Corp", "Region": "EU"}, stored.Fields)

	res, err = conn.Delete(ctx, "Account", []string{got[0].ID, "missing"})
	require.NoError(t, err)
	assert.True(t, res[0].Success)
	assert.True(t, res[1].HasCode(common.CodeEntityNotFound))
	assert.Empty(t, s.Records("Account"))
}

func TestUpsertMatchesExternalID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := New()
	s.Define(accountSchema())
	conn := s.Connect("primary")

	first, err := conn.Upsert(ctx, "Account", "Ext__c", []*common.Record{rec(map[string]interface{}{"Name": "A", "Ext__c": "1"})})
	require.NoError(t, err)
	second, err := conn.Upsert(ctx, "Account", "Ext__c", []*common.Record{rec(map[string]interface{}{"Name": "B", "Ext__c": "1"})})
	require.NoError(t, err)

	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Len(t, s.Records("Account"), 1)
	assert.Equal(t, "B", s.Records("Account")[0].Fields["Name"])
}

func TestDanglingReference(t *testing.T) {
	t.Parallel()

	s := New()
	s.Define(accountSchema())
	res, err := s.Connect("c").Create(context.Background(), "Account", []*common.Record{rec(map[string]interface{}{"ParentId": "nope"})})
	require.NoError(t, err)
	assert.True(t, res[0].HasCode(common.CodeInvalidCrossReference))
}

func TestFaultAndBrokenConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := New()
	s.SetFault(func(op, object string, r *common.Record) *common.WriteError {
		if r.Fields["Name"] == "locked" {
			return &common.WriteError{Code: common.CodeLockContention, Message: "row locked"}
		}
		return nil
	})
	conn := s.Connect("w0")
	res, err := conn.Create(ctx, "Account", []*common.Record{rec(map[string]interface{}{"Name": "locked"}), rec(map[string]interface{}{"Name": "ok"})})
	require.NoError(t, err)
	assert.False(t, res[0].Success)
	assert.True(t, res[1].Success)

	conn.Break(errors.New("connection reset"))
	_, err = conn.Create(ctx, "Account", []*common.Record{rec(nil)})
	assert.EqualError(t, err, "connection reset")
	assert.Error(t, conn.Ping(ctx))

	assert.Equal(t, []Call{
		{Conn: "w0", Op: OpCreate, Object: "Account", Size: 2},
	}, s.Calls())
}

func TestDescribeInferred(t *testing.T) {
	t.Parallel()

	s := New()
	s.Seed("Contact", &common.Record{ID: "c1", Fields: map[string]interface{}{"Email": "a@b.c", "Name": "A"}})
	desc, err := s.Connect("c").Describe(context.Background(), "Contact")
	require.NoError(t, err)
	require.Len(t, desc.Fields, 3)
	assert.Equal(t, service.TypeID, desc.Fields[0].Type)
	assert.Equal(t, "Email", desc.Fields[1].Name)

	_, err = s.Connect("c").Describe(context.Background(), "Nope")
	assert.ErrorIs(t, err, service.ErrUnknownObject)
}

func TestFilter(t *testing.T) {
	t.Parallel()

	pred, err := parseFilter(`Name != 'x' AND Region = null and City = 'O\'Hare'`)
	require.NoError(t, err)
	assert.True(t, pred(&common.Record{Fields: map[string]interface{}{"Name": "y", "City": "O'Hare"}}))
	assert.False(t, pred(&common.Record{Fields: map[string]interface{}{"Name": "x", "City": "O'Hare"}}))
	assert.False(t, pred(&common.Record{Fields: map[string]interface{}{"Name": "y", "Region": "EU", "City": "O'Hare"}}))

	_, err = parseFilter("Amount > 5")
	assert.Error(t, err)
}

func TestFilterExpressions(t *testing.T) {
	t.Parallel()

	rec := &common.Record{ID: "001", Fields: map[string]interface{}{
		"Name":     "Acme",
		"Region":   "",
		"Founded":  "2024-01-01",
		"Employee": int64(12),
	}}
	cases := map[string]bool{
		`Region = null`:                                  true,
		`Missing = null AND Name != null`:                true,
		`Name = 'Globex' OR Name = 'Acme'`:               true,
		`NOT (Name = 'Acme')`:                            false,
		`(Name = 'x' OR Id = '001') and Employee = '12'`: true,
		`Founded = '2024-01-01'`:                         true,
		`Name = 'acme'`:                                  false,
	}
	for filter, want := range cases {
		pred, err := parseFilter(filter)
		require.NoError(t, err, filter)
		assert.Equal(t, want, pred(rec), filter)
	}

	for _, bad := range []string{`Name`, `Name = `, `Name = 'open`, `Name = 5`} {
		_, err := parseFilter(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Account.json"),
		[]byte(`[{"Id": "001", "Name": "Acme", "Employees": 12, "Active": true, "Notes": null}]`), 0o600))

	s, err := LoadDir(dir)
	require.NoError(t, err)
	got := s.Record("Account", "001")
	require.NotNil(t, got)
	assert.Equal(t, map[string]interface{}{"Name": "Acme", "Employees": "12", "Active": "true"}, got.Fields)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Bad.json"), []byte(`[{"Name": "x"}]`), 0o600))
	_, err = LoadDir(dir)
	assert.ErrorContains(t, err, "has no Id")
}

func TestSaveRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	err := SaveRecords(dir, "Account", []*common.Record{
		{ID: "001", Fields: map[string]interface{}{"Name": "Acme", "Score": common.Decimal("1.50")}, FieldsToNull: []string{"Notes"}},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "Account.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Notes": null`)

	s, err := LoadDir(dir)
	require.NoError(t, err)
	got := s.Record("Account", "001")
	require.NotNil(t, got)
	assert.Equal(t, map[string]interface{}{"Name": "Acme", "Score": "1.50"}, got.Fields)
}

func TestSchemalessDescribe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	s.SetSchemaless(true)
	s.Seed("Empty")
	s.Seed("Full", &common.Record{ID: "f1", Fields: map[string]interface{}{"Name": "x"}})
	conn := s.Connect("c")

	for _, object := range []string{"Missing", "Empty"} {
		desc, err := conn.Describe(ctx, object)
		require.NoError(t, err, object)
		assert.True(t, desc.Schemaless, object)
		assert.Len(t, desc.Fields, 1, object)
	}

	desc, err := conn.Describe(ctx, "Full")
	require.NoError(t, err)
	assert.False(t, desc.Schemaless)
	assert.Len(t, desc.Fields, 2)

	n, err := service.Count(ctx, conn, "Missing", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}
