package graph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, doc string) Description {
	t.Helper()
	desc, err := ParseDescription([]byte(doc), ".json")
	require.NoError(t, err)
	return desc
}

func TestBuildLookupGraph(t *testing.T) {
	t.Parallel()

	g, err := Build(parse(t, `[
	  {"parent": "Opportunity", "externalIdField": "Legacy_Id__c", "where": "Amount > 0",
	   "unmappedFields": ["Probability"], "maskedFields": ["Description"],
	   "fieldMapping": [{"Name": "Name"}, {"Amount": "Amount__c"}],
	   "defaultValues": [{"StageName": "Prospecting"}],
	   "nullable": ["CloseDate"],
	   "lookups": [{"lookupMappedField": "AccountId", "lookupObject": "Account", "keys": ["Name", "BillingCity"]}]}
	]`))
	require.NoError(t, err)

	assert.Equal(t, Lookup, g.Kind)
	require.Len(t, g.Objects, 2)

	opp := g.Object("Opportunity")
	require.NotNil(t, opp)
	assert.Equal(t, "Legacy_Id__c", opp.ExternalIDField)
	assert.Equal(t, "Amount > 0", opp.Filter)
	assert.Equal(t, []string{"Probability"}, opp.Directives.Unmapped)
	assert.Equal(t, map[string]string{"Name": "Name", "Amount": "Amount__c"}, opp.Directives.FieldMapping)
	assert.Equal(t, map[string]string{"StageName": "Prospecting"}, opp.Directives.DefaultValues)
	assert.Equal(t, []string{"CloseDate"}, opp.Directives.Nullable)

	account := g.LookupObject("Account")
	require.NotNil(t, account)
	assert.True(t, account.Lookup)
	assert.Nil(t, g.Object("Account"))
	assert.Equal(t, []string{"Name", "BillingCity"}, account.KeyFields)

	assocs := g.Lookups[Key{Name: "Opportunity"}]
	require.Len(t, assocs, 1)
	assert.Equal(t, "AccountId", assocs[0].Field)
	assert.Equal(t, "Account", assocs[0].Target)
	assert.True(t, g.IsLookupTarget("Account"))
	assert.Len(t, g.AssociationsTo("Account"), 1)
}

func TestBuildMasterDetailGraph(t *testing.T) {
	t.Parallel()

	g, err := Build(parse(t, `[
	  {"parent": "Account", "children": [
	    {"childObject": "Contact", "parentMappedField": "AccountId", "sequence": 1,
	     "children": [{"childObject": "Case", "parentMappedField": "ContactId", "sequence": 2}]},
	    {"childObject": "Case", "parentMappedField": "AccountId", "sequence": 2}
	  ]}
	]`))
	require.NoError(t, err)

	assert.Equal(t, MasterDetail, g.Kind)
	assert.Len(t, g.Primary(), 3)

	cases := g.Parents["Case"]
	require.NotNil(t, cases)
	assert.Equal(t, map[string]string{"ContactId": "Contact", "AccountId": "Account"}, cases.Fields)
	assert.Equal(t, []string{"AccountId", "ContactId"}, cases.SortedFields())

	var order []string
	for _, d := range g.Primary() {
		order = append(order, d.Name)
	}
	assert.Equal(t, []string{"Account", "Contact", "Case"}, order)
}

func TestBuildHierarchicalIsSticky(t *testing.T) {
	t.Parallel()

	g, err := Build(parse(t, `[
	  {"parent": "Account", "refresh": true,
	   "lookups": [{"lookupMappedField": "ParentId", "lookupObject": "Account", "keys": ["Name"]}]},
	  {"parent": "Region", "children": [{"childObject": "Territory", "parentMappedField": "RegionId", "sequence": 1}]}
	]`))
	require.NoError(t, err)

	assert.Equal(t, Hierarchical, g.Kind)
	assert.True(t, g.Object("Account").Refresh)
	assert.NotNil(t, g.LookupObject("Account"))
	assert.NotNil(t, g.Object("Account"))
}

func TestBuildSkipsLookupOnParentField(t *testing.T) {
	t.Parallel()

	g, err := Build(parse(t, `[
	  {"parent": "Account", "children": [
	    {"childObject": "Contact", "parentMappedField": "AccountId", "sequence": 1,
	     "lookups": [
	       {"lookupMappedField": "AccountId", "lookupObject": "Account", "keys": ["Name"],
	        "lookups": [{"lookupMappedField": "OwnerId", "lookupObject": "User", "keys": ["Username"]}]},
	       {"lookupMappedField": "ReportsToId", "lookupObject": "Contact", "keys": ["Email"]}
	     ]}
	  ]}
	]`))
	require.NoError(t, err)

	assocs := g.Lookups[Key{Name: "Contact"}]
	require.Len(t, assocs, 1)
	assert.Equal(t, "ReportsToId", assocs[0].Field)
	assert.Nil(t, g.LookupObject("Account"))
	assert.Nil(t, g.LookupObject("User"), "nested lookup of a dropped lookup is dropped")
}

func TestBuildNestedLookups(t *testing.T) {
	t.Parallel()

	g, err := Build(parse(t, `[
	  {"parent": "Case",
	   "lookups": [{"lookupMappedField": "ContactId", "lookupObject": "Contact", "keys": ["Email", "AccountId"],
	     "lookups": [{"lookupMappedField": "AccountId", "lookupObject": "Account", "externalIdField": "Ext__c"}]}]}
	]`))
	require.NoError(t, err)

	nested := g.Lookups[Key{Name: "Contact", Lookup: true}]
	require.Len(t, nested, 1)
	assert.Equal(t, []string{"Ext__c"}, nested[0].MatchFields())

	var order []string
	for _, d := range g.LookupTargets() {
		order = append(order, d.Name)
	}
	assert.Equal(t, []string{"Account", "Contact"}, order)
}

func TestBuildMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":                `[]`,
		"missing parent":       `[{"where": "x"}]`,
		"missing childObject":  `[{"parent": "A", "children": [{"parentMappedField": "AId"}]}]`,
		"missing parent field": `[{"parent": "A", "children": [{"childObject": "B"}]}]`,
		"missing lookupObject": `[{"parent": "A", "lookups": [{"lookupMappedField": "BId", "keys": ["Name"]}]}]`,
		"missing lookup field": `[{"parent": "A", "lookups": [{"lookupObject": "B", "keys": ["Name"]}]}]`,
		"missing keys":         `[{"parent": "A", "lookups": [{"lookupObject": "B", "lookupMappedField": "BId"}]}]`,
		"deep child":           `[{"parent": "A", "children": [{"childObject": "B", "parentMappedField": "AId", "children": [{"childObject": "C"}]}]}]`,
		"duplicate object":     `[{"parent": "A"}, {"object": "A"}]`,
	}
	for name, doc := range cases {
		g, err := Build(parse(t, doc))
		assert.ErrorIs(t, err, ErrMalformed, name)
		assert.Nil(t, g, name)
	}
}

func TestParseDescriptionErrors(t *testing.T) {
	t.Parallel()

	_, err := ParseDescription([]byte(`{"parent": "A"}`), ".json")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLoadFileYAML(t *testing.T) {
	t.Parallel()

	doc := `
- parent: Account
  externalIdField: Ext__c
  children:
    - childObject: Contact
      parentMappedField: AccountId
      sequence: 1
      maskedFields: [Email]
`
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	g, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, MasterDetail, g.Kind)
	assert.Equal(t, []string{"Email"}, g.Object("Contact").Directives.Masked)
	assert.Equal(t, "Ext__c", g.Object("Account").ExternalIDField)
}
