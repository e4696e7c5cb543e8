package pairing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/common"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/graph"
)

func record(id string, fields map[string]interface{}) *common.Record {
	return &common.Record{Type: "Account", ID: id, Fields: fields}
}

func TestCreateOrGetIsUniquePerSourceID(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	p1, created := tbl.CreateOrGet("001A")
	assert.True(t, created)
	p2, created := tbl.CreateOrGet("001A")
	assert.False(t, created)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, tbl.Len())
}

func TestCompositeKeyAndIDConverge(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	src := record("001A", map[string]interface{}{"Name": "Acme", "City": "Paris"})
	p := tbl.Observe(src)
	key := CompositeKey(src, []string{"Name", "City"})
	require.True(t, tbl.Index(key, p))

	require.NoError(t, tbl.BindTarget(tbl.ByCompositeKey(key), "001Z"))
	assert.Equal(t, "001Z", tbl.BySourceID("001A").TargetID)
	assert.Equal(t, 1, tbl.Len())

	assert.Nil(t, tbl.BySourceID(key))
	assert.Nil(t, tbl.ByCompositeKey("001A"))
}

func TestIndexCollisionKeepsFirst(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	a, _ := tbl.CreateOrGet("a")
	b, _ := tbl.CreateOrGet("b")
	assert.True(t, tbl.Index("KEY_\"x\"", a))
	assert.True(t, tbl.Index("KEY_\"x\"", a))
	assert.False(t, tbl.Index("KEY_\"x\"", b))
	assert.Same(t, a, tbl.ByCompositeKey("KEY_\"x\""))
}

func TestTargetOnlyPairsAreListed(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	p := &RecordPair{TargetID: "T1"}
	tbl.Index("KEY_\"n\"", p)
	assert.Equal(t, []*RecordPair{p}, tbl.Pairs())
	assert.Empty(t, tbl.SourcePairs())
}

func TestBindTargetOnce(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	p, _ := tbl.CreateOrGet("s")
	require.NoError(t, tbl.BindTarget(p, "t1"))
	require.NoError(t, tbl.BindTarget(p, "t1"))
	assert.ErrorIs(t, tbl.BindTarget(p, "t2"), ErrAlreadyBound)
	assert.Equal(t, "t1", p.TargetID)
}

func TestCompositeKeyDeterministicAndDistinct(t *testing.T) {
	t.Parallel()

	fields := []string{"A", "B"}
	k1 := CompositeKey(record("1", map[string]interface{}{"A": "ab", "B": "c"}), fields)
	k2 := CompositeKey(record("2", map[string]interface{}{"A": "ab", "B": "c"}), fields)
	k3 := CompositeKey(record("3", map[string]interface{}{"A": "a", "B": "bc"}), fields)
	k4 := CompositeKey(record("4", map[string]interface{}{"A": "ab"}), fields)
	k5 := CompositeKey(record("5", map[string]interface{}{"A": "ab", "B": "null"}), fields)
	k6 := CompositeKey(record("6", map[string]interface{}{"A": "a|\"b", "B": "c"}), fields)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k4, k5)
	assert.NotEqual(t, k1, k6)
	assert.Equal(t, `KEY_"ab"|"c"`, k1)
}

func TestCompositeKeyIncludesID(t *testing.T) {
	t.Parallel()

	k := CompositeKey(record("001", map[string]interface{}{"Name": "x"}), []string{common.IDField, "Name"})
	assert.Equal(t, `KEY_"001"|"x"`, k)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	primary := reg.Table(graph.Key{Name: "Account"})
	lookup := reg.Table(graph.Key{Name: "Account", Lookup: true})
	assert.NotSame(t, primary, lookup)
	assert.Same(t, primary, reg.Table(graph.Key{Name: "Account"}))

	assert.Nil(t, reg.Lookup(graph.Key{Name: "Contact"}))

	reg.Clear()
	assert.Nil(t, reg.Lookup(graph.Key{Name: "Account"}))
}
