package claim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_InsertGet(t *testing.T) {
	a := NewArena()

	local, err := a.Insert(Claim{ID: 1, Tenant: "acme", Content: "the sky is blue", Sequence: 1})
	require.NoError(t, err)
	assert.Equal(t, LocalID(0), local)

	local, err = a.Insert(Claim{ID: 2, Tenant: "acme", Content: "water is wet", Sequence: 2})
	require.NoError(t, err)
	assert.Equal(t, LocalID(1), local)

	c, ok := a.Get(1)
	require.True(t, ok)
	assert.Equal(t, "the sky is blue", c.Content)

	_, ok = a.Get(999)
	assert.False(t, ok)

	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, a.LiveLen())
}

func TestArena_DuplicateID(t *testing.T) {
	a := NewArena()

	_, err := a.Insert(Claim{ID: 1, Sequence: 1})
	require.NoError(t, err)

	_, err = a.Insert(Claim{ID: 1, Sequence: 2})
	assert.Error(t, err)
}

func TestArena_Tombstone(t *testing.T) {
	a := NewArena()

	local, err := a.Insert(Claim{ID: 1, Sequence: 1})
	require.NoError(t, err)

	_, err = a.Tombstone(1, 2)
	require.NoError(t, err)

	_, ok := a.Get(1)
	assert.False(t, ok, "tombstoned claim must not be gettable")
	assert.False(t, a.Live(local))
	assert.Equal(t, 0, a.LiveLen())
	assert.Equal(t, 1, a.Len())

	// The row itself remains reachable for replay and scoring internals.
	c, ok := a.ByLocal(local)
	require.True(t, ok)
	assert.Equal(t, ID(1), c.ID)

	_, err = a.Tombstone(999, 3)
	assert.Error(t, err)
}

func TestArena_LiveAtBoundary(t *testing.T) {
	a := NewArena()

	l1, err := a.Insert(Claim{ID: 1, Sequence: 1})
	require.NoError(t, err)
	l2, err := a.Insert(Claim{ID: 2, Sequence: 2})
	require.NoError(t, err)

	_, err = a.Tombstone(1, 4)
	require.NoError(t, err)

	l3, err := a.Insert(Claim{ID: 3, Sequence: 5})
	require.NoError(t, err)

	// At boundary 3 the tombstone (seq 4) and claim 3 (seq 5) do not exist yet.
	assert.True(t, a.LiveAt(l1, 3))
	assert.True(t, a.LiveAt(l2, 3))
	assert.False(t, a.LiveAt(l3, 3))

	// At boundary 5 the tombstone has been applied.
	assert.False(t, a.LiveAt(l1, 5))
	assert.True(t, a.LiveAt(l3, 5))
}

func TestArena_RangeAt(t *testing.T) {
	a := NewArena()

	for i := 1; i <= 5; i++ {
		_, err := a.Insert(Claim{ID: ID(i), Sequence: Sequence(i)})
		require.NoError(t, err)
	}
	_, err := a.Tombstone(2, 6)
	require.NoError(t, err)

	var at3 []ID
	a.RangeAt(3, func(_ LocalID, c *Claim) bool {
		at3 = append(at3, c.ID)
		return true
	})
	assert.Equal(t, []ID{1, 2, 3}, at3, "tombstone at seq 6 is invisible at boundary 3")

	var now []ID
	a.Range(func(_ LocalID, c *Claim) bool {
		now = append(now, c.ID)
		return true
	})
	assert.Equal(t, []ID{1, 3, 4, 5}, now)
}

func TestRelationTable_Dominant(t *testing.T) {
	rt := NewRelationTable()

	rt.Add(10, []Relation{{Kind: RelationSupports, Target: 20}})
	rt.Add(20, []Relation{{Kind: RelationContradicts, Target: 10}})

	// One support, one contradiction: no strict majority, supports wins.
	kind, ok := rt.Dominant(10, 20)
	require.True(t, ok)
	assert.Equal(t, RelationSupports, kind)

	rt.Add(30, []Relation{
		{Kind: RelationContradicts, Target: 40},
		{Kind: RelationContradicts, Target: 40},
		{Kind: RelationSupports, Target: 40},
	})

	kind, ok = rt.Dominant(30, 40)
	require.True(t, ok)
	assert.Equal(t, RelationContradicts, kind)

	// Direction does not matter.
	kind, ok = rt.Dominant(40, 30)
	require.True(t, ok)
	assert.Equal(t, RelationContradicts, kind)

	_, ok = rt.Dominant(10, 40)
	assert.False(t, ok, "edge-free pair has no dominant relation")

	_, ok = rt.Dominant(10, 10)
	assert.False(t, ok)
}

func TestRelationTable_Degree(t *testing.T) {
	rt := NewRelationTable()

	rt.Add(1, []Relation{
		{Kind: RelationSupports, Target: 2},
		{Kind: RelationContradicts, Target: 3},
	})

	assert.Equal(t, 2, rt.Degree(1))
	assert.Equal(t, 1, rt.Degree(2))
	assert.Equal(t, 0, rt.Degree(9))
	assert.Equal(t, 2, rt.Len())
}
