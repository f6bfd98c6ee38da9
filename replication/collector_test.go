package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/gomsync/core"
)

func TestCollector_RecordsPerTypeInOrder(t *testing.T) {
	c := NewCollector(core.LevelFull)
	assert.True(t, c.Empty())

	e := &testEntity{full: "x"}
	c.RecordUpdate(2, 30, 1, e)
	c.RecordUpdate(1, 10, 1, e)
	c.RecordUpdate(2, 20, 1, e)
	c.RecordDeletion(5, 99)
	c.RecordDeletion(5, 98)

	assert.False(t, c.Empty())
	assert.True(t, c.HasUpdates())
	assert.True(t, c.HasDeletions())

	recs := c.Updates(2)
	require.Len(t, recs, 2)
	assert.Equal(t, core.EntityID(30), recs[0].ID)
	assert.Equal(t, core.EntityID(20), recs[1].ID)
	assert.True(t, recs[0].Full)
	assert.Equal(t, []uint32{99, 98}, c.Deletions(5))

	types, updates, deletions := c.Counts()
	assert.Equal(t, 3, types)
	assert.Equal(t, 3, updates)
	assert.Equal(t, 2, deletions)
}

func TestCollector_PartialRecordsAreDeltas(t *testing.T) {
	c := NewCollector(core.LevelPartial)
	c.RecordUpdate(1, 1, 4, &testEntity{})
	require.Len(t, c.Updates(1), 1)
	assert.False(t, c.Updates(1)[0].Full)
	assert.Equal(t, int32(4), c.Updates(1)[0].State)
	assert.Equal(t, core.LevelPartial, c.Level())
}

func TestCollector_DeletionsOnly(t *testing.T) {
	c := NewCollector(core.LevelFull)
	c.RecordDeletion(1, 1)
	assert.False(t, c.Empty())
	assert.False(t, c.HasUpdates())
	assert.True(t, c.HasDeletions())
}

func TestCollector_SealedAfterEncode(t *testing.T) {
	c := NewCollector(core.LevelFull)
	c.RecordUpdate(1, 1, 1, &testEntity{full: "a"})
	_, err := EncodeTransaction(c)
	require.NoError(t, err)

	assert.Panics(t, func() { c.RecordUpdate(1, 2, 1, &testEntity{}) })
	assert.Panics(t, func() { c.RecordDeletion(1, 2) })
}
