package store

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/gomsync/core"
)

type stubEntity struct{ name string }

func (e *stubEntity) WriteFull(w io.Writer) error {
	_, err := io.WriteString(w, e.name)
	return err
}

func (e *stubEntity) WriteDelta(w io.Writer) error {
	_, err := io.WriteString(w, "~"+e.name)
	return err
}

type update struct {
	Type  core.TypeID
	ID    core.EntityID
	State int32
}

type deletion struct {
	Type core.TypeID
	ID   uint32
}

type recordingVisitor struct {
	updates   []update
	deletions []deletion
}

func (v *recordingVisitor) RecordUpdate(t core.TypeID, id core.EntityID, state int32, _ core.Entity) {
	v.updates = append(v.updates, update{t, id, state})
}

func (v *recordingVisitor) RecordDeletion(t core.TypeID, id uint32) {
	v.deletions = append(v.deletions, deletion{t, id})
}

func visit(s *Store, scope core.Scope, level core.DirtyLevel) *recordingVisitor {
	v := &recordingVisitor{}
	s.VisitDirty(scope, level, v)
	return v
}

func ids(v *recordingVisitor) []core.EntityID {
	out := make([]core.EntityID, 0, len(v.updates))
	for _, u := range v.updates {
		out = append(out, u.ID)
	}
	return out
}

func TestStore_RegisterMarksFull(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Register(1, 10, &stubEntity{"a"}))
	require.NoError(t, s.Register(1, 5, &stubEntity{"b"}))
	assert.Equal(t, 2, s.Len())

	// Nothing is visible until Refresh.
	assert.Empty(t, visit(s, core.ScopeAll, core.LevelFull).updates)

	s.Refresh()
	v := visit(s, core.ScopeAll, core.LevelFull)
	assert.Equal(t, []core.EntityID{5, 10}, ids(v))
	for _, u := range v.updates {
		assert.Equal(t, int32(1), u.State)
	}

	err := s.Register(1, 10, &stubEntity{"dup"})
	assert.ErrorIs(t, err, ErrEntityExists)
}

func TestStore_ClearingPolicy(t *testing.T) {
	t.Run("full visit clears both levels", func(t *testing.T) {
		s := New(nil)
		require.NoError(t, s.Register(1, 1, &stubEntity{"a"}))
		s.Refresh()

		assert.Len(t, visit(s, core.ScopeAll, core.LevelFull).updates, 1)
		assert.Empty(t, visit(s, core.ScopeAll, core.LevelPartial).updates)
		assert.Empty(t, visit(s, core.ScopeAll, core.LevelFull).updates)
	})

	t.Run("partial visit leaves the full flag", func(t *testing.T) {
		s := New(nil)
		require.NoError(t, s.Register(1, 1, &stubEntity{"a"}))
		s.Refresh()

		assert.Len(t, visit(s, core.ScopeAll, core.LevelPartial).updates, 1)
		assert.Empty(t, visit(s, core.ScopeAll, core.LevelPartial).updates)
		assert.Len(t, visit(s, core.ScopeAll, core.LevelFull).updates, 1)
	})

	t.Run("partial mark is invisible to full visits", func(t *testing.T) {
		s := New(nil)
		require.NoError(t, s.Register(1, 1, &stubEntity{"a"}))
		s.Refresh()
		visit(s, core.ScopeAll, core.LevelFull)

		require.NoError(t, s.MarkDirty(1, 1, core.LevelPartial))
		s.Refresh()
		assert.Empty(t, visit(s, core.ScopeAll, core.LevelFull).updates)
		assert.Len(t, visit(s, core.ScopeAll, core.LevelPartial).updates, 1)
	})
}

func TestStore_Deletions(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Register(2, 7, &stubEntity{"a"}))
	require.NoError(t, s.Register(2, 8, &stubEntity{"b"}))
	s.Refresh()
	visit(s, core.ScopeAll, core.LevelFull)

	require.NoError(t, s.MarkDirty(2, 7, core.LevelFull))
	require.NoError(t, s.Delete(2, 7))
	s.Refresh()

	v := visit(s, core.ScopeAll, core.LevelPartial)
	assert.Empty(t, v.updates, "a deleted entity is never reported as updated")
	assert.Equal(t, []deletion{{2, 7}}, v.deletions)

	// Reported once, then forgotten.
	assert.Empty(t, visit(s, core.ScopeAll, core.LevelFull).deletions)

	_, ok := s.Get(2, 7)
	assert.False(t, ok)
	assert.ErrorIs(t, s.MarkDirty(2, 7, core.LevelFull), ErrUnknownEntity)
	assert.ErrorIs(t, s.Delete(2, 7), ErrUnknownEntity)
	assert.Equal(t, 1, s.Len())
}

func TestStore_ReviveCancelsPendingDeletion(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Register(1, 3, &stubEntity{"a"}))
	require.NoError(t, s.Delete(1, 3))
	require.NoError(t, s.Register(1, 3, &stubEntity{"b"}))
	s.Refresh()

	v := visit(s, core.ScopeAll, core.LevelFull)
	assert.Empty(t, v.deletions)
	assert.Equal(t, []core.EntityID{3}, ids(v))
	e, ok := s.Get(1, 3)
	require.True(t, ok)
	assert.Equal(t, "b", e.(*stubEntity).name)
}

func TestStore_CompactsTombstones(t *testing.T) {
	s := New(nil)
	for i := core.EntityID(0); i < 10; i++ {
		require.NoError(t, s.Register(1, i, &stubEntity{"x"}))
	}
	for i := core.EntityID(0); i < 8; i++ {
		require.NoError(t, s.Delete(1, i))
	}
	assert.Equal(t, 2, s.Len())

	s.mu.Lock()
	p := s.partitionLocked(1, false)
	assert.LessOrEqual(t, p.tombstones, p.live)
	assert.LessOrEqual(t, p.entities.Len(), 2+p.live)
	s.mu.Unlock()

	s.Refresh()
	v := visit(s, core.ScopeAll, core.LevelFull)
	assert.Equal(t, []core.EntityID{8, 9}, ids(v))
	assert.Len(t, v.deletions, 8)
}

func TestStore_Scope(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Register(1, 1, &stubEntity{"a"}))
	require.NoError(t, s.Register(2, 1, &stubEntity{"b"}))
	s.Refresh()

	v := visit(s, core.Scope(2), core.LevelFull)
	require.Len(t, v.updates, 1)
	assert.Equal(t, core.TypeID(2), v.updates[0].Type)

	// Type 1 is still dirty.
	v = visit(s, core.ScopeAll, core.LevelFull)
	require.Len(t, v.updates, 1)
	assert.Equal(t, core.TypeID(1), v.updates[0].Type)
}

func TestStore_GenerationAndCounts(t *testing.T) {
	s := New(nil)
	assert.Equal(t, uint32(0), s.Generation())
	require.NoError(t, s.Register(1, 1, &stubEntity{"a"}))
	require.NoError(t, s.Register(1, 2, &stubEntity{"b"}))
	require.NoError(t, s.MarkDirty(1, 1, core.LevelPartial))
	s.Refresh()
	s.Refresh()
	assert.Equal(t, uint32(2), s.Generation())
	assert.Equal(t, uint64(2), s.DirtyCount(core.LevelFull))
	assert.Equal(t, uint64(2), s.DirtyCount(core.LevelPartial))

	assert.ErrorIs(t, s.MarkDirty(9, 1, core.LevelFull), ErrUnknownEntity)
	assert.Error(t, s.MarkDirty(1, 1, core.DirtyLevel(7)))
	assert.Error(t, s.Register(1, 3, nil))
}
