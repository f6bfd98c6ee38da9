// Package store is an in-memory object store that tracks which entities
// changed since they were last replicated.
//
// Each entity type is a partition: a skiplist of entities ordered by id plus
// roaring bitmaps of dirty ids, one per dirty level. Marks land in pending
// bitmaps and only become visible to VisitDirty after Refresh, so a sweep
// sees a consistent cut of the world.
package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/skiplist"
	"github.com/RoaringBitmap/roaring"

	"github.com/INLOpen/gomsync/core"
)

var (
	ErrEntityExists  = errors.New("entity already registered")
	ErrUnknownEntity = errors.New("unknown entity")
)

// Visitor receives the result of a dirty sweep. replication.Collector
// satisfies it.
type Visitor = core.Visitor

type entry struct {
	entity  core.Entity
	deleted bool
}

type levelBitmaps [2]*roaring.Bitmap

func newLevelBitmaps() levelBitmaps {
	return levelBitmaps{roaring.New(), roaring.New()}
}

type partition struct {
	typ        core.TypeID
	entities   *skiplist.SkipList[core.EntityID, *entry]
	live       int
	tombstones int

	pending        levelBitmaps
	dirty          levelBitmaps
	pendingDeleted *roaring.Bitmap
	deleted        *roaring.Bitmap
}

func compareEntityID(a, b core.EntityID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareTypeID(a, b core.TypeID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func newPartition(t core.TypeID) *partition {
	return &partition{
		typ:            t,
		entities:       skiplist.NewWithComparator[core.EntityID, *entry](compareEntityID),
		pending:        newLevelBitmaps(),
		dirty:          newLevelBitmaps(),
		pendingDeleted: roaring.New(),
		deleted:        roaring.New(),
	}
}

func (p *partition) lookup(id core.EntityID) (*entry, bool) {
	node, ok := p.entities.Seek(id)
	if !ok || node.Key() != id {
		return nil, false
	}
	return node.Value(), true
}

// compact rebuilds the skiplist without tombstones.
func (p *partition) compact() {
	rebuilt := skiplist.NewWithComparator[core.EntityID, *entry](compareEntityID)
	p.entities.Range(func(id core.EntityID, e *entry) bool {
		if !e.deleted {
			rebuilt.Insert(id, e)
		}
		return true
	})
	p.entities = rebuilt
	p.tombstones = 0
}

// Store is the authoritative set of replicated entities.
type Store struct {
	mu         sync.Mutex
	partitions *skiplist.SkipList[core.TypeID, *partition]
	generation uint32
	logger     *slog.Logger
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		partitions: skiplist.NewWithComparator[core.TypeID, *partition](compareTypeID),
		logger:     logger.With("component", "ObjectStore"),
	}
}

func (s *Store) partitionLocked(t core.TypeID, create bool) *partition {
	if node, ok := s.partitions.Seek(t); ok && node.Key() == t {
		return node.Value()
	}
	if !create {
		return nil
	}
	p := newPartition(t)
	s.partitions.Insert(t, p)
	return p
}

// Register adds an entity of type t. A new entity is marked dirty at the
// full level so its complete state reaches every session.
func (s *Store) Register(t core.TypeID, id core.EntityID, entity core.Entity) error {
	if entity == nil {
		return fmt.Errorf("register entity %d of type %d: nil entity", id, t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partitionLocked(t, true)
	if e, ok := p.lookup(id); ok {
		if !e.deleted {
			return fmt.Errorf("%w: type %d id %d", ErrEntityExists, t, id)
		}
		// Revive a tombstone; the pending deletion would otherwise follow
		// the new state to the sessions.
		e.entity = entity
		e.deleted = false
		p.tombstones--
		p.pendingDeleted.Remove(uint32(id))
		p.deleted.Remove(uint32(id))
	} else {
		p.entities.Insert(id, &entry{entity: entity})
	}
	p.live++
	p.markLocked(id, core.LevelFull)
	return nil
}

func (p *partition) markLocked(id core.EntityID, level core.DirtyLevel) {
	p.pending[level].Add(uint32(id))
	if level == core.LevelFull {
		p.pending[core.LevelPartial].Add(uint32(id))
	}
}

// MarkDirty flags an entity as changed. Marking at the full level also
// marks the partial level.
func (s *Store) MarkDirty(t core.TypeID, id core.EntityID, level core.DirtyLevel) error {
	if level != core.LevelFull && level != core.LevelPartial {
		return fmt.Errorf("mark entity %d of type %d: invalid dirty level %s", id, t, level)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partitionLocked(t, false)
	if p == nil {
		return fmt.Errorf("%w: type %d id %d", ErrUnknownEntity, t, id)
	}
	e, ok := p.lookup(id)
	if !ok || e.deleted {
		return fmt.Errorf("%w: type %d id %d", ErrUnknownEntity, t, id)
	}
	p.markLocked(id, level)
	return nil
}

// Delete removes an entity. Its id is reported to the next sweep of either
// level and then forgotten.
func (s *Store) Delete(t core.TypeID, id core.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partitionLocked(t, false)
	if p == nil {
		return fmt.Errorf("%w: type %d id %d", ErrUnknownEntity, t, id)
	}
	e, ok := p.lookup(id)
	if !ok || e.deleted {
		return fmt.Errorf("%w: type %d id %d", ErrUnknownEntity, t, id)
	}
	e.deleted = true
	e.entity = nil
	p.live--
	p.tombstones++
	for level := range p.pending {
		p.pending[level].Remove(uint32(id))
		p.dirty[level].Remove(uint32(id))
	}
	p.pendingDeleted.Add(uint32(id))

	if p.tombstones > p.live {
		p.compact()
	}
	return nil
}

// Get returns the live entity with the given id.
func (s *Store) Get(t core.TypeID, id core.EntityID) (core.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partitionLocked(t, false)
	if p == nil {
		return nil, false
	}
	e, ok := p.lookup(id)
	if !ok || e.deleted {
		return nil, false
	}
	return e.entity, true
}

// Len returns the number of live entities across all types.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	s.partitions.Range(func(_ core.TypeID, p *partition) bool {
		n += p.live
		return true
	})
	return n
}

// Generation returns the state marker advanced by each Refresh.
func (s *Store) Generation() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Refresh publishes the marks and deletions recorded since the previous
// Refresh and advances the generation.
func (s *Store) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.partitions.Range(func(_ core.TypeID, p *partition) bool {
		for level := range p.pending {
			p.dirty[level].Or(p.pending[level])
			p.pending[level].Clear()
		}
		p.deleted.Or(p.pendingDeleted)
		p.pendingDeleted.Clear()
		return true
	})
	s.generation++
}

// VisitDirty reports every dirty entity at the given level and every
// published deletion in the partitions covered by scope, in ascending type
// and id order. The record state is the current generation.
//
// A full visit clears both the full and partial flags of the entities it
// reports; a partial visit clears only the partial flag. Deletions are
// cleared by whichever visit reports them first.
func (s *Store) VisitDirty(scope core.Scope, level core.DirtyLevel, v Visitor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := int32(s.generation)
	s.partitions.Range(func(t core.TypeID, p *partition) bool {
		if !scope.Includes(t) {
			return true
		}
		dirty := p.dirty[level]
		it := dirty.Iterator()
		for it.HasNext() {
			id := core.EntityID(int32(it.Next()))
			e, ok := p.lookup(id)
			if !ok || e.deleted {
				continue
			}
			v.RecordUpdate(t, id, state, e.entity)
		}
		if level == core.LevelFull {
			p.dirty[core.LevelPartial].AndNot(dirty)
		}
		dirty.Clear()

		if !p.deleted.IsEmpty() {
			for _, id := range p.deleted.ToArray() {
				v.RecordDeletion(t, id)
			}
			p.deleted.Clear()
		}
		return true
	})
}

// DirtyCount returns the number of published dirty ids at level across all types.
func (s *Store) DirtyCount(level core.DirtyLevel) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	s.partitions.Range(func(_ core.TypeID, p *partition) bool {
		n += p.dirty[level].GetCardinality()
		return true
	})
	return n
}
