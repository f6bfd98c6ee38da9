package replication

import (
	"slices"

	"github.com/INLOpen/gomsync/core"
)

// Visitor is filled by the object store during a sweep.
type Visitor = core.Visitor

// Collector accumulates the dirty set of one sweep, per entity type.
// Within a type records keep the order the store visited them in.
//
// A Collector serves exactly one sweep; once encoded it is sealed and
// recording into it panics, since reuse would report changes twice.
type Collector struct {
	level   core.DirtyLevel
	updates map[core.TypeID][]StateRecord
	deleted map[core.TypeID][]uint32
	sealed  bool
}

var _ Visitor = (*Collector)(nil)

// NewCollector returns an empty collector for a sweep at the given level.
// Records of a full sweep carry the complete entity state, records of a
// partial sweep carry deltas.
func NewCollector(level core.DirtyLevel) *Collector {
	return &Collector{
		level:   level,
		updates: make(map[core.TypeID][]StateRecord),
		deleted: make(map[core.TypeID][]uint32),
	}
}

// Level returns the dirty level this collector was built for.
func (c *Collector) Level() core.DirtyLevel { return c.level }

// RecordUpdate appends an update record to the list of type t.
func (c *Collector) RecordUpdate(t core.TypeID, id core.EntityID, state int32, entity core.Entity) {
	c.mustBeOpen()
	c.updates[t] = append(c.updates[t], StateRecord{
		ID:     id,
		State:  state,
		Full:   c.level == core.LevelFull,
		Entity: entity,
	})
}

// RecordDeletion appends a deleted entity id to the list of type t.
func (c *Collector) RecordDeletion(t core.TypeID, id uint32) {
	c.mustBeOpen()
	c.deleted[t] = append(c.deleted[t], id)
}

func (c *Collector) mustBeOpen() {
	if c.sealed {
		panic("replication: record into a collector that was already encoded")
	}
}

// Empty reports whether the sweep found nothing to send.
func (c *Collector) Empty() bool {
	return len(c.updates) == 0 && len(c.deleted) == 0
}

// HasUpdates reports whether at least one type has update records.
func (c *Collector) HasUpdates() bool { return len(c.updates) > 0 }

// HasDeletions reports whether at least one type has deleted ids.
func (c *Collector) HasDeletions() bool { return len(c.deleted) > 0 }

// Updates returns the update records of type t in visit order.
func (c *Collector) Updates(t core.TypeID) []StateRecord { return c.updates[t] }

// Deletions returns the deleted ids of type t in visit order.
func (c *Collector) Deletions(t core.TypeID) []uint32 { return c.deleted[t] }

// Counts returns the number of distinct types, update records and deleted ids.
func (c *Collector) Counts() (types, updates, deletions int) {
	seen := make(map[core.TypeID]struct{}, len(c.updates)+len(c.deleted))
	for t, records := range c.updates {
		seen[t] = struct{}{}
		updates += len(records)
	}
	for t, ids := range c.deleted {
		seen[t] = struct{}{}
		deletions += len(ids)
	}
	return len(seen), updates, deletions
}

func sortedTypes[V any](m map[core.TypeID]V) []core.TypeID {
	types := make([]core.TypeID, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
