package replication

import "github.com/INLOpen/gomsync/core"

// StateRecord is one entity's changed state as harvested by a dirty sweep.
// Entity is a non-owning reference into the object store and is only valid
// until the transaction carrying the record has been encoded.
type StateRecord struct {
	ID     core.EntityID
	State  int32
	Full   bool
	Entity core.Entity
}

// RawStateRecord is the receiver-side view of a StateRecord. Data holds the
// entity's serialized state, left opaque until its type is resolved.
type RawStateRecord struct {
	ID    core.EntityID
	State int32
	Full  bool
	Data  []byte
}
