package core

import (
	"bytes"
	"fmt"
	"io"
	"math"
)

// EntityID identifies an entity inside the object store.
type EntityID int32

// TypeID identifies an entity type. Each type is a partition of the store.
type TypeID int32

// SessionKey identifies a connected session. Valid keys are strictly positive.
type SessionKey int32

const (
	// MaxSessionKey is the largest key the registry will ever assign.
	MaxSessionKey SessionKey = math.MaxInt32
	// DefaultLocalAuthorityKey is the key reserved for the server's own local
	// player. It is never handed out to a remote session.
	DefaultLocalAuthorityKey SessionKey = 1
)

// DirtyLevel selects which dirty flags a sweep consumes.
type DirtyLevel uint8

const (
	// LevelFull sweeps carry the complete entity state.
	LevelFull DirtyLevel = iota
	// LevelPartial sweeps carry incremental deltas.
	LevelPartial
)

func (l DirtyLevel) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelPartial:
		return "partial"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// Scope selects which partitions of the store a visit covers.
// ScopeAll covers every partition; a positive scope selects one entity type.
type Scope int32

const ScopeAll Scope = -1

// Includes reports whether the scope covers the given entity type.
func (s Scope) Includes(t TypeID) bool {
	return s == ScopeAll || TypeID(s) == t
}

// Entity is the store-owned serializer of one entity's state.
// WriteFull writes the complete state, WriteDelta the changes since the last
// acknowledged state. Neither may mutate the entity.
type Entity interface {
	WriteFull(w io.Writer) error
	WriteDelta(w io.Writer) error
}

// Visitor receives the result of one dirty sweep of the object store:
// RecordUpdate for each changed entity, RecordDeletion for each entity
// removed since the previous sweep.
type Visitor interface {
	RecordUpdate(t TypeID, id EntityID, state int32, entity Entity)
	RecordDeletion(t TypeID, id uint32)
}

// CompressionType identifies the compression algorithm applied to a frame payload.
// It travels on the wire so the receiver knows how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression algorithms.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	// CompressTo compresses src into dst, resetting dst first.
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decompresses the input data.
	Decompress(data []byte) ([]byte, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", byte(ct))
	}
}
