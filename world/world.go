// Package world is a small simulation that populates an object store with
// moving entities so the replication pipeline has something to send when
// no game is attached.
package world

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/INLOpen/gomsync/core"
)

// Store is the part of store.Store the simulation drives.
type Store interface {
	Register(t core.TypeID, id core.EntityID, entity core.Entity) error
	MarkDirty(t core.TypeID, id core.EntityID, level core.DirtyLevel) error
	Delete(t core.TypeID, id core.EntityID) error
}

// Options configures a World.
type Options struct {
	Types    int
	Entities int // per type
	// MoveProbability is the per-tick chance that an entity moves.
	MoveProbability float64
	// RespawnProbability is the per-tick chance, per type, that one entity
	// despawns and a fresh one takes its place.
	RespawnProbability float64
	Seed               uint64
}

// Mover is a point entity with a position and a velocity. Its full state
// is position and velocity; its delta is the position alone.
type Mover struct {
	X, Y   int32
	VX, VY int32
}

// WriteFull writes x, y, vx, vy as big-endian int32s.
func (m *Mover) WriteFull(w io.Writer) error {
	var buf [16]byte
	binary.BigEndian.PutUint32(buf[0:], uint32(m.X))
	binary.BigEndian.PutUint32(buf[4:], uint32(m.Y))
	binary.BigEndian.PutUint32(buf[8:], uint32(m.VX))
	binary.BigEndian.PutUint32(buf[12:], uint32(m.VY))
	_, err := w.Write(buf[:])
	return err
}

// WriteDelta writes x, y as big-endian int32s.
func (m *Mover) WriteDelta(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:], uint32(m.X))
	binary.BigEndian.PutUint32(buf[4:], uint32(m.Y))
	_, err := w.Write(buf[:])
	return err
}

// DecodeMover reads a mover from a full or delta payload. A delta leaves
// the velocity zero.
func DecodeMover(data []byte) (Mover, error) {
	var m Mover
	switch len(data) {
	case 16:
		m.VX = int32(binary.BigEndian.Uint32(data[8:]))
		m.VY = int32(binary.BigEndian.Uint32(data[12:]))
		fallthrough
	case 8:
		m.X = int32(binary.BigEndian.Uint32(data[0:]))
		m.Y = int32(binary.BigEndian.Uint32(data[4:]))
		return m, nil
	default:
		return m, fmt.Errorf("mover payload of %d bytes", len(data))
	}
}

// World owns the simulated entities. Step must be called from the
// goroutine that sweeps the store, since entities are serialized in place.
type World struct {
	store   Store
	opts    Options
	rng     *rand.Rand
	movers  []map[core.EntityID]*Mover
	nextID  []core.EntityID
	logger  *slog.Logger
	spawned int
	removed int
}

// New creates a world and registers its initial population in store.
func New(store Store, opts Options, logger *slog.Logger) (*World, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Types < 1 {
		return nil, fmt.Errorf("world needs at least one entity type, got %d", opts.Types)
	}
	w := &World{
		store:  store,
		opts:   opts,
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		movers: make([]map[core.EntityID]*Mover, opts.Types),
		nextID: make([]core.EntityID, opts.Types),
		logger: logger.With("component", "World"),
	}
	for t := range w.movers {
		w.movers[t] = make(map[core.EntityID]*Mover, opts.Entities)
		for i := 0; i < opts.Entities; i++ {
			if err := w.spawn(core.TypeID(t)); err != nil {
				return nil, err
			}
		}
	}
	w.logger.Info("World populated", "types", opts.Types, "entities_per_type", opts.Entities)
	return w, nil
}

func (w *World) spawn(t core.TypeID) error {
	id := w.nextID[t]
	w.nextID[t]++
	m := &Mover{
		X:  w.rng.Int32N(1000),
		Y:  w.rng.Int32N(1000),
		VX: w.rng.Int32N(11) - 5,
		VY: w.rng.Int32N(11) - 5,
	}
	if err := w.store.Register(t, id, m); err != nil {
		return fmt.Errorf("spawn %d/%d: %w", t, id, err)
	}
	w.movers[t][id] = m
	w.spawned++
	return nil
}

// Step advances the simulation by one tick. Moved entities are marked
// partially dirty; a velocity change marks them fully dirty.
func (w *World) Step(now time.Time) {
	for i, movers := range w.movers {
		t := core.TypeID(i)
		for id, m := range movers {
			if w.rng.Float64() >= w.opts.MoveProbability {
				continue
			}
			m.X += m.VX
			m.Y += m.VY
			level := core.LevelPartial
			if m.X < 0 || m.X > 1000 {
				m.VX = -m.VX
				level = core.LevelFull
			}
			if m.Y < 0 || m.Y > 1000 {
				m.VY = -m.VY
				level = core.LevelFull
			}
			if err := w.store.MarkDirty(t, id, level); err != nil {
				w.logger.Warn("Failed to mark entity dirty", "type", t, "id", id, "error", err)
			}
		}
		if len(movers) > 0 && w.rng.Float64() < w.opts.RespawnProbability {
			w.respawn(t)
		}
	}
}

func (w *World) respawn(t core.TypeID) {
	// Map order is random enough to pick a victim.
	for id := range w.movers[t] {
		if err := w.store.Delete(t, id); err != nil {
			w.logger.Warn("Failed to despawn entity", "type", t, "id", id, "error", err)
			return
		}
		delete(w.movers[t], id)
		w.removed++
		break
	}
	if err := w.spawn(t); err != nil {
		w.logger.Warn("Failed to respawn entity", "type", t, "error", err)
	}
}

// Population returns the number of live entities.
func (w *World) Population() int {
	n := 0
	for _, movers := range w.movers {
		n += len(movers)
	}
	return n
}

// Churn returns how many entities were spawned and removed so far.
func (w *World) Churn() (spawned, removed int) {
	return w.spawned, w.removed
}
