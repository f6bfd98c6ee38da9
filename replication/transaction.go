package replication

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/gomsync/core"
)

// TransactionFlag marks which sections a transaction carries.
type TransactionFlag uint8

const (
	// FlagUpdates is set when the update section is present.
	FlagUpdates TransactionFlag = 1 << 0
	// FlagDeletions is set when the deletion section is present.
	FlagDeletions TransactionFlag = 1 << 1

	knownFlags = FlagUpdates | FlagDeletions
)

// Transaction is the decoded form of one replication transaction.
type Transaction struct {
	Flags     TransactionFlag
	Updates   map[core.TypeID][]RawStateRecord
	Deletions map[core.TypeID][]uint32
}

// Counts returns the number of update records and deleted ids in t.
func (t *Transaction) Counts() (updates, deletions int) {
	for _, records := range t.Updates {
		updates += len(records)
	}
	for _, ids := range t.Deletions {
		deletions += len(ids)
	}
	return updates, deletions
}

// EncodeTransaction serializes the collector into one transaction message.
//
// The flags byte at offset 0 is reserved first and patched once both
// sections have been appended, because which sections are present is only
// known at that point. Types are emitted in ascending id order.
// Encoding seals the collector.
func EncodeTransaction(c *Collector) ([]byte, error) {
	c.sealed = true

	msg := make([]byte, 1, 64)
	var flags TransactionFlag

	if c.HasUpdates() {
		flags |= FlagUpdates
		var err error
		if msg, err = appendUpdates(msg, c); err != nil {
			return nil, err
		}
	}
	if c.HasDeletions() {
		flags |= FlagDeletions
		msg = appendDeletions(msg, c)
	}

	msg[0] = byte(flags)
	return msg, nil
}

func appendUpdates(msg []byte, c *Collector) ([]byte, error) {
	scratch := core.BufferPool.Get()
	defer core.BufferPool.Put(scratch)

	types := sortedTypes(c.updates)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(types)))
	for _, t := range types {
		records := c.updates[t]
		msg = binary.BigEndian.AppendUint32(msg, uint32(t))
		msg = binary.BigEndian.AppendUint32(msg, uint32(len(records)))
		for _, rec := range records {
			if rec.Entity == nil {
				return nil, fmt.Errorf("update record for entity %d of type %d has no entity", rec.ID, t)
			}
			scratch.Reset()
			var err error
			if rec.Full {
				err = rec.Entity.WriteFull(scratch)
			} else {
				err = rec.Entity.WriteDelta(scratch)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to serialize entity %d of type %d: %w", rec.ID, t, err)
			}

			msg = binary.BigEndian.AppendUint32(msg, uint32(rec.ID))
			msg = binary.BigEndian.AppendUint32(msg, uint32(rec.State))
			if rec.Full {
				msg = append(msg, 1)
			} else {
				msg = append(msg, 0)
			}
			msg = binary.BigEndian.AppendUint32(msg, uint32(scratch.Len()))
			msg = append(msg, scratch.Bytes()...)
		}
	}
	return msg, nil
}

func appendDeletions(msg []byte, c *Collector) []byte {
	types := sortedTypes(c.deleted)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(types)))
	for _, t := range types {
		ids := c.deleted[t]
		msg = binary.BigEndian.AppendUint32(msg, uint32(t))
		msg = binary.BigEndian.AppendUint32(msg, uint32(len(ids)))
		for _, id := range ids {
			msg = binary.BigEndian.AppendUint32(msg, id)
		}
	}
	return msg
}

// DecodeTransaction parses a transaction produced by EncodeTransaction.
// Entity payloads are returned raw. Any truncation, unknown flag bit or
// trailing byte yields an error wrapping core.ErrMalformedTransaction.
func DecodeTransaction(data []byte) (*Transaction, error) {
	d := &decoder{data: data}

	flagByte, err := d.byte()
	if err != nil {
		return nil, err
	}
	tx := &Transaction{
		Flags:     TransactionFlag(flagByte),
		Updates:   make(map[core.TypeID][]RawStateRecord),
		Deletions: make(map[core.TypeID][]uint32),
	}
	if tx.Flags&^knownFlags != 0 {
		return nil, d.fail("unknown flag bits 0x%02x", flagByte)
	}

	if tx.Flags&FlagUpdates != 0 {
		if err := d.updates(tx); err != nil {
			return nil, err
		}
	}
	if tx.Flags&FlagDeletions != 0 {
		if err := d.deletions(tx); err != nil {
			return nil, err
		}
	}
	if d.off != len(d.data) {
		return nil, d.fail("%d trailing bytes", len(d.data)-d.off)
	}
	return tx, nil
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) fail(format string, args ...any) error {
	return fmt.Errorf("%w: at offset %d: %s", core.ErrMalformedTransaction, d.off, fmt.Sprintf(format, args...))
}

func (d *decoder) byte() (byte, error) {
	if d.off+1 > len(d.data) {
		return 0, d.fail("truncated")
	}
	b := d.data[d.off]
	d.off++
	return b, nil
}

func (d *decoder) uint32() (uint32, error) {
	if d.off+4 > len(d.data) {
		return 0, d.fail("truncated")
	}
	v := binary.BigEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

// count reads an element count and rejects counts that could not possibly
// fit in the remaining bytes given the minimum element size.
func (d *decoder) count(minElemSize int) (int, error) {
	n, err := d.uint32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minElemSize) > uint64(len(d.data)-d.off) {
		return 0, d.fail("count %d exceeds remaining %d bytes", n, len(d.data)-d.off)
	}
	return int(n), nil
}

func (d *decoder) bytes(n uint32) ([]byte, error) {
	if uint64(d.off)+uint64(n) > uint64(len(d.data)) {
		return nil, d.fail("payload of %d bytes truncated", n)
	}
	b := d.data[d.off : d.off+int(n)]
	d.off += int(n)
	return b, nil
}

const (
	sectionTypeHeaderSize = 8             // type + count
	rawRecordMinSize      = 4 + 4 + 1 + 4 // id + state + mode + length
)

func (d *decoder) updates(tx *Transaction) error {
	typeCount, err := d.count(sectionTypeHeaderSize)
	if err != nil {
		return err
	}
	if typeCount == 0 {
		return d.fail("update section flagged but empty")
	}
	for i := 0; i < typeCount; i++ {
		t, err := d.uint32()
		if err != nil {
			return err
		}
		n, err := d.count(rawRecordMinSize)
		if err != nil {
			return err
		}
		records := make([]RawStateRecord, 0, n)
		for j := 0; j < n; j++ {
			id, err := d.uint32()
			if err != nil {
				return err
			}
			state, err := d.uint32()
			if err != nil {
				return err
			}
			mode, err := d.byte()
			if err != nil {
				return err
			}
			if mode > 1 {
				return d.fail("invalid payload mode %d", mode)
			}
			size, err := d.uint32()
			if err != nil {
				return err
			}
			payload, err := d.bytes(size)
			if err != nil {
				return err
			}
			records = append(records, RawStateRecord{
				ID:    core.EntityID(int32(id)),
				State: int32(state),
				Full:  mode == 1,
				Data:  payload,
			})
		}
		tx.Updates[core.TypeID(int32(t))] = append(tx.Updates[core.TypeID(int32(t))], records...)
	}
	return nil
}

func (d *decoder) deletions(tx *Transaction) error {
	typeCount, err := d.count(sectionTypeHeaderSize)
	if err != nil {
		return err
	}
	if typeCount == 0 {
		return d.fail("deletion section flagged but empty")
	}
	for i := 0; i < typeCount; i++ {
		t, err := d.uint32()
		if err != nil {
			return err
		}
		n, err := d.count(4)
		if err != nil {
			return err
		}
		ids := make([]uint32, 0, n)
		for j := 0; j < n; j++ {
			id, err := d.uint32()
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		tx.Deletions[core.TypeID(int32(t))] = append(tx.Deletions[core.TypeID(int32(t))], ids...)
	}
	return nil
}
