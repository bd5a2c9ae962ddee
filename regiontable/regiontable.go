// Package regiontable is the on-PM region metadata table: a fixed-size
// array of region slots in a file mapped at a fixed virtual base, prefixed
// by a count word that is the commit point for region creation. prm owns
// the mutex/file-lock discipline around this package; regiontable itself
// only knows how to read and durably write slots.
package regiontable

import (
	"encoding/binary"
	"unsafe"

	"pmruntime/durability"
	"pmruntime/pmtypes"
)

// SlotSize is the on-disk size of one Slot record, padded to a cache line
// so CacheLineFlush of one slot never touches its neighbor.
const SlotSize = 64

// HeaderSize is the size of the leading count header, padded the same way.
const HeaderSize = 64

// MaxSlots bounds the table to a small, fixed number of live regions per
// mount — enough for a demo or test workload without an unbounded table.
const MaxSlots = 1024

// TableSize is the total byte size of the region table file.
const TableSize = HeaderSize + MaxSlots*SlotSize

// Slot is the decoded, in-memory view of one region table entry: a name,
// numeric id, flag word, tombstone bit, mapped base address and root
// pointer, padded out to a cache line on disk.
type Slot struct {
	Name    [pmtypes.MaxNameLen + 1]byte
	ID      uint32
	Flags   pmtypes.RegionFlags
	Deleted bool
	Base    uint64
	Root    uint64
}

// NameString returns the NUL-terminated Name field as a Go string.
func (s *Slot) NameString() string {
	n := 0
	for n < len(s.Name) && s.Name[n] != 0 {
		n++
	}
	return string(s.Name[:n])
}

// SetName copies name into the fixed-width Name field.
func (s *Slot) SetName(name string) error {
	if len(name) > pmtypes.MaxNameLen {
		return &pmtypes.NameTooLongError{Name: name}
	}
	var buf [pmtypes.MaxNameLen + 1]byte
	copy(buf[:], name)
	s.Name = buf
	return nil
}

// Table is the mmap'd region metadata table: mem is the raw backing bytes
// for the whole TableSize file, provided by prm after mapping
// __nvm_region_table at its fixed base.
type Table struct {
	mem []byte
}

// Open wraps an already-mapped byte slice of at least TableSize bytes.
func Open(mem []byte) *Table {
	if len(mem) < TableSize {
		panic("regiontable: backing mapping smaller than TableSize")
	}
	return &Table{mem: mem}
}

func (t *Table) base() unsafe.Pointer {
	return unsafe.Pointer(&t.mem[0])
}

// Count reads the header's slot count. The count is the commit point for
// creation: a slot at index >= Count was never durably committed and must
// be treated as absent even if its bytes are non-zero (a torn write).
func (t *Table) Count() uint32 {
	return binary.LittleEndian.Uint32(t.mem[0:4])
}

// SetCount durably publishes a new count. Callers must have already
// flushed the slot(s) below the new count.
func (t *Table) SetCount(n uint32) {
	binary.LittleEndian.PutUint32(t.mem[0:4], n)
	durability.CacheLineFlush(t.base(), HeaderSize)
}

func (t *Table) slotOffset(idx uint32) int {
	return HeaderSize + int(idx)*SlotSize
}

// ReadSlot decodes the slot at idx. idx must be < MaxSlots; the caller is
// responsible for checking idx < Count before trusting the result as
// "committed".
func (t *Table) ReadSlot(idx uint32) Slot {
	off := t.slotOffset(idx)
	buf := t.mem[off : off+SlotSize]
	var s Slot
	copy(s.Name[:], buf[0:pmtypes.MaxNameLen+1])
	s.ID = binary.LittleEndian.Uint32(buf[32:36])
	s.Flags = pmtypes.RegionFlags(binary.LittleEndian.Uint32(buf[36:40]))
	s.Deleted = buf[40] != 0
	s.Base = binary.LittleEndian.Uint64(buf[41:49])
	s.Root = binary.LittleEndian.Uint64(buf[49:57])
	return s
}

// WriteSlot encodes and durably flushes the slot at idx. It does not touch
// Count; callers follow the write with SetCount to commit it.
func (t *Table) WriteSlot(idx uint32, s Slot) {
	off := t.slotOffset(idx)
	buf := t.mem[off : off+SlotSize]
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[0:pmtypes.MaxNameLen+1], s.Name[:])
	binary.LittleEndian.PutUint32(buf[32:36], s.ID)
	binary.LittleEndian.PutUint32(buf[36:40], uint32(s.Flags))
	if s.Deleted {
		buf[40] = 1
	}
	binary.LittleEndian.PutUint64(buf[41:49], s.Base)
	binary.LittleEndian.PutUint64(buf[49:57], s.Root)
	durability.CacheLineFlush(unsafe.Pointer(&buf[0]), SlotSize)
}

// SetDeleted flips the Deleted bit in place and flushes it, without
// rewriting the rest of the slot. Callers set the bit, flush it, and only
// then attempt the underlying file unlink, so a crash between the two
// still leaves the slot correctly marked dead on replay.
func (t *Table) SetDeleted(idx uint32, deleted bool) {
	off := t.slotOffset(idx)
	if deleted {
		t.mem[off+40] = 1
	} else {
		t.mem[off+40] = 0
	}
	durability.CacheLineFlush(unsafe.Pointer(&t.mem[off+40]), 1)
}

// SetRoot durably publishes a region's root pointer. SetRoot behaves as a
// release: the caller is responsible for having flushed its own data
// before calling it, and this function's own fence+write+flush ordering
// guarantees the root write itself is ordered after that point.
func (t *Table) SetRoot(idx uint32, root uint64) {
	durability.StoreFence()
	off := t.slotOffset(idx)
	binary.LittleEndian.PutUint64(t.mem[off+49:off+57], root)
	durability.CacheLineFlush(unsafe.Pointer(&t.mem[off+49]), 8)
}

// GetRoot reads a region's root pointer.
func (t *Table) GetRoot(idx uint32) uint64 {
	off := t.slotOffset(idx)
	return binary.LittleEndian.Uint64(t.mem[off+49 : off+57])
}
