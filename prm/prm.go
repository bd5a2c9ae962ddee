// Package prm is the Persistent Region Manager: a process-wide singleton
// that owns the region table, the region-to-address-space mapping, and the
// filesystem layout under a mount/user directory pair.
//
// It owns:
//
//	The on-PM region table (regiontable) and the file lock that serializes
//	  mutation of it across processes.
//	Opening/creating/deleting the per-region backing files and mapping them
//	  at their fixed virtual addresses.
//	Publishing region address ranges into the extent map so logmgr's
//	  hot-path classification never has to touch the region table.
//
// Base-address selection picks disjoint RegionSize-aligned slots in a
// reserved virtual range so a region remaps to the same address on every
// run — persistent pointers stored inside a region are raw addresses, and
// nothing after the first mmap can move them.
package prm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"pmruntime/durability"
	"pmruntime/extent"
	"pmruntime/pmtypes"
	"pmruntime/regiontable"
)

// CreateInstance builds the process-wide PRM singleton rooted at
// <mount>/<user>. There is no implicit construction via init(): the flush
// helper thread (owned by logmgr) must observe a fully built instance
// before it starts, so lifecycle is explicit start/stop, mirroring
// NVM_Initialize/NVM_Finalize.
func CreateInstance(mount, user string) (*Manager, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return instance, nil
	}

	root := filepath.Join(mount, user)
	if err := os.MkdirAll(filepath.Join(root, "regions"), 0755); err != nil {
		return nil, fmt.Errorf("prm: create mount tree %s: %w", root, err)
	}

	tablePath := filepath.Join(root, "__nvm_region_table")
	tf, err := openAndSize(tablePath, int64(regiontable.TableSize))
	if err != nil {
		return nil, err
	}
	tableMem := mapFixed(int(tf.Fd()), tableBase, regiontable.TableSize)
	durability.RegisterMapping(sliceBase(tableMem), tableMem)

	m := &Manager{
		mount:     mount,
		user:      user,
		tableFile: tf,
		tableMem:  tableMem,
		table:     regiontable.Open(tableMem),
		extentMap: extent.New(),
		open:      make(map[pmtypes.RegionID]*openRegion),
	}

	if err := m.remapExisting(); err != nil {
		m.teardown()
		return nil, err
	}

	instance = m
	return m, nil
}

// Instance returns the previously created singleton, or nil if none exists.
func Instance() *Manager {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}

// DeleteInstance tears down the singleton: closes every open region,
// unmaps the region table, and closes its file. It does not delete any
// on-disk state — that is Manager.Delete's job.
func DeleteInstance() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		return
	}
	instance.teardown()
	instance = nil
}

func (m *Manager) teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, or := range m.open {
		m.unmapOpenRegion(or)
		delete(m.open, id)
	}
	if m.tableMem != nil {
		durability.UnregisterMapping(sliceBase(m.tableMem))
		unmap(m.tableMem)
	}
	if m.tableFile != nil {
		m.tableFile.Close()
	}
}

// remapExisting is the startup hook for previously created regions and
// does nothing: no extent map entry exists until a region is mapped, and
// region files are only mmap'd lazily by find/findOrCreate/ensureMapped — whether
// a region is mapped is transient process state, not part of the durable
// slot — so nothing needs to happen at startup beyond leaving the table
// readable.
func (m *Manager) remapExisting() error {
	return nil
}

func (m *Manager) lockTable() error {
	if err := unix.Flock(int(m.tableFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("prm: flock region table: %w", err)
	}
	return nil
}

func (m *Manager) unlockTable() {
	_ = unix.Flock(int(m.tableFile.Fd()), unix.LOCK_UN)
}

func (m *Manager) regionFilePath(name string) string {
	return filepath.Join(m.mount, m.user, "regions", name)
}

// LogRegionName returns the region name logmgr should use for progName's
// log region, following the "regions/logs_<progname>" layout — logmgr
// find-or-creates a region under this name through the same Manager, it
// does not get any special-cased treatment here.
func (m *Manager) LogRegionName(progName string) string {
	return "logs_" + progName
}

func (m *Manager) findSlotByName(name string) (idx uint32, slot regiontable.Slot, found bool) {
	count := m.table.Count()
	for i := uint32(0); i < count; i++ {
		s := m.table.ReadSlot(i)
		if s.NameString() == name {
			return i, s, true
		}
	}
	return 0, regiontable.Slot{}, false
}

func slotBase(idx uint32) uint64 {
	return baseRegionStart + uint64(idx)*RegionSize
}

// mapSlotRegion opens (creating if needed) the backing file for slot and
// mmaps it at its fixed base, publishing the range into the extent map.
// Caller must hold m.mu and the table lock.
func (m *Manager) mapSlotRegion(idx uint32, slot regiontable.Slot) (*openRegion, error) {
	id := pmtypes.RegionID(slot.ID)
	if or, ok := m.open[id]; ok {
		return or, nil
	}

	f, err := openAndSize(m.regionFilePath(slot.NameString()), int64(RegionSize))
	if err != nil {
		return nil, err
	}
	mem := mapFixed(int(f.Fd()), uintptr(slot.Base), int(RegionSize))
	durability.RegisterMapping(sliceBase(mem), mem)

	or := &openRegion{
		slot:  idx,
		mem:   mem,
		file:  f,
		base:  uintptr(slot.Base),
		flags: slot.Flags,
	}
	m.open[id] = or
	m.extentMap.Insert(uintptr(slot.Base), uintptr(slot.Base)+uintptr(RegionSize)-1, id)
	return or, nil
}

func (m *Manager) unmapOpenRegion(or *openRegion) {
	m.extentMap.Delete(or.base, or.base+uintptr(RegionSize)-1, pmtypes.RegionID(m.table.ReadSlot(or.slot).ID))
	durability.UnregisterMapping(sliceBase(or.mem))
	unmap(or.mem)
	or.file.Close()
}

// FindOrCreate returns the existing region named name, or creates one.
// It is atomic with respect to other PRM operations: it holds the
// intra-process mutex and an exclusive flock on the region table for its
// whole duration, serializing region creation across processes too.
func (m *Manager) FindOrCreate(name string, flags pmtypes.RegionFlags) (pmtypes.RegionID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lockTable(); err != nil {
		return pmtypes.InvalidRegion, false, err
	}
	defer m.unlockTable()

	idx, slot, found := m.findSlotByName(name)
	if found && !slot.Deleted {
		if _, err := m.mapSlotRegion(idx, slot); err != nil {
			return pmtypes.InvalidRegion, false, err
		}
		return pmtypes.RegionID(slot.ID), false, nil
	}
	if found && slot.Deleted {
		slot.Deleted = false
		slot.Flags = flags
		m.table.WriteSlot(idx, slot)
		if _, err := m.mapSlotRegion(idx, slot); err != nil {
			return pmtypes.InvalidRegion, false, err
		}
		return pmtypes.RegionID(slot.ID), true, nil
	}

	newIdx := m.table.Count()
	if newIdx >= regiontable.MaxSlots {
		return pmtypes.InvalidRegion, false, fmt.Errorf("prm: region table full (%d slots)", regiontable.MaxSlots)
	}
	var s regiontable.Slot
	if err := s.SetName(name); err != nil {
		return pmtypes.InvalidRegion, false, err
	}
	s.ID = newIdx
	s.Flags = flags
	s.Base = slotBase(newIdx)
	s.Deleted = false
	m.table.WriteSlot(newIdx, s)
	m.table.SetCount(newIdx + 1)
	if _, err := m.mapSlotRegion(newIdx, s); err != nil {
		return pmtypes.InvalidRegion, false, err
	}
	return pmtypes.RegionID(s.ID), true, nil
}

// Find returns the region named name, or (InvalidRegion, nil) if it does
// not exist. When inRecovery is true, a slot marked deleted is re-mapped
// instead of treated as absent — recovery uses this to reach the log
// region of a program that crashed mid-delete.
func (m *Manager) Find(name string, flags pmtypes.RegionFlags, inRecovery bool) (pmtypes.RegionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lockTable(); err != nil {
		return pmtypes.InvalidRegion, err
	}
	defer m.unlockTable()

	idx, slot, found := m.findSlotByName(name)
	if !found {
		return pmtypes.InvalidRegion, nil
	}
	if slot.Deleted {
		if !inRecovery {
			return pmtypes.InvalidRegion, nil
		}
		slot.Flags = flags | pmtypes.FlagRecoveryOnly
	}
	if _, err := m.mapSlotRegion(idx, slot); err != nil {
		return pmtypes.InvalidRegion, err
	}
	return pmtypes.RegionID(slot.ID), nil
}

// Create creates a brand-new region named name, failing if one already
// exists and is not deleted.
func (m *Manager) Create(name string, flags pmtypes.RegionFlags) (pmtypes.RegionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lockTable(); err != nil {
		return pmtypes.InvalidRegion, err
	}
	defer m.unlockTable()

	idx, slot, found := m.findSlotByName(name)
	if found && !slot.Deleted {
		return pmtypes.InvalidRegion, fmt.Errorf("prm: region %q already exists", name)
	}
	if found && slot.Deleted {
		slot.Deleted = false
		slot.Flags = flags
		m.table.WriteSlot(idx, slot)
		if _, err := m.mapSlotRegion(idx, slot); err != nil {
			return pmtypes.InvalidRegion, err
		}
		return pmtypes.RegionID(slot.ID), nil
	}

	newIdx := m.table.Count()
	if newIdx >= regiontable.MaxSlots {
		return pmtypes.InvalidRegion, fmt.Errorf("prm: region table full (%d slots)", regiontable.MaxSlots)
	}
	var s regiontable.Slot
	if err := s.SetName(name); err != nil {
		return pmtypes.InvalidRegion, err
	}
	s.ID = newIdx
	s.Flags = flags
	s.Base = slotBase(newIdx)
	m.table.WriteSlot(newIdx, s)
	m.table.SetCount(newIdx + 1)
	if _, err := m.mapSlotRegion(newIdx, s); err != nil {
		return pmtypes.InvalidRegion, err
	}
	return pmtypes.RegionID(s.ID), nil
}

// Close unmaps and closes id's backing file descriptor without deleting or
// otherwise touching its slot; a later Find remaps it.
func (m *Manager) Close(id pmtypes.RegionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	or, ok := m.open[id]
	if !ok {
		return fmt.Errorf("prm: region %d is not open", id)
	}
	m.unmapOpenRegion(or)
	delete(m.open, id)
	return nil
}

// Delete marks the region named name as deleted, closing it first if
// mapped, then unlinks its backing file. The slot's (id, base) survive for
// deterministic reuse by a later Create/FindOrCreate.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lockTable(); err != nil {
		return err
	}
	defer m.unlockTable()

	idx, slot, found := m.findSlotByName(name)
	if !found {
		return fmt.Errorf("prm: region %q does not exist", name)
	}
	id := pmtypes.RegionID(slot.ID)
	if or, ok := m.open[id]; ok {
		m.unmapOpenRegion(or)
		delete(m.open, id)
	}
	m.table.SetDeleted(idx, true)
	if err := os.Remove(m.regionFilePath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("prm: unlink region file for %q: %w", name, err)
	}
	return nil
}

// DeleteForcefullyAll iterates every slot, unmapping any open region, and
// marks each slot not already deleted as deleted and unlinks its backing
// file. Slots already marked deleted are skipped.
func (m *Manager) DeleteForcefullyAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lockTable(); err != nil {
		return err
	}
	defer m.unlockTable()

	count := m.table.Count()
	for i := uint32(0); i < count; i++ {
		s := m.table.ReadSlot(i)
		id := pmtypes.RegionID(s.ID)
		if or, ok := m.open[id]; ok {
			m.unmapOpenRegion(or)
			delete(m.open, id)
		}
		if s.Deleted {
			continue
		}
		m.table.SetDeleted(i, true)
		if err := os.Remove(m.regionFilePath(s.NameString())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prm: unlink region file for %q: %w", s.NameString(), err)
		}
	}
	return nil
}

// SetRoot durably publishes id's root pointer.
func (m *Manager) SetRoot(id pmtypes.RegionID, newRoot uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table.SetRoot(uint32(id), newRoot)
}

// GetRoot reads id's root pointer.
func (m *Manager) GetRoot(id pmtypes.RegionID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.GetRoot(uint32(id))
}

// GetOpenRegionID classifies [addr, addr+size) against the extent map; it
// is the hot-path primitive the logger calls on every store, and does not
// take m.mu — extent.Map is internally lock-free for readers.
func (m *Manager) GetOpenRegionID(addr uintptr, size uintptr) (pmtypes.RegionID, bool) {
	return m.extentMap.Find(addr, size)
}

// Mem returns the raw backing bytes and base address of an open region,
// for callers (logmgr, recovery) that build their own allocator or reader
// on top of a region PRM has already mapped.
func (m *Manager) Mem(id pmtypes.RegionID) ([]byte, uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	or, ok := m.open[id]
	if !ok {
		return nil, 0, fmt.Errorf("prm: region %d is not open", id)
	}
	return or.mem, or.base, nil
}

// Bytes returns the raw slice backing [addr, addr+size) in whichever
// region currently covers it, for the logger's pre-image sampling.
func (m *Manager) Bytes(addr uintptr, size uintptr) ([]byte, error) {
	id, ok := m.extentMap.Find(addr, size)
	if !ok {
		return nil, fmt.Errorf("prm: address 0x%x size %d is not covered by one mapped region", addr, size)
	}
	m.mu.Lock()
	or, ok := m.open[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("prm: region %d classified but not open", id)
	}
	off := addr - or.base
	return or.mem[off : off+size], nil
}

// EnsureMapped demand-maps the region containing addr, used by recovery
// walking a log-recorded address whose region hasn't been touched yet in
// this process. It returns the region's base and id.
func (m *Manager) EnsureMapped(addr uintptr) (uintptr, pmtypes.RegionID, error) {
	if id, ok := m.extentMap.Find(addr, 1); ok {
		m.mu.Lock()
		or := m.open[id]
		m.mu.Unlock()
		if or != nil {
			return or.base, id, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lockTable(); err != nil {
		return 0, pmtypes.InvalidRegion, err
	}
	defer m.unlockTable()

	count := m.table.Count()
	for i := uint32(0); i < count; i++ {
		s := m.table.ReadSlot(i)
		if s.Deleted {
			continue
		}
		lo, hi := s.Base, s.Base+RegionSize-1
		if uint64(addr) < lo || uint64(addr) > hi {
			continue
		}
		s.Flags |= pmtypes.FlagRecoveryOnly
		or, err := m.mapSlotRegion(i, s)
		if err != nil {
			return 0, pmtypes.InvalidRegion, err
		}
		return or.base, pmtypes.RegionID(s.ID), nil
	}
	return 0, pmtypes.InvalidRegion, fmt.Errorf("prm: no region covers address 0x%x", addr)
}
