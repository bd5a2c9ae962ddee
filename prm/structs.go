package prm

import (
	"os"
	"sync"

	"pmruntime/extent"
	"pmruntime/pmtypes"
	"pmruntime/regiontable"
)

// RegionSize is the fixed size every region file is truncated to, and the
// stride between reserved base addresses.
var RegionSize uint64 = pmtypes.DefaultRegionSize

// baseRegionStart is the first address in the reserved virtual range
// regions are mapped into: disjoint RegionSize-aligned slots, chosen well
// clear of the Go heap/stack regions and of typical shared-library load
// addresses on linux/amd64.
const baseRegionStart = 0x0000_5000_0000_0000

// tableBase is the fixed address the region table itself is mapped at.
const tableBase = 0x0000_4000_0000_0000

// openRegion is the transient (non-persistent) state PRM keeps for a
// mapped region: its mmap'd bytes, backing file, and the slot it occupies
// in the region table.
type openRegion struct {
	slot  uint32
	mem   []byte
	file  *os.File
	base  uintptr
	flags pmtypes.RegionFlags
}

// Manager is the process-wide Persistent Region Manager singleton.
type Manager struct {
	mount string
	user  string

	tableFile *os.File
	tableMem  []byte
	table     *regiontable.Table

	extentMap *extent.Map

	// mu is the intra-process table mutex. The cross-process exclusive
	// lock is taken per-call on tableFile via flock(2).
	mu sync.Mutex

	open map[pmtypes.RegionID]*openRegion
}

var (
	instanceMu sync.Mutex
	instance   *Manager
)
