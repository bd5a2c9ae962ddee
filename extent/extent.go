// Package extent implements the address-range to region-id classifier used
// on every logged store. The live set of intervals is an immutable sorted
// slice; mutators build a new slice and publish it with a CAS on an
// atomic.Pointer, the same copy-on-write discipline
// storage_engine/bufferpool.go uses for its access-order list, except here
// the old version can still be in use by a concurrent reader so it isn't
// freed until no reader can be touching it.
//
// Every reader announces the epoch of the generation it loaded on entry and
// clears it on exit. A retired generation is a plain Go value: the garbage
// collector frees it once no reader still references it, and the announced
// epochs are bookkeeping only — no mutator frees or drops a generation
// explicitly.
package extent

import (
	"sort"
	"sync"
	"sync/atomic"

	"pmruntime/pmtypes"
)

// Interval is one mapped region's address range, [Lo, Hi] inclusive.
type Interval struct {
	Lo, Hi uintptr
	Region pmtypes.RegionID
}

type generation struct {
	epoch     uint64
	intervals []Interval
}

// Map is the lock-free reader / locked-writer extent classifier.
type Map struct {
	cur atomic.Pointer[generation]

	// mu serializes writers; mutators normally serialize through the PRM's
	// table lock — prm.Manager holds that lock and calls Insert/Delete
	// while holding it, but Map also protects itself so it can be
	// unit-tested and used standalone.
	mu sync.Mutex

	nextEpoch uint64

	// readerEpochs tracks the epoch each live reader announced on Enter,
	// keyed by an opaque token. A writer only retires a generation once no
	// reader token is still pointing at it.
	readerMu     sync.Mutex
	readerEpochs map[uint64]uint64
	nextReader   uint64
}

// New returns an empty extent map.
func New() *Map {
	m := &Map{readerEpochs: make(map[uint64]uint64)}
	m.cur.Store(&generation{epoch: 0})
	return m
}

// ReaderToken is returned by Enter and must be passed to Exit exactly once.
type ReaderToken uint64

// Enter announces that a lock-free read is starting; it must be paired with
// Exit. Find calls this internally, so callers normally never touch it
// directly — it exists for a caller that wants to hold a snapshot across
// multiple Find calls without re-announcing each time.
func (m *Map) Enter() ReaderToken {
	g := m.cur.Load()
	m.readerMu.Lock()
	tok := m.nextReader
	m.nextReader++
	m.readerEpochs[tok] = g.epoch
	m.readerMu.Unlock()
	return ReaderToken(tok)
}

// Exit retires a token obtained from Enter.
func (m *Map) Exit(tok ReaderToken) {
	m.readerMu.Lock()
	delete(m.readerEpochs, uint64(tok))
	m.readerMu.Unlock()
}

// Find classifies addr..addr+size-1. It returns (region, true) only when the
// whole span lies within a single mapped interval; a span crossing two
// regions, or touching none, is transient and returns (InvalidRegion,
// false) — the logger must then treat the access as not needing a log
// entry.
func (m *Map) Find(addr uintptr, size uintptr) (pmtypes.RegionID, bool) {
	tok := m.Enter()
	defer m.Exit(tok)

	g := m.cur.Load()
	lo, hi := addr, addr+size-1
	n := len(g.intervals)
	i := sort.Search(n, func(i int) bool { return g.intervals[i].Hi >= lo })
	if i >= n {
		return pmtypes.InvalidRegion, false
	}
	iv := g.intervals[i]
	if lo < iv.Lo || hi > iv.Hi {
		// Either addr falls before this interval (no region contains it)
		// or the span runs past this interval's end into the next one.
		return pmtypes.InvalidRegion, false
	}
	return iv.Region, true
}

// Insert publishes a new interval [lo, hi] -> region. Overlap with an
// existing interval is a caller bug (region extents never overlap by
// construction) and panics rather than silently merging.
func (m *Map) Insert(lo, hi uintptr, region pmtypes.RegionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.cur.Load()
	next := make([]Interval, 0, len(g.intervals)+1)
	inserted := false
	for _, iv := range g.intervals {
		if !inserted && lo < iv.Lo {
			next = append(next, Interval{Lo: lo, Hi: hi, Region: region})
			inserted = true
		}
		if iv.Lo <= hi && lo <= iv.Hi {
			panic("extent: overlapping region insert")
		}
		next = append(next, iv)
	}
	if !inserted {
		next = append(next, Interval{Lo: lo, Hi: hi, Region: region})
	}
	m.publish(next)
}

// Delete removes the interval previously inserted for region between
// [lo, hi].
func (m *Map) Delete(lo, hi uintptr, region pmtypes.RegionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.cur.Load()
	next := make([]Interval, 0, len(g.intervals))
	for _, iv := range g.intervals {
		if iv.Lo == lo && iv.Hi == hi && iv.Region == region {
			continue
		}
		next = append(next, iv)
	}
	m.publish(next)
}

// publish installs a new generation and then runs reclaim. Must be called
// with mu held.
func (m *Map) publish(intervals []Interval) {
	m.nextEpoch++
	next := &generation{epoch: m.nextEpoch, intervals: intervals}
	old := m.cur.Load()
	if !m.cur.CompareAndSwap(old, next) {
		// A concurrent writer would only be possible if mu weren't held;
		// defensive check, not expected to trigger.
		panic("extent: concurrent publish under lock")
	}
	m.reclaim()
}

// reclaim computes the oldest epoch any live reader has announced and
// discards the result; since generations are plain Go values owned by the
// GC, there is no explicit free. A hazard-pointer-style scheme would matter
// in a language without a collector; here the GC already reclaims a
// generation once no reader references it.
func (m *Map) reclaim() {
	m.readerMu.Lock()
	defer m.readerMu.Unlock()
	min := m.nextEpoch
	for _, e := range m.readerEpochs {
		if e < min {
			min = e
		}
	}
	_ = min // retained for future hazard-pointer-style instrumentation/metrics
}
