// Package logmgr is the Log Manager API: the set of functions an
// instrumentation pass would call around every persistent-memory access
// (nvm_store, nvm_acquire, and so on). Every exported function no-ops if
// the manager was never initialized, the same "compiler-pass safety net"
// the instrumentation ABI relies on so a library linked into a program
// that never calls Initialize costs nothing.
//
// Addresses flowing through this package are classified by the caller's
// prm.Manager; an access outside any mapped region is transient (plain
// heap/stack memory) and is silently not logged.
package logmgr

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"

	"pmruntime/alloc"
	"pmruntime/durability"
	"pmruntime/flusher"
	"pmruntime/logentry"
	"pmruntime/logwriter"
	"pmruntime/pmtypes"
	"pmruntime/prm"
)

func barrier(b []byte) {
	if len(b) == 0 {
		return
	}
	durability.Barrier(unsafe.Pointer(&b[0]), uintptr(len(b)))
}

// MaxThreads bounds the thread directory: the number of distinct tids that
// can hold an open session against one Manager.
const MaxThreads = 256

// directorySize is the on-PM footprint of the thread head-pointer table.
const directorySize = MaxThreads * 8

// superHeaderSize is one cache line: the region's root points here instead
// of straight at the thread directory, so a second on-PM pointer (the
// flusher's recovery header, allocated lazily on first Start) has somewhere
// to live without needing a second root slot per region.
const superHeaderSize = 64

// superHeader field offsets.
const (
	offThreadDirBase     = 0
	offRecoveryHeaderBase = 8
)

type session struct {
	tid    uint64
	writer *logwriter.Writer
}

// Manager is the per-program Log Manager: one per process, owning the log
// region's allocator, the per-thread writers, and the volatile last
// publisher side table used to materialize happens-before edges for
// recovery.
type Manager struct {
	pm            *prm.Manager
	logRegion     pmtypes.RegionID
	arena         *alloc.Arena
	superHeader   uintptr
	directoryBase uintptr

	sessMu   sync.Mutex
	sessions map[uint64]*session

	// publishers is the volatile "last publisher" side table, keyed by the
	// address of whatever synchronization object an
	// acquire/release pair (or an allocator in-use flag) hangs off of. It
	// is bounded and evicting, unlike a plain map, so a process that
	// acquires millions of distinct lock addresses over its lifetime never
	// grows this table without bound.
	publishers *ristretto.Cache[uint64, uint64]

	closed atomic.Bool
}

var (
	currentMu sync.Mutex
	current   *Manager
)

// Initialize finds or creates the log region for progName under pm and
// returns the Manager, installing it as the package-wide current instance
// the no-op package-level wrappers delegate to.
func Initialize(pm *prm.Manager, progName string) (*Manager, error) {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current != nil {
		return current, nil
	}

	name := pm.LogRegionName(progName)
	id, created, err := pm.FindOrCreate(name, pmtypes.FlagReadWrite)
	if err != nil {
		return nil, fmt.Errorf("logmgr: open log region: %w", err)
	}
	mem, base, err := pm.Mem(id)
	if err != nil {
		return nil, err
	}
	arena := alloc.NewArena(base, mem, id)

	var superHeader, dirBase uintptr
	if created {
		superHeader, err = arena.Alloc(superHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("logmgr: allocate super header: %w", err)
		}
		dirBase, err = arena.Alloc(directorySize)
		if err != nil {
			return nil, fmt.Errorf("logmgr: allocate thread directory: %w", err)
		}
		hdr := arena.Bytes(superHeader, superHeaderSize)
		binary.LittleEndian.PutUint64(hdr[offThreadDirBase:], uint64(dirBase))
		durability.Barrier(unsafe.Pointer(&hdr[0]), superHeaderSize)
		pm.SetRoot(id, uint64(superHeader))
	} else {
		superHeader = uintptr(pm.GetRoot(id))
		if superHeader == 0 {
			return nil, fmt.Errorf("logmgr: existing log region %q has no super header root", name)
		}
		hdr := arena.Bytes(superHeader, superHeaderSize)
		dirBase = uintptr(binary.LittleEndian.Uint64(hdr[offThreadDirBase:]))
		if dirBase == 0 {
			return nil, fmt.Errorf("logmgr: existing log region %q has no thread directory", name)
		}
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, uint64]{
		NumCounters: 10000,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("logmgr: create publisher cache: %w", err)
	}

	m := &Manager{
		pm:            pm,
		logRegion:     id,
		arena:         arena,
		superHeader:   superHeader,
		directoryBase: dirBase,
		sessions:      make(map[uint64]*session),
		publishers:    cache,
	}
	current = m
	return m, nil
}

// ErrNoLog is returned by OpenForRecovery when progName never created a log
// region, or the region table has no surviving entry for it — nothing to
// recover.
var ErrNoLog = fmt.Errorf("logmgr: no log region found")

// OpenForRecovery opens progName's log region read-write for a recovery
// pass, without installing a package-wide current instance and without
// creating the region if it is absent. It maps a deleted-but-not-yet-
// unlinked slot back in (pm.Find's inRecovery mode), mirroring a process
// that crashed after its region was marked deleted but before the backing
// file was removed.
func OpenForRecovery(pm *prm.Manager, progName string) (*Manager, error) {
	name := pm.LogRegionName(progName)
	id, err := pm.Find(name, pmtypes.FlagReadWrite, true)
	if err != nil {
		return nil, err
	}
	if id == pmtypes.InvalidRegion {
		return nil, ErrNoLog
	}
	mem, base, err := pm.Mem(id)
	if err != nil {
		return nil, err
	}
	arena := alloc.NewArena(base, mem, id)

	superHeader := uintptr(pm.GetRoot(id))
	if superHeader == 0 {
		return nil, fmt.Errorf("logmgr: log region %q has no super header root", name)
	}
	hdr := arena.Bytes(superHeader, superHeaderSize)
	dirBase := uintptr(binary.LittleEndian.Uint64(hdr[offThreadDirBase:]))
	if dirBase == 0 {
		return nil, fmt.Errorf("logmgr: log region %q has no thread directory", name)
	}

	return &Manager{
		pm:            pm,
		logRegion:     id,
		arena:         arena,
		superHeader:   superHeader,
		directoryBase: dirBase,
		sessions:      make(map[uint64]*session),
	}, nil
}

// ThreadHeads reads the thread directory directly, returning every thread
// whose slot is non-zero mapped to the address of its newest published
// entry. Used by recovery, which has no live sessions to ask Writers() for.
func (m *Manager) ThreadHeads() map[uint64]uintptr {
	buf := m.arena.Bytes(m.directoryBase, directorySize)
	out := make(map[uint64]uintptr)
	for tid := uint64(0); tid < MaxThreads; tid++ {
		v := binary.LittleEndian.Uint64(buf[tid*8 : tid*8+8])
		if v != 0 {
			out[tid] = uintptr(v)
		}
	}
	return out
}

// RecoveryTails reads the flusher's last published recovery header,
// returning the newest entry each thread had already made durable-and-
// FASE-closed as of that flush. A thread absent from the result must be
// undone all the way back to the start of its chain.
func (m *Manager) RecoveryTails() map[uint64]uintptr {
	addr := m.RecoveryHeaderBase()
	if addr == 0 {
		return nil
	}
	buf := m.arena.Bytes(uintptr(addr), directorySize)
	out := make(map[uint64]uintptr)
	for tid := uint64(0); tid < MaxThreads; tid++ {
		v := binary.LittleEndian.Uint64(buf[tid*8 : tid*8+8])
		if v != 0 {
			out[tid] = uintptr(v)
		}
	}
	return out
}

// Current returns the process-wide Manager, or nil if Initialize was never
// called — every package-level wrapper function treats nil as "no-op".
func Current() *Manager {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current
}

// Shutdown stops the flusher's background loop (running one last flush as
// it exits) and tears down the package-wide instance.
func Shutdown() {
	flusher.Stop()

	currentMu.Lock()
	defer currentMu.Unlock()
	if current == nil {
		return
	}
	current.closed.Store(true)
	current.publishers.Close()
	current = nil
}

// Writers returns a snapshot of every session's writer, for the flusher's
// per-thread chain-tail scan.
func (m *Manager) Writers() []*logwriter.Writer {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	out := make([]*logwriter.Writer, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.writer)
	}
	return out
}

// PRM returns the region manager backing this log manager.
func (m *Manager) PRM() *prm.Manager { return m.pm }

// Arena returns the log region's allocator.
func (m *Manager) Arena() *alloc.Arena { return m.arena }

// LogRegion returns the id of the region backing this Log Manager.
func (m *Manager) LogRegion() pmtypes.RegionID { return m.logRegion }

// RecoveryHeaderBase returns the address the flusher last published its
// recovery header at, or 0 if the flusher has never run against this log
// region.
func (m *Manager) RecoveryHeaderBase() uint64 {
	hdr := m.arena.Bytes(m.superHeader, superHeaderSize)
	return binary.LittleEndian.Uint64(hdr[offRecoveryHeaderBase:])
}

// SetRecoveryHeaderBase durably records where the flusher's recovery header
// lives, so a process that restarts finds it via the region's root instead
// of scanning the arena.
func (m *Manager) SetRecoveryHeaderBase(addr uint64) {
	hdr := m.arena.Bytes(m.superHeader, superHeaderSize)
	binary.LittleEndian.PutUint64(hdr[offRecoveryHeaderBase:], addr)
	durability.Barrier(unsafe.Pointer(&hdr[0]), superHeaderSize)
}

func (m *Manager) session(tid uint64) (*session, error) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	if s, ok := m.sessions[tid]; ok {
		return s, nil
	}
	if tid >= MaxThreads {
		return nil, fmt.Errorf("logmgr: tid %d exceeds MaxThreads %d", tid, MaxThreads)
	}
	headAddr := m.directoryBase + uintptr(tid)*8
	w := logwriter.New(m.arena, tid, headAddr)
	s := &session{tid: tid, writer: w}
	m.sessions[tid] = s
	return s, nil
}

// publish and lastPublisher key the cache by uint64 rather than uintptr:
// ristretto's Key constraint and default KeyToHash switch are built around
// fixed-width integer and string kinds, and uintptr is a distinct kind that
// risks failing either at compile time or on the first hash dispatch.
func (m *Manager) publish(addr uintptr, entry uintptr) {
	m.publishers.Set(uint64(addr), uint64(entry), 1)
	m.publishers.Wait()
}

func (m *Manager) lastPublisher(addr uintptr) uint64 {
	if v, ok := m.publishers.Get(uint64(addr)); ok {
		return v
	}
	return 0
}

// Store logs a scalar store of bits width to addr before the caller
// performs it. Widths over 128 bits are rejected: the instrumentation ABI
// only ever emits scalar stores up to a 128-bit type.
func (m *Manager) Store(tid uint64, addr uintptr, bits int) error {
	if m.closed.Load() {
		return nil
	}
	n := uintptr(bits / 8)
	if n == 0 || bits%8 != 0 {
		return fmt.Errorf("logmgr: Store bits must be a positive multiple of 8, got %d", bits)
	}
	if n > 16 {
		panic("logmgr: Store does not support widths over 128 bits")
	}
	if _, ok := m.pm.GetOpenRegionID(addr, n); !ok {
		return nil
	}
	s, err := m.session(tid)
	if err != nil {
		return err
	}

	if n <= 8 {
		old, err := m.pm.Bytes(addr, n)
		if err != nil {
			return err
		}
		_, err = s.writer.Append(logentry.TypeStr, uint64(addr), uint64(n), leUint64(old))
		return err
	}
	lo, err := m.pm.Bytes(addr, 8)
	if err != nil {
		return err
	}
	if _, err := s.writer.Append(logentry.TypeStr, uint64(addr), 8, leUint64(lo)); err != nil {
		return err
	}
	hiSize := n - 8
	hi, err := m.pm.Bytes(addr+8, hiSize)
	if err != nil {
		return err
	}
	_, err = s.writer.Append(logentry.TypeStr, uint64(addr+8), uint64(hiSize), leUint64(hi))
	return err
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// logBulk is the shared implementation of Memset/Memcpy/Memmove/Strcpy/Strcat:
// sample the current contents of [dst, dst+n) into a freshly allocated
// side buffer, then append an entry referencing it.
func (m *Manager) logBulk(tid uint64, kind logentry.Type, dst uintptr, n uintptr) error {
	if m.closed.Load() {
		return nil
	}
	if _, ok := m.pm.GetOpenRegionID(dst, n); !ok {
		return nil
	}
	s, err := m.session(tid)
	if err != nil {
		return err
	}
	old, err := m.pm.Bytes(dst, n)
	if err != nil {
		return err
	}
	side, err := m.arena.Alloc(n)
	if err != nil {
		return fmt.Errorf("logmgr: allocate side buffer: %w", err)
	}
	copy(m.arena.Bytes(side, n), old)
	if _, err := s.writer.Append(kind, uint64(dst), uint64(n), uint64(side)); err != nil {
		return err
	}
	return nil
}

func (m *Manager) Memset(tid uint64, dst uintptr, n uintptr) error {
	return m.logBulk(tid, logentry.TypeMemset, dst, n)
}

func (m *Manager) Memcpy(tid uint64, dst uintptr, n uintptr) error {
	return m.logBulk(tid, logentry.TypeMemcpy, dst, n)
}

func (m *Manager) Memmove(tid uint64, dst uintptr, n uintptr) error {
	return m.logBulk(tid, logentry.TypeMemmove, dst, n)
}

func (m *Manager) Strcpy(tid uint64, dst uintptr, n uintptr) error {
	return m.logBulk(tid, logentry.TypeStrcpy, dst, n)
}

func (m *Manager) Strcat(tid uint64, dst uintptr, n uintptr) error {
	return m.logBulk(tid, logentry.TypeStrcat, dst, n)
}

// Acquire logs a mutex acquire: the new entry's ValueOrPtr records the
// release entry the last holder published, materializing the
// happens-before edge recovery's R2A table is built from. It bumps the
// writer's FASE depth, writing a begin-durable sentinel if this is the
// outermost entry.
func (m *Manager) Acquire(tid uint64, lock uintptr) error {
	return m.acquireLike(tid, logentry.TypeAcquire, lock)
}

// RdLock and WrLock behave like Acquire but are tagged distinctly so
// recovery preserves multiple concurrent readers per lock.
func (m *Manager) RdLock(tid uint64, lock uintptr) error {
	return m.acquireLike(tid, logentry.TypeRWLockRdlock, lock)
}

func (m *Manager) WrLock(tid uint64, lock uintptr) error {
	return m.acquireLike(tid, logentry.TypeRWLockWrlock, lock)
}

func (m *Manager) acquireLike(tid uint64, kind logentry.Type, lock uintptr) error {
	if m.closed.Load() {
		return nil
	}
	s, err := m.session(tid)
	if err != nil {
		return err
	}
	prev := m.lastPublisher(lock)
	if _, err := s.writer.Append(kind, uint64(lock), 0, prev); err != nil {
		return err
	}
	return s.writer.BeginFase()
}

// Release logs a mutex release, publishes it as lock's new last publisher,
// and drops the writer's FASE depth — closing the FASE if this was the
// outermost acquire.
func (m *Manager) Release(tid uint64, lock uintptr) error {
	return m.releaseLike(tid, logentry.TypeRelease, lock)
}

// RWUnlock is Release's counterpart for RdLock/WrLock.
func (m *Manager) RWUnlock(tid uint64, lock uintptr) error {
	return m.releaseLike(tid, logentry.TypeRWUnlock, lock)
}

func (m *Manager) releaseLike(tid uint64, kind logentry.Type, lock uintptr) error {
	if m.closed.Load() {
		return nil
	}
	s, err := m.session(tid)
	if err != nil {
		return err
	}
	entryAddr, err := s.writer.Append(kind, uint64(lock), 0, 0)
	if err != nil {
		return err
	}
	m.publish(lock, entryAddr)
	err = s.writer.EndFase()
	if err == nil && !s.writer.InFase() {
		flusher.Notify()
	}
	return err
}

// LogAlloc records an allocator in-use flag transitioning to "allocated".
// It behaves as a pseudo-acquire: addr (the flag's own address) is reused
// as the publisher-table key, so a concurrent LogFree of the same object
// materializes the same happens-before edge a lock would.
func (m *Manager) LogAlloc(tid uint64, addr uintptr) error {
	if m.closed.Load() {
		return nil
	}
	s, err := m.session(tid)
	if err != nil {
		return err
	}
	prev := m.lastPublisher(addr)
	if _, err := s.writer.Append(logentry.TypeAlloc, uint64(addr), 1, prev); err != nil {
		return err
	}
	return s.writer.BeginFase()
}

// LogFree records an allocator in-use flag transitioning to "free" and
// acts as a pseudo-release: freed memory cannot be reclaimed by a
// concurrent thread until the freeing FASE is durable. Unlike Store, it
// carries no sampled pre-image — recovery's undo action for a free entry
// is the fixed "mark allocated again" write, not a restored byte.
func (m *Manager) LogFree(tid uint64, addr uintptr) error {
	if m.closed.Load() {
		return nil
	}
	s, err := m.session(tid)
	if err != nil {
		return err
	}
	entryAddr, err := s.writer.Append(logentry.TypeFree, uint64(addr), 1, 0)
	if err != nil {
		return err
	}
	m.publish(addr, entryAddr)
	err = s.writer.EndFase()
	if err == nil && !s.writer.InFase() {
		flusher.Notify()
	}
	return err
}

// BeginDurable and EndDurable are explicit FASE brackets independent of
// any lock.
func (m *Manager) BeginDurable(tid uint64) error {
	if m.closed.Load() {
		return nil
	}
	s, err := m.session(tid)
	if err != nil {
		return err
	}
	return s.writer.BeginFase()
}

func (m *Manager) EndDurable(tid uint64) error {
	if m.closed.Load() {
		return nil
	}
	s, err := m.session(tid)
	if err != nil {
		return err
	}
	err = s.writer.EndFase()
	if err == nil && !s.writer.InFase() {
		flusher.Notify()
	}
	return err
}

// Psync flushes a byte range to the persistence domain. Its precondition —
// every earlier log entry covering that range is already durable — is the
// caller's responsibility; Psync itself only performs the data-side flush,
// acting as an acquire barrier for data around memcpy-class intrinsics.
func (m *Manager) Psync(addr uintptr, size uintptr) error {
	if m.closed.Load() {
		return nil
	}
	b, err := m.pm.Bytes(addr, size)
	if err != nil {
		return err
	}
	barrier(b)
	return nil
}

// The functions below are the package-level instrumentation ABI: the
// shape a compiler pass would actually call, each one a no-op when
// Initialize was never run. They exist alongside the Manager methods
// above rather than instead of them so a caller holding a *Manager
// explicitly (cmd/pmdemo, tests) isn't forced through the global.

func Store(tid uint64, addr uintptr, bits int) error {
	if m := Current(); m != nil {
		return m.Store(tid, addr, bits)
	}
	return nil
}

func Memset(tid uint64, dst uintptr, n uintptr) error {
	if m := Current(); m != nil {
		return m.Memset(tid, dst, n)
	}
	return nil
}

func Memcpy(tid uint64, dst uintptr, n uintptr) error {
	if m := Current(); m != nil {
		return m.Memcpy(tid, dst, n)
	}
	return nil
}

func Memmove(tid uint64, dst uintptr, n uintptr) error {
	if m := Current(); m != nil {
		return m.Memmove(tid, dst, n)
	}
	return nil
}

func Strcpy(tid uint64, dst uintptr, n uintptr) error {
	if m := Current(); m != nil {
		return m.Strcpy(tid, dst, n)
	}
	return nil
}

func Strcat(tid uint64, dst uintptr, n uintptr) error {
	if m := Current(); m != nil {
		return m.Strcat(tid, dst, n)
	}
	return nil
}

func Acquire(tid uint64, lock uintptr) error {
	if m := Current(); m != nil {
		return m.Acquire(tid, lock)
	}
	return nil
}

func Release(tid uint64, lock uintptr) error {
	if m := Current(); m != nil {
		return m.Release(tid, lock)
	}
	return nil
}

func RdLock(tid uint64, lock uintptr) error {
	if m := Current(); m != nil {
		return m.RdLock(tid, lock)
	}
	return nil
}

func WrLock(tid uint64, lock uintptr) error {
	if m := Current(); m != nil {
		return m.WrLock(tid, lock)
	}
	return nil
}

func RWUnlock(tid uint64, lock uintptr) error {
	if m := Current(); m != nil {
		return m.RWUnlock(tid, lock)
	}
	return nil
}

func LogAlloc(tid uint64, addr uintptr) error {
	if m := Current(); m != nil {
		return m.LogAlloc(tid, addr)
	}
	return nil
}

func LogFree(tid uint64, addr uintptr) error {
	if m := Current(); m != nil {
		return m.LogFree(tid, addr)
	}
	return nil
}

func BeginDurable(tid uint64) error {
	if m := Current(); m != nil {
		return m.BeginDurable(tid)
	}
	return nil
}

func EndDurable(tid uint64) error {
	if m := Current(); m != nil {
		return m.EndDurable(tid)
	}
	return nil
}

func Psync(addr uintptr, size uintptr) error {
	if m := Current(); m != nil {
		return m.Psync(addr, size)
	}
	return nil
}
