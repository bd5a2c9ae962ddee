package recovery_test

import (
	"testing"

	"pmruntime/logmgr"
	"pmruntime/pmtypes"
	"pmruntime/prm"
	"pmruntime/recovery"
)

// newScenario builds a fresh log manager plus a two-word data region (x at
// base, y at base+8) and returns everything a scenario needs to drive
// Acquire/Store/Release calls and then run recovery against the same,
// still-mapped pm instance — standing in for a crash-and-restart without an
// actual process exit.
func newScenario(t *testing.T) (m *logmgr.Manager, pm *prm.Manager, x, y uintptr) {
	t.Helper()
	logmgr.Shutdown()
	prm.DeleteInstance()

	pm, err := prm.CreateInstance(t.TempDir(), "recoverytest")
	if err != nil {
		t.Fatalf("prm.CreateInstance: %v", err)
	}
	t.Cleanup(prm.DeleteInstance)

	m, err = logmgr.Initialize(pm, "demo")
	if err != nil {
		t.Fatalf("logmgr.Initialize: %v", err)
	}
	t.Cleanup(logmgr.Shutdown)

	id, _, err := pm.FindOrCreate("data", pmtypes.FlagReadWrite)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	_, base, err := pm.Mem(id)
	if err != nil {
		t.Fatalf("Mem: %v", err)
	}
	x, y = base, base+8
	return m, pm, x, y
}

// storeWord logs addr's pre-image and then performs the store itself,
// mirroring the order an instrumented nvm_store call always keeps: the log
// entry is durable before the caller's own write lands.
func storeWord(t *testing.T, m *logmgr.Manager, pm *prm.Manager, tid uint64, addr uintptr, newVal uint64) {
	t.Helper()
	if err := m.Store(tid, addr, 64); err != nil {
		t.Fatalf("Store(%d): %v", tid, err)
	}
	b, err := pm.Bytes(addr, 8)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	for i := range b {
		b[i] = byte(newVal >> (8 * i))
	}
}

func readWord(t *testing.T, pm *prm.Manager, addr uintptr) uint64 {
	t.Helper()
	b, err := pm.Bytes(addr, 8)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (8 * i)
	}
	return v
}

// TestRecoverUndoesOpenFaseOnEarlyCrash covers scenario S1: a thread
// crashes after acquiring a lock and storing but before releasing, so its
// whole failure-atomic section must be undone.
func TestRecoverUndoesOpenFaseOnEarlyCrash(t *testing.T) {
	m, pm, x, _ := newScenario(t)

	var lock uintptr = 0x5000
	if err := m.Acquire(1, lock); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	storeWord(t, m, pm, 1, x, 7)
	// No Release: thread 1 crashes mid-section.

	if _, err := recovery.Recover(pm, "demo"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := readWord(t, pm, x); got != 0 {
		t.Fatalf("x = %d, want 0 (open section fully undone)", got)
	}
}

// TestRecoverPreservesTwoIndependentClosedFases covers scenario S2: two
// threads each close their own section on unrelated locks before the
// crash, and neither observes the other, so both survive intact.
func TestRecoverPreservesTwoIndependentClosedFases(t *testing.T) {
	m, pm, x, y := newScenario(t)

	var lockA, lockB uintptr = 0x5000, 0x6000

	if err := m.Acquire(1, lockA); err != nil {
		t.Fatalf("Acquire(1): %v", err)
	}
	storeWord(t, m, pm, 1, x, 7)
	if err := m.Release(1, lockA); err != nil {
		t.Fatalf("Release(1): %v", err)
	}

	if err := m.Acquire(2, lockB); err != nil {
		t.Fatalf("Acquire(2): %v", err)
	}
	storeWord(t, m, pm, 2, y, 7)
	if err := m.Release(2, lockB); err != nil {
		t.Fatalf("Release(2): %v", err)
	}

	if _, err := recovery.Recover(pm, "demo"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := readWord(t, pm, x); got != 7 {
		t.Fatalf("x = %d, want 7 (closed section preserved)", got)
	}
	if got := readWord(t, pm, y); got != 7 {
		t.Fatalf("y = %d, want 7 (closed section preserved)", got)
	}
}

// TestRecoverUndoesClosedFaseObservedByOpenObserver covers scenario S3: the
// mixed-state-forbidden invariant. Thread 1's section commits and closes
// cleanly, but thread 2 acquires the same lock, observes thread 1's
// release, and crashes before its own release. Thread 1's own release
// being durable is not enough to save it: an observer that never finished
// must take everything it reached down with it.
func TestRecoverUndoesClosedFaseObservedByOpenObserver(t *testing.T) {
	m, pm, x, y := newScenario(t)

	var lock uintptr = 0x7000

	if err := m.Acquire(1, lock); err != nil {
		t.Fatalf("Acquire(1): %v", err)
	}
	storeWord(t, m, pm, 1, x, 7)
	if err := m.Release(1, lock); err != nil {
		t.Fatalf("Release(1): %v", err)
	}

	if err := m.Acquire(2, lock); err != nil {
		t.Fatalf("Acquire(2): %v", err)
	}
	storeWord(t, m, pm, 2, y, readWord(t, pm, x))
	// No Release for thread 2: it crashes still holding the lock.

	if _, err := recovery.Recover(pm, "demo"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := readWord(t, pm, x); got != 0 {
		t.Fatalf("x = %d, want 0 (T1's release was reached by an observer that never finished)", got)
	}
	if got := readWord(t, pm, y); got != 0 {
		t.Fatalf("y = %d, want 0 (T2's own open section undone)", got)
	}
}

// TestRecoverUndoesAllocBeforeRelease covers scenario S5: an allocation is
// logged as a pseudo-acquire, and the crash happens before the matching
// free or release, so the allocation itself must be rolled back.
func TestRecoverUndoesAllocBeforeRelease(t *testing.T) {
	m, pm, x, _ := newScenario(t)

	flag, err := pm.Bytes(x, 1)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	flag[0] = 0 // not allocated

	if err := m.LogAlloc(1, x); err != nil {
		t.Fatalf("LogAlloc: %v", err)
	}
	flag, err = pm.Bytes(x, 1)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	flag[0] = 1 // caller marks the slot allocated after logging

	if _, err := recovery.Recover(pm, "demo"); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got, err := pm.Bytes(x, 1)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if got[0] != 0 {
		t.Fatalf("allocation flag = %d, want 0 (alloc undone before its release)", got[0])
	}
}
