package flusher_test

import (
	"encoding/binary"
	"testing"

	"pmruntime/flusher"
	"pmruntime/logmgr"
	"pmruntime/pmtypes"
	"pmruntime/prm"
)

func newTestManager(t *testing.T) *logmgr.Manager {
	t.Helper()
	// Leaving USE_TABLE_FLUSH unset selects the synchronous per-store mode,
	// which never starts the background loop, so the FlushNow calls the
	// test makes explicitly are the only ones that ever run.
	t.Setenv("USE_TABLE_FLUSH", "")
	logmgr.Shutdown()
	prm.DeleteInstance()

	pm, err := prm.CreateInstance(t.TempDir(), "flushtest")
	if err != nil {
		t.Fatalf("prm.CreateInstance: %v", err)
	}
	t.Cleanup(prm.DeleteInstance)

	m, err := logmgr.Initialize(pm, "demo")
	if err != nil {
		t.Fatalf("logmgr.Initialize: %v", err)
	}
	t.Cleanup(logmgr.Shutdown)
	return m
}

func TestFlushNowPublishesHeaderCoveringClosedFase(t *testing.T) {
	m := newTestManager(t)

	f, err := flusher.Start(m)
	if err != nil {
		t.Fatalf("flusher.Start: %v", err)
	}
	t.Cleanup(flusher.Stop)

	var lock uintptr = 0x4000
	if err := m.Acquire(7, lock); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Release(7, lock); err != nil {
		t.Fatalf("Release: %v", err)
	}

	f.FlushNow()

	headerAddr := m.RecoveryHeaderBase()
	if headerAddr == 0 {
		t.Fatalf("expected a published recovery header after FlushNow")
	}
	hdr, err := m.PRM().Bytes(uintptr(headerAddr), 256*8)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	tail := binary.LittleEndian.Uint64(hdr[7*8 : 7*8+8])
	if tail == 0 {
		t.Fatalf("expected thread 7's slot to record its closed FASE's tail")
	}
}

func TestFlushNowSkipsThreadsWithOpenFase(t *testing.T) {
	m := newTestManager(t)

	f, err := flusher.Start(m)
	if err != nil {
		t.Fatalf("flusher.Start: %v", err)
	}
	t.Cleanup(flusher.Stop)

	if err := m.BeginDurable(3); err != nil {
		t.Fatalf("BeginDurable: %v", err)
	}
	f.FlushNow()

	headerAddr := m.RecoveryHeaderBase()
	hdr, err := m.PRM().Bytes(uintptr(headerAddr), 256*8)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	tail := binary.LittleEndian.Uint64(hdr[3*8 : 3*8+8])
	if tail != 0 {
		t.Fatalf("expected thread 3's still-open FASE to leave its slot untouched, got 0x%x", tail)
	}

	if err := m.EndDurable(3); err != nil {
		t.Fatalf("EndDurable: %v", err)
	}
}

func TestFlushNowHoldsBackReleaseObservedByOpenThread(t *testing.T) {
	m := newTestManager(t)

	f, err := flusher.Start(m)
	if err != nil {
		t.Fatalf("flusher.Start: %v", err)
	}
	t.Cleanup(flusher.Stop)

	id, _, err := m.PRM().FindOrCreate("data", pmtypes.FlagReadWrite)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	_, base, err := m.PRM().Mem(id)
	if err != nil {
		t.Fatalf("Mem: %v", err)
	}

	var lock uintptr = 0x8000
	if err := m.Acquire(1, lock); err != nil {
		t.Fatalf("Acquire(1): %v", err)
	}
	if err := m.Store(1, base, 64); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := m.Release(1, lock); err != nil {
		t.Fatalf("Release(1): %v", err)
	}

	// Thread 2 observes thread 1's release and never releases itself.
	if err := m.Acquire(2, lock); err != nil {
		t.Fatalf("Acquire(2): %v", err)
	}

	f.FlushNow()

	headerAddr := m.RecoveryHeaderBase()
	hdr, err := m.PRM().Bytes(uintptr(headerAddr), 256*8)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	tail := binary.LittleEndian.Uint64(hdr[1*8 : 1*8+8])
	if tail != 0 {
		t.Fatalf("thread 1's closed section was released to a still-open observer; want its slot held at 0, got 0x%x", tail)
	}
}

func TestStartIsIdempotentAndStopJoinsLoop(t *testing.T) {
	m := newTestManager(t)

	f1, err := flusher.Start(m)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	f2, err := flusher.Start(m)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if f1 != f2 {
		t.Fatalf("expected Start to be idempotent while a Flusher is running")
	}
	flusher.Stop()
	if flusher.Current() != nil {
		t.Fatalf("expected Current() to be nil after Stop")
	}
}
