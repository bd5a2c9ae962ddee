package logwriter

import (
	"testing"

	"pmruntime/alloc"
	"pmruntime/logentry"
	"pmruntime/pmtypes"
)

func newTestWriter(t *testing.T) (*Writer, *alloc.Arena) {
	mem := make([]byte, 64*1024)
	arena := alloc.NewArena(0x10000, mem, pmtypes.RegionID(1))
	headAddr, err := arena.Alloc(8)
	if err != nil {
		t.Fatalf("allocate head slot: %v", err)
	}
	return New(arena, 1, headAddr), arena
}

func TestAppendChainsEntriesByNext(t *testing.T) {
	w, arena := newTestWriter(t)

	a1, err := w.Append(logentry.TypeStr, 0x500, 8, 0x42)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	a2, err := w.Append(logentry.TypeStr, 0x508, 8, 0x43)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if w.Head() != a2 {
		t.Fatalf("Head() = 0x%x, want 0x%x", w.Head(), a2)
	}

	e2, ok := logentry.Decode(arena.Bytes(a2, logentry.Size))
	if !ok {
		t.Fatalf("decode second entry: checksum mismatch")
	}
	if uintptr(e2.Next) != a1 {
		t.Fatalf("second entry Next = 0x%x, want 0x%x (first entry)", e2.Next, a1)
	}
}

func TestBeginEndFaseNestingWritesSentinelsOnlyAtOuterBoundary(t *testing.T) {
	w, arena := newTestWriter(t)

	if err := w.BeginFase(); err != nil {
		t.Fatalf("BeginFase: %v", err)
	}
	if err := w.BeginFase(); err != nil {
		t.Fatalf("nested BeginFase: %v", err)
	}
	if w.FaseDepth() != 2 {
		t.Fatalf("FaseDepth = %d, want 2", w.FaseDepth())
	}

	outer := w.Head()
	e, ok := logentry.Decode(arena.Bytes(outer, logentry.Size))
	if !ok || e.Type != logentry.TypeBeginDurable {
		t.Fatalf("expected a single begin-durable sentinel at outer BeginFase, got type %v ok=%v", e.Type, ok)
	}

	if err := w.EndFase(); err != nil {
		t.Fatalf("inner EndFase: %v", err)
	}
	if w.Head() != outer {
		t.Fatalf("inner EndFase must not append an entry")
	}

	if err := w.EndFase(); err != nil {
		t.Fatalf("outer EndFase: %v", err)
	}
	if w.FaseDepth() != 0 {
		t.Fatalf("FaseDepth = %d, want 0", w.FaseDepth())
	}
	e, ok = logentry.Decode(arena.Bytes(w.Head(), logentry.Size))
	if !ok || e.Type != logentry.TypeEndDurable {
		t.Fatalf("expected an end-durable sentinel at outer EndFase, got type %v ok=%v", e.Type, ok)
	}
}

func TestEndFaseWithoutBeginPanics(t *testing.T) {
	w, _ := newTestWriter(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic calling EndFase with no open FASE")
		}
	}()
	_ = w.EndFase()
}

func TestAppendAllocatesNewChunkWhenFull(t *testing.T) {
	w, _ := newTestWriter(t)
	for i := 0; i < entriesPerChunk+1; i++ {
		if _, err := w.Append(logentry.TypeStr, uint64(i), 8, 0); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}
	if w.curOff != 1 {
		t.Fatalf("expected a fresh chunk after rollover, curOff = %d", w.curOff)
	}
}
