package alloc

import (
	"testing"

	"pmruntime/pmtypes"
)

func TestAllocBumpsForwardAndPersistsCursor(t *testing.T) {
	mem := make([]byte, 4096)
	a := NewArena(0x1000, mem, pmtypes.RegionID(1))

	addr1, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr1 != 0x1000+headerSize {
		t.Fatalf("first alloc addr = 0x%x, want 0x%x", addr1, 0x1000+headerSize)
	}

	addr2, err := a.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr2 != addr1+64 {
		t.Fatalf("second alloc addr = 0x%x, want 0x%x", addr2, addr1+64)
	}

	// Reopening the same backing bytes must resume from the persisted
	// cursor rather than reusing already-allocated space.
	b := NewArena(0x1000, mem, pmtypes.RegionID(1))
	addr3, err := b.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc after reopen: %v", err)
	}
	if addr3 != addr2+32 {
		t.Fatalf("post-reopen alloc addr = 0x%x, want 0x%x", addr3, addr2+32)
	}
}

func TestAllocRejectsOversizedRequest(t *testing.T) {
	mem := make([]byte, 128)
	a := NewArena(0x2000, mem, pmtypes.RegionID(2))
	if _, err := a.Alloc(1000); err == nil {
		t.Fatalf("expected an error allocating more than the arena holds")
	}
}
