package prm

import (
	"os"
	"testing"

	"pmruntime/pmtypes"
)

// resetSingleton lets each test start from a clean package-level instance;
// the tests in this file cannot run in parallel because of it.
func resetSingleton(t *testing.T) {
	t.Helper()
	DeleteInstance()
}

func TestFindOrCreateThenReopen(t *testing.T) {
	resetSingleton(t)
	dir := t.TempDir()

	m, err := CreateInstance(dir, "alice")
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	defer DeleteInstance()

	id, created, err := m.FindOrCreate("widgets", pmtypes.FlagReadWrite)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true for a brand-new region")
	}

	id2, created2, err := m.FindOrCreate("widgets", pmtypes.FlagReadWrite)
	if err != nil {
		t.Fatalf("second FindOrCreate: %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false reopening an existing region")
	}
	if id != id2 {
		t.Fatalf("region id changed across FindOrCreate calls: %d vs %d", id, id2)
	}
}

func TestSetRootGetRoot(t *testing.T) {
	resetSingleton(t)
	dir := t.TempDir()
	m, err := CreateInstance(dir, "bob")
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	defer DeleteInstance()

	id, _, err := m.FindOrCreate("roots", pmtypes.FlagReadWrite)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	m.SetRoot(id, 0xcafef00d)
	if got := m.GetRoot(id); got != 0xcafef00d {
		t.Fatalf("GetRoot = 0x%x, want 0xcafef00d", got)
	}
}

func TestDeleteThenRecreateReusesIDAndBase(t *testing.T) {
	resetSingleton(t)
	dir := t.TempDir()
	m, err := CreateInstance(dir, "carol")
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	defer DeleteInstance()

	id1, _, err := m.FindOrCreate("temp", pmtypes.FlagReadWrite)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	_, base1, err := m.Mem(id1)
	if err != nil {
		t.Fatalf("Mem: %v", err)
	}
	if err := m.Delete("temp"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(m.regionFilePath("temp")); !os.IsNotExist(err) {
		t.Fatalf("expected region file to be unlinked after Delete")
	}

	id2, created, err := m.FindOrCreate("temp", pmtypes.FlagReadWrite)
	if err != nil {
		t.Fatalf("FindOrCreate after delete: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true recreating a deleted region")
	}
	if id1 != id2 {
		t.Fatalf("expected id to be reused after delete: %d vs %d", id1, id2)
	}
	_, base2, err := m.Mem(id2)
	if err != nil {
		t.Fatalf("Mem after recreate: %v", err)
	}
	if base1 != base2 {
		t.Fatalf("expected base to be reused after delete: 0x%x vs 0x%x", base1, base2)
	}
}

func TestCreateFailsIfExists(t *testing.T) {
	resetSingleton(t)
	dir := t.TempDir()
	m, err := CreateInstance(dir, "dave")
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	defer DeleteInstance()

	if _, err := m.Create("once", pmtypes.FlagReadWrite); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := m.Create("once", pmtypes.FlagReadWrite); err == nil {
		t.Fatalf("expected an error creating an already-existing region")
	}
}

func TestGetOpenRegionIDClassifiesMappedRange(t *testing.T) {
	resetSingleton(t)
	dir := t.TempDir()
	m, err := CreateInstance(dir, "erin")
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	defer DeleteInstance()

	id, _, err := m.FindOrCreate("classify", pmtypes.FlagReadWrite)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	mem, base, err := m.Mem(id)
	if err != nil {
		t.Fatalf("Mem: %v", err)
	}
	if len(mem) != int(RegionSize) {
		t.Fatalf("region mem length = %d, want %d", len(mem), RegionSize)
	}

	gotID, ok := m.GetOpenRegionID(base+16, 8)
	if !ok || gotID != id {
		t.Fatalf("GetOpenRegionID(base+16) = (%d, %v), want (%d, true)", gotID, ok, id)
	}

	if _, ok := m.GetOpenRegionID(base+uintptr(RegionSize), 8); ok {
		t.Fatalf("expected an address past the region's end to not classify")
	}
}
