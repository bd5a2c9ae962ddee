// Package pmtypes holds the small value types shared across the region
// manager, log manager, and recovery packages. Keeping them in one place
// avoids import cycles between prm, logentry, and recovery.
package pmtypes

import "fmt"

// RegionID identifies a persistent region. It is stable across process
// restarts as long as the region is not deleted.
type RegionID uint32

// InvalidRegion is returned by classification lookups (extent.Find,
// prm.GetOpenRegionID) when an address does not resolve to exactly one
// mapped region.
const InvalidRegion RegionID = 0xFFFFFFFF

// RegionFlags controls the access mode a region is opened/created with.
type RegionFlags uint32

const (
	FlagReadOnly RegionFlags = 1 << iota
	FlagReadWrite
	// FlagRecoveryOnly marks a region opened by the recovery driver; it is
	// allowed to re-map a slot that is marked deleted.
	FlagRecoveryOnly
)

// DefaultRegionSize is the fixed extent every region file is truncated to.
// Kept small enough to keep the demo and tests fast. prm.RegionSize is a
// package variable initialized from it; no environment variable changes it.
const DefaultRegionSize = 256 << 20 // 256 MiB

// MaxNameLen is the maximum length of a region name.
const MaxNameLen = 31

// NameTooLongError is returned when a caller-supplied region name does not
// fit in the fixed-width slot field.
type NameTooLongError struct {
	Name string
}

func (e *NameTooLongError) Error() string {
	return fmt.Sprintf("region name %q exceeds %d bytes", e.Name, MaxNameLen)
}

// Generation is the type of a counter that disambiguates a reused address
// after a free. logwriter always writes 0 into a log entry's Generation
// field and recovery does not compare it: alloc.Arena never reuses an
// address, so no undo record can target a reallocated one.
type Generation uint64
