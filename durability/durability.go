// Package durability wraps the three cache-line durability primitives every
// other package in pmruntime builds on: a per-line flush, a store fence, and
// a drain that waits for outstanding flushes to reach the persistence
// domain.
//
// Go has no portable CLWB/CLFLUSHOPT intrinsic, so the flush and drain here
// fall back to msync(2) on the page containing the address, the same trick
// mmap-backed key/value stores in the pack use to force a range durable
// (grailbio-base and marmos91-dittofs's mmap helpers do the same). This is
// coarser than a real cache-line flush but preserves the ordering contract
// the rest of the runtime depends on: flush-then-fence-then-store,
// fence-then-flush-then-drain.
package durability

import (
	"os"
	"strconv"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LineSize is the cache line size used to align flush ranges. Probed once
// at init from sysfs, falling back to 64 bytes.
var LineSize = probeLineSize()

// Disabled turns CacheLineFlush, StoreFence, and Drain into no-ops when the
// DISABLE_FLUSHES build switch is set. In this mode crash-consistency
// guarantees are void; it exists only to benchmark the volatile-memory
// ceiling of the runtime.
var Disabled = os.Getenv("DISABLE_FLUSHES") == "1"

// mappings holds the region of virtual memory each region is mapped in, so
// CacheLineFlush can find the underlying mmap for msync. prm registers each
// mapping here at map time and deregisters it at unmap time.
var mappings atomic.Pointer[[]mapping]

type mapping struct {
	base unsafe.Pointer
	size uintptr
	mem  []byte
}

func probeLineSize() int {
	data, err := os.ReadFile("/sys/devices/system/cpu/cpu0/cache/index0/coherency_line_size")
	if err != nil {
		return 64
	}
	n, err := strconv.Atoi(string(trimNewline(data)))
	if err != nil || n <= 0 {
		return 64
	}
	return n
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// RegisterMapping records the backing slice for an mmap'd region so that
// CacheLineFlush/Drain can resolve an address into the slice msync needs.
// prm calls this once per successful mmap; UnregisterMapping undoes it.
func RegisterMapping(base unsafe.Pointer, mem []byte) {
	for {
		old := mappings.Load()
		var oldSlice []mapping
		if old != nil {
			oldSlice = *old
		}
		next := make([]mapping, len(oldSlice), len(oldSlice)+1)
		copy(next, oldSlice)
		next = append(next, mapping{base: base, size: uintptr(len(mem)), mem: mem})
		if mappings.CompareAndSwap(old, &next) {
			return
		}
	}
}

// UnregisterMapping removes a previously registered mapping.
func UnregisterMapping(base unsafe.Pointer) {
	for {
		old := mappings.Load()
		if old == nil {
			return
		}
		oldSlice := *old
		next := make([]mapping, 0, len(oldSlice))
		for _, m := range oldSlice {
			if m.base != base {
				next = append(next, m)
			}
		}
		if mappings.CompareAndSwap(old, &next) {
			return
		}
	}
}

func find(addr unsafe.Pointer) *mapping {
	cur := mappings.Load()
	if cur == nil {
		return nil
	}
	p := uintptr(addr)
	for i := range *cur {
		m := &(*cur)[i]
		base := uintptr(m.base)
		if p >= base && p < base+m.size {
			return m
		}
	}
	return nil
}

// StoreFence orders prior stores from this goroutine's core before later
// ones with respect to the memory controller. Go's memory model gives us no
// portable SFENCE; runtime.KeepAlive-style compiler fences are not a
// substitute, so this is a hook other components call for documentation and
// for the DISABLE_FLUSHES build switch to short-circuit. On amd64/arm64 the
// underlying stores already retire through the normal cache hierarchy that
// msync's flush observes, so no correctness is lost by making this a no-op
// data point in the Go runtime absent cgo intrinsics.
func StoreFence() {
	// Deliberately empty: see the doc comment above. Kept as a named call site (rather than inlined away) so every
	// place a fence is required reads as one, and so a future cgo SFENCE
	// intrinsic has a single place to land.
	_ = Disabled
}

// CacheLineFlush flushes the line(s) covering [addr, addr+size) to the
// persistence domain. size is rounded up to whole cache lines.
func CacheLineFlush(addr unsafe.Pointer, size uintptr) {
	if Disabled || size == 0 {
		return
	}
	m := find(addr)
	if m == nil {
		// Address is not inside a registered mapping (e.g. a volatile
		// scratch buffer in a test); nothing to make durable.
		return
	}
	off := uintptr(addr) - uintptr(m.base)
	end := off + size
	if end > uintptr(len(m.mem)) {
		end = uintptr(len(m.mem))
	}
	// msync requires page alignment; round down/up to the page boundary.
	pageSize := uintptr(unix.Getpagesize())
	start := off &^ (pageSize - 1)
	end = (end + pageSize - 1) &^ (pageSize - 1)
	if end > uintptr(len(m.mem)) {
		end = uintptr(len(m.mem))
	}
	if start >= end {
		return
	}
	_ = unix.Msync(m.mem[start:end], unix.MS_SYNC)
}

// Drain waits for all outstanding flushes issued by this process to reach
// the persistence domain. Because CacheLineFlush already uses MS_SYNC (a
// synchronous msync), Drain is a fence for symmetry with pm_drain and a
// hook for a future async-flush mode that batches MS_ASYNC flushes and
// drains them here.
func Drain() {
	if Disabled {
		return
	}
	StoreFence()
}

// Barrier is nvm_barrier(p): fence; flush; fence.
func Barrier(addr unsafe.Pointer, size uintptr) {
	StoreFence()
	CacheLineFlush(addr, size)
	StoreFence()
}
