package prm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapFixed maps length bytes of fd at the exact virtual address want and
// aborts if the kernel placed the mapping anywhere else — persistent
// pointers stored inside the region are raw addresses, so a region that
// doesn't land on its stable base would silently corrupt every pointer
// already written into it.
func mapFixed(fd int, want uintptr, length int) []byte {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		want,
		uintptr(length),
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd),
		0,
	)
	if errno != 0 {
		fatalf("prm: mmap fd=%d at 0x%x failed: %v", fd, want, errno)
	}
	if addr != want {
		fatalf("prm: mmap returned 0x%x, wanted fixed address 0x%x", addr, want)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// sliceBase returns the address of mem's first byte, for registering or
// unregistering it with the durability package's mapping table.
func sliceBase(mem []byte) unsafe.Pointer {
	if len(mem) == 0 {
		return nil
	}
	return unsafe.Pointer(&mem[0])
}

// unmap releases a mapping created by mapFixed. It issues the raw munmap
// syscall directly rather than unix.Munmap, because unix.Munmap only
// recognizes mappings it created itself via unix.Mmap and otherwise fails
// with EINVAL without ever reaching the kernel.
func unmap(mem []byte) {
	if len(mem) == 0 {
		return
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(len(mem)), 0)
	if errno != 0 {
		fatalf("prm: munmap failed: %v", errno)
	}
}

// openAndSize opens (creating if needed) path and ensures the underlying
// file is exactly size bytes, using ftruncate + fallocate so the mapping
// never faults on a hole.
func openAndSize(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("prm: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("prm: stat %s: %w", path, err)
	}
	if st.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("prm: truncate %s: %w", path, err)
		}
		if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
			// Not all filesystems support fallocate (e.g. tmpfs in CI);
			// the ftruncate above already guarantees the file is the
			// right size, so this is best-effort and not fatal.
			_ = err
		}
	}
	return f, nil
}

// fatalf is the single chokepoint for the "abort with a diagnostic"
// programmer-misuse / I/O-failure policy: these are never retried and
// never returned as a recoverable error, because by the time mmap or
// ftruncate fails the process has no consistent state to return to its
// caller.
func fatalf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}
