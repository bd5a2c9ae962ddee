// Package logentry defines the on-PM undo log record: a fixed-width,
// tagged struct written by logwriter and read back by the flusher and by
// recovery. Every field is a fixed-size integer at a fixed offset so a
// record decodes identically regardless of which process or architecture
// wrote it (the runtime only targets little-endian hosts, matching the
// teacher's own on-disk page format).
package logentry

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Type tags what an entry undoes.
type Type uint8

const (
	// TypeStr is a scalar store of up to 128 bits, logged as one or two
	// entries (a store spanning two 64-bit words emits two Str entries,
	// never one two-word entry).
	TypeStr Type = iota + 1
	TypeMemset
	TypeMemcpy
	TypeMemmove
	TypeStrcpy
	TypeStrcat
	TypeAcquire
	TypeRelease
	TypeRWLockRdlock
	TypeRWLockWrlock
	TypeRWUnlock
	TypeAlloc
	TypeFree
	TypeBeginDurable
	TypeEndDurable
)

func (t Type) String() string {
	switch t {
	case TypeStr:
		return "str"
	case TypeMemset:
		return "memset"
	case TypeMemcpy:
		return "memcpy"
	case TypeMemmove:
		return "memmove"
	case TypeStrcpy:
		return "strcpy"
	case TypeStrcat:
		return "strcat"
	case TypeAcquire:
		return "acquire"
	case TypeRelease:
		return "release"
	case TypeRWLockRdlock:
		return "rwlock_rdlock"
	case TypeRWLockWrlock:
		return "rwlock_wrlock"
	case TypeRWUnlock:
		return "rwunlock"
	case TypeAlloc:
		return "alloc"
	case TypeFree:
		return "free"
	case TypeBeginDurable:
		return "begin-durable"
	case TypeEndDurable:
		return "end-durable"
	default:
		return "unknown"
	}
}

// FlagReplayed and FlagSkippedAllocPeer name the two terminal states of an
// entry during recovery (pending is no flag set): pending -> replayed, or
// pending -> skipped-as-alloc-peer. The recovery package tracks this state
// in memory and does not write these bits into the log.
const (
	FlagReplayed         uint8 = 1 << 0
	FlagSkippedAllocPeer uint8 = 1 << 1
)

// Size is the fixed on-PM footprint of one entry: one cache line, so
// CacheLineFlush of an entry never touches its neighbor.
const Size = 64

// payloadSize is the portion of Size that is hashed and stored on disk
// before the trailing checksum field.
const payloadSize = 40

// Entry is the decoded, in-memory view of one log record.
type Entry struct {
	Type       Type
	Flags      uint8
	Size32     uint32 // byte length of the logged range: the store width for str, the range for bulk ops, 1 for alloc/free, 0 for lock and sentinel entries
	Addr       uint64
	ValueOrPtr uint64
	Next       uint64
	Generation uint64
}

// Encode writes e into buf[:Size], appending an xxhash checksum over the
// payload so a torn write (a crash mid-record) is detectable on replay.
func Encode(buf []byte, e Entry) {
	if len(buf) < Size {
		panic("logentry: buffer smaller than Size")
	}
	for i := 0; i < Size; i++ {
		buf[i] = 0
	}
	buf[0] = byte(e.Type)
	buf[1] = e.Flags
	binary.LittleEndian.PutUint32(buf[4:8], e.Size32)
	binary.LittleEndian.PutUint64(buf[8:16], e.Addr)
	binary.LittleEndian.PutUint64(buf[16:24], e.ValueOrPtr)
	binary.LittleEndian.PutUint64(buf[24:32], e.Next)
	binary.LittleEndian.PutUint64(buf[32:40], e.Generation)
	sum := xxhash.Sum64(buf[0:payloadSize])
	binary.LittleEndian.PutUint64(buf[payloadSize:payloadSize+8], sum)
}

// Decode reads an Entry back out of buf[:Size] and reports whether its
// checksum matches — a mismatch means the record was never fully durable
// (a torn write during the crash that triggered recovery) and must be
// treated as absent, not as corrupt data to undo.
func Decode(buf []byte) (Entry, bool) {
	if len(buf) < Size {
		panic("logentry: buffer smaller than Size")
	}
	var e Entry
	e.Type = Type(buf[0])
	e.Flags = buf[1]
	e.Size32 = binary.LittleEndian.Uint32(buf[4:8])
	e.Addr = binary.LittleEndian.Uint64(buf[8:16])
	e.ValueOrPtr = binary.LittleEndian.Uint64(buf[16:24])
	e.Next = binary.LittleEndian.Uint64(buf[24:32])
	e.Generation = binary.LittleEndian.Uint64(buf[32:40])
	wantSum := binary.LittleEndian.Uint64(buf[payloadSize : payloadSize+8])
	gotSum := xxhash.Sum64(buf[0:payloadSize])
	return e, wantSum == gotSum
}

// IsLockOp reports whether t is one of the acquire/release family entries
// that recovery's release->acquire graph is built from.
func IsLockOp(t Type) bool {
	switch t {
	case TypeAcquire, TypeRelease, TypeRWLockRdlock, TypeRWLockWrlock, TypeRWUnlock, TypeAlloc, TypeFree:
		return true
	default:
		return false
	}
}

// IsDataOp reports whether t carries a pre-image that recovery writes back
// verbatim.
func IsDataOp(t Type) bool {
	switch t {
	case TypeStr, TypeMemset, TypeMemcpy, TypeMemmove, TypeStrcpy, TypeStrcat:
		return true
	default:
		return false
	}
}

// IsRelease reports whether t closes a critical section for the purposes
// of the release->acquire graph (a lock release or a free).
func IsRelease(t Type) bool {
	return t == TypeRelease || t == TypeRWUnlock || t == TypeFree
}

// IsAcquire reports whether t opens a critical section (a lock acquire or
// an alloc, which behaves as a pseudo-acquire so a concurrent freeing FASE
// cannot race past it).
func IsAcquire(t Type) bool {
	return t == TypeAcquire || t == TypeRWLockRdlock || t == TypeRWLockWrlock || t == TypeAlloc
}
