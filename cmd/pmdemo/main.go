// pmdemo is a minimal persistent key/value store exercising prm, logmgr,
// and flusher end to end: every Put acquires a per-bucket lock, logs its
// pre-image before mutating, flushes the new value, and releases — exactly
// the sequence an instrumentation pass would emit around a real program's
// critical sections. Kill the process mid-Put and a later run of
// cmd/recover undoes whatever that Put never finished.
//
//	go run ./cmd/pmdemo <mount> <user> put <key> <value>
//	go run ./cmd/pmdemo <mount> <user> get <key>
package main

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"

	"pmruntime/flusher"
	"pmruntime/logmgr"
	"pmruntime/pmtypes"
	"pmruntime/prm"
)

const (
	numBuckets     = 64
	slotsPerBucket = 4
	keySize        = 31
	slotSize       = 1 + keySize + 8 // used flag + key + int64 value
	bucketSize     = slotsPerBucket * slotSize
	kvRegionSize   = numBuckets * bucketSize
)

const progName = "pmdemo"

func main() {
	if len(os.Args) < 4 {
		usage()
	}
	mount, user, cmd := os.Args[1], os.Args[2], os.Args[3]

	pm, err := prm.CreateInstance(mount, user)
	if err != nil {
		fatal("open region manager: %v", err)
	}
	defer prm.DeleteInstance()

	lm, err := logmgr.Initialize(pm, progName)
	if err != nil {
		fatal("initialize log manager: %v", err)
	}
	defer logmgr.Shutdown()

	if _, err := flusher.Start(lm); err != nil {
		fatal("start flusher: %v", err)
	}
	defer flusher.Stop()

	id, _, err := pm.FindOrCreate("kvstore", pmtypes.FlagReadWrite)
	if err != nil {
		fatal("open kvstore region: %v", err)
	}
	_, base, err := pm.Mem(id)
	if err != nil {
		fatal("map kvstore region: %v", err)
	}
	kvBase := base
	if pm.GetRoot(id) == 0 {
		pm.SetRoot(id, uint64(kvBase))
	}

	const tid = 1
	switch cmd {
	case "put":
		if len(os.Args) != 6 {
			usage()
		}
		val, err := strconv.ParseInt(os.Args[5], 10, 64)
		if err != nil {
			fatal("value must be an integer: %v", err)
		}
		if err := put(pm, lm, tid, kvBase, os.Args[4], val); err != nil {
			fatal("put: %v", err)
		}
	case "get":
		if len(os.Args) != 5 {
			usage()
		}
		v, ok := get(pm, kvBase, os.Args[4])
		if !ok {
			fmt.Printf("no value found for %q\n", os.Args[4])
			return
		}
		fmt.Println(v)
	default:
		usage()
	}
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}

func bucketAddr(kvBase uintptr, key string) uintptr {
	idx := hashKey(key) % numBuckets
	return kvBase + uintptr(idx)*bucketSize
}

func put(pm *prm.Manager, lm *logmgr.Manager, tid uint64, kvBase uintptr, key string, val int64) error {
	if len(key) >= keySize {
		return fmt.Errorf("key %q longer than %d bytes", key, keySize-1)
	}
	addr := bucketAddr(kvBase, key)

	if err := lm.Acquire(tid, addr); err != nil {
		return err
	}
	defer lm.Release(tid, addr)

	bucket, err := pm.Bytes(addr, bucketSize)
	if err != nil {
		return err
	}

	freeSlot := -1
	for i := 0; i < slotsPerBucket; i++ {
		slot := bucket[i*slotSize : (i+1)*slotSize]
		if slot[0] == 0 {
			if freeSlot < 0 {
				freeSlot = i
			}
			continue
		}
		if slotKeyMatches(slot, key) {
			valueAddr := addr + uintptr(i*slotSize+1+keySize)
			if err := lm.Store(tid, valueAddr, 64); err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(slot[1+keySize:], uint64(val))
			return lm.Psync(valueAddr, 8)
		}
	}
	if freeSlot < 0 {
		return fmt.Errorf("bucket full, no room for key %q", key)
	}

	slotAddr := addr + uintptr(freeSlot*slotSize)
	if err := lm.Memset(tid, slotAddr, uintptr(slotSize)); err != nil {
		return err
	}
	slot := bucket[freeSlot*slotSize : (freeSlot+1)*slotSize]
	slot[0] = 1
	copy(slot[1:1+keySize], key)
	binary.LittleEndian.PutUint64(slot[1+keySize:], uint64(val))
	return lm.Psync(slotAddr, uintptr(slotSize))
}

func get(pm *prm.Manager, kvBase uintptr, key string) (int64, bool) {
	addr := bucketAddr(kvBase, key)
	bucket, err := pm.Bytes(addr, bucketSize)
	if err != nil {
		return 0, false
	}
	for i := 0; i < slotsPerBucket; i++ {
		slot := bucket[i*slotSize : (i+1)*slotSize]
		if slot[0] != 0 && slotKeyMatches(slot, key) {
			return int64(binary.LittleEndian.Uint64(slot[1+keySize:])), true
		}
	}
	return 0, false
}

func slotKeyMatches(slot []byte, key string) bool {
	stored := slot[1 : 1+keySize]
	if len(key) > keySize {
		return false
	}
	for i := 0; i < keySize; i++ {
		var want byte
		if i < len(key) {
			want = key[i]
		}
		if stored[i] != want {
			return false
		}
	}
	return true
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pmdemo <mount> <user> put <key> <value>")
	fmt.Fprintln(os.Stderr, "       pmdemo <mount> <user> get <key>")
	os.Exit(2)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "pmdemo: "+format+"\n", args...)
	os.Exit(1)
}
