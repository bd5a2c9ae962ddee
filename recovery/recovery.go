// Package recovery implements crash recovery: after a process holding open
// persistent regions dies mid-operation, Recover walks every thread's undo
// log back to a safe point it recomputes from the log content itself (the
// flusher's published header is not read) and writes the old values back,
// exactly undoing whatever was still in flight.
//
// The control flow — per-thread chain walking, the release/free ->
// acquire/alloc jump graph used to chase a happens-before edge into
// another thread before resuming this one, and the shared per-thread
// resume cursor that lets a recursive re-entry into an already-partially-
// walked thread pick up where an earlier call left off — is the same
// shape original_source/eval/atlas/deltas/runtime/src/recover/recover.cpp
// follows. The chain itself runs newest-to-oldest via Entry.Next already
// (logwriter prepends), so unlike recover.cpp this package never needs a
// separate prev-pointer map built by a forward pre-pass.
package recovery

import (
	"errors"
	"fmt"
	"unsafe"

	"pmruntime/durability"
	"pmruntime/logentry"
	"pmruntime/logmgr"
	"pmruntime/prm"
)

// link records that an acquire (or alloc) entry, at acquireAddr in tid's
// chain, observed a particular release entry as its predecessor.
type link struct {
	acquireAddr uintptr
	tid         uint64
}

type recoverer struct {
	lm *logmgr.Manager
	pm *prm.Manager

	cursor map[uint64]uintptr // current walk position per thread, mutated as we go
	stop   map[uint64]uintptr // boundary already known durable+closed; 0 means walk to chain start
	done   map[uint64]bool
	acqSeen map[uintptr]bool // acquire/alloc entries already visited, to dedupe recursive jumps
	r2a    map[uintptr][]link

	replayed int
}

// Recover undoes progName's log against pm. It returns the number of log
// entries undone and a nil error both when recovery succeeds and when
// there was simply no log to recover from — a process that shut down
// cleanly, or one whose helper thread finished trimming before the crash,
// leaves nothing behind.
func Recover(pm *prm.Manager, progName string) (int, error) {
	lm, err := logmgr.OpenForRecovery(pm, progName)
	if err != nil {
		if errors.Is(err, logmgr.ErrNoLog) {
			return 0, nil
		}
		return 0, fmt.Errorf("recovery: open log region: %w", err)
	}

	r := &recoverer{
		lm:      lm,
		pm:      pm,
		cursor:  lm.ThreadHeads(),
		done:    make(map[uint64]bool),
		acqSeen: make(map[uintptr]bool),
		r2a:     make(map[uintptr][]link),
	}
	r.computeHorizon(r.cursor)
	r.buildR2A()

	for tid := range r.cursor {
		r.recoverThread(tid)
	}

	name := pm.LogRegionName(progName)
	if err := pm.Delete(name); err != nil {
		return r.replayed, fmt.Errorf("recovery: delete exhausted log region: %w", err)
	}
	return r.replayed, nil
}

// computeHorizon recomputes, from the log content alone, how far back each
// thread's chain must be walked on this pass. It never trusts whatever the
// background flusher last published: a thread whose newest failure-atomic
// section was still open at crash loses everything, and a closed thread
// keeps everything except a section a still-open thread reached through the
// release -> acquire rule. This mirrors the horizon original_source's
// recover.cpp establishes with its own helper() call at the start of
// recovery, rather than trusting a possibly stale or never-published
// checkpoint.
func (r *recoverer) computeHorizon(heads map[uint64]uintptr) {
	open := make(map[uint64]bool, len(heads))
	for tid, head := range heads {
		open[tid] = r.openAtCrash(head)
	}

	held := make(map[uintptr]bool)
	for tid, head := range heads {
		if !open[tid] {
			continue
		}
		for _, rel := range r.openFaseReleases(head) {
			held[rel] = true
		}
	}

	r.stop = make(map[uint64]uintptr, len(heads))
	for tid, head := range heads {
		if open[tid] {
			r.stop[tid] = 0
			continue
		}
		r.stop[tid] = r.safeTail(head, held)
	}
}

// openAtCrash reports whether tid's newest failure-atomic section was still
// open when the process crashed, found from the most recent begin/end
// sentinel in its chain. A chain with no sentinel at all never entered one.
func (r *recoverer) openAtCrash(head uintptr) bool {
	cur := head
	for cur != 0 {
		e, ok := r.decode(cur)
		if !ok {
			return false
		}
		switch e.Type {
		case logentry.TypeBeginDurable:
			return true
		case logentry.TypeEndDurable:
			return false
		}
		cur = uintptr(e.Next)
	}
	return false
}

// openFaseReleases returns the release addresses an open thread's still-open
// section has observed through its acquire/alloc entries. A section's
// outermost acquire/alloc entry is appended before its begin-durable
// sentinel, so it sits one entry further back in the chain than the
// sentinel; the walk consumes that one extra entry before stopping.
func (r *recoverer) openFaseReleases(head uintptr) []uintptr {
	var out []uintptr
	cur := head
	sawBegin := false
	for cur != 0 {
		e, ok := r.decode(cur)
		if !ok {
			break
		}
		if logentry.IsAcquire(e.Type) && e.ValueOrPtr != 0 {
			out = append(out, uintptr(e.ValueOrPtr))
		}
		if sawBegin {
			break
		}
		if e.Type == logentry.TypeBeginDurable {
			sawBegin = true
		}
		cur = uintptr(e.Next)
	}
	return out
}

// safeTail walks a closed thread's entire chain and caps how far recovery
// may stop short of undoing: if one of its own closed sections released
// something an open thread elsewhere observed, that section committed
// cleanly on its own but must be undone anyway — including its own
// outermost acquire/alloc entry, one further back than its begin-durable
// sentinel — along with everything appended after it.
func (r *recoverer) safeTail(head uintptr, held map[uintptr]bool) uintptr {
	tail := head
	cur := head
	inFase := false
	faseHeld := false
	sawBegin := false
	for cur != 0 {
		e, ok := r.decode(cur)
		if !ok {
			break
		}
		if sawBegin {
			if faseHeld {
				tail = uintptr(e.Next)
			}
			inFase, sawBegin = false, false
			cur = uintptr(e.Next)
			continue
		}
		switch e.Type {
		case logentry.TypeEndDurable:
			inFase = true
			faseHeld = false
		case logentry.TypeBeginDurable:
			sawBegin = true
		default:
			if inFase && logentry.IsRelease(e.Type) && held[cur] {
				faseHeld = true
			}
		}
		cur = uintptr(e.Next)
	}
	return tail
}

// buildR2A scans each thread's pending suffix once, recording every
// acquire/alloc entry's observed predecessor release so recoverThread can
// chase it without a second pass over the chain.
func (r *recoverer) buildR2A() {
	for tid, head := range r.cursor {
		stop := r.stop[tid]
		cur := head
		for cur != 0 && cur != stop {
			e, ok := r.decode(cur)
			if !ok {
				break
			}
			if logentry.IsAcquire(e.Type) && e.ValueOrPtr != 0 {
				relAddr := uintptr(e.ValueOrPtr)
				r.r2a[relAddr] = append(r.r2a[relAddr], link{acquireAddr: cur, tid: tid})
			}
			cur = uintptr(e.Next)
		}
	}
}

func (r *recoverer) decode(addr uintptr) (logentry.Entry, bool) {
	return logentry.Decode(r.lm.Arena().Bytes(addr, logentry.Size))
}

// recoverThread undoes tid's chain from its current cursor down to its
// stop boundary. A release or free entry first chases every acquire/alloc
// elsewhere that is known to have observed it — those must be undone
// before this thread's own earlier entries are, since they happened after
// this release in the happens-before order being unwound.
func (r *recoverer) recoverThread(tid uint64) {
	if r.done[tid] {
		return
	}
	cur, ok := r.cursor[tid]
	if !ok {
		r.done[tid] = true
		return
	}
	stop := r.stop[tid]

	for cur != 0 && cur != stop {
		e, ok := r.decode(cur)
		if !ok {
			// A torn write: this entry and everything before it in the
			// chain was never made durable. Nothing further to undo.
			break
		}

		switch {
		case logentry.IsRelease(e.Type):
			for _, l := range r.r2a[cur] {
				if !r.acqSeen[l.acquireAddr] {
					r.cursor[tid] = uintptr(e.Next)
					r.recoverThread(l.tid)
				}
			}
			if e.Type == logentry.TypeFree {
				r.replay(e)
			}
		case logentry.IsAcquire(e.Type):
			if e.Type == logentry.TypeAlloc {
				r.replay(e)
			}
			r.acqSeen[cur] = true
		case logentry.IsDataOp(e.Type):
			r.replay(e)
		}

		cur = uintptr(e.Next)
		r.cursor[tid] = cur
	}
	r.done[tid] = true
}

// replay writes e's undo value back to the region it targets, demand-
// mapping that region first if this is the first address recovery has
// touched in it.
func (r *recoverer) replay(e logentry.Entry) {
	addr := uintptr(e.Addr)
	if _, _, err := r.pm.EnsureMapped(addr); err != nil {
		return
	}

	switch {
	case e.Type == logentry.TypeAlloc:
		r.writeByte(addr, 0) // undo allocation: mark the flag not-allocated
	case e.Type == logentry.TypeFree:
		r.writeByte(addr, 1) // undo de-allocation: mark the flag allocated
	case logentry.IsDataOp(e.Type):
		r.replayData(e)
	}
	r.replayed++
}

func (r *recoverer) writeByte(addr uintptr, v byte) {
	dst, err := r.pm.Bytes(addr, 1)
	if err != nil {
		return
	}
	dst[0] = v
	durability.Barrier(bytePtr(dst), 1)
}

// replayData restores a data-op entry's target range. A scalar Str entry
// carries its old value directly in ValueOrPtr; a bulk op (memset/memcpy/
// memmove/strcpy/strcat) instead points at a side buffer in the log
// region's own arena holding the full old byte range.
func (r *recoverer) replayData(e logentry.Entry) {
	addr := uintptr(e.Addr)
	n := uintptr(e.Size32)
	if n == 0 {
		return
	}
	dst, err := r.pm.Bytes(addr, n)
	if err != nil {
		return
	}

	if e.Type == logentry.TypeStr {
		for i := uintptr(0); i < n && i < 8; i++ {
			dst[i] = byte(e.ValueOrPtr >> (8 * i))
		}
	} else {
		copy(dst, r.lm.Arena().Bytes(uintptr(e.ValueOrPtr), n))
	}
	durability.Barrier(bytePtr(dst), n)
}

func bytePtr(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}
