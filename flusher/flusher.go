// Package flusher runs the background helper that periodically advances the
// durable-flush boundary of every thread's undo log, so recovery after a
// crash has to walk less of each chain than "from the very beginning".
//
// It never frees anything — alloc.Arena has no free-list — so "reclaiming
// the flushed prefix" here means only one thing: publishing a header that
// tells recovery which chain entries are already known-flushed and can be
// skipped. The header itself is double-buffered and republished with the
// same write-then-flush-then-swap-the-pointer discipline
// storage_engine/checkpoint_manager.SaveCheckpoint uses for its
// write-temp-fsync-rename cycle, just against two on-PM buffers instead of
// two file paths.
package flusher

import (
	"encoding/binary"
	"os"
	"sync"
	"unsafe"

	"pmruntime/alloc"
	"pmruntime/durability"
	"pmruntime/logentry"
	"pmruntime/logwriter"
	"pmruntime/prm"
)

// LogManager is the slice of *logmgr.Manager the flusher needs. It is
// spelled out as an interface here (rather than importing pmruntime/logmgr
// directly) so logmgr can in turn import flusher to call Notify at the
// points a FASE closes, without the two packages importing each other.
type LogManager interface {
	Writers() []*logwriter.Writer
	Arena() *alloc.Arena
	PRM() *prm.Manager
	RecoveryHeaderBase() uint64
	SetRecoveryHeaderBase(addr uint64)
}

// headerSlotSize is the on-PM footprint of one recovery header buffer: one
// safe-tail address per possible thread. It mirrors logmgr's own thread
// directory layout so the two are trivially zippable during recovery.
const maxThreads = 256
const headerSlotSize = maxThreads * 8

// Flusher owns the background goroutine and the two header buffers it
// ping-pongs between.
type Flusher struct {
	mgr LogManager

	mu       sync.Mutex
	signal   chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
	buffers  [2]uintptr
	useTable bool
}

var (
	currentMu sync.Mutex
	current   *Flusher
)

// Start allocates the two header buffers (once per process; a restart does
// not reuse a prior run's buffers, the same "never bothers reclaiming old
// arena bytes" trade-off alloc.Arena already makes). USE_TABLE_FLUSH selects
// which of the two startup modes owns data durability: unset, callers are
// expected to issue their own synchronous nvm_barrier after every store and
// no helper goroutine is needed, so FlushNow must be called explicitly by
// whoever wants the recovery header advanced; set, callers skip the
// per-store barrier and this helper's background loop batches the data-
// cache-line flush and the header advance together, trading per-store
// latency for throughput.
func Start(mgr LogManager) (*Flusher, error) {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current != nil {
		return current, nil
	}

	a := mgr.Arena()
	b0, err := a.Alloc(headerSlotSize)
	if err != nil {
		return nil, err
	}
	b1, err := a.Alloc(headerSlotSize)
	if err != nil {
		return nil, err
	}

	f := &Flusher{
		mgr:      mgr,
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		buffers:  [2]uintptr{b0, b1},
		useTable: os.Getenv("USE_TABLE_FLUSH") == "1",
	}
	current = f

	if f.useTable {
		f.wg.Add(1)
		go f.loop()
	}
	return f, nil
}

// Current returns the process-wide Flusher, or nil if Start was never
// called.
func Current() *Flusher {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current
}

// Notify wakes the background loop after a FASE closes. It is a no-op if no
// Flusher is running, no loop is running in this mode, or the loop is
// already scheduled to wake — the loop always re-scans every writer's
// current state, so coalescing notifications loses nothing.
func Notify() {
	f := Current()
	if f == nil || !f.useTable {
		return
	}
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// Stop clears the process-wide Flusher and, when a background loop is
// running, closes its stop channel (the loop runs one last FlushNow as it
// exits) and joins it.
func Stop() {
	currentMu.Lock()
	f := current
	current = nil
	currentMu.Unlock()
	if f == nil {
		return
	}
	if f.useTable {
		close(f.stop)
		f.wg.Wait()
	}
}

func (f *Flusher) loop() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stop:
			f.FlushNow()
			return
		case <-f.signal:
			f.FlushNow()
		}
	}
}

// FlushNow runs one round of the five-step advance:
//  1. snapshot every session's current chain tail, and the previous header's
//     tail for each, so step 2 only walks the newly-appended suffix
//  2. keep only the tails that sit outside an open FASE and outside a
//     closed FASE whose own release a still-open thread elsewhere reached
//     through the release -> acquire rule — the boundary recovery is told
//     about must never let it skip past either
//  3. flush the data cache lines the newly-covered entries reference, then
//     the log region's own cache lines, and drain both
//  4. build the next header generation in the buffer that is not currently
//     published
//  5. publish it: this single flushed-and-fenced pointer swap is the
//     "reclaim" — nothing is actually freed, the log's tail is simply no
//     longer something recovery needs to walk past
func (f *Flusher) FlushNow() {
	writers := f.mgr.Writers()
	arena := f.mgr.Arena()

	prevHeader := f.mgr.RecoveryHeaderBase()
	prevTails := make(map[uint64]uintptr, len(writers))
	if prevHeader != 0 {
		prevBuf := arena.Bytes(uintptr(prevHeader), headerSlotSize)
		for _, w := range writers {
			tid := w.Tid()
			if tid >= maxThreads {
				continue
			}
			prevTails[tid] = uintptr(binary.LittleEndian.Uint64(prevBuf[tid*8 : tid*8+8]))
		}
	}

	held := f.heldReleases(writers)

	next := f.nextBuffer()
	buf := arena.Bytes(next, headerSlotSize)
	if prevHeader != 0 {
		copy(buf, arena.Bytes(uintptr(prevHeader), headerSlotSize))
	} else {
		for i := range buf {
			buf[i] = 0
		}
	}

	for _, w := range writers {
		if w.InFase() {
			// Leave this thread's slot at whatever it carried forward from
			// the previous header: its newest safe point predates the
			// still-open section.
			continue
		}
		tid := w.Tid()
		if tid >= maxThreads {
			continue
		}
		tail := f.safeTail(w.Head(), prevTails[tid], held)
		f.flushDataBetween(tail, prevTails[tid])
		binary.LittleEndian.PutUint64(buf[tid*8:tid*8+8], uint64(tail))
	}

	durability.Barrier(unsafe.Pointer(&buf[0]), headerSlotSize)
	durability.Drain()

	f.mgr.SetRecoveryHeaderBase(uint64(next))
}

// heldReleases collects, from every writer still inside an open FASE, the
// release addresses that FASE's own acquire/alloc entries observed. A
// closed FASE elsewhere that produced one of these releases cannot be
// treated as safe: the open thread reached it, so undoing the open thread
// without also undoing that release would leave a state the open thread
// itself never actually observed.
func (f *Flusher) heldReleases(writers []*logwriter.Writer) map[uintptr]bool {
	held := make(map[uintptr]bool)
	for _, w := range writers {
		if !w.InFase() {
			continue
		}
		cur := w.Head()
		sawBegin := false
		for cur != 0 {
			e, ok := f.decode(cur)
			if !ok {
				break
			}
			if logentry.IsAcquire(e.Type) && e.ValueOrPtr != 0 {
				held[uintptr(e.ValueOrPtr)] = true
			}
			if sawBegin {
				break
			}
			if e.Type == logentry.TypeBeginDurable {
				sawBegin = true
			}
			cur = uintptr(e.Next)
		}
	}
	return held
}

// safeTail walks a closed writer's chain from head back to its previously
// published tail (exclusive) and caps how far this round may advance: if a
// FASE in that span released something in held, the cut moves to before
// that FASE's own outermost acquire/alloc entry — one further back than its
// begin-durable sentinel, which is appended right after it — instead of
// past it.
func (f *Flusher) safeTail(head, prevTail uintptr, held map[uintptr]bool) uintptr {
	tail := head
	cur := head
	inFase := false
	faseHeld := false
	sawBegin := false
	for cur != 0 && cur != prevTail {
		e, ok := f.decode(cur)
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

// flushDataBetween flushes the target range of every data-op entry in
// (to, from] to the persistence domain — the newly-committed suffix a
// round of FlushNow is about to mark safe. Callers relying on
// USE_TABLE_FLUSH's batched mode skip their own per-store barrier, so this
// is the only place that data ever gets flushed for them.
func (f *Flusher) flushDataBetween(from, to uintptr) {
	cur := from
	for cur != 0 && cur != to {
		e, ok := f.decode(cur)
		if !ok {
			break
		}
		if logentry.IsDataOp(e.Type) && e.Size32 > 0 {
			if data, err := f.mgr.PRM().Bytes(uintptr(e.Addr), uintptr(e.Size32)); err == nil && len(data) > 0 {
				durability.CacheLineFlush(unsafe.Pointer(&data[0]), uintptr(e.Size32))
			}
		}
		cur = uintptr(e.Next)
	}
	durability.Drain()
}

// decode reads back the log entry at addr through the log region's own
// arena, the same view logwriter wrote it through.
func (f *Flusher) decode(addr uintptr) (logentry.Entry, bool) {
	if addr == 0 {
		return logentry.Entry{}, false
	}
	return logentry.Decode(f.mgr.Arena().Bytes(addr, logentry.Size))
}

// nextBuffer returns whichever of the two header buffers is not the one
// currently published, so FlushNow never overwrites the header a concurrent
// crash might still be reading through the region's root.
func (f *Flusher) nextBuffer() uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.mgr.RecoveryHeaderBase()
	if uintptr(cur) == f.buffers[0] {
		return f.buffers[1]
	}
	return f.buffers[0]
}
